package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/dynexec/internal/model"
)

// ErrNotFound is returned when a cached value does not exist.
var ErrNotFound = errors.New("value not found")

// Value is one node output cached in a session's side table. Nodes that
// read another node's data without a structural edge look it up by the
// producer's name and output index.
type Value struct {
	SessionID string           `json:"session_id"`
	Node      string           `json:"node"`
	Output    int              `json:"output"`
	Desc      model.TensorDesc `json:"-"`
	DType     string           `json:"dtype"`
	Shape     []int64          `json:"shape"`
	Data      []byte           `json:"-"`
	Bytes     int              `json:"bytes"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ValueStore defines the session-scoped key-value side table.
type ValueStore interface {
	// PutValue inserts or replaces the value keyed by session, node and output.
	PutValue(ctx context.Context, v *Value) error
	GetValue(ctx context.Context, sessionID, node string, output int) (*Value, error)
	// ListValues returns a session's values ordered by node and output.
	ListValues(ctx context.Context, sessionID string) ([]*Value, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}

func (v *Value) fillView() {
	v.DType = v.Desc.DType.String()
	v.Shape = v.Desc.Shape
	v.Bytes = len(v.Data)
}
