package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

var _ ValueStore = (*MemStore)(nil)

type valueKey struct {
	session string
	node    string
	output  int
}

// MemStore is a ValueStore held in process memory.
type MemStore struct {
	mu     sync.RWMutex
	values map[valueKey]*Value
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{values: make(map[valueKey]*Value)}
}

func copyValue(v *Value) *Value {
	c := *v
	c.Desc = v.Desc.Clone()
	c.Data = append([]byte(nil), v.Data...)
	c.fillView()
	return &c
}

func (m *MemStore) PutValue(_ context.Context, v *Value) error {
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[valueKey{v.SessionID, v.Node, v.Output}] = copyValue(v)
	return nil
}

func (m *MemStore) GetValue(_ context.Context, sessionID, node string, output int) (*Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[valueKey{sessionID, node, output}]
	if !ok {
		return nil, ErrNotFound
	}
	return copyValue(v), nil
}

func (m *MemStore) ListValues(_ context.Context, sessionID string) ([]*Value, error) {
	m.mu.RLock()
	var out []*Value
	for k, v := range m.values {
		if k.session == sessionID {
			out = append(out, copyValue(v))
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Value) int {
		if c := strings.Compare(a.Node, b.Node); c != 0 {
			return c
		}
		return a.Output - b.Output
	})
	return out, nil
}

func (m *MemStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.values {
		if k.session == sessionID {
			delete(m.values, k)
		}
	}
	return nil
}

func (m *MemStore) Close() error {
	return nil
}
