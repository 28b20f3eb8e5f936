package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/dynexec/internal/model"

	_ "modernc.org/sqlite"
)

const createValuesTable = `
CREATE TABLE IF NOT EXISTS session_values (
    session_id  TEXT NOT NULL,
    node        TEXT NOT NULL,
    output      INTEGER NOT NULL,
    dtype       TEXT NOT NULL,
    shape       TEXT NOT NULL,
    data        BLOB,
    updated_at  DATETIME NOT NULL,
    PRIMARY KEY (session_id, node, output)
)`

// Compile-time interface satisfaction check.
var _ ValueStore = (*SQLiteStore)(nil)

// SQLiteStore implements ValueStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createValuesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session_values table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PutValue upserts a cached value.
func (s *SQLiteStore) PutValue(ctx context.Context, v *Value) error {
	shape, err := json.Marshal(v.Desc.Shape)
	if err != nil {
		return fmt.Errorf("encode shape: %w", err)
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_values (session_id, node, output, dtype, shape, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, node, output) DO UPDATE SET
			dtype = excluded.dtype,
			shape = excluded.shape,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		v.SessionID, v.Node, v.Output, v.Desc.DType.String(), string(shape), v.Data, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert value: %w", err)
	}
	return nil
}

// GetValue retrieves one cached value.
func (s *SQLiteStore) GetValue(ctx context.Context, sessionID, node string, output int) (*Value, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, node, output, dtype, shape, data, updated_at
		FROM session_values WHERE session_id = ? AND node = ? AND output = ?`,
		sessionID, node, output,
	)
	v, err := scanValue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get value: %w", err)
	}
	return v, nil
}

// ListValues returns every value cached for sessionID.
func (s *SQLiteStore) ListValues(ctx context.Context, sessionID string) ([]*Value, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, node, output, dtype, shape, data, updated_at
		FROM session_values WHERE session_id = ? ORDER BY node, output`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list values: %w", err)
	}
	defer rows.Close()

	var values []*Value
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan value: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate values: %w", err)
	}
	return values, nil
}

// DeleteSession removes every value cached for sessionID.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_values WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session values: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanValue(sc scanner) (*Value, error) {
	var (
		v     Value
		dtype string
		shape string
	)
	if err := sc.Scan(&v.SessionID, &v.Node, &v.Output, &dtype, &shape, &v.Data, &v.UpdatedAt); err != nil {
		return nil, err
	}
	dt, err := model.ParseDataType(dtype)
	if err != nil {
		return nil, err
	}
	var dims []int64
	if err := json.Unmarshal([]byte(shape), &dims); err != nil {
		return nil, fmt.Errorf("decode shape: %w", err)
	}
	v.Desc = model.TensorDesc{DType: dt, Shape: dims}
	v.fillView()
	return &v, nil
}
