// Package state keeps per-reader JSON state in the reader_state table.
//
// All reads and writes go through the dispatch Session, so a state update made
// while handling a command commits or rolls back together with the outcome log
// entries for that command.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/mattjoyce/placqs/internal/storage"
)

const DefaultMaxStateBytes = 1 << 20 // 1 MiB

// Querier is the subset of *storage.Session the store needs.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	maxStateBytes int
	now           func() time.Time
}

func NewStore() *Store {
	return &Store{
		maxStateBytes: DefaultMaxStateBytes,
		now:           time.Now,
	}
}

// Bootstrap creates reader_state if missing. The table belongs to the plugin
// reader, not to the dispatcher, so it is created by whoever wires plugins in.
func Bootstrap(ctx context.Context, st *storage.Store) error {
	ddl := `CREATE TABLE IF NOT EXISTS reader_state (
  reader     TEXT PRIMARY KEY,
  state      TEXT NOT NULL DEFAULT '{}',
  updated_at TEXT
);`
	if _, err := st.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("bootstrap reader_state: %w", err)
	}
	return nil
}

// Get returns the state object for reader, or an empty map if none is stored.
func (s *Store) Get(ctx context.Context, q Querier, reader string) (map[string]any, error) {
	if reader == "" {
		return nil, fmt.Errorf("reader name is empty")
	}

	var raw string
	err := q.QueryRowContext(ctx, `SELECT state FROM reader_state WHERE reader = ?;`, reader).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read reader state: %w", err)
	}
	return decodeObject([]byte(raw))
}

// ShallowMerge replaces top-level keys of the stored state with updates and
// returns the merged object.
func (s *Store) ShallowMerge(ctx context.Context, q Querier, reader string, updates map[string]any) (map[string]any, error) {
	cur, err := s.Get(ctx, q, reader)
	if err != nil {
		return nil, err
	}
	maps.Copy(cur, updates)

	merged, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("marshal merged state: %w", err)
	}
	if len(merged) > s.maxStateBytes {
		return nil, fmt.Errorf("reader state exceeds max size (%d bytes)", s.maxStateBytes)
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err = q.ExecContext(ctx, `
INSERT INTO reader_state(reader, state, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(reader) DO UPDATE SET
  state = excluded.state,
  updated_at = excluded.updated_at;
`, reader, string(merged), now)
	if err != nil {
		return nil, fmt.Errorf("upsert reader state: %w", err)
	}
	return cur, nil
}

func decodeObject(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("stored reader state is invalid JSON: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
