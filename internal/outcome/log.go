// Package outcome is the append-only audit trail of dispatch attempts.
//
// Entries are written through whatever executor the caller holds, normally the
// dispatch Session, so they commit together with the capability's own writes.
// The package never updates or deletes rows.
package outcome

import (
	"context"
	"fmt"
	"time"

	"github.com/mattjoyce/placqs/internal/storage"
)

// Entry is one row of the outcome log.
type Entry struct {
	ID        int64     `json:"id"`
	Node      string    `json:"node"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Log appends entries for a single node.
type Log struct {
	node    string
	dialect storage.Dialect
}

// New returns a Log bound to node.
func New(node string, dialect storage.Dialect) *Log {
	return &Log{node: node, dialect: dialect}
}

// Node returns the node name stamped on every entry.
func (l *Log) Node() string { return l.node }

// Append writes one entry. created_at is left to the column default.
func (l *Log) Append(ctx context.Context, exec storage.Execer, status, message string) error {
	if status == "" {
		return fmt.Errorf("outcome status is empty")
	}
	query := `INSERT INTO log(node, status, message) VALUES(?, ?, ?);`
	// Session rebinds on its own; a bare *sql.DB or *sql.Tx does not.
	if _, ok := exec.(*storage.Session); !ok {
		query = l.dialect.Rebind(query)
	}
	if _, err := exec.ExecContext(ctx, query, l.node, status, message); err != nil {
		return fmt.Errorf("append outcome: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. An empty node matches all nodes.
// It exists for operators; the dispatcher never reads the log.
func Recent(ctx context.Context, st *storage.Store, node string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, node, status, message, created_at FROM log`
	args := []any{}
	if node != "" {
		query += ` WHERE node = ?`
		args = append(args, node)
	}
	query += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := st.DB.QueryContext(ctx, st.Dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query outcome log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			createdAt any
		)
		if err := rows.Scan(&e.ID, &e.Node, &e.Status, &e.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		e.CreatedAt = parseCreatedAt(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome log: %w", err)
	}
	return entries, nil
}

// Count returns the number of entries for node (all nodes when empty).
func Count(ctx context.Context, st *storage.Store, node string) (int, error) {
	query := `SELECT COUNT(*) FROM log`
	var args []any
	if node != "" {
		query += ` WHERE node = ?`
		args = append(args, node)
	}
	var n int
	if err := st.DB.QueryRowContext(ctx, st.Dialect.Rebind(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outcome log: %w", err)
	}
	return n, nil
}

// sqlite hands back TEXT, pgx hands back time.Time.
func parseCreatedAt(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		return parseTimestamp(t)
	case []byte:
		return parseTimestamp(string(t))
	}
	return time.Time{}
}

func parseTimestamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Reader serves operator reads of the log from a store.
type Reader struct {
	st *storage.Store
}

// NewReader returns a Reader over st.
func NewReader(st *storage.Store) *Reader { return &Reader{st: st} }

// Recent returns up to limit entries for node, newest first. An empty node matches all.
func (r *Reader) Recent(ctx context.Context, node string, limit int) ([]Entry, error) {
	return Recent(ctx, r.st, node, limit)
}

// Ping reports whether the store is reachable.
func (r *Reader) Ping(ctx context.Context) error {
	if err := r.st.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	return nil
}
