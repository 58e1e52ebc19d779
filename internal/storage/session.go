package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Execer is the write surface shared by *sql.DB, *sql.Tx and *Session.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Work is the statement surface of a Session. It cannot commit or roll back,
// so whoever holds it cannot end the transaction it runs in.
type Work interface {
	Execer
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Dialect() Dialect
}

// Session is the unit of work handed to one dispatch. Queries use ?
// placeholders regardless of driver; the session rebinds them.
// A Session is not safe for concurrent use.
type Session struct {
	tx      *sql.Tx
	dialect Dialect
	done    bool
}

// Begin opens a Session on db.
func Begin(ctx context.Context, db *sql.DB, dialect Dialect) (*Session, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Session{tx: tx, dialect: dialect}, nil
}

// Dialect reports the SQL flavour of the session.
func (s *Session) Dialect() Dialect { return s.dialect }

// ExecContext runs a statement inside the session.
func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

// QueryContext runs a query inside the session.
func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.tx.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

// QueryRowContext runs a single-row query inside the session.
func (s *Session) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.tx.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

// Scope returns a Work view of s for code that must not end the session.
func (s *Session) Scope() Work { return scoped{s: s} }

type scoped struct{ s *Session }

func (w scoped) Dialect() Dialect { return w.s.Dialect() }

func (w scoped) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return w.s.ExecContext(ctx, query, args...)
}

func (w scoped) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return w.s.QueryContext(ctx, query, args...)
}

func (w scoped) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return w.s.QueryRowContext(ctx, query, args...)
}

// Savepoint marks a point the session can fall back to without losing earlier writes.
func (s *Session) Savepoint(ctx context.Context, name string) error {
	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	return nil
}

// Release keeps everything written since the savepoint.
func (s *Session) Release(ctx context.Context, name string) error {
	if _, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}

// RollbackTo discards everything written since the savepoint and releases it.
func (s *Session) RollbackTo(ctx context.Context, name string) error {
	if _, err := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return fmt.Errorf("rollback to savepoint %s: %w", name, err)
	}
	return s.Release(ctx, name)
}

// Commit commits pending writes. Calling it twice is an error.
func (s *Session) Commit() error {
	if s.done {
		return sql.ErrTxDone
	}
	s.done = true
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Close rolls back if the session was never committed. It is meant for defer.
func (s *Session) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback tx: %w", err)
	}
	return nil
}
