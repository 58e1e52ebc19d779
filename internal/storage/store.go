package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Store is an open database plus the dialect needed to talk to it.
type Store struct {
	DB      *sql.DB
	Dialect Dialect
}

// Options selects and configures a driver.
type Options struct {
	Driver   string
	Path     string // sqlite
	Postgres PostgresOptions
}

// Open connects to the configured driver and bootstraps the outcome log table.
func Open(ctx context.Context, opts Options) (*Store, error) {
	dialect, err := ParseDialect(opts.Driver)
	if err != nil {
		return nil, err
	}
	switch dialect {
	case DialectPostgres:
		return OpenPostgres(ctx, opts.Postgres)
	default:
		return OpenSQLite(ctx, opts.Path)
	}
}

// Begin opens a dispatch Session.
func (s *Store) Begin(ctx context.Context) (*Session, error) {
	return Begin(ctx, s.DB, s.Dialect)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Bootstrap creates the outcome log table and index if missing.
func Bootstrap(ctx context.Context, st *Store) error {
	stmts := sqliteSchema()
	if st.Dialect == DialectPostgres {
		stmts = postgresSchema()
	}
	for _, stmt := range stmts {
		if _, err := st.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap %s: %w", st.Dialect, err)
		}
	}
	return nil
}
