package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresOptions holds connection parameters for the postgres driver.
type PostgresOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
	SSLMode  string
}

// DSN builds a postgres:// connection URL. Credentials are URL-encoded.
func (o PostgresOptions) DSN() string {
	host := o.Host
	if host == "" {
		host = "localhost"
	}
	port := o.Port
	if port == 0 {
		port = 5432
	}
	u := &url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + o.Database,
	}
	if o.Username != "" || o.Password != "" {
		u.User = url.UserPassword(o.Username, o.Password)
	}
	if o.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{o.SSLMode}}.Encode()
	}
	return u.String()
}

// OpenPostgres connects through pgx's database/sql driver and bootstraps the schema.
func OpenPostgres(ctx context.Context, opts PostgresOptions) (*Store, error) {
	if opts.Database == "" {
		return nil, fmt.Errorf("postgres database name is empty")
	}

	db, err := sql.Open("pgx", opts.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres %s:%d: %w", opts.Host, opts.Port, err)
	}

	st := &Store{DB: db, Dialect: DialectPostgres}
	if err := Bootstrap(ctx, st); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func postgresSchema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS log (
  id         BIGSERIAL PRIMARY KEY,
  node       TEXT NOT NULL,
  status     TEXT NOT NULL,
  message    TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
		`CREATE INDEX IF NOT EXISTS log_node_created_at_idx ON log(node, created_at);`,
	}
}
