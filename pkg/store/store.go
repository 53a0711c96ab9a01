// Package store is the PostgreSQL persistence layer: executions, step
// records, the append-only event log, leases, and the read-only squad
// catalog tables.
package store

import (
	"context"
	stdsql "database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
)

// Store wraps the database handle and exposes typed operations.
// All methods are safe for concurrent use.
type Store struct {
	db  *sqlx.DB
	dsn string
}

// New opens a pooled connection, verifies it, and applies pending
// migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db.DB, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db, dsn: cfg.DSN()}, nil
}

// NewFromDB wraps an existing handle. Migrations are not run; the caller
// owns the schema. Used by tests.
func NewFromDB(db *stdsql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "pgx")}
}

// DB returns the underlying handle for health checks and the notify
// listener's direct connection needs.
func (s *Store) DB() *stdsql.DB {
	return s.db.DB
}

// DSN returns the connection string, used to open the dedicated LISTEN
// connection outside the pool.
func (s *Store) DSN() string {
	return s.dsn
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
