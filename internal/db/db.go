package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Config holds the PostgreSQL connection settings, resolved from the
// environment by the config package.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN renders the lib/pq connection string.
func (c Config) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, sslmode)
}

// Store owns the database handle for one run. It is created before the sync
// loop starts and closed on every exit path by the caller.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection. The pool is kept
// small: at most 10 connections, idle ones recycled after five minutes.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	handle, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}
	handle.SetMaxOpenConns(10)
	handle.SetMaxIdleConns(1)
	handle.SetConnMaxIdleTime(5 * time.Minute)

	if err := handle.PingContext(ctx); err != nil {
		handle.Close()
		return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.DBName, err)
	}
	return &Store{db: handle}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// tableExists checks the public schema for a table or view with this name.
func (s *Store) tableExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public'
			AND table_name = $1
		)
	`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("db: check table %q: %w", name, err)
	}
	return exists, nil
}

// isView reports whether the named relation is a view rather than a base table.
func (s *Store) isView(ctx context.Context, name string) (bool, error) {
	var tableType string
	err := s.db.QueryRowContext(ctx, `
		SELECT table_type FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name = $1
	`, name).Scan(&tableType)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("db: check view %q: %w", name, err)
	}
	return tableType == "VIEW", nil
}
