// Package store provides durable storage for the FSM runtime: the job
// queue, inter-machine events, realtime telemetry records, machine state
// snapshots, and the append-only transition log.
//
// Uses SQLite with WAL mode. Every operation acquires a connection from the
// pool, runs one statement or one transaction, and releases it on all exit
// paths; no connection outlives an operation. This contract is load-bearing:
// long-held connections are how the original runtime leaked descriptors.
package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// DefaultPath is the workspace-relative database location.
const DefaultPath = "data/pipeline.db"

// Store wraps the SQLite database behind typed repository methods.
type Store struct {
	db *sql.DB
}

// Option configures Open.
type Option func(*options)

type options struct {
	schemas []string
}

// WithSchema registers an extra schema fragment executed at startup after
// the core schema. Fragments must be idempotent (CREATE TABLE IF NOT
// EXISTS); user-added tables coexist with the core set.
func WithSchema(ddl string) Option {
	return func(o *options) {
		o.schemas = append(o.schemas, ddl)
	}
}

// Open creates or opens the database at path, creating the containing
// directory if needed. Schema initialization is idempotent.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func Open(path string, opts ...Option) (*Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite supports one writer at a time; a single pooled connection
	// avoids SQLITE_BUSY churn while database/sql still enforces the
	// acquire-per-operation contract.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	if err := applySchema(db, o.schemas); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer the typed repository methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(db *sql.DB, extra []string) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute core schema: %w", err)
	}
	for i, ddl := range extra {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("execute schema fragment %d: %w", i, err)
		}
	}
	return nil
}

// Typed failures surfaced to callers that branch on them.
var (
	// ErrDuplicateJob is returned by CreateJob when the job ID exists.
	ErrDuplicateJob = errors.New("job id already exists")

	// ErrNotFound is returned by point reads when no row matches.
	ErrNotFound = errors.New("not found")
)

// isUniqueViolation reports whether err is a SQLite unique-constraint error.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
