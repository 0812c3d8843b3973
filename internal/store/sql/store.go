// Package sqlstore implements pkg/store.Store on top of database/sql,
// for single-node deployments that want durability across restarts
// without standing up Redis.
//
// Reference: spec §4.2 "Relational backend".
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"quantumlife-idempotency/pkg/events"
)

//go:embed schema.sql
var schemaSQL string

// currentSchemaVersion is tracked via PRAGMA user_version so future
// migrations can run incrementally against existing database files.
const currentSchemaVersion = 1

// Store is a SQLite-backed Store. SQLite only supports one writer at a
// time, so the connection pool is pinned to a single connection — the
// same tradeoff the teacher's event-log store makes, and for the same
// reason (avoid SQLITE_BUSY under write contention rather than retry
// around it).
type Store struct {
	db      *sql.DB
	emitter events.Emitter
}

// Config configures the SQLite backend.
type Config struct {
	// Path is the SQLite database file path, or ":memory:" for an
	// ephemeral in-process database (tests, single-shot CLI runs).
	Path string

	// Emitter receives lifecycle events. Defaults to events.NoopEmitter.
	Emitter events.Emitter
}

// Open creates or opens the SQLite database at cfg.Path, applying
// pragmas and migrations. Idempotent — safe to call against an existing
// database file.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}

	return &Store{db: db, emitter: emitter}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("execute %q: %w", p, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations applies incremental schema migrations based on
// PRAGMA user_version. There are no migrations past the initial schema
// yet; the scaffold exists so adding one later doesn't require touching
// Open's call sites.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
