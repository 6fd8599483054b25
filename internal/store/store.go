package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// setting is a connection pragma and the value it reads back as.
type setting struct {
	name, value, readBack string
}

// settings are applied to the single connection on open. journal_mode
// reads back as "memory" for in-memory databases and is not checked.
var settings = []setting{
	{"journal_mode", "WAL", ""},
	{"synchronous", "NORMAL", "1"},
	{"busy_timeout", "5000", "5000"},
	{"foreign_keys", "ON", "1"},
}

// migration upgrades a database created by an older schema.sql.
type migration struct {
	name string
	stmt string
}

// migrations[i] brings user_version from i to i+1. Statements must be
// safe to run over schema.sql, since fresh databases run them all.
var migrations = []migration{
	{
		name: "lock sweep index",
		stmt: `CREATE INDEX IF NOT EXISTS idx_locks_sweep ON locks(status, expires_at)`,
	},
}

// SchemaVersion is the user_version of a fully migrated database.
func SchemaVersion() int { return len(migrations) }

// Store is the SQLite database holding governance records, locks, token
// redemptions and the audit trail.
type Store struct {
	db *sql.DB
}

// Open opens the database at path, creating it if needed, and brings
// its schema up to date. Opening an existing database again is safe.
//
// The pool is one connection: SQLite serializes writers anyway, and a
// single connection keeps in-memory databases shared across calls.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) init() error {
	if err := s.db.Ping(); err != nil {
		return err
	}
	for _, st := range settings {
		if _, err := s.db.Exec("PRAGMA " + st.name + " = " + st.value); err != nil {
			return fmt.Errorf("pragma %s: %w", st.name, err)
		}
	}
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return s.migrate()
}

// migrate runs the migrations past the stored user_version, each in its
// own transaction together with the version bump.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for v := version; v < len(migrations); v++ {
		m := migrations[v]
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", v+1, m.name, err)
		}
		if _, err := tx.Exec(m.stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", v+1, m.name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", v+1, m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d (%s): %w", v+1, m.name, err)
		}
	}
	return nil
}

// Close closes the database. Closing a zero Store is a no-op.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the connection for tests and one-off maintenance.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Health checks that the database answers, is at the current schema
// version and still enforces the connection settings.
func (s *Store) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	version, err := s.pragma(ctx, "user_version")
	if err != nil {
		return err
	}
	if want := fmt.Sprint(SchemaVersion()); version != want {
		return fmt.Errorf("schema version %s, want %s", version, want)
	}
	for _, st := range settings {
		if st.readBack == "" {
			continue
		}
		got, err := s.pragma(ctx, st.name)
		if err != nil {
			return err
		}
		if got != st.readBack {
			return fmt.Errorf("pragma %s = %s, want %s", st.name, got, st.readBack)
		}
	}
	return nil
}

func (s *Store) pragma(ctx context.Context, name string) (string, error) {
	var value string
	if err := s.db.QueryRowContext(ctx, "PRAGMA "+name).Scan(&value); err != nil {
		return "", fmt.Errorf("read pragma %s: %w", name, err)
	}
	return value, nil
}
