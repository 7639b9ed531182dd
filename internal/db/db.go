package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite connection configured for WAL mode and busy-retry,
// matching the multi-reader/single-writer concurrency model in the design.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if necessary) the SQLite database at path and applies
// pending migrations. Passing ":memory:" opens a private in-memory database,
// used by unit tests.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if path != ":memory:" {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return nil, fmt.Errorf("database path %s is a directory", path)
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
			}
		}
	}

	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	if path == ":memory:" {
		// A single shared connection keeps an in-memory database alive across
		// calls; sql.DB would otherwise open a fresh, empty database per conn.
		conn.SetMaxIdleConns(1)
	}

	d := &DB{conn: conn, path: path}
	if err := d.ApplyMigrations(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

// OpenAndMigrate is an alias of Open retained for callers that want to make
// the migration step explicit at call sites (CLI entrypoints).
func OpenAndMigrate(path string) (*DB, error) {
	return Open(path)
}

// OpenOptions refines how OpenWithOptions opens a database.
type OpenOptions struct {
	// CreateIfNotExists creates the file (and applies migrations) when
	// missing. When false, a missing file is reported as an error instead.
	CreateIfNotExists bool
	// InitSchema is accepted for symmetry with CreateIfNotExists; SLB always
	// migrates on open, so a schema-less "just open the file" mode doesn't
	// exist. Kept as a documented no-op rather than silently ignored.
	InitSchema bool
	// ReadOnly is advisory: callers that pass it are signaling they won't
	// mutate the store (daemon status reads), not that writes are rejected.
	ReadOnly bool
}

// OpenWithOptions opens path honoring OpenOptions.CreateIfNotExists: callers
// that only want to read an existing project database (daemon status checks)
// pass CreateIfNotExists: false so a project that has never run `slb run`
// fails fast instead of creating an empty .slb/state.db as a side effect.
func OpenWithOptions(path string, opts OpenOptions) (*DB, error) {
	if !opts.CreateIfNotExists {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("opening database %s: %w", path, err)
		}
	}
	return Open(path)
}

// OpenProjectDB opens the authoritative store for a project at
// <project>/.slb/state.db.
func OpenProjectDB(projectDir string) (*DB, error) {
	return Open(filepath.Join(projectDir, ".slb", "state.db"))
}

// OpenUserDB opens the per-user replica/history database at ~/.slb/history.db.
func OpenUserDB() (*DB, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}
	return Open(filepath.Join(home, ".slb", "history.db"))
}

// Path returns the filesystem path this DB was opened with.
func (d *DB) Path() string {
	return d.path
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

// Exec executes a statement with no result rows expected.
func (d *DB) Exec(query string, args ...any) (sql.Result, error) {
	if d.conn == nil {
		return nil, fmt.Errorf("database is closed")
	}
	return d.conn.Exec(query, args...)
}

// Query runs a query returning rows.
func (d *DB) Query(query string, args ...any) (*sql.Rows, error) {
	if d.conn == nil {
		return nil, fmt.Errorf("database is closed")
	}
	return d.conn.Query(query, args...)
}

// QueryRow runs a query expected to return at most one row.
func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	return d.conn.QueryRow(query, args...)
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	if d.conn == nil {
		return fmt.Errorf("database is closed")
	}
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ErrNotFound is a sentinel wrapped by entity-specific not-found errors.
var ErrNotFound = errors.New("not found")
