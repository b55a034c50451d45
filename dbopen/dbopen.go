// Package dbopen opens SQLite databases with production-safe pragmas.
//
// foreign_keys and busy_timeout are per-connection in SQLite, so with the
// modernc driver every pragma goes into the DSN as _pragma parameters and
// runs on each connection the pool opens. Other drivers get them through
// EXEC, which only reaches one pooled connection.
//
// Default pragmas:
//
//	foreign_keys = ON
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
//
// Usage:
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("kwrank.db", dbopen.WithMkdirAll(), dbopen.WithInit(combos.ApplySchema))
//
// In tests:
//
//	db := dbopen.OpenMemory(t)
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type config struct {
	driver       string
	busyTimeout  int
	synchronous  string
	foreignKeys  bool
	mkdirAll     bool
	maxOpenConns int
	schemas      []string
	inits        []func(*sql.DB) error
	ping         bool
}

func defaults() config {
	return config{
		driver:      "sqlite",
		busyTimeout: 10_000,
		synchronous: "NORMAL",
		foreignKeys: true,
		ping:        true,
	}
}

// Option customises Open behaviour.
type Option func(*config)

// WithDriver sets the database/sql driver name. Default: "sqlite".
func WithDriver(name string) Option { return func(c *config) { c.driver = name } }

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithMaxOpenConns caps the pool size. 0 keeps the database/sql default.
func WithMaxOpenConns(n int) Option { return func(c *config) { c.maxOpenConns = n } }

// WithSchema queues inline SQL to execute after pragmas are applied.
func WithSchema(s string) Option { return func(c *config) { c.schemas = append(c.schemas, s) } }

// WithInit queues a function run after inline schemas, typically a package's
// ApplySchema.
func WithInit(fn func(*sql.DB) error) Option {
	return func(c *config) { c.inits = append(c.inits, fn) }
}

// WithoutPing skips the db.Ping() verification after opening.
func WithoutPing() Option { return func(c *config) { c.ping = false } }

// WithoutForeignKeys disables PRAGMA foreign_keys (rarely needed).
func WithoutForeignKeys() Option { return func(c *config) { c.foreignKeys = false } }

// Open opens an SQLite database at path with production-safe pragmas.
// The caller must blank-import the driver (modernc.org/sqlite) before calling Open.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	dsn := path
	if cfg.driver == "sqlite" {
		dsn = pragmaDSN(path, &cfg)
	}
	db, err := sql.Open(cfg.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}
	if cfg.maxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.maxOpenConns)
	}

	if cfg.driver != "sqlite" {
		if err := applyPragmas(db, &cfg); err != nil {
			db.Close()
			return nil, err
		}
	}

	for _, s := range cfg.schemas {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: exec schema: %w", err)
		}
	}

	for _, fn := range cfg.inits {
		if err := fn(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: init: %w", err)
		}
	}

	if cfg.ping {
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: ping: %w", err)
		}
	}

	return db, nil
}

// OpenMemory opens an in-memory SQLite database for testing.
// It sets MaxOpenConns(1) to ensure all queries hit the same in-memory
// database (each connection to ":memory:" creates a separate database).
// It registers t.Cleanup to close the database automatically.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	opts = append([]Option{WithMaxOpenConns(1)}, opts...)
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// pragmaList orders busy_timeout first so the journal_mode switch waits on
// a locked file instead of failing.
func pragmaList(cfg *config) []string {
	fk := 1
	if !cfg.foreignKeys {
		fk = 0
	}
	return []string{
		fmt.Sprintf("busy_timeout(%d)", cfg.busyTimeout),
		fmt.Sprintf("foreign_keys(%d)", fk),
		"journal_mode(WAL)",
		fmt.Sprintf("synchronous(%s)", cfg.synchronous),
	}
}

// pragmaDSN appends the pragmas as modernc _pragma query parameters.
func pragmaDSN(path string, cfg *config) string {
	var b strings.Builder
	b.WriteString(path)
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	for _, p := range pragmaList(cfg) {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

func applyPragmas(db *sql.DB, cfg *config) error {
	for _, p := range pragmaList(cfg) {
		p = "PRAGMA " + strings.Replace(strings.TrimSuffix(p, ")"), "(", " = ", 1)
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("dbopen: %s: %w", p, err)
		}
	}
	return nil
}
