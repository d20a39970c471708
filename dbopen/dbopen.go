// Package dbopen opens the three pagewatch SQLite databases (raw,
// processed, intelligence) with a shared pragma profile and runs the
// store schemas on open. Pragmas travel as _pragma DSN parameters so the
// modernc driver applies them to every pooled connection, including the
// ones opened through the tracing driver registered by package trace.
//
// Default profile:
//
//	foreign_keys       = ON
//	journal_mode       = WAL
//	busy_timeout       = 10000
//	synchronous        = NORMAL
//	journal_size_limit = 67108864
//
// Usage:
//
//	db, err := dbopen.OpenContext(ctx, "data/raw.db", dbopen.WithMkdirAll(), dbopen.WithSchema(schema))
//
// In tests:
//
//	db := dbopen.OpenMemory(t, dbopen.WithSchema(schema))
package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

// Memory is the path of a private in-memory database.
const Memory = ":memory:"

type pragma struct {
	name  string
	value string
}

type config struct {
	driver   string
	pragmas  []pragma
	mkdirAll bool
	schemas  []string
	maxConns int
}

func defaults() config {
	return config{
		driver: "sqlite",
		pragmas: []pragma{
			{"foreign_keys", "ON"},
			{"journal_mode", "WAL"},
			{"busy_timeout", "10000"},
			{"synchronous", "NORMAL"},
			{"journal_size_limit", strconv.Itoa(64 << 20)},
		},
	}
}

// set replaces a pragma in place, or appends it, so the profile order is
// stable across options.
func (c *config) set(name, value string) {
	for i := range c.pragmas {
		if c.pragmas[i].name == name {
			c.pragmas[i].value = value
			return
		}
	}
	c.pragmas = append(c.pragmas, pragma{name, value})
}

// Option customises Open behaviour.
type Option func(*config)

// WithDriver sets the database/sql driver name. Default: "sqlite".
func WithDriver(name string) Option { return func(c *config) { c.driver = name } }

// WithPragma sets or overrides one pragma of the profile.
func WithPragma(name, value string) Option { return func(c *config) { c.set(name, value) } }

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds.
func WithBusyTimeout(ms int) Option { return WithPragma("busy_timeout", strconv.Itoa(ms)) }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithSchema queues SQL to run after the pragmas. Schemas run in order.
func WithSchema(s string) Option { return func(c *config) { c.schemas = append(c.schemas, s) } }

// WithMaxOpenConns caps the pool. Zero leaves database/sql's default.
func WithMaxOpenConns(n int) Option { return func(c *config) { c.maxConns = n } }

// Open is OpenContext with a background context.
func Open(path string, opts ...Option) (*sql.DB, error) {
	return OpenContext(context.Background(), path, opts...)
}

// OpenContext opens the database at path, applies the pragma profile and
// runs the queued schemas. On any failure the handle is closed.
func OpenContext(ctx context.Context, path string, opts ...Option) (*sql.DB, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open(cfg.driver, dsn(path, cfg.pragmas))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	if cfg.maxConns > 0 {
		db.SetMaxOpenConns(cfg.maxConns)
	}
	if err := prepare(ctx, db, &cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: %s: %w", path, err)
	}
	return db, nil
}

func dsn(path string, pragmas []pragma) string {
	q := make(url.Values)
	for _, p := range pragmas {
		q.Add("_pragma", p.name+"("+p.value+")")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

func prepare(ctx context.Context, db *sql.DB, cfg *config) error {
	for i, s := range cfg.schemas {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("schema %d: %w", i, err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// OpenMemory opens an in-memory database for tests and closes it on
// t.Cleanup. The pool is pinned to one connection because each connection
// to ":memory:" is its own database.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(Memory, append(opts, WithMaxOpenConns(1))...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
