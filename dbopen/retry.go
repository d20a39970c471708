package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Backoff is the wait before each retry of a statement or transaction that
// hit SQLITE_BUSY. Its length is the number of retries.
var Backoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}

// IsBusy reports whether err is an SQLite BUSY or locked condition.
func IsBusy(err error) bool {
	return errContains(err, "SQLITE_BUSY", "database is locked", "database table is locked")
}

// IsConstraint reports whether err is a UNIQUE or PRIMARY KEY violation.
// Stores treat it as proof that a concurrent or retried writer already
// persisted the same natural key.
func IsConstraint(err error) bool {
	return errContains(err,
		"UNIQUE constraint failed",
		"PRIMARY KEY constraint failed",
		"SQLITE_CONSTRAINT_UNIQUE",
		"SQLITE_CONSTRAINT_PRIMARYKEY")
}

// IsDuplicateColumn reports whether err comes from ALTER TABLE ADD COLUMN on
// a column that already exists.
func IsDuplicateColumn(err error) bool {
	return errContains(err, "duplicate column name")
}

func errContains(err error, needles ...string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}

// RunTx runs fn in a transaction, retrying the whole transaction on BUSY.
// fn must not keep state across attempts.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	_, err := withBusyRetry(ctx, func() (struct{}, error) {
		return struct{}{}, runOnce(ctx, db, fn)
	})
	return err
}

// Exec runs one statement, retrying on BUSY.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	return withBusyRetry(ctx, func() (sql.Result, error) {
		return db.ExecContext(ctx, query, args...)
	})
}

func withBusyRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		v, err := fn()
		if err == nil || !IsBusy(err) || attempt >= len(Backoff) {
			return v, err
		}
		t := time.NewTimer(Backoff[attempt])
		select {
		case <-ctx.Done():
			t.Stop()
			var zero T
			return zero, fmt.Errorf("dbopen: retry after busy: %w", ctx.Err())
		case <-t.C:
		}
	}
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}
