package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pagewatch/dbopen"
)

func TestOpen(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatal(err)
	}
	// :memory: may report "memory" instead of "wal".
	if journalMode != "wal" && journalMode != "memory" {
		t.Fatalf("journal_mode = %q, want wal or memory", journalMode)
	}

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatal(err)
	}
	if busyTimeout != 10_000 {
		t.Fatalf("busy_timeout = %d, want 10000", busyTimeout)
	}
}

func TestWithBusyTimeout(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithBusyTimeout(5000))

	var bt int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&bt); err != nil {
		t.Fatal(err)
	}
	if bt != 5000 {
		t.Fatalf("busy_timeout = %d, want 5000", bt)
	}
}

func TestWithSchema(t *testing.T) {
	schema := `CREATE TABLE test_table (id TEXT PRIMARY KEY, name TEXT);`
	db := dbopen.OpenMemory(t, dbopen.WithSchema(schema))

	if _, err := db.Exec(`INSERT INTO test_table (id, name) VALUES ('1', 'hello')`); err != nil {
		t.Fatalf("insert into schema-created table: %v", err)
	}
}

func TestWithMkdirAll(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sub", "deep", "raw.db")

	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		t.Fatalf("open with mkdirall: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Fatalf("directory not created: %v", err)
	}
}

func TestIsBusy(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("some other error"), false},
		{errors.New("SQLITE_BUSY"), true},
		{errors.New("database is locked"), true},
		{errors.New("database table is locked"), true},
	}
	for _, tt := range tests {
		if got := dbopen.IsBusy(tt.err); got != tt.want {
			t.Errorf("IsBusy(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestIsConstraint_RealViolation(t *testing.T) {
	// WHAT: A duplicate natural key from the driver is recognised as a constraint error.
	// WHY: Stores turn these into idempotent successes instead of failures.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(
		`CREATE TABLE k (a TEXT, b INTEGER, UNIQUE(a, b))`))

	if _, err := db.Exec(`INSERT INTO k (a, b) VALUES ('t', 1)`); err != nil {
		t.Fatal(err)
	}
	_, err := db.Exec(`INSERT INTO k (a, b) VALUES ('t', 1)`)
	if err == nil {
		t.Fatal("expected a constraint error")
	}
	if !dbopen.IsConstraint(err) {
		t.Errorf("IsConstraint(%v) = false, want true", err)
	}
	if dbopen.IsConstraint(errors.New("disk I/O error")) {
		t.Error("IsConstraint should be false for I/O errors")
	}
}

func TestStorageError(t *testing.T) {
	base := errors.New("UNIQUE constraint failed: snapshots.target_id")
	err := dbopen.Wrap("put snapshot", base)

	var se *dbopen.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("Wrap should return *StorageError, got %T", err)
	}
	if !se.Constraint() {
		t.Error("Constraint() = false, want true")
	}
	if !errors.Is(err, base) {
		t.Error("StorageError should unwrap to the driver error")
	}
	if dbopen.Wrap("noop", nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if again := dbopen.Wrap("outer", err); again != err {
		t.Error("Wrap should not double-wrap a StorageError")
	}
}

func TestRunTx(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE tx_test (id TEXT PRIMARY KEY, val TEXT)`))
	ctx := context.Background()

	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO tx_test (id, val) VALUES ('1', 'hello')`)
		return err
	})
	if err != nil {
		t.Fatalf("RunTx: %v", err)
	}

	var val string
	if err := db.QueryRow(`SELECT val FROM tx_test WHERE id = '1'`).Scan(&val); err != nil {
		t.Fatal(err)
	}
	if val != "hello" {
		t.Fatalf("val = %q, want hello", val)
	}
}

func TestRunTx_RollbackOnError(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE tx_test (id TEXT PRIMARY KEY)`))
	ctx := context.Background()

	wantErr := errors.New("boom")
	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO tx_test (id) VALUES ('1')`); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("RunTx error = %v, want %v", err, wantErr)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM tx_test`).Scan(&n)
	if n != 0 {
		t.Fatalf("rows after rollback = %d, want 0", n)
	}
}

func TestWithPragma_OverridesProfile(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithPragma("foreign_keys", "OFF"), dbopen.WithPragma("cache_size", "-2000"))

	var fk, cache int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow("PRAGMA cache_size").Scan(&cache); err != nil {
		t.Fatal(err)
	}
	if fk != 0 || cache != -2000 {
		t.Fatalf("pragmas: got foreign_keys=%d cache_size=%d, want 0 and -2000", fk, cache)
	}
}

func TestOpenContext_BadSchemaClosesAndNamesPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed.db")
	_, err := dbopen.OpenContext(context.Background(), path, dbopen.WithSchema(`CREATE TABLE`))
	if err == nil {
		t.Fatal("expected schema error")
	}
	if !strings.Contains(err.Error(), "processed.db") || !strings.Contains(err.Error(), "schema 0") {
		t.Fatalf("error: got %v", err)
	}
}

func TestExec_RetriesBusy(t *testing.T) {
	// WHAT: A writer blocked by another connection's write lock retries and succeeds once it clears.
	// WHY: The orchestrator's workers share one database; a transient lock must not fail a unit.
	old := dbopen.Backoff
	dbopen.Backoff = []time.Duration{20 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond}
	t.Cleanup(func() { dbopen.Backoff = old })

	path := filepath.Join(t.TempDir(), "raw.db")
	db, err := dbopen.Open(path, dbopen.WithBusyTimeout(0), dbopen.WithSchema(`CREATE TABLE k (v INTEGER)`))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	conn, err := db.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(40 * time.Millisecond)
		conn.ExecContext(ctx, `COMMIT`)
		conn.Close()
	}()

	if _, err := dbopen.Exec(ctx, db, `INSERT INTO k (v) VALUES (1)`); err != nil {
		t.Fatalf("exec: %v", err)
	}
}
