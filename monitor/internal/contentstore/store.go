// Package contentstore is the append-only store of raw page snapshots
// (raw.db). Each row is one fetch of one target, identified by an
// autoincrement id and the natural key (target_id, fetched_at), and carries a
// versioned content hash of the fetched bytes.
//
// The same database also holds the per-invocation scrape_runs log. The
// batch checkpoint and extraction retry queue live in raw.db too but are
// owned by their own packages.
package contentstore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
)

// HashAlgo names the content hash algorithm and its version. Hashes carrying
// a different algorithm tag are never compared directly.
const HashAlgo = "sha256/v1"

// Snapshot statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ErrOutOfOrder is returned by PutSnapshot when fetchedAt is older than the
// newest snapshot already stored for the target.
var ErrOutOfOrder = errors.New("contentstore: snapshot older than latest for target")

// Schema is the raw.db snapshot and run schema.
const Schema = `
CREATE TABLE IF NOT EXISTS snapshots (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    target_id     TEXT NOT NULL,
    fetched_at    INTEGER NOT NULL,
    content_hash  TEXT NOT NULL,
    hash_algo     TEXT NOT NULL,
    raw_content   BLOB,
    status        TEXT NOT NULL CHECK (status IN ('ok', 'error')),
    status_code   INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL,
    UNIQUE (target_id, fetched_at)
);
CREATE INDEX IF NOT EXISTS idx_snapshots_target_hash ON snapshots(target_id, content_hash);
CREATE INDEX IF NOT EXISTS idx_snapshots_target_time ON snapshots(target_id, status, fetched_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS scrape_runs (
    id              TEXT PRIMARY KEY,
    job             TEXT NOT NULL,
    status          TEXT NOT NULL,
    started_at      INTEGER NOT NULL,
    finished_at     INTEGER,
    units_processed INTEGER NOT NULL DEFAULT 0,
    units_changed   INTEGER NOT NULL DEFAULT 0,
    errors_count    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_scrape_runs_started ON scrape_runs(started_at DESC);
`

// Store wraps raw.db.
type Store struct {
	DB *sql.DB
}

// New creates a Store from an opened database. The schema is applied.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// HashContent returns the hex content hash of raw under HashAlgo.
func HashContent(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
