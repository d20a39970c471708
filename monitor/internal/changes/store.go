// Package changes stores monitored targets and the change records derived
// from consecutive snapshots (intelligence.db).
package changes

import (
	"database/sql"
)

// Schema is the intelligence.db schema.
const Schema = `
CREATE TABLE IF NOT EXISTS targets (
    id                   TEXT PRIMARY KEY,
    group_name           TEXT NOT NULL,
    name                 TEXT NOT NULL,
    url                  TEXT NOT NULL,
    selectors            TEXT NOT NULL DEFAULT '[]',
    extract_mode         TEXT NOT NULL DEFAULT '',
    labels               TEXT NOT NULL DEFAULT '{}',
    enabled              INTEGER NOT NULL DEFAULT 1,
    baseline_snapshot_id INTEGER,
    created_at           INTEGER NOT NULL,
    updated_at           INTEGER NOT NULL,
    UNIQUE (group_name, name, url)
);

CREATE TABLE IF NOT EXISTS change_records (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    target_id          TEXT NOT NULL,
    detected_at        INTEGER NOT NULL,
    change_type        TEXT NOT NULL,
    old_snapshot_id    INTEGER,
    new_snapshot_id    INTEGER,
    magnitude_score    REAL NOT NULL DEFAULT 0,
    magnitude_category TEXT NOT NULL DEFAULT '',
    length_delta       INTEGER NOT NULL DEFAULT 0,
    similarity         REAL NOT NULL DEFAULT 0,
    should_alert       INTEGER NOT NULL DEFAULT 0,
    relevance_score    REAL,
    summary            TEXT NOT NULL DEFAULT '',
    diff_summary       TEXT NOT NULL DEFAULT '{}',
    needs_review       INTEGER NOT NULL DEFAULT 0,
    review_reason      TEXT NOT NULL DEFAULT '',
    created_at         INTEGER NOT NULL,
    UNIQUE (target_id, new_snapshot_id)
);
CREATE INDEX IF NOT EXISTS idx_changes_target ON change_records(target_id, detected_at DESC);
CREATE INDEX IF NOT EXISTS idx_changes_detected ON change_records(detected_at DESC);
CREATE INDEX IF NOT EXISTS idx_changes_review ON change_records(needs_review) WHERE needs_review = 1;
`

// Store wraps intelligence.db.
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

type scanner interface {
	Scan(dest ...any) error
}
