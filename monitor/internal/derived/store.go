// Package derived is the Derived Content Store (processed.db): at most one
// extracted text representation per snapshot, written by an idempotent
// upsert keyed by snapshot id.
package derived

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/pagewatch/dbopen"
)

// Schema is the processed.db schema.
const Schema = `
CREATE TABLE IF NOT EXISTS extracted_content (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    snapshot_id    INTEGER NOT NULL UNIQUE,
    target_id      TEXT NOT NULL,
    source_hash    TEXT NOT NULL,
    extracted_text TEXT NOT NULL,
    title          TEXT NOT NULL DEFAULT '',
    extract_mode   TEXT NOT NULL DEFAULT '',
    extracted_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_extracted_target ON extracted_content(target_id, extracted_at DESC);
`

// ExtractedContent is the processed form of one snapshot. TargetID and
// SourceHash copy the snapshot's target and content hash so that the
// reference can be audited from this store alone.
type ExtractedContent struct {
	ID          int64     `json:"id"`
	SnapshotID  int64     `json:"snapshot_id"`
	TargetID    string    `json:"target_id"`
	SourceHash  string    `json:"source_hash"`
	Text        string    `json:"extracted_text"`
	Title       string    `json:"title,omitempty"`
	Mode        string    `json:"extract_mode,omitempty"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// Store wraps processed.db.
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

const cols = `id, snapshot_id, target_id, source_hash, extracted_text, title, extract_mode, extracted_at`

// PutExtracted stores ec, replacing any earlier extraction of the same
// snapshot, and returns the row id. Safe to call any number of times.
func (s *Store) PutExtracted(ctx context.Context, ec *ExtractedContent) (int64, error) {
	if ec.SnapshotID <= 0 {
		return 0, fmt.Errorf("derived: invalid snapshot id %d", ec.SnapshotID)
	}
	if ec.ExtractedAt.IsZero() {
		ec.ExtractedAt = time.Now().UTC()
	}
	var id int64
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			`INSERT INTO extracted_content (snapshot_id, target_id, source_hash,
			extracted_text, title, extract_mode, extracted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(snapshot_id) DO UPDATE SET
			    target_id = excluded.target_id,
			    source_hash = excluded.source_hash,
			    extracted_text = excluded.extracted_text,
			    title = excluded.title,
			    extract_mode = excluded.extract_mode,
			    extracted_at = excluded.extracted_at
			RETURNING id`,
			ec.SnapshotID, ec.TargetID, ec.SourceHash, ec.Text, ec.Title, ec.Mode,
			ec.ExtractedAt.UnixMilli(),
		).Scan(&id)
	})
	if err != nil {
		return 0, dbopen.Wrap("put extracted", err)
	}
	ec.ID = id
	return id, nil
}

// GetBySnapshot returns the extraction of a snapshot, or nil.
func (s *Store) GetBySnapshot(ctx context.Context, snapshotID int64) (*ExtractedContent, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+cols+` FROM extracted_content WHERE snapshot_id = ?`, snapshotID)
	ec, err := scan(row)
	return ec, dbopen.Wrap("get extracted", err)
}

// Get returns the extraction with the given row id, or nil.
func (s *Store) Get(ctx context.Context, id int64) (*ExtractedContent, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+cols+` FROM extracted_content WHERE id = ?`, id)
	ec, err := scan(row)
	return ec, dbopen.Wrap("get extracted", err)
}

// List returns extractions with id > afterID in id order. An empty targetID
// matches every target.
func (s *Store) List(ctx context.Context, targetID string, afterID int64, limit int) ([]*ExtractedContent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+cols+` FROM extracted_content
		WHERE id > ? AND (? = '' OR target_id = ?)
		ORDER BY id LIMIT ?`, afterID, targetID, targetID, limit)
	if err != nil {
		return nil, dbopen.Wrap("list extracted", err)
	}
	defer rows.Close()

	var out []*ExtractedContent
	for rows.Next() {
		ec, err := scan(rows)
		if err != nil {
			return nil, dbopen.Wrap("list extracted", err)
		}
		out = append(out, ec)
	}
	return out, dbopen.Wrap("list extracted", rows.Err())
}

// Repoint moves an extraction to another snapshot of the same target. It
// fails with a constraint error when that snapshot already has one.
func (s *Store) Repoint(ctx context.Context, id, snapshotID int64, targetID string) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`UPDATE extracted_content SET snapshot_id = ?, target_id = ? WHERE id = ?`,
		snapshotID, targetID, id)
	return dbopen.Wrap("repoint extracted", err)
}

// Count returns the number of stored extractions.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM extracted_content`).Scan(&n)
	return n, dbopen.Wrap("count extracted", err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*ExtractedContent, error) {
	var (
		ec ExtractedContent
		at int64
	)
	err := row.Scan(&ec.ID, &ec.SnapshotID, &ec.TargetID, &ec.SourceHash, &ec.Text,
		&ec.Title, &ec.Mode, &at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ec.ExtractedAt = time.UnixMilli(at).UTC()
	return &ec, nil
}
