// Package checkpoint persists batch progress markers in raw.db. One row per
// named job; the orchestrator that runs the job is its only writer.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/hazyhaar/pagewatch/dbopen"
)

// Schema is the batch_checkpoints table.
const Schema = `
CREATE TABLE IF NOT EXISTS batch_checkpoints (
    job                  TEXT PRIMARY KEY,
    last_processed_index INTEGER NOT NULL,
    total_units          INTEGER NOT NULL,
    done_ahead           TEXT NOT NULL DEFAULT '[]',
    started_at           INTEGER NOT NULL,
    updated_at           INTEGER NOT NULL
);
`

// Checkpoint is the durable progress of a batch job. LastProcessedIndex is
// -1 before any unit has finished. DoneAhead holds the finished indexes past
// the first unfinished one, so concurrent units that complete out of order
// are not run again on resume.
type Checkpoint struct {
	Job                string    `json:"job"`
	LastProcessedIndex int       `json:"last_processed_index"`
	TotalUnits         int       `json:"total_units"`
	DoneAhead          []int     `json:"done_ahead,omitempty"`
	StartedAt          time.Time `json:"started_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Next is the index of the first unit still to process.
func (c *Checkpoint) Next() int { return c.LastProcessedIndex + 1 }

// Done reports whether unit i has finished.
func (c *Checkpoint) Done(i int) bool {
	return i <= c.LastProcessedIndex || slices.Contains(c.DoneAhead, i)
}

// Finished is the number of finished units.
func (c *Checkpoint) Finished() int { return c.Next() + len(c.DoneAhead) }

// MarkDone records unit i as finished and folds DoneAhead into
// LastProcessedIndex while the prefix is contiguous.
func (c *Checkpoint) MarkDone(i int) {
	if c.Done(i) {
		return
	}
	c.DoneAhead = append(c.DoneAhead, i)
	slices.Sort(c.DoneAhead)
	for len(c.DoneAhead) > 0 && c.DoneAhead[0] == c.Next() {
		c.LastProcessedIndex++
		c.DoneAhead = c.DoneAhead[1:]
	}
	if len(c.DoneAhead) == 0 {
		c.DoneAhead = nil
	}
}

// Store reads and writes checkpoints.
type Store struct {
	DB *sql.DB
}

// New creates a Store from an opened database. The schema is applied, and
// the done_ahead column is added to tables created before it existed.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, err
	}
	_, err := db.Exec(`ALTER TABLE batch_checkpoints ADD COLUMN done_ahead TEXT NOT NULL DEFAULT '[]'`)
	if err != nil && !dbopen.IsDuplicateColumn(err) {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Load returns the checkpoint of job, or nil when none is stored.
func (s *Store) Load(ctx context.Context, job string) (*Checkpoint, error) {
	var (
		c                Checkpoint
		ahead            string
		started, updated int64
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT job, last_processed_index, total_units, done_ahead, started_at, updated_at
		FROM batch_checkpoints WHERE job = ?`, job,
	).Scan(&c.Job, &c.LastProcessedIndex, &c.TotalUnits, &ahead, &started, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dbopen.Wrap("load checkpoint", err)
	}
	if err := json.Unmarshal([]byte(ahead), &c.DoneAhead); err != nil {
		return nil, fmt.Errorf("checkpoint: decode done_ahead of %s: %w", job, err)
	}
	if len(c.DoneAhead) == 0 {
		c.DoneAhead = nil
	}
	c.StartedAt = time.UnixMilli(started).UTC()
	c.UpdatedAt = time.UnixMilli(updated).UTC()
	return &c, nil
}

// Save writes c in a single transaction. The stored index never moves
// backwards for the same StartedAt: a stale writer cannot undo progress, and
// its DoneAhead is dropped along with its index.
func (s *Store) Save(ctx context.Context, c *Checkpoint) error {
	if c.Job == "" {
		return fmt.Errorf("checkpoint: empty job name")
	}
	ahead, err := json.Marshal(c.DoneAhead)
	if err != nil {
		return fmt.Errorf("checkpoint: encode done_ahead: %w", err)
	}
	if c.DoneAhead == nil {
		ahead = []byte("[]")
	}
	c.UpdatedAt = time.Now().UTC()
	err = dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO batch_checkpoints (job, last_processed_index, total_units, done_ahead, started_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(job) DO UPDATE SET
			    done_ahead = CASE
			        WHEN excluded.started_at = batch_checkpoints.started_at
			         AND excluded.last_processed_index < batch_checkpoints.last_processed_index
			        THEN batch_checkpoints.done_ahead
			        ELSE excluded.done_ahead END,
			    last_processed_index = CASE
			        WHEN excluded.started_at = batch_checkpoints.started_at
			        THEN MAX(excluded.last_processed_index, batch_checkpoints.last_processed_index)
			        ELSE excluded.last_processed_index END,
			    total_units = excluded.total_units,
			    started_at = excluded.started_at,
			    updated_at = excluded.updated_at`,
			c.Job, c.LastProcessedIndex, c.TotalUnits, string(ahead), c.StartedAt.UnixMilli(), c.UpdatedAt.UnixMilli())
		return err
	})
	return dbopen.Wrap("save checkpoint", err)
}

// Delete removes the checkpoint of job. Deleting a missing checkpoint is
// not an error.
func (s *Store) Delete(ctx context.Context, job string) error {
	_, err := dbopen.Exec(ctx, s.DB, `DELETE FROM batch_checkpoints WHERE job = ?`, job)
	return dbopen.Wrap("delete checkpoint", err)
}
