// Package retryq is the extraction retry queue: snapshots whose content
// could not be extracted are parked here and retried until extraction
// succeeds or the attempt budget is spent.
//
// Claimed rows stay invisible for Visibility. A consumer that crashes while
// holding a row simply lets it reappear. Failed attempts push visibility out
// with exponential backoff.
//
// Schema (raw.db, created by New):
//
//	CREATE TABLE extract_retries (
//	    snapshot_id INTEGER PRIMARY KEY,
//	    target_id   TEXT NOT NULL,
//	    last_error  TEXT NOT NULL DEFAULT '',
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- ms since epoch
//	    created_at  INTEGER NOT NULL,            -- ms since epoch
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package retryq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/pagewatch/dbopen"
	"github.com/hazyhaar/pagewatch/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS extract_retries (
	snapshot_id INTEGER PRIMARY KEY,
	target_id   TEXT NOT NULL,
	last_error  TEXT NOT NULL DEFAULT '',
	visible_at  INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_extract_retries_visible ON extract_retries (visible_at);
`

// Job is a snapshot waiting for extraction.
type Job struct {
	SnapshotID int64     `json:"snapshot_id"`
	TargetID   string    `json:"target_id"`
	LastError  string    `json:"last_error,omitempty"`
	VisibleAt  time.Time `json:"visible_at"`
	CreatedAt  time.Time `json:"created_at"`
	Attempts   int       `json:"attempts"`
}

// Options configures queue behaviour.
type Options struct {
	// Visibility is how long a claimed job stays invisible. Default: 2m.
	Visibility time.Duration `yaml:"visibility"`
	// PollInterval is the delay between claim rounds in Run. Default: 30s.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Backoff is the delay after the first failed attempt, doubled on each
	// further failure and capped at MaxBackoff. Defaults: 1m, 1h.
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// MaxAttempts discards a job once exceeded. Default: 5.
	MaxAttempts int `yaml:"max_attempts"`
	// BatchSize bounds a claim round. Default: 20.
	BatchSize int `yaml:"batch_size"`

	Metrics *observability.Metrics `yaml:"-"`
	Logger  *slog.Logger           `yaml:"-"`
	Now     func() time.Time       `yaml:"-"`
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 2 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Minute
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Hour
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New applies the schema and returns a queue handle.
func New(db *sql.DB, opts Options) (*Q, error) {
	opts.defaults()
	if _, err := db.Exec(schema); err != nil {
		return nil, dbopen.Wrap("retryq schema", err)
	}
	return &Q{db: db, opts: opts}, nil
}

// Publish parks a snapshot for extraction. Re-publishing a parked snapshot
// only refreshes its last error; attempts and visibility are kept.
func (q *Q) Publish(ctx context.Context, snapshotID int64, targetID, reason string) error {
	now := q.opts.Now().UnixMilli()
	_, err := dbopen.Exec(ctx, q.db, `
		INSERT INTO extract_retries (snapshot_id, target_id, last_error, visible_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(snapshot_id) DO UPDATE SET last_error = excluded.last_error`,
		snapshotID, targetID, reason, now, now)
	if err != nil {
		return dbopen.Wrap("retryq publish", err)
	}
	q.gauge(ctx)
	return nil
}

// Claim atomically picks up to n visible jobs, hides them for Visibility
// and increments their attempt counters. It returns an empty slice when
// nothing is visible.
func (q *Q) Claim(ctx context.Context, n int) ([]*Job, error) {
	now := q.opts.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE extract_retries
		SET visible_at = ?, attempts = attempts + 1
		WHERE snapshot_id IN (
			SELECT snapshot_id FROM extract_retries
			WHERE visible_at <= ?
			ORDER BY visible_at ASC, snapshot_id ASC
			LIMIT ?
		)
		RETURNING snapshot_id, target_id, last_error, visible_at, created_at, attempts`,
		hideUntil, now.UnixMilli(), n)
	if err != nil {
		return nil, dbopen.Wrap("retryq claim", err)
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		var j Job
		var visAt, creAt int64
		if err := rows.Scan(&j.SnapshotID, &j.TargetID, &j.LastError, &visAt, &creAt, &j.Attempts); err != nil {
			return nil, dbopen.Wrap("retryq claim", err)
		}
		j.VisibleAt = time.UnixMilli(visAt).UTC()
		j.CreatedAt = time.UnixMilli(creAt).UTC()
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, dbopen.Wrap("retryq claim", err)
	}
	return jobs, nil
}

// Ack removes a job whose snapshot was extracted (or no longer needs to be).
func (q *Q) Ack(ctx context.Context, snapshotID int64) error {
	_, err := dbopen.Exec(ctx, q.db, `DELETE FROM extract_retries WHERE snapshot_id = ?`, snapshotID)
	if err != nil {
		return dbopen.Wrap("retryq ack", err)
	}
	q.gauge(ctx)
	return nil
}

// Nack records a failed attempt and hides the job for the backoff delay
// that matches its attempt count.
func (q *Q) Nack(ctx context.Context, j *Job, cause error) error {
	visible := q.opts.Now().Add(q.backoff(j.Attempts)).UnixMilli()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := dbopen.Exec(ctx, q.db,
		`UPDATE extract_retries SET visible_at = ?, last_error = ? WHERE snapshot_id = ?`,
		visible, msg, j.SnapshotID)
	return dbopen.Wrap("retryq nack", err)
}

func (q *Q) backoff(attempts int) time.Duration {
	d := q.opts.Backoff
	for i := 1; i < attempts && d < q.opts.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, q.opts.MaxBackoff)
}

// Len returns the number of parked jobs, visible or not.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM extract_retries`).Scan(&n)
	return n, dbopen.Wrap("retryq len", err)
}

// List returns parked jobs ordered by next visibility.
func (q *Q) List(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT snapshot_id, target_id, last_error, visible_at, created_at, attempts
		FROM extract_retries ORDER BY visible_at ASC, snapshot_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, dbopen.Wrap("retryq list", err)
	}
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		var j Job
		var visAt, creAt int64
		if err := rows.Scan(&j.SnapshotID, &j.TargetID, &j.LastError, &visAt, &creAt, &j.Attempts); err != nil {
			return nil, dbopen.Wrap("retryq list", err)
		}
		j.VisibleAt = time.UnixMilli(visAt).UTC()
		j.CreatedAt = time.UnixMilli(creAt).UTC()
		jobs = append(jobs, &j)
	}
	return jobs, dbopen.Wrap("retryq list", rows.Err())
}

func (q *Q) gauge(ctx context.Context) {
	if q.opts.Metrics == nil {
		return
	}
	if n, err := q.Len(ctx); err == nil {
		q.opts.Metrics.ExtractPending(n)
	}
}

// Handler extracts a claimed job. Return nil to ack, non-nil to back off.
type Handler func(ctx context.Context, j *Job) error

// ErrDiscard tells Drain to drop a job without retrying it, for instance
// when its snapshot has been pruned.
var ErrDiscard = errors.New("retryq: discard job")

// Stats summarises one Drain round.
type Stats struct {
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Discarded int `json:"discarded"`
}

// Drain claims and handles visible jobs until none remain visible or ctx
// is done. Jobs over MaxAttempts are discarded with a warning.
func (q *Q) Drain(ctx context.Context, handler Handler) (Stats, error) {
	log := q.opts.Logger
	var st Stats
	for ctx.Err() == nil {
		jobs, err := q.Claim(ctx, q.opts.BatchSize)
		if err != nil {
			return st, err
		}
		if len(jobs) == 0 {
			break
		}
		st.Claimed += len(jobs)
		for _, j := range jobs {
			if j.Attempts > q.opts.MaxAttempts {
				log.Warn("retryq: job exceeded max attempts, discarding",
					"snapshot", j.SnapshotID, "target", j.TargetID, "attempts", j.Attempts, "last_error", j.LastError)
				st.Discarded++
				if err := q.Ack(ctx, j.SnapshotID); err != nil {
					return st, err
				}
				continue
			}
			herr := handler(ctx, j)
			switch {
			case herr == nil:
				st.Succeeded++
				err = q.Ack(ctx, j.SnapshotID)
			case errors.Is(herr, ErrDiscard):
				log.Info("retryq: job discarded", "snapshot", j.SnapshotID, "error", herr)
				st.Discarded++
				err = q.Ack(ctx, j.SnapshotID)
			default:
				log.Warn("retryq: extraction failed, backing off",
					"snapshot", j.SnapshotID, "attempts", j.Attempts, "error", herr)
				st.Failed++
				err = q.Nack(context.WithoutCancel(ctx), j, herr)
			}
			if err != nil {
				return st, err
			}
		}
	}
	return st, nil
}

// Run drains the queue every PollInterval until ctx is cancelled.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("retryq: consumer started", "poll", q.opts.PollInterval, "visibility", q.opts.Visibility)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("retryq: consumer stopped")
			return
		case <-ticker.C:
			st, err := q.Drain(ctx, handler)
			if err != nil && ctx.Err() == nil {
				log.Warn("retryq: drain failed", "error", err)
				continue
			}
			if st.Claimed > 0 {
				log.Info("retryq: drained", "claimed", st.Claimed, "succeeded", st.Succeeded,
					"failed", st.Failed, "discarded", st.Discarded)
			}
		}
	}
}
