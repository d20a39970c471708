package contentstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/hazyhaar/pagewatch/dbopen"
	"github.com/hazyhaar/pagewatch/idgen"
)

// Run is one batch invocation recorded in scrape_runs.
type Run struct {
	ID             string     `json:"id"`
	Job            string     `json:"job"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	UnitsProcessed int        `json:"units_processed"`
	UnitsChanged   int        `json:"units_changed"`
	ErrorsCount    int        `json:"errors_count"`
}

// StartRun records the beginning of a batch invocation.
func (s *Store) StartRun(ctx context.Context, job string) (*Run, error) {
	r := &Run{
		ID:        idgen.Run(),
		Job:       job,
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO scrape_runs (id, job, status, started_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.Job, r.Status, r.StartedAt.UnixMilli())
	if err != nil {
		return nil, dbopen.Wrap("start run", err)
	}
	return r, nil
}

// FinishRun stores the final status and counters of a run.
func (s *Store) FinishRun(ctx context.Context, r *Run) error {
	now := time.Now().UTC()
	r.FinishedAt = &now
	_, err := dbopen.Exec(ctx, s.DB,
		`UPDATE scrape_runs SET status = ?, finished_at = ?, units_processed = ?,
		units_changed = ?, errors_count = ? WHERE id = ?`,
		r.Status, now.UnixMilli(), r.UnitsProcessed, r.UnitsChanged, r.ErrorsCount, r.ID)
	return dbopen.Wrap("finish run", err)
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, job, status, started_at, finished_at, units_processed, units_changed, errors_count
		FROM scrape_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, dbopen.Wrap("list runs", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var (
			r        Run
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Job, &r.Status, &started, &finished,
			&r.UnitsProcessed, &r.UnitsChanged, &r.ErrorsCount); err != nil {
			return nil, dbopen.Wrap("list runs", err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		if finished.Valid {
			t := time.UnixMilli(finished.Int64).UTC()
			r.FinishedAt = &t
		}
		runs = append(runs, &r)
	}
	return runs, dbopen.Wrap("list runs", rows.Err())
}
