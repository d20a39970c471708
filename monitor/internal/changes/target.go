package changes

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/pagewatch/dbopen"
	"github.com/hazyhaar/pagewatch/idgen"
)

// Target is a monitored (group, name, url) triple. The triple is its
// identity; the other attributes may change between config loads.
type Target struct {
	ID                 string            `json:"id" yaml:"-"`
	Group              string            `json:"group" yaml:"group"`
	Name               string            `json:"name" yaml:"name"`
	URL                string            `json:"url" yaml:"url"`
	Selectors          []string          `json:"selectors,omitempty" yaml:"selectors"`
	ExtractMode        string            `json:"extract_mode,omitempty" yaml:"extract_mode"`
	Labels             map[string]string `json:"labels,omitempty" yaml:"labels"`
	Enabled            bool              `json:"enabled" yaml:"-"`
	BaselineSnapshotID *int64            `json:"baseline_snapshot_id,omitempty" yaml:"-"`
	CreatedAt          time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt          time.Time         `json:"updated_at" yaml:"-"`
}

const targetCols = `id, group_name, name, url, selectors, extract_mode, labels, enabled,
	baseline_snapshot_id, created_at, updated_at`

// UpsertTarget inserts t or updates the mutable attributes of the existing
// target with the same (group, name, url). t.ID is set to the stored id.
func (s *Store) UpsertTarget(ctx context.Context, t *Target) error {
	if t.Group == "" || t.Name == "" || t.URL == "" {
		return fmt.Errorf("changes: target needs group, name and url")
	}
	if t.ID == "" {
		t.ID = idgen.Target()
	}
	sel, err := json.Marshal(nonNil(t.Selectors))
	if err != nil {
		return err
	}
	labels, err := json.Marshal(nonNilMap(t.Labels))
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	var id string
	err = dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			`INSERT INTO targets (id, group_name, name, url, selectors, extract_mode, labels,
			enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(group_name, name, url) DO UPDATE SET
			    selectors = excluded.selectors,
			    extract_mode = excluded.extract_mode,
			    labels = excluded.labels,
			    enabled = excluded.enabled,
			    updated_at = excluded.updated_at
			RETURNING id`,
			t.ID, t.Group, t.Name, t.URL, string(sel), t.ExtractMode, string(labels),
			t.Enabled, now.UnixMilli(), now.UnixMilli(),
		).Scan(&id)
	})
	if err != nil {
		return dbopen.Wrap("upsert target", err)
	}
	t.ID = id
	return nil
}

// SyncTargets upserts every configured target. Stored targets absent from
// the list are disabled, never deleted, so their history stays reachable.
func (s *Store) SyncTargets(ctx context.Context, targets []*Target) error {
	keep := make(map[string]bool, len(targets))
	for _, t := range targets {
		t.Enabled = true
		if err := s.UpsertTarget(ctx, t); err != nil {
			return err
		}
		keep[t.ID] = true
	}
	existing, err := s.ListTargets(ctx, false)
	if err != nil {
		return err
	}
	for _, t := range existing {
		if keep[t.ID] || !t.Enabled {
			continue
		}
		if _, err := dbopen.Exec(ctx, s.DB,
			`UPDATE targets SET enabled = 0, updated_at = ? WHERE id = ?`,
			time.Now().UnixMilli(), t.ID); err != nil {
			return dbopen.Wrap("disable target", err)
		}
	}
	return nil
}

// GetTarget returns a target by id, or nil.
func (s *Store) GetTarget(ctx context.Context, id string) (*Target, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+targetCols+` FROM targets WHERE id = ?`, id)
	t, err := scanTarget(row)
	return t, dbopen.Wrap("get target", err)
}

// ListTargets returns targets ordered by (group, name, url). The order is
// stable across runs so batch checkpoint indexes stay meaningful.
func (s *Store) ListTargets(ctx context.Context, enabledOnly bool) ([]*Target, error) {
	q := `SELECT ` + targetCols + ` FROM targets`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY group_name, name, url`
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, dbopen.Wrap("list targets", err)
	}
	defer rows.Close()

	var out []*Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, dbopen.Wrap("list targets", err)
		}
		out = append(out, t)
	}
	return out, dbopen.Wrap("list targets", rows.Err())
}

// SetBaseline marks snapshotID as the target's first content snapshot.
// It is set once; later calls leave an existing baseline alone.
func (s *Store) SetBaseline(ctx context.Context, targetID string, snapshotID int64) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`UPDATE targets SET baseline_snapshot_id = ?, updated_at = ?
		WHERE id = ? AND baseline_snapshot_id IS NULL`,
		snapshotID, time.Now().UnixMilli(), targetID)
	return dbopen.Wrap("set baseline", err)
}

func scanTarget(row scanner) (*Target, error) {
	var (
		t                Target
		sel, labels      string
		baseline         sql.NullInt64
		created, updated int64
	)
	err := row.Scan(&t.ID, &t.Group, &t.Name, &t.URL, &sel, &t.ExtractMode, &labels,
		&t.Enabled, &baseline, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sel), &t.Selectors); err != nil {
		return nil, fmt.Errorf("changes: target %s selectors: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(labels), &t.Labels); err != nil {
		return nil, fmt.Errorf("changes: target %s labels: %w", t.ID, err)
	}
	if baseline.Valid {
		t.BaselineSnapshotID = &baseline.Int64
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return &t, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
