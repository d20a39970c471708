package changes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/pagewatch/dbopen"
)

// Change types.
const (
	TypeContent = "content_change"
)

// Magnitude categories.
const (
	CategoryNewContent  = "new_content"
	CategoryMajor       = "major"
	CategorySignificant = "significant"
	CategoryModerate    = "moderate"
	CategoryMinor       = "minor"
)

// Diff is the line-level summary of a change.
type Diff struct {
	Added        []string `json:"added,omitempty"`
	Removed      []string `json:"removed,omitempty"`
	AddedCount   int      `json:"added_count"`
	RemovedCount int      `json:"removed_count"`
	Summary      string   `json:"summary"`
}

// Record is the derived fact that a target's content differed between two
// consecutive snapshots. OldSnapshotID and NewSnapshotID are nil only while
// a reference is missing or was cleared by the reconciler.
type Record struct {
	ID                int64     `json:"id"`
	TargetID          string    `json:"target_id"`
	DetectedAt        time.Time `json:"detected_at"`
	ChangeType        string    `json:"change_type"`
	OldSnapshotID     *int64    `json:"old_snapshot_id"`
	NewSnapshotID     *int64    `json:"new_snapshot_id"`
	MagnitudeScore    float64   `json:"magnitude_score"`
	MagnitudeCategory string    `json:"magnitude_category"`
	LengthDelta       int       `json:"length_delta"`
	Similarity        float64   `json:"similarity"`
	ShouldAlert       bool      `json:"should_alert"`
	RelevanceScore    *float64  `json:"relevance_score,omitempty"`
	Summary           string    `json:"summary,omitempty"`
	Diff              Diff      `json:"diff_summary"`
	NeedsReview       bool      `json:"needs_review,omitempty"`
	ReviewReason      string    `json:"review_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// ErrDuplicate is returned by InsertRecord when a record for the same
// (target, new snapshot) exists. The existing record is returned with it.
var ErrDuplicate = errors.New("changes: record already exists")

const recordCols = `id, target_id, detected_at, change_type, old_snapshot_id, new_snapshot_id,
	magnitude_score, magnitude_category, length_delta, similarity, should_alert,
	relevance_score, summary, diff_summary, needs_review, review_reason, created_at`

// InsertRecord stores r. When (target_id, new_snapshot_id) already exists
// the stored record is returned together with ErrDuplicate.
func (s *Store) InsertRecord(ctx context.Context, r *Record) (*Record, error) {
	if r.TargetID == "" {
		return nil, fmt.Errorf("changes: record without target")
	}
	if r.ChangeType == "" {
		r.ChangeType = TypeContent
	}
	if r.DetectedAt.IsZero() {
		r.DetectedAt = time.Now().UTC()
	}
	diff, err := json.Marshal(r.Diff)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = time.Now().UTC()

	res, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO change_records (target_id, detected_at, change_type, old_snapshot_id,
		new_snapshot_id, magnitude_score, magnitude_category, length_delta, similarity,
		should_alert, relevance_score, summary, diff_summary, needs_review, review_reason,
		created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TargetID, r.DetectedAt.UnixMilli(), r.ChangeType, nullInt(r.OldSnapshotID),
		nullInt(r.NewSnapshotID), r.MagnitudeScore, r.MagnitudeCategory, r.LengthDelta,
		r.Similarity, r.ShouldAlert, nullFloat(r.RelevanceScore), r.Summary, string(diff),
		r.NeedsReview, r.ReviewReason, r.CreatedAt.UnixMilli())
	if err != nil {
		if dbopen.IsConstraint(err) && r.NewSnapshotID != nil {
			existing, gerr := s.GetByNewSnapshot(ctx, r.TargetID, *r.NewSnapshotID)
			if gerr != nil {
				return nil, gerr
			}
			if existing != nil {
				return existing, ErrDuplicate
			}
		}
		return nil, dbopen.Wrap("insert change record", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return nil, dbopen.Wrap("insert change record", err)
	}
	return r, nil
}

// GetRecord returns a record by id, or nil.
func (s *Store) GetRecord(ctx context.Context, id int64) (*Record, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+recordCols+` FROM change_records WHERE id = ?`, id)
	r, err := scanRecord(row)
	return r, dbopen.Wrap("get change record", err)
}

// GetByNewSnapshot returns the record of (targetID, newSnapshotID), or nil.
func (s *Store) GetByNewSnapshot(ctx context.Context, targetID string, newSnapshotID int64) (*Record, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+recordCols+` FROM change_records WHERE target_id = ? AND new_snapshot_id = ?`,
		targetID, newSnapshotID)
	r, err := scanRecord(row)
	return r, dbopen.Wrap("get change record", err)
}

// Filter selects records for ListRecords.
type Filter struct {
	TargetID   string
	Since      time.Time
	Until      time.Time
	AlertOnly  bool
	ReviewOnly bool
	AfterID    int64 // id > AfterID
	ByID       bool  // ascending id order; implied by AfterID
	Limit      int
}

// ListRecords returns records newest first, or in id order when paging
// (AfterID or ByID set).
func (s *Store) ListRecords(ctx context.Context, f Filter) ([]*Record, error) {
	var (
		where []string
		args  []any
	)
	if f.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, f.TargetID)
	}
	if !f.Since.IsZero() {
		where = append(where, "detected_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		where = append(where, "detected_at <= ?")
		args = append(args, f.Until.UnixMilli())
	}
	if f.AlertOnly {
		where = append(where, "should_alert = 1")
	}
	if f.ReviewOnly {
		where = append(where, "needs_review = 1")
	}
	order := "detected_at DESC, id DESC"
	if f.AfterID > 0 {
		where = append(where, "id > ?")
		args = append(args, f.AfterID)
		f.ByID = true
	}
	if f.ByID {
		order = "id ASC"
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}

	q := `SELECT ` + recordCols + ` FROM change_records`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY ` + order + ` LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, dbopen.Wrap("list change records", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, dbopen.Wrap("list change records", err)
		}
		out = append(out, r)
	}
	return out, dbopen.Wrap("list change records", rows.Err())
}

// SetRelevance stores the enrichment fields of a record.
func (s *Store) SetRelevance(ctx context.Context, id int64, score float64, summary string) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`UPDATE change_records SET relevance_score = ?, summary = ? WHERE id = ?`,
		score, summary, id)
	return dbopen.Wrap("set relevance", err)
}

// RefUpdate is a reconciler repair of a record's snapshot references.
type RefUpdate struct {
	OldSnapshotID *int64
	NewSnapshotID *int64
	NeedsReview   bool
	ReviewReason  string
}

// UpdateRefs overwrites both snapshot references and the review flag.
func (s *Store) UpdateRefs(ctx context.Context, id int64, u RefUpdate) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`UPDATE change_records SET old_snapshot_id = ?, new_snapshot_id = ?,
		needs_review = ?, review_reason = ? WHERE id = ?`,
		nullInt(u.OldSnapshotID), nullInt(u.NewSnapshotID), u.NeedsReview, u.ReviewReason, id)
	return dbopen.Wrap("update change refs", err)
}

// CountRecords returns the number of stored change records.
func (s *Store) CountRecords(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_records`).Scan(&n)
	return n, dbopen.Wrap("count change records", err)
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r                 Record
		detected, created int64
		oldID, newID      sql.NullInt64
		relevance         sql.NullFloat64
		diff              string
	)
	err := row.Scan(&r.ID, &r.TargetID, &detected, &r.ChangeType, &oldID, &newID,
		&r.MagnitudeScore, &r.MagnitudeCategory, &r.LengthDelta, &r.Similarity, &r.ShouldAlert,
		&relevance, &r.Summary, &diff, &r.NeedsReview, &r.ReviewReason, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.DetectedAt = time.UnixMilli(detected).UTC()
	r.CreatedAt = time.UnixMilli(created).UTC()
	if oldID.Valid {
		r.OldSnapshotID = &oldID.Int64
	}
	if newID.Valid {
		r.NewSnapshotID = &newID.Int64
	}
	if relevance.Valid {
		r.RelevanceScore = &relevance.Float64
	}
	if diff != "" {
		if err := json.Unmarshal([]byte(diff), &r.Diff); err != nil {
			return nil, fmt.Errorf("changes: record %d diff: %w", r.ID, err)
		}
	}
	return &r, nil
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }
