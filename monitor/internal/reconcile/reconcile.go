// Package reconcile audits the references between the three stores and
// repairs the ones that can be resolved without guessing.
//
// Change records point at snapshots by id, and so do extractions. Both are
// written by independent, non-transactional writers, so a reference can be
// missing (null) or dangling (pointing at a snapshot of another target, or
// at nothing). The reconciler searches the owning target's snapshots within
// widening time windows and never across targets. Whatever it cannot
// resolve is left null, flagged for review and reported.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/pagewatch/dbopen"
	"github.com/hazyhaar/pagewatch/monitor/internal/changes"
	"github.com/hazyhaar/pagewatch/monitor/internal/contentstore"
	"github.com/hazyhaar/pagewatch/monitor/internal/derived"
	"github.com/hazyhaar/pagewatch/observability"
)

// ErrAmbiguous marks a reference that could not be resolved within the
// search windows.
var ErrAmbiguous = errors.New("reconcile: no matching snapshot within search windows")

// Snapshots is the read side of the content store used for repairs.
type Snapshots interface {
	GetMeta(ctx context.Context, id int64) (*contentstore.Snapshot, error)
	Nearest(ctx context.Context, targetID string, at time.Time, window time.Duration, exclude ...int64) (*contentstore.Snapshot, error)
	NearestAtOrAfter(ctx context.Context, targetID string, at time.Time, window time.Duration, exclude ...int64) (*contentstore.Snapshot, error)
	NearestBefore(ctx context.Context, targetID string, at time.Time, window time.Duration, exclude ...int64) (*contentstore.Snapshot, error)
	ByHashBefore(ctx context.Context, targetID, hash string, at time.Time, window time.Duration) ([]*contentstore.Snapshot, error)
}

// Extractions is the part of the derived store the reconciler audits.
type Extractions interface {
	List(ctx context.Context, targetID string, afterID int64, limit int) ([]*derived.ExtractedContent, error)
	GetBySnapshot(ctx context.Context, snapshotID int64) (*derived.ExtractedContent, error)
	Repoint(ctx context.Context, id, snapshotID int64, targetID string) error
}

// Records is the part of the change store the reconciler audits.
type Records interface {
	ListRecords(ctx context.Context, f changes.Filter) ([]*changes.Record, error)
	GetByNewSnapshot(ctx context.Context, targetID string, newSnapshotID int64) (*changes.Record, error)
	UpdateRefs(ctx context.Context, id int64, u changes.RefUpdate) error
}

// Scope restricts an audit. Zero values mean unrestricted.
type Scope struct {
	TargetID string    `json:"target_id,omitempty"`
	Since    time.Time `json:"since,omitzero"`
	Until    time.Time `json:"until,omitzero"`
	Limit    int       `json:"limit,omitempty"` // max items examined per store
}

// Issue kinds.
const (
	KindRecord     = "change_record"
	KindExtraction = "extracted_content"
)

// Issue actions.
const (
	ActionRepaired   = "repaired"
	ActionCleared    = "cleared"
	ActionUnresolved = "unresolved"
)

// Issue describes one reference found missing or dangling.
type Issue struct {
	Kind     string `json:"kind"`
	ID       int64  `json:"id"`
	TargetID string `json:"target_id"`
	Field    string `json:"field"`
	Action   string `json:"action"`
	From     *int64 `json:"from,omitempty"`
	To       *int64 `json:"to,omitempty"`
	Err      error  `json:"-"`
	Message  string `json:"message,omitempty"`
}

// Report summarises one audit pass.
type Report struct {
	Checked    int     `json:"checked"`
	Repaired   int     `json:"repaired"`
	Unresolved int     `json:"unresolved"`
	Issues     []Issue `json:"issues"`
}

func (r *Report) add(is Issue) {
	switch is.Action {
	case ActionRepaired:
		r.Repaired++
	default:
		r.Unresolved++
	}
	if is.Err != nil {
		is.Message = is.Err.Error()
	}
	r.Issues = append(r.Issues, is)
}

// Options configures a Reconciler.
type Options struct {
	// Windows are tried in order, each searching ±window around the
	// reference time. Default 5m then 1h.
	Windows  []time.Duration
	Interval time.Duration // Run loop period, default 15m
	PageSize int           // default 200
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if len(o.Windows) == 0 {
		o.Windows = []time.Duration{5 * time.Minute, time.Hour}
	}
	if o.Interval <= 0 {
		o.Interval = 15 * time.Minute
	}
	if o.PageSize <= 0 {
		o.PageSize = 200
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Reconciler repairs cross-store references.
type Reconciler struct {
	snaps   Snapshots
	extr    Extractions
	records Records
	opts    Options
}

// New creates a Reconciler.
func New(snaps Snapshots, extr Extractions, records Records, opts Options) *Reconciler {
	opts.defaults()
	return &Reconciler{snaps: snaps, extr: extr, records: records, opts: opts}
}

// AuditAndRepair checks every change record and extraction in scope.
// Running it again on repaired data performs no repairs.
func (r *Reconciler) AuditAndRepair(ctx context.Context, scope Scope) (*Report, error) {
	rep := &Report{Issues: []Issue{}}
	if err := r.auditRecords(ctx, scope, rep); err != nil {
		return rep, err
	}
	if err := r.auditExtractions(ctx, scope, rep); err != nil {
		return rep, err
	}
	r.opts.Metrics.Reconcile(rep.Repaired, rep.Unresolved)
	return rep, nil
}

// Run audits every Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := r.AuditAndRepair(ctx, Scope{})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.opts.Logger.Error("reconcile: cycle failed", "error", err)
				continue
			}
			r.opts.Logger.Info("reconcile: cycle done",
				"checked", rep.Checked, "repaired", rep.Repaired, "unresolved", rep.Unresolved)
		}
	}
}

func (r *Reconciler) auditRecords(ctx context.Context, scope Scope, rep *Report) error {
	var after int64
	seen := 0
	for {
		page, err := r.records.ListRecords(ctx, changes.Filter{
			TargetID: scope.TargetID,
			Since:    scope.Since,
			Until:    scope.Until,
			AfterID:  after,
			ByID:     true,
			Limit:    r.opts.PageSize,
		})
		if err != nil {
			return fmt.Errorf("reconcile: list records: %w", err)
		}
		for _, rec := range page {
			if scope.Limit > 0 && seen >= scope.Limit {
				return nil
			}
			seen++
			rep.Checked++
			if err := r.checkRecord(ctx, rec, rep); err != nil {
				return err
			}
			after = rec.ID
		}
		if len(page) < r.opts.PageSize {
			return nil
		}
	}
}

// Review reasons set on change records.
const (
	reasonNewMissing  = "new snapshot missing"
	reasonNewDangling = "new snapshot dangling"
	reasonOldDangling = "old snapshot dangling"
	reasonConflict    = "repair conflicts with another record"
)

func (r *Reconciler) checkRecord(ctx context.Context, rec *changes.Record, rep *Report) error {
	upd := changes.RefUpdate{
		OldSnapshotID: rec.OldSnapshotID,
		NewSnapshotID: rec.NewSnapshotID,
		NeedsReview:   rec.NeedsReview,
		ReviewReason:  rec.ReviewReason,
	}
	changed := false
	var pending []Issue
	issue := func(field, action string, from, to *int64, reason string) {
		is := Issue{Kind: KindRecord, ID: rec.ID, TargetID: rec.TargetID, Field: field,
			Action: action, From: from, To: to}
		switch action {
		case ActionRepaired:
			if upd.ReviewReason == reason || upd.ReviewReason == reasonConflict {
				upd.NeedsReview, upd.ReviewReason = false, ""
			}
		default:
			if !upd.NeedsReview || upd.ReviewReason != reason {
				changed = true
			}
			upd.NeedsReview, upd.ReviewReason = true, reason
			is.Err = fmt.Errorf("%w: %s", ErrAmbiguous, reason)
		}
		pending = append(pending, is)
	}

	// New snapshot reference.
	newOK, err := r.belongs(ctx, rec.NewSnapshotID, rec.TargetID)
	if err != nil {
		return err
	}
	if !newOK {
		find := r.snaps.Nearest
		reason := reasonNewMissing
		if rec.NewSnapshotID != nil || rec.ReviewReason == reasonNewDangling {
			find = r.snaps.NearestAtOrAfter
			reason = reasonNewDangling
		}
		snap, err := r.search(func(w time.Duration) (*contentstore.Snapshot, error) {
			return r.freeNewSnapshot(ctx, rec, w, find, deref(upd.OldSnapshotID))
		})
		if err != nil {
			return err
		}
		from := rec.NewSnapshotID
		switch {
		case snap != nil:
			upd.NewSnapshotID = changes.Int64(snap.ID)
			changed = true
			issue("new_snapshot_id", ActionRepaired, from, upd.NewSnapshotID, reason)
		case from != nil:
			upd.NewSnapshotID = nil
			changed = true
			issue("new_snapshot_id", ActionCleared, from, nil, reason)
		default:
			issue("new_snapshot_id", ActionUnresolved, nil, nil, reason)
		}
	}

	// Old snapshot reference. Null is legitimate and left alone.
	if rec.OldSnapshotID != nil {
		oldOK, err := r.belongs(ctx, rec.OldSnapshotID, rec.TargetID)
		if err != nil {
			return err
		}
		if !oldOK {
			snap, err := r.search(func(w time.Duration) (*contentstore.Snapshot, error) {
				return r.snaps.NearestBefore(ctx, rec.TargetID, rec.DetectedAt, w, deref(upd.NewSnapshotID))
			})
			if err != nil {
				return err
			}
			changed = true
			if snap != nil {
				upd.OldSnapshotID = changes.Int64(snap.ID)
				issue("old_snapshot_id", ActionRepaired, rec.OldSnapshotID, upd.OldSnapshotID, reasonOldDangling)
			} else {
				upd.OldSnapshotID = nil
				issue("old_snapshot_id", ActionCleared, rec.OldSnapshotID, nil, reasonOldDangling)
			}
		}
	}

	if !changed {
		for _, is := range pending {
			rep.add(is)
		}
		return nil
	}
	err = r.records.UpdateRefs(ctx, rec.ID, upd)
	if err != nil && dbopen.IsConstraint(err) {
		return r.conflict(ctx, rec, rep, err)
	}
	if err != nil {
		return fmt.Errorf("reconcile: update record %d: %w", rec.ID, err)
	}
	for _, is := range pending {
		rep.add(is)
	}
	r.opts.Logger.Info("reconcile: record updated", "record", rec.ID, "target", rec.TargetID,
		"old", deref(upd.OldSnapshotID), "new", deref(upd.NewSnapshotID), "needs_review", upd.NeedsReview)
	return nil
}

type nearestFunc func(ctx context.Context, targetID string, at time.Time, window time.Duration, exclude ...int64) (*contentstore.Snapshot, error)

// freeNewSnapshot returns the nearest candidate within window that is not
// already the new snapshot of another record of the same target.
func (r *Reconciler) freeNewSnapshot(ctx context.Context, rec *changes.Record, window time.Duration, find nearestFunc, exclude ...int64) (*contentstore.Snapshot, error) {
	for {
		snap, err := find(ctx, rec.TargetID, rec.DetectedAt, window, exclude...)
		if err != nil || snap == nil {
			return nil, err
		}
		owner, err := r.records.GetByNewSnapshot(ctx, rec.TargetID, snap.ID)
		if err != nil {
			return nil, err
		}
		if owner == nil || owner.ID == rec.ID {
			return snap, nil
		}
		exclude = append(exclude, snap.ID)
	}
}

// conflict handles a repair rejected by the (target_id, new_snapshot_id)
// key: the references are left as they were and the record is flagged.
func (r *Reconciler) conflict(ctx context.Context, rec *changes.Record, rep *Report, cause error) error {
	r.opts.Logger.Warn("reconcile: repair conflicts", "record", rec.ID, "target", rec.TargetID, "error", cause)
	rep.add(Issue{Kind: KindRecord, ID: rec.ID, TargetID: rec.TargetID, Field: "new_snapshot_id",
		Action: ActionUnresolved, From: rec.NewSnapshotID,
		Err: fmt.Errorf("%w: %s: %v", ErrAmbiguous, reasonConflict, cause)})
	if rec.NeedsReview && rec.ReviewReason == reasonConflict {
		return nil
	}
	err := r.records.UpdateRefs(ctx, rec.ID, changes.RefUpdate{
		OldSnapshotID: rec.OldSnapshotID,
		NewSnapshotID: rec.NewSnapshotID,
		NeedsReview:   true,
		ReviewReason:  reasonConflict,
	})
	if err != nil {
		return fmt.Errorf("reconcile: flag record %d: %w", rec.ID, err)
	}
	return nil
}

func (r *Reconciler) auditExtractions(ctx context.Context, scope Scope, rep *Report) error {
	var after int64
	seen := 0
	for {
		page, err := r.extr.List(ctx, scope.TargetID, after, r.opts.PageSize)
		if err != nil {
			return fmt.Errorf("reconcile: list extractions: %w", err)
		}
		for _, ec := range page {
			after = ec.ID
			if !inRange(ec.ExtractedAt, scope) {
				continue
			}
			if scope.Limit > 0 && seen >= scope.Limit {
				return nil
			}
			seen++
			rep.Checked++
			if err := r.checkExtraction(ctx, ec, rep); err != nil {
				return err
			}
		}
		if len(page) < r.opts.PageSize {
			return nil
		}
	}
}

func (r *Reconciler) checkExtraction(ctx context.Context, ec *derived.ExtractedContent, rep *Report) error {
	ok, err := r.belongs(ctx, &ec.SnapshotID, ec.TargetID)
	if err != nil || ok {
		return err
	}
	from := changes.Int64(ec.SnapshotID)
	for _, w := range r.opts.Windows {
		cands, err := r.snaps.ByHashBefore(ctx, ec.TargetID, ec.SourceHash, ec.ExtractedAt, w)
		if err != nil {
			return fmt.Errorf("reconcile: snapshots by hash: %w", err)
		}
		for _, snap := range cands {
			taken, err := r.extr.GetBySnapshot(ctx, snap.ID)
			if err != nil {
				return err
			}
			if taken != nil {
				continue
			}
			if err := r.extr.Repoint(ctx, ec.ID, snap.ID, ec.TargetID); err != nil {
				return fmt.Errorf("reconcile: repoint extraction %d: %w", ec.ID, err)
			}
			r.opts.Logger.Info("reconcile: extraction repointed", "extraction", ec.ID,
				"target", ec.TargetID, "from", ec.SnapshotID, "to", snap.ID)
			rep.add(Issue{Kind: KindExtraction, ID: ec.ID, TargetID: ec.TargetID, Field: "snapshot_id",
				Action: ActionRepaired, From: from, To: changes.Int64(snap.ID)})
			return nil
		}
	}
	rep.add(Issue{Kind: KindExtraction, ID: ec.ID, TargetID: ec.TargetID, Field: "snapshot_id",
		Action: ActionUnresolved, From: from,
		Err: fmt.Errorf("%w: no free snapshot with hash %s", ErrAmbiguous, ec.SourceHash)})
	return nil
}

// belongs reports whether id resolves to a snapshot of targetID. A nil id
// does not belong.
func (r *Reconciler) belongs(ctx context.Context, id *int64, targetID string) (bool, error) {
	if id == nil {
		return false, nil
	}
	snap, err := r.snaps.GetMeta(ctx, *id)
	if err != nil {
		return false, fmt.Errorf("reconcile: get snapshot %d: %w", *id, err)
	}
	return snap != nil && snap.TargetID == targetID, nil
}

// search tries each window in order and returns the first hit.
func (r *Reconciler) search(find func(time.Duration) (*contentstore.Snapshot, error)) (*contentstore.Snapshot, error) {
	for _, w := range r.opts.Windows {
		snap, err := find(w)
		if err != nil {
			return nil, fmt.Errorf("reconcile: search snapshots: %w", err)
		}
		if snap != nil {
			return snap, nil
		}
	}
	return nil, nil
}

func inRange(t time.Time, s Scope) bool {
	if !s.Since.IsZero() && t.Before(s.Since) {
		return false
	}
	if !s.Until.IsZero() && t.After(s.Until) {
		return false
	}
	return true
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
