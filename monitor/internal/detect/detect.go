// Package detect turns consecutive snapshots of a target into change records.
//
// Detection is idempotent: a record is keyed by (target, new snapshot) and a
// second call for the same pair returns the stored record without side
// effects. Magnitude is computed locally and decides whether a change is
// alert-worthy; an optional relevance scorer only enriches the record.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/pagewatch/extract"
	"github.com/hazyhaar/pagewatch/monitor/internal/changes"
	"github.com/hazyhaar/pagewatch/monitor/internal/contentstore"
	"github.com/hazyhaar/pagewatch/monitor/internal/derived"
	"github.com/hazyhaar/pagewatch/monitor/internal/relevance"
	"github.com/hazyhaar/pagewatch/observability"
)

// ErrIncompleteHistory is returned when the previous snapshot's content can
// no longer be recovered (raw content pruned and no extraction stored). The
// pair is retried on the next run.
var ErrIncompleteHistory = errors.New("detect: previous snapshot content unavailable")

// ErrUnknownTarget is returned for a target id absent from the target table.
var ErrUnknownTarget = errors.New("detect: unknown target")

// Snapshots is the read side of the content store used by the detector.
type Snapshots interface {
	Recent(ctx context.Context, targetID string, n int) ([]*contentstore.Snapshot, error)
}

// Extractions is the read side of the derived content store.
type Extractions interface {
	GetBySnapshot(ctx context.Context, snapshotID int64) (*derived.ExtractedContent, error)
}

// Records is the part of the change store the detector writes to.
type Records interface {
	GetTarget(ctx context.Context, id string) (*changes.Target, error)
	SetBaseline(ctx context.Context, targetID string, snapshotID int64) error
	GetByNewSnapshot(ctx context.Context, targetID string, newSnapshotID int64) (*changes.Record, error)
	InsertRecord(ctx context.Context, r *changes.Record) (*changes.Record, error)
	SetRelevance(ctx context.Context, id int64, score float64, summary string) error
}

// Options configures a Detector.
type Options struct {
	Thresholds       Thresholds
	Scorer           relevance.Scorer // nil disables relevance enrichment
	RelevanceTimeout time.Duration    // default 30s
	// ExtractOptions builds the extraction options used when a snapshot has
	// no stored extraction. Default: the target's mode, selectors and URL.
	ExtractOptions func(t *changes.Target) extract.Options
	// OnChange runs after a record is created, never for an existing one.
	OnChange func(ctx context.Context, r *changes.Record)
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.RelevanceTimeout <= 0 {
		o.RelevanceTimeout = 30 * time.Second
	}
	if o.ExtractOptions == nil {
		o.ExtractOptions = TargetExtractOptions
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// TargetExtractOptions returns the extraction options declared on t.
func TargetExtractOptions(t *changes.Target) extract.Options {
	return extract.Options{Mode: t.ExtractMode, Selectors: t.Selectors, PageURL: t.URL}
}

// Detector compares the two most recent ok snapshots of a target.
type Detector struct {
	snaps   Snapshots
	extr    Extractions
	records Records
	opts    Options
	locks   *keyedMutex
}

// New creates a Detector.
func New(snaps Snapshots, extr Extractions, records Records, opts Options) *Detector {
	opts.defaults()
	return &Detector{
		snaps:   snaps,
		extr:    extr,
		records: records,
		opts:    opts,
		locks:   newKeyedMutex(),
	}
}

// Detect compares the latest ok snapshot of targetID with the one before it
// and returns the resulting change record. It returns nil, nil when the
// target has fewer than two ok snapshots (the first one becomes the
// baseline) or when both snapshots carry the same content hash.
func (d *Detector) Detect(ctx context.Context, targetID string) (*changes.Record, error) {
	unlock := d.locks.Lock(targetID)
	defer unlock()

	out, err := d.detect(ctx, targetID)
	if err != nil {
		kind := "error"
		if errors.Is(err, ErrIncompleteHistory) {
			kind = "incomplete_history"
		}
		d.opts.Metrics.DetectError(kind)
		return nil, err
	}
	rec := out.rec
	if rec == nil || !out.created {
		return rec, nil
	}

	d.enrich(ctx, rec, out.oldText, out.newText)
	d.opts.Metrics.Change(rec.MagnitudeCategory)
	d.opts.Logger.Info("detect: change recorded",
		"target", targetID, "record", rec.ID,
		"category", rec.MagnitudeCategory, "score", rec.MagnitudeScore,
		"alert", rec.ShouldAlert)
	if d.opts.OnChange != nil {
		d.opts.OnChange(ctx, rec)
	}
	return rec, nil
}

// outcome carries a detection result and the texts it was computed from.
type outcome struct {
	rec              *changes.Record
	created          bool
	oldText, newText string
}

func (d *Detector) detect(ctx context.Context, targetID string) (outcome, error) {
	target, err := d.records.GetTarget(ctx, targetID)
	if err != nil {
		return outcome{}, err
	}
	if target == nil {
		return outcome{}, fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
	}

	snaps, err := d.snaps.Recent(ctx, targetID, 2)
	if err != nil {
		return outcome{}, err
	}
	switch len(snaps) {
	case 0:
		return outcome{}, nil
	case 1:
		if target.BaselineSnapshotID == nil {
			if err := d.records.SetBaseline(ctx, targetID, snaps[0].ID); err != nil {
				return outcome{}, err
			}
			d.opts.Logger.Info("detect: baseline recorded", "target", targetID, "snapshot", snaps[0].ID)
		}
		return outcome{}, nil
	}
	newer, older := snaps[0], snaps[1]

	existing, err := d.records.GetByNewSnapshot(ctx, targetID, newer.ID)
	if err != nil {
		return outcome{}, err
	}
	if existing != nil {
		return outcome{rec: existing}, nil
	}

	same, err := sameContent(older, newer)
	if err != nil {
		return outcome{}, err
	}
	if same {
		return outcome{}, nil
	}

	oldText, err := d.text(ctx, target, older)
	if err != nil {
		return outcome{}, err
	}
	newText, err := d.text(ctx, target, newer)
	if err != nil {
		return outcome{}, err
	}

	m := ComputeMagnitude(oldText, newText, d.opts.Thresholds)
	diff := Summarise(oldText, newText)
	rec := &changes.Record{
		TargetID:          targetID,
		DetectedAt:        newer.FetchedAt,
		ChangeType:        changes.TypeContent,
		OldSnapshotID:     changes.Int64(older.ID),
		NewSnapshotID:     changes.Int64(newer.ID),
		MagnitudeScore:    m.Score,
		MagnitudeCategory: m.Category,
		LengthDelta:       m.LengthDelta,
		Similarity:        m.Similarity,
		ShouldAlert:       m.ShouldAlert,
		Summary:           diff.Summary,
		Diff:              diff,
	}
	stored, err := d.records.InsertRecord(ctx, rec)
	if errors.Is(err, changes.ErrDuplicate) {
		return outcome{rec: stored}, nil
	}
	if err != nil {
		return outcome{}, err
	}
	return outcome{rec: stored, created: true, oldText: oldText, newText: newText}, nil
}

// sameContent compares the hashes of two snapshots, rehashing the older raw
// content when the algorithms differ.
func sameContent(older, newer *contentstore.Snapshot) (bool, error) {
	if older.HashAlgo == newer.HashAlgo {
		return older.ContentHash == newer.ContentHash, nil
	}
	if newer.HashAlgo != contentstore.HashAlgo {
		return false, fmt.Errorf("detect: snapshot %d: unsupported hash algorithm %q", newer.ID, newer.HashAlgo)
	}
	if older.RawPruned {
		return false, fmt.Errorf("%w: snapshot %d hashed with %s and raw content pruned",
			ErrIncompleteHistory, older.ID, older.HashAlgo)
	}
	return contentstore.HashContent(older.Raw) == newer.ContentHash, nil
}

// text returns the extracted text of a snapshot, preferring the stored
// extraction and falling back to extracting the raw content.
func (d *Detector) text(ctx context.Context, target *changes.Target, snap *contentstore.Snapshot) (string, error) {
	ec, err := d.extr.GetBySnapshot(ctx, snap.ID)
	if err != nil {
		return "", err
	}
	if ec != nil {
		return ec.Text, nil
	}
	if snap.RawPruned {
		return "", fmt.Errorf("%w: snapshot %d has no extraction and its raw content was pruned",
			ErrIncompleteHistory, snap.ID)
	}
	res, err := extract.Extract(snap.Raw, d.opts.ExtractOptions(target))
	if errors.Is(err, extract.ErrEmpty) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("detect: extract snapshot %d: %w", snap.ID, err)
	}
	return res.Text, nil
}

// enrich attaches a relevance score to a freshly created record. Failures
// leave relevance_score null.
func (d *Detector) enrich(ctx context.Context, rec *changes.Record, oldText, newText string) {
	if d.opts.Scorer == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, d.opts.RelevanceTimeout)
	defer cancel()
	s, err := d.opts.Scorer.Score(sctx, oldText, newText)
	if err != nil {
		d.opts.Logger.Warn("detect: relevance scoring failed", "record", rec.ID, "error", err)
		return
	}
	v := relevance.Clamp(s.Value)
	summary := rec.Summary
	if s.Summary != "" {
		summary = s.Summary
	}
	if err := d.records.SetRelevance(ctx, rec.ID, v, summary); err != nil {
		d.opts.Logger.Warn("detect: store relevance", "record", rec.ID, "error", err)
		return
	}
	rec.RelevanceScore = &v
	rec.Summary = summary
}
