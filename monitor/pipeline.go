package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/pagewatch/extract"
	"github.com/hazyhaar/pagewatch/monitor/internal/changes"
	"github.com/hazyhaar/pagewatch/monitor/internal/contentstore"
	"github.com/hazyhaar/pagewatch/monitor/internal/derived"
	"github.com/hazyhaar/pagewatch/monitor/internal/detect"
	"github.com/hazyhaar/pagewatch/monitor/internal/fetch"
	"github.com/hazyhaar/pagewatch/monitor/internal/orchestrator"
	"github.com/hazyhaar/pagewatch/monitor/internal/retryq"
)

// process is the per-target unit of a batch run: fetch, store the
// snapshot, extract, detect. A failed fetch is stored as an error snapshot
// and reported to the orchestrator; a failed extraction is parked on the
// retry queue and does not fail the unit.
func (s *Service) process(ctx context.Context, t *changes.Target) (*orchestrator.Outcome, error) {
	res, ferr := s.fetcher.Fetch(ctx, t.URL)
	if ferr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		meta := contentstore.Meta{Error: ferr.Error()}
		if fe, ok := fetch.AsError(ferr); ok {
			meta.StatusCode = fe.StatusCode
		}
		if _, err := s.raw.PutSnapshot(ctx, t.ID, s.now().UTC(), nil, contentstore.StatusError, meta); err != nil {
			return nil, errors.Join(ferr, fmt.Errorf("store error snapshot: %w", err))
		}
		return nil, ferr
	}

	fetchedAt := res.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = s.now()
	}
	snapID, err := s.raw.PutSnapshot(ctx, t.ID, fetchedAt.UTC(), res.Body, contentstore.StatusOK,
		contentstore.Meta{StatusCode: res.StatusCode})
	if err != nil {
		return nil, fmt.Errorf("store snapshot: %w", err)
	}

	snap, err := s.storedSnapshot(ctx, snapID, res.Body)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		s.logger.Warn("monitor: fetch time already taken by a snapshot without content, extraction skipped",
			"target", t.ID, "snapshot", snapID, "fetched_at", fetchedAt)
	} else if err := s.extractSnapshot(ctx, t, snap); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("monitor: extraction failed, queued for retry",
			"target", t.ID, "snapshot", snapID, "error", err)
		if qerr := s.retries.Publish(ctx, snapID, t.ID, err.Error()); qerr != nil {
			s.logger.Error("monitor: queue extraction retry", "snapshot", snapID, "error", qerr)
		}
	}

	rec, err := s.detector.Detect(ctx, t.ID)
	if errors.Is(err, detect.ErrIncompleteHistory) {
		s.logger.Warn("monitor: detection deferred", "target", t.ID, "error", err)
		return &orchestrator.Outcome{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("detect %s: %w", t.ID, err)
	}
	return &orchestrator.Outcome{Record: rec}, nil
}

// storedSnapshot returns the snapshot stored under id with its raw content.
// PutSnapshot hands back an existing id when the fetch time is already
// taken, so body is only used when its hash matches the stored one. It
// returns nil when the stored snapshot has no content to extract.
func (s *Service) storedSnapshot(ctx context.Context, id int64, body []byte) (*contentstore.Snapshot, error) {
	snap, err := s.raw.GetMeta(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read back snapshot %d: %w", id, err)
	}
	if snap == nil {
		return nil, fmt.Errorf("read back snapshot %d: not found", id)
	}
	if snap.Status != contentstore.StatusOK || snap.RawPruned {
		return nil, nil
	}
	if snap.ContentHash == contentstore.HashContent(body) {
		snap.Raw = body
		return snap, nil
	}
	s.logger.Warn("monitor: fetch time already stored with other content, extracting the stored body",
		"target", snap.TargetID, "snapshot", id)
	if snap, err = s.raw.Get(ctx, id); err != nil {
		return nil, fmt.Errorf("read back snapshot %d: %w", id, err)
	}
	return snap, nil
}

// extractSnapshot stores the derived text of snap. A page without text is
// stored as an empty extraction.
func (s *Service) extractSnapshot(ctx context.Context, t *changes.Target, snap *contentstore.Snapshot) error {
	opts := s.extractOptions(t)
	ec := &derived.ExtractedContent{
		SnapshotID:  snap.ID,
		TargetID:    snap.TargetID,
		SourceHash:  snap.ContentHash,
		Mode:        opts.Mode,
		ExtractedAt: s.now().UTC(),
	}
	res, err := extract.Extract(snap.Raw, opts)
	switch {
	case errors.Is(err, extract.ErrEmpty):
	case err != nil:
		return err
	default:
		ec.Text, ec.Title, ec.Mode = res.Text, res.Title, res.Mode
	}
	_, err = s.derived.PutExtracted(ctx, ec)
	return err
}

// extractOptions applies the configured defaults to a target's own
// extraction settings.
func (s *Service) extractOptions(t *changes.Target) extract.Options {
	opts := detect.TargetExtractOptions(t)
	if opts.Mode == "" {
		opts.Mode = s.cfg.Extract.Mode
	}
	opts.MinTextLen = s.cfg.Extract.MinTextLen
	return opts
}

// retryExtraction is the retry queue handler. Jobs whose snapshot vanished,
// lost its raw content or already has an extraction are dropped.
func (s *Service) retryExtraction(ctx context.Context, j *retryq.Job) error {
	done, err := s.derived.GetBySnapshot(ctx, j.SnapshotID)
	if err != nil {
		return err
	}
	if done != nil {
		return nil
	}
	snap, err := s.raw.Get(ctx, j.SnapshotID)
	if err != nil {
		return err
	}
	if snap == nil || snap.RawPruned || snap.Status != contentstore.StatusOK {
		return fmt.Errorf("%w: snapshot %d has no raw content", retryq.ErrDiscard, j.SnapshotID)
	}
	t, err := s.changes.GetTarget(ctx, snap.TargetID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("%w: target %s gone", retryq.ErrDiscard, snap.TargetID)
	}
	return s.extractSnapshot(ctx, t, snap)
}
