// Package monitor is the pagewatch service: it wires the three stores, the
// fetcher, the change detector, the batch orchestrator, the reconciler, the
// extraction retry queue and the notification sinks, and exposes them over
// Go, HTTP and MCP.
//
// Usage:
//
//	cfg, err := monitor.LoadConfigFile("pagewatch.yaml")
//	svc, err := monitor.Open(ctx, cfg, monitor.WithLogger(logger))
//	defer svc.Close()
//	rep, err := svc.RunBatch(ctx)
package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/pagewatch/dbopen"
	"github.com/hazyhaar/pagewatch/monitor/internal/changes"
	"github.com/hazyhaar/pagewatch/monitor/internal/checkpoint"
	"github.com/hazyhaar/pagewatch/monitor/internal/contentstore"
	"github.com/hazyhaar/pagewatch/monitor/internal/derived"
	"github.com/hazyhaar/pagewatch/monitor/internal/detect"
	"github.com/hazyhaar/pagewatch/monitor/internal/fetch"
	"github.com/hazyhaar/pagewatch/monitor/internal/notify"
	"github.com/hazyhaar/pagewatch/monitor/internal/orchestrator"
	"github.com/hazyhaar/pagewatch/monitor/internal/reconcile"
	"github.com/hazyhaar/pagewatch/monitor/internal/relevance"
	"github.com/hazyhaar/pagewatch/monitor/internal/retryq"
	"github.com/hazyhaar/pagewatch/observability"
	"github.com/hazyhaar/pagewatch/trace"
)

// DBs are the three databases of a Service.
type DBs struct {
	Raw          *sql.DB // snapshots, scrape runs, checkpoints, retry queue
	Processed    *sql.DB // extracted content
	Intelligence *sql.DB // targets, change records
}

// Fetcher retrieves a page. Implemented by the built-in HTTP and browser
// fetchers; tests inject their own.
type Fetcher = fetch.Fetcher

// Scorer rates the relevance of a change.
type Scorer = relevance.Scorer

// Sink receives every new change record.
type Sink = notify.Sink

type options struct {
	fetcher fetch.Fetcher
	scorer  relevance.Scorer
	sinks   map[string]notify.Sink
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Service.
type Option func(*options)

// WithFetcher replaces the configured fetcher.
func WithFetcher(f Fetcher) Option { return func(o *options) { o.fetcher = f } }

// WithScorer replaces the configured relevance scorer.
func WithScorer(s Scorer) Option { return func(o *options) { o.scorer = s } }

// WithSink adds a notification sink under name.
func WithSink(name string, s Sink) Option {
	return func(o *options) {
		if o.sinks == nil {
			o.sinks = make(map[string]notify.Sink)
		}
		o.sinks[name] = s
	}
}

// WithMetrics shares a metrics registry.
func WithMetrics(m *observability.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithClock sets the time source used for snapshots and runs.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// Service is a running pagewatch instance.
type Service struct {
	cfg     *Config
	dbs     DBs
	owned   bool
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	raw         *contentstore.Store
	checkpoints *checkpoint.Store
	retries     *retryq.Q
	derived     *derived.Store
	changes     *changes.Store

	fetcher    fetch.Fetcher
	browser    *fetch.Browser
	sink       *notify.Multi
	detector   *detect.Detector
	orch       *orchestrator.Orchestrator
	reconciler *reconcile.Reconciler

	wg sync.WaitGroup
}

// Open opens the three databases named by cfg and returns a Service that
// owns them.
func Open(ctx context.Context, cfg *Config, opts ...Option) (*Service, error) {
	cfg.defaults()
	dbOpts := []dbopen.Option{dbopen.WithMkdirAll()}
	if cfg.TraceSQL {
		var o options
		for _, fn := range opts {
			fn(&o)
		}
		if o.metrics == nil {
			o.metrics = observability.NewMetrics()
			opts = append(opts, WithMetrics(o.metrics))
		}
		trace.SetObserver(o.metrics)
		dbOpts = append(dbOpts, dbopen.WithDriver(trace.DriverName))
	}
	var dbs DBs
	var err error
	closeAll := func() {
		for _, db := range []*sql.DB{dbs.Raw, dbs.Processed, dbs.Intelligence} {
			if db != nil {
				db.Close()
			}
		}
	}
	if dbs.Raw, err = dbopen.OpenContext(ctx, cfg.RawDB, dbOpts...); err != nil {
		return nil, fmt.Errorf("open raw db: %w", err)
	}
	if dbs.Processed, err = dbopen.OpenContext(ctx, cfg.ProcessedDB, dbOpts...); err != nil {
		closeAll()
		return nil, fmt.Errorf("open processed db: %w", err)
	}
	if dbs.Intelligence, err = dbopen.OpenContext(ctx, cfg.IntelligenceDB, dbOpts...); err != nil {
		closeAll()
		return nil, fmt.Errorf("open intelligence db: %w", err)
	}
	s, err := New(ctx, cfg, dbs, opts...)
	if err != nil {
		closeAll()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New builds a Service on already opened databases and syncs the configured
// targets. Close does not close databases passed to New.
func New(ctx context.Context, cfg *Config, dbs DBs, opts ...Option) (*Service, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = observability.NewMetrics()
	}
	if o.now == nil {
		o.now = time.Now
	}

	s := &Service{cfg: cfg, dbs: dbs, logger: o.logger, metrics: o.metrics, now: o.now}

	var err error
	if s.raw, err = contentstore.New(dbs.Raw); err != nil {
		return nil, fmt.Errorf("content store: %w", err)
	}
	if s.checkpoints, err = checkpoint.New(dbs.Raw); err != nil {
		return nil, fmt.Errorf("checkpoint store: %w", err)
	}
	retry := cfg.Retry
	retry.Metrics, retry.Logger, retry.Now = o.metrics, o.logger, o.now
	if s.retries, err = retryq.New(dbs.Raw, retry); err != nil {
		return nil, err
	}
	if s.derived, err = derived.New(dbs.Processed); err != nil {
		return nil, fmt.Errorf("derived store: %w", err)
	}
	if s.changes, err = changes.New(dbs.Intelligence); err != nil {
		return nil, fmt.Errorf("change store: %w", err)
	}

	s.fetcher = o.fetcher
	if s.fetcher == nil {
		s.fetcher = s.buildFetcher()
	}
	if cfg.Breaker.Threshold > 0 {
		bc := cfg.Breaker
		bc.Metrics, bc.Logger, bc.Now = o.metrics, o.logger, o.now
		s.fetcher = fetch.NewBreaker(s.fetcher, bc)
	}

	scorer := o.scorer
	if scorer == nil && cfg.Relevance.Endpoint != "" {
		if scorer, err = relevance.NewHTTP(cfg.Relevance); err != nil {
			return nil, fmt.Errorf("%w: relevance: %v", ErrInvalidConfig, err)
		}
	}

	if s.sink, err = s.buildSinks(o.sinks); err != nil {
		return nil, err
	}

	s.detector = detect.New(s.raw, s.derived, s.changes, detect.Options{
		Thresholds:     cfg.Magnitude,
		Scorer:         scorer,
		ExtractOptions: s.extractOptions,
		OnChange:       s.publish,
		Metrics:        o.metrics,
		Logger:         o.logger,
	})

	batch := cfg.Batch
	batch.Runs, batch.Metrics, batch.Logger, batch.Now = s.raw, o.metrics, o.logger, o.now
	s.orch = orchestrator.New(s.changes, s.checkpoints, orchestrator.ProcessorFunc(s.process), batch)

	s.reconciler = reconcile.New(s.raw, s.derived, s.changes, reconcile.Options{
		Windows:  cfg.Reconcile.Windows,
		Interval: cfg.Reconcile.Interval,
		PageSize: cfg.Reconcile.PageSize,
		Metrics:  o.metrics,
		Logger:   o.logger,
	})

	if err := s.changes.SyncTargets(ctx, cfg.Targets); err != nil {
		s.sink.Close()
		return nil, fmt.Errorf("sync targets: %w", err)
	}
	s.logger.Info("monitor: ready", "targets", len(cfg.Targets), "sinks", s.sink.Len())
	return s, nil
}

func (s *Service) buildFetcher() fetch.Fetcher {
	fc := s.cfg.Fetch
	fc.Metrics, fc.Logger = s.metrics, s.logger
	httpf := fetch.NewHTTP(fc)
	if !s.cfg.Browser.Enabled {
		return httpf
	}
	bc := s.cfg.Browser.BrowserConfig
	bc.Metrics, bc.Logger = s.metrics, s.logger
	s.browser = fetch.NewBrowser(bc)
	return &fetch.Auto{HTTP: httpf, Browser: s.browser, Logger: s.logger}
}

func (s *Service) buildSinks(extra map[string]notify.Sink) (*notify.Multi, error) {
	nc := s.cfg.Notify
	wrap := func(sk notify.Sink) notify.Sink {
		if nc.AlertsOnly {
			return notify.AlertsOnly(sk)
		}
		return sk
	}
	m := notify.NewMulti(s.metrics, s.logger)
	if nc.Stdout {
		m.Add("stdout", wrap(notify.NewStdout(nil)))
	}
	for i, wc := range nc.Webhooks {
		opts := []notify.WebhookOption{notify.WithWebhookLogger(s.logger)}
		if wc.Retries > 0 {
			opts = append(opts, notify.WithWebhookRetries(wc.Retries))
		}
		for k, v := range wc.Headers {
			opts = append(opts, notify.WithWebhookHeader(k, v))
		}
		wh, err := notify.NewWebhook(wc.URL, opts...)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		m.Add(fmt.Sprintf("webhook%d", i), wrap(wh))
	}
	if nc.NATS.URL != "" {
		ns, err := notify.ConnectNATS(nc.NATS.URL, nc.NATS.Subject)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.Add("nats", wrap(ns))
	}
	for name, sk := range extra {
		m.Add(name, wrap(sk))
	}
	return m, nil
}

// publish is the detector's change hook.
func (s *Service) publish(ctx context.Context, r *changes.Record) {
	if s.sink.Len() == 0 {
		return
	}
	// Multi logs per-sink failures itself.
	_ = s.sink.Publish(ctx, r)
}

// Metrics returns the service's metrics registry.
func (s *Service) Metrics() *observability.Metrics { return s.metrics }

// Config returns the effective configuration.
func (s *Service) Config() *Config { return s.cfg }

// RunBatch runs the batch job from its checkpoint until it completes or is
// suspended. ErrAlreadyRunning is returned while another run is active.
func (s *Service) RunBatch(ctx context.Context) (*RunReport, error) {
	return s.orch.Run(ctx)
}

// Progress reports the stored progress of the batch job.
func (s *Service) Progress(ctx context.Context) (*Progress, error) {
	return s.orch.GetProgress(ctx)
}

// ResetProgress deletes the batch checkpoint.
func (s *Service) ResetProgress(ctx context.Context) error {
	return s.orch.ResetProgress(ctx)
}

// Reconcile audits and repairs cross-store references in scope.
func (s *Service) Reconcile(ctx context.Context, scope Scope) (*ReconcileReport, error) {
	return s.reconciler.AuditAndRepair(ctx, scope)
}

// Detect runs change detection for one target outside of a batch run.
func (s *Service) Detect(ctx context.Context, targetID string) (*Record, error) {
	rec, err := s.detector.Detect(ctx, targetID)
	if errors.Is(err, detect.ErrUnknownTarget) {
		return nil, fmt.Errorf("%w: target %s", ErrNotFound, targetID)
	}
	return rec, err
}

// ListChanges returns change records matching f, newest first.
func (s *Service) ListChanges(ctx context.Context, f ChangeFilter) ([]*Record, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	return s.changes.ListRecords(ctx, f)
}

// GetChange returns one change record.
func (s *Service) GetChange(ctx context.Context, id int64) (*Record, error) {
	rec, err := s.changes.GetRecord(ctx, id)
	if err == nil && rec == nil {
		return nil, fmt.Errorf("%w: change %d", ErrNotFound, id)
	}
	return rec, err
}

// ListTargets returns stored targets in run order.
func (s *Service) ListTargets(ctx context.Context, enabledOnly bool) ([]*Target, error) {
	return s.changes.ListTargets(ctx, enabledOnly)
}

// GetTarget returns one target.
func (s *Service) GetTarget(ctx context.Context, id string) (*Target, error) {
	t, err := s.changes.GetTarget(ctx, id)
	if err == nil && t == nil {
		return nil, fmt.Errorf("%w: target %s", ErrNotFound, id)
	}
	return t, err
}

// ListSnapshots returns a target's snapshots, newest first, without raw
// content.
func (s *Service) ListSnapshots(ctx context.Context, targetID string, limit int) ([]*Snapshot, error) {
	if _, err := s.GetTarget(ctx, targetID); err != nil {
		return nil, err
	}
	return s.raw.ListByTarget(ctx, targetID, limit)
}

// ListRuns returns recent batch invocations.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	return s.raw.ListRuns(ctx, limit)
}

// PendingExtractions lists snapshots waiting on the retry queue.
func (s *Service) PendingExtractions(ctx context.Context, limit int) ([]*RetryJob, error) {
	return s.retries.List(ctx, limit)
}

// RetryExtractions drains the visible part of the extraction retry queue.
func (s *Service) RetryExtractions(ctx context.Context) (RetryStats, error) {
	return s.retries.Drain(ctx, s.retryExtraction)
}

// PruneRaw drops raw content older than the retention age, keeping the
// newest KeepPerTarget snapshots of each target intact. A zero MaxAge is a
// no-op.
func (s *Service) PruneRaw(ctx context.Context) (int64, error) {
	rc := s.cfg.Retention
	if rc.MaxAge <= 0 {
		return 0, nil
	}
	n, err := s.raw.PruneRaw(ctx, s.now().Add(-rc.MaxAge), rc.KeepPerTarget)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("monitor: raw content pruned", "snapshots", n)
	}
	return n, nil
}

// Start launches the background loops: scheduled batch runs, the
// reconciler, the extraction retry consumer and raw retention. They stop
// when ctx is cancelled; Close waits for them.
func (s *Service) Start(ctx context.Context) {
	s.loop(ctx, "batch", s.cfg.Schedule, func(ctx context.Context) {
		if _, err := s.RunBatch(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) && ctx.Err() == nil {
			s.logger.Error("monitor: scheduled run failed", "error", err)
		}
	})
	if s.cfg.Retention.MaxAge > 0 {
		s.loop(ctx, "retention", s.cfg.Retention.Interval, func(ctx context.Context) {
			if _, err := s.PruneRaw(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("monitor: prune raw content", "error", err)
			}
		})
	}
	s.wg.Go(func() { s.reconciler.Run(ctx) })
	s.wg.Go(func() { s.retries.Run(ctx, s.retryExtraction) })
	s.logger.Info("monitor: started", "schedule", s.cfg.Schedule)
}

// loop runs fn immediately and then every interval until ctx is done.
func (s *Service) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	s.wg.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			fn(ctx)
			select {
			case <-ctx.Done():
				s.logger.Info("monitor: loop stopped", "loop", name)
				return
			case <-ticker.C:
			}
		}
	})
}

// Close waits for the background loops, then releases the sinks, the
// browser and, when the Service opened them, the databases.
func (s *Service) Close() error {
	s.wg.Wait()
	errs := []error{s.sink.Close()}
	if s.browser != nil {
		errs = append(errs, s.browser.Close())
	}
	if s.owned {
		for _, db := range []*sql.DB{s.dbs.Raw, s.dbs.Processed, s.dbs.Intelligence} {
			errs = append(errs, db.Close())
		}
	}
	return errors.Join(errs...)
}
