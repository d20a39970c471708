// Package orchestrator drives resumable batch runs over the monitored
// targets.
//
// Targets are processed in their stable (group, name, url) order, in
// fixed-size batches through a bounded worker pool. After every batch the
// checkpoint advances over the contiguous prefix of finished units and keeps
// the finished units past it, so an interrupted run resumes at the first
// unit that did not finish and skips the ones that did.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/pagewatch/monitor/internal/changes"
	"github.com/hazyhaar/pagewatch/monitor/internal/checkpoint"
	"github.com/hazyhaar/pagewatch/monitor/internal/contentstore"
	"github.com/hazyhaar/pagewatch/kit"
	"github.com/hazyhaar/pagewatch/observability"
)

// Run states.
const (
	StateIdle      = "idle"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateSuspended = "suspended"
	StateFailed    = "failed"
)

// Targets lists the units of a run.
type Targets interface {
	ListTargets(ctx context.Context, enabledOnly bool) ([]*changes.Target, error)
}

// Checkpoints persists run progress.
type Checkpoints interface {
	Load(ctx context.Context, job string) (*checkpoint.Checkpoint, error)
	Save(ctx context.Context, c *checkpoint.Checkpoint) error
	Delete(ctx context.Context, job string) error
}

// Runs records invocations in scrape_runs. Optional.
type Runs interface {
	StartRun(ctx context.Context, job string) (*contentstore.Run, error)
	FinishRun(ctx context.Context, r *contentstore.Run) error
}

// Outcome is the result of processing one target.
type Outcome struct {
	Record *changes.Record // non-nil when a change was recorded
}

// Processor handles one target: fetch, store, extract, detect.
type Processor interface {
	Process(ctx context.Context, t *changes.Target) (*Outcome, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, t *changes.Target) (*Outcome, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, t *changes.Target) (*Outcome, error) {
	return f(ctx, t)
}

// Options configures an Orchestrator.
type Options struct {
	Job              string        `yaml:"job" json:"job"`                             // default "default"
	BatchSize        int           `yaml:"batch_size" json:"batch_size"`               // default 5
	Concurrency      int           `yaml:"concurrency" json:"concurrency"`             // default 4
	OriginInterval   time.Duration `yaml:"origin_interval" json:"origin_interval"`     // default 2s
	MaxBatches       int           `yaml:"max_batches" json:"max_batches"`             // per invocation, 0 = unlimited
	TimeBudget       time.Duration `yaml:"time_budget" json:"time_budget"`             // per invocation, 0 = unlimited
	FailureThreshold float64       `yaml:"failure_threshold" json:"failure_threshold"` // default 0.5
	MinSample        int           `yaml:"min_sample" json:"min_sample"`               // default 5

	Runs    Runs                   `yaml:"-" json:"-"`
	Metrics *observability.Metrics `yaml:"-" json:"-"`
	Logger  *slog.Logger           `yaml:"-" json:"-"`
	Now     func() time.Time       `yaml:"-" json:"-"`
}

func (o *Options) defaults() {
	if o.Job == "" {
		o.Job = "default"
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 5
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.OriginInterval <= 0 {
		o.OriginInterval = 2 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 0.5
	}
	if o.MinSample <= 0 {
		o.MinSample = 5
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// UnitError is a per-target failure of a run.
type UnitError struct {
	Index    int    `json:"index"`
	TargetID string `json:"target_id"`
	URL      string `json:"url"`
	Error    string `json:"error"`
}

// Report summarises one invocation of Run.
type Report struct {
	Job              string      `json:"job"`
	RunID            string      `json:"run_id,omitempty"`
	State            string      `json:"state"`
	Processed        int         `json:"processed"`
	Total            int         `json:"total"`
	PercentComplete  float64     `json:"percent_complete"`
	ProcessedThisRun int         `json:"processed_this_run"`
	Changes          int         `json:"changes"`
	Errors           []UnitError `json:"errors"`
	Reason           string      `json:"reason,omitempty"`
}

// Progress is the durable progress of the job.
type Progress struct {
	Job                string    `json:"job"`
	State              string    `json:"state"`
	LastProcessedIndex int       `json:"last_processed_index"`
	Processed          int       `json:"processed"`
	Total              int       `json:"total"`
	PercentComplete    float64   `json:"percent_complete"`
	StartedAt          time.Time `json:"started_at,omitzero"`
	UpdatedAt          time.Time `json:"updated_at,omitzero"`
}

// Orchestrator runs batch jobs. One Run at a time.
type Orchestrator struct {
	targets Targets
	cps     Checkpoints
	proc    Processor
	opts    Options
	limiter *originLimiter

	running atomic.Bool
	mu      sync.Mutex
	state   string
}

// New creates an Orchestrator.
func New(targets Targets, cps Checkpoints, proc Processor, opts Options) *Orchestrator {
	opts.defaults()
	return &Orchestrator{
		targets: targets,
		cps:     cps,
		proc:    proc,
		opts:    opts,
		limiter: newOriginLimiter(opts.OriginInterval),
		state:   StateIdle,
	}
}

// State returns the state of the current or last run.
func (o *Orchestrator) State() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s string) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// unitResult is the fate of one unit within a batch.
type unitResult struct {
	finished bool
	skipped  bool // finished by an earlier run
	err      error
	changed  bool
}

// Run processes targets from the checkpoint onwards until the job completes,
// is suspended (cancellation, MaxBatches, TimeBudget) or fails.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer o.running.Store(false)
	o.setState(StateRunning)

	rep := &Report{Job: o.opts.Job, State: StateRunning, Errors: []UnitError{}}
	runErr := o.run(ctx, rep)
	o.setState(rep.State)
	o.opts.Metrics.Run(rep.State)
	o.opts.Logger.Info("orchestrator: run finished", "job", rep.Job, "state", rep.State,
		"processed", rep.Processed, "total", rep.Total, "this_run", rep.ProcessedThisRun,
		"changes", rep.Changes, "errors", len(rep.Errors), "reason", rep.Reason)
	return rep, runErr
}

func (o *Orchestrator) run(ctx context.Context, rep *Report) (err error) {
	started := o.opts.Now()

	var run *contentstore.Run
	if o.opts.Runs != nil {
		if run, err = o.opts.Runs.StartRun(ctx, o.opts.Job); err != nil {
			rep.State = StateFailed
			return Fatal(fmt.Errorf("start run: %w", err))
		}
		rep.RunID = run.ID
		ctx = kit.WithRunID(ctx, run.ID)
		defer func() {
			run.Status = rep.State
			run.UnitsProcessed = rep.ProcessedThisRun
			run.UnitsChanged = rep.Changes
			run.ErrorsCount = len(rep.Errors)
			if ferr := o.opts.Runs.FinishRun(context.WithoutCancel(ctx), run); ferr != nil {
				o.opts.Logger.Warn("orchestrator: finish run", "run", run.ID, "error", ferr)
			}
		}()
	}

	targets, err := o.targets.ListTargets(ctx, true)
	if err != nil {
		rep.State = StateFailed
		return Fatal(fmt.Errorf("list targets: %w", err))
	}
	total := len(targets)
	rep.Total = total

	cp, err := o.cps.Load(ctx, o.opts.Job)
	if err != nil {
		rep.State = StateFailed
		return Fatal(fmt.Errorf("load checkpoint: %w", err))
	}
	if cp == nil {
		cp = &checkpoint.Checkpoint{Job: o.opts.Job, LastProcessedIndex: -1, StartedAt: started.UTC()}
	} else {
		o.opts.Logger.Info("orchestrator: resuming", "job", o.opts.Job, "next", cp.Next(), "total", total)
	}
	cp.TotalUnits = total
	rep.Processed = min(cp.Finished(), total)
	rep.PercentComplete = percent(rep.Processed, total)

	attempted := 0
	batches := 0
	for start := cp.Next(); start < total; start += o.opts.BatchSize {
		if reason := o.suspendReason(ctx, started, batches); reason != "" {
			rep.State = StateSuspended
			rep.Reason = reason
			return nil
		}
		end := min(start+o.opts.BatchSize, total)
		results, fatal := o.runBatch(ctx, targets[start:end], func(i int) bool { return cp.Done(start + i) })
		batches++

		complete := true
		advanced := false
		for i, r := range results {
			if !r.finished {
				complete = false
				continue
			}
			if r.skipped {
				continue
			}
			cp.MarkDone(start + i)
			advanced = true
			attempted++
			rep.ProcessedThisRun++
			if r.changed {
				rep.Changes++
			}
			if r.err != nil {
				t := targets[start+i]
				rep.Errors = append(rep.Errors, UnitError{Index: start + i, TargetID: t.ID, URL: t.URL, Error: r.err.Error()})
				o.opts.Logger.Warn("orchestrator: unit failed", "job", o.opts.Job,
					"index", start+i, "target", t.ID, "error", r.err)
			}
			o.opts.Metrics.BatchUnit(r.err == nil)
		}

		if advanced {
			if err := o.cps.Save(context.WithoutCancel(ctx), cp); err != nil {
				rep.State = StateFailed
				return Fatal(fmt.Errorf("save checkpoint: %w", err))
			}
		}
		rep.Processed = min(cp.Finished(), total)
		rep.PercentComplete = percent(rep.Processed, total)
		o.opts.Metrics.Progress(o.opts.Job, rep.PercentComplete)
		o.opts.Logger.Info("orchestrator: batch done", "job", o.opts.Job,
			"from", start, "to", end-1, "checkpoint", cp.LastProcessedIndex,
			"done_ahead", len(cp.DoneAhead), "total", total)

		if fatal != nil {
			rep.State = StateFailed
			rep.Reason = fatal.Error()
			return fatal
		}
		if attempted >= o.opts.MinSample &&
			float64(len(rep.Errors))/float64(attempted) > o.opts.FailureThreshold {
			rep.State = StateFailed
			rep.Reason = fmt.Sprintf("failure rate %d/%d above threshold", len(rep.Errors), attempted)
			return fmt.Errorf("orchestrator: %s", rep.Reason)
		}
		if !complete {
			rep.State = StateSuspended
			rep.Reason = "interrupted"
			return nil
		}
	}

	if err := o.cps.Delete(context.WithoutCancel(ctx), o.opts.Job); err != nil {
		rep.State = StateFailed
		return Fatal(fmt.Errorf("delete checkpoint: %w", err))
	}
	rep.State = StateCompleted
	rep.Processed = total
	rep.PercentComplete = 100
	o.opts.Metrics.Progress(o.opts.Job, 100)
	return nil
}

// suspendReason returns why the next batch must not start, or "".
func (o *Orchestrator) suspendReason(ctx context.Context, started time.Time, batches int) string {
	switch {
	case ctx.Err() != nil:
		return "cancelled"
	case o.opts.MaxBatches > 0 && batches >= o.opts.MaxBatches:
		return "batch limit reached"
	case o.opts.TimeBudget > 0 && o.opts.Now().Sub(started) >= o.opts.TimeBudget:
		return "time budget exhausted"
	}
	return ""
}

// runBatch processes one batch through the worker pool. A unit is finished
// when it ran to an outcome, success or failure; a unit cut short by
// cancellation is not. Units for which done reports true are not run.
func (o *Orchestrator) runBatch(ctx context.Context, batch []*changes.Target, done func(int) bool) ([]unitResult, error) {
	results := make([]unitResult, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for i, t := range batch {
		if done(i) {
			results[i] = unitResult{finished: true, skipped: true}
			continue
		}
		g.Go(func() error {
			if err := o.limiter.Wait(gctx, t.URL); err != nil {
				return nil
			}
			out, err := o.proc.Process(gctx, t)
			if IsFatal(err) {
				return err
			}
			if err != nil && gctx.Err() != nil && errors.Is(err, gctx.Err()) {
				return nil
			}
			results[i] = unitResult{finished: true, err: err, changed: out != nil && out.Record != nil}
			return nil
		})
	}
	return results, g.Wait()
}

// ResetProgress deletes the checkpoint so the next run starts from the
// first target.
func (o *Orchestrator) ResetProgress(ctx context.Context) error {
	if o.running.Load() {
		return ErrAlreadyRunning
	}
	if err := o.cps.Delete(ctx, o.opts.Job); err != nil {
		return err
	}
	o.setState(StateIdle)
	o.opts.Metrics.Progress(o.opts.Job, 0)
	o.opts.Logger.Info("orchestrator: progress reset", "job", o.opts.Job)
	return nil
}

// GetProgress reports the stored checkpoint against the current target count.
func (o *Orchestrator) GetProgress(ctx context.Context) (*Progress, error) {
	targets, err := o.targets.ListTargets(ctx, true)
	if err != nil {
		return nil, err
	}
	cp, err := o.cps.Load(ctx, o.opts.Job)
	if err != nil {
		return nil, err
	}
	p := &Progress{Job: o.opts.Job, State: o.State(), LastProcessedIndex: -1, Total: len(targets)}
	if cp != nil {
		p.LastProcessedIndex = cp.LastProcessedIndex
		p.Processed = min(cp.Finished(), p.Total)
		p.StartedAt = cp.StartedAt
		p.UpdatedAt = cp.UpdatedAt
	}
	p.PercentComplete = percent(p.Processed, p.Total)
	return p, nil
}

func percent(done, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(int(float64(done)/float64(total)*1000+0.5)) / 10
}
