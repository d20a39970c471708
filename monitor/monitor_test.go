package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pagewatch/dbopen"
	"github.com/hazyhaar/pagewatch/extract"
	"github.com/hazyhaar/pagewatch/monitor/internal/changes"
	"github.com/hazyhaar/pagewatch/monitor/internal/contentstore"
	"github.com/hazyhaar/pagewatch/monitor/internal/fetch"
	"github.com/hazyhaar/pagewatch/monitor/internal/orchestrator"
)

const (
	acmeURL   = "https://acme.example/pricing"
	globexURL = "https://globex.example/plans"
)

func page(body string) string {
	return "<html><head><title>Pricing</title></head><body><main>" + body + "</main></body></html>"
}

// clock is a manual time source shared by the fake fetcher and the service.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// tick advances the clock by a minute and returns the new time.
func (c *clock) tick() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

// site is a fake fetcher serving in-memory pages.
type site struct {
	mu    sync.Mutex
	clk   *clock
	pages map[string]string
	errs  map[string]error
	calls map[string]int
}

func newSite(clk *clock) *site {
	return &site{clk: clk, pages: map[string]string{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (s *site) set(url, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url] = page(body)
	delete(s.errs, url)
}

func (s *site) fail(url string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[url] = err
}

func (s *site) Fetch(_ context.Context, url string) (*fetch.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[url]++
	if err := s.errs[url]; err != nil {
		return nil, err
	}
	body, ok := s.pages[url]
	if !ok {
		return nil, &fetch.Error{Kind: fetch.KindPermanent, URL: url, StatusCode: 404}
	}
	return &fetch.Result{Body: []byte(body), StatusCode: 200, FetchedAt: s.clk.tick(), ContentType: "text/html", FinalURL: url}, nil
}

// recorder is a notification sink that keeps what it receives.
type recorder struct {
	mu   sync.Mutex
	recs []*changes.Record
}

func (r *recorder) Publish(_ context.Context, rec *changes.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recs)
}

type env struct {
	svc  *Service
	cfg  *Config
	dbs  DBs
	clk  *clock
	site *site
	sink *recorder
}

func testConfig() *Config {
	return &Config{
		Targets: []*Target{
			{Group: "competitors", Name: "Acme", URL: acmeURL},
			{Group: "competitors", Name: "Globex", URL: globexURL},
		},
		Batch: orchestrator.Options{OriginInterval: time.Millisecond},
	}
}

func newEnv(t *testing.T, cfg *Config) *env {
	t.Helper()
	e := &env{
		cfg: cfg,
		dbs: DBs{Raw: dbopen.OpenMemory(t), Processed: dbopen.OpenMemory(t), Intelligence: dbopen.OpenMemory(t)},
		clk: &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	e.site = newSite(e.clk)
	e.sink = &recorder{}
	e.site.set(acmeURL, "<p>The starter plan costs ten dollars per month and includes five projects.</p>")
	e.site.set(globexURL, "<p>Globex offers a single enterprise plan on request.</p>")
	e.svc = e.open(t, cfg)
	return e
}

func (e *env) open(t *testing.T, cfg *Config) *Service {
	t.Helper()
	svc, err := New(context.Background(), cfg, e.dbs,
		WithFetcher(e.site),
		WithSink("recorder", e.sink),
		WithClock(e.clk.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func (e *env) run(t *testing.T) *RunReport {
	t.Helper()
	rep, err := e.svc.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	return rep
}

func TestPipeline_BaselineThenChange(t *testing.T) {
	// WHAT: First run stores baselines; a content change yields exactly one
	// record, notified once; an unchanged re-run records nothing.
	// WHY: This is the end-to-end path every scheduled run takes.
	ctx := context.Background()
	e := newEnv(t, testConfig())

	rep := e.run(t)
	if rep.State != orchestrator.StateCompleted || rep.ProcessedThisRun != 2 || rep.Changes != 0 {
		t.Fatalf("first run: got %+v", rep)
	}
	acme, err := e.svc.GetTarget(ctx, e.cfg.Targets[0].ID)
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	if acme.BaselineSnapshotID == nil {
		t.Fatal("baseline not recorded")
	}

	e.site.set(acmeURL, "<p>The starter plan costs ten dollars per month and includes five projects.</p>"+
		"<p>A new business plan costs fifty dollars per month and includes unlimited projects and priority support.</p>")
	rep = e.run(t)
	if rep.Changes != 1 || len(rep.Errors) != 0 {
		t.Fatalf("second run: got %+v", rep)
	}
	recs, err := e.svc.ListChanges(ctx, ChangeFilter{TargetID: acme.ID})
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records: got %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.OldSnapshotID == nil || *rec.OldSnapshotID != *acme.BaselineSnapshotID {
		t.Fatalf("old snapshot: got %v, want baseline %d", rec.OldSnapshotID, *acme.BaselineSnapshotID)
	}
	if rec.LengthDelta <= 0 || rec.Diff.AddedCount == 0 {
		t.Fatalf("magnitude: got delta %d, added %d", rec.LengthDelta, rec.Diff.AddedCount)
	}
	if e.sink.len() != 1 {
		t.Fatalf("notifications: got %d, want 1", e.sink.len())
	}

	rep = e.run(t)
	if rep.Changes != 0 {
		t.Fatalf("unchanged run: got %d changes", rep.Changes)
	}
	if e.sink.len() != 1 {
		t.Fatalf("notifications after unchanged run: got %d, want 1", e.sink.len())
	}

	snaps, err := e.svc.ListSnapshots(ctx, acme.ID, 10)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("snapshots: got %d, want 3", len(snaps))
	}
	runs, _ := e.svc.ListRuns(ctx, 10)
	if len(runs) != 3 {
		t.Fatalf("runs: got %d, want 3", len(runs))
	}
}

func TestPipeline_FetchFailureStoresErrorSnapshot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig())
	e.site.fail(globexURL, &fetch.Error{Kind: fetch.KindBlocked, URL: globexURL, StatusCode: 403})

	rep := e.run(t)
	if len(rep.Errors) != 1 || rep.Errors[0].URL != globexURL {
		t.Fatalf("errors: got %+v", rep.Errors)
	}
	if rep.State != orchestrator.StateCompleted {
		t.Fatalf("state: got %q, want completed", rep.State)
	}

	snaps, err := e.svc.ListSnapshots(ctx, e.cfg.Targets[1].ID, 10)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Status != contentstore.StatusError || snaps[0].StatusCode != 403 {
		t.Fatalf("error snapshot: got %+v", snaps)
	}
	if !strings.Contains(snaps[0].Error, "blocked") {
		t.Fatalf("error message: got %q", snaps[0].Error)
	}
}

func TestPipeline_ExtractionRetry(t *testing.T) {
	// WHAT: A snapshot whose extraction fails is parked and extracted once
	// the target's selectors are fixed.
	ctx := context.Background()
	cfg := testConfig()
	cfg.Targets = cfg.Targets[:1]
	cfg.Targets[0].ExtractMode = extract.ModeCSS
	cfg.Targets[0].Selectors = []string{"#prices"}
	e := newEnv(t, cfg)

	if rep := e.run(t); len(rep.Errors) != 0 {
		t.Fatalf("extraction failure failed the unit: %+v", rep.Errors)
	}
	pending, err := e.svc.PendingExtractions(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending: got %d, want 1", len(pending))
	}

	fixed := testConfig()
	fixed.Targets = fixed.Targets[:1]
	fixed.Targets[0].ExtractMode = extract.ModeCSS
	fixed.Targets[0].Selectors = []string{"main p"}
	svc := e.open(t, fixed)

	st, err := svc.RetryExtractions(ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if st.Succeeded != 1 {
		t.Fatalf("retry stats: got %+v", st)
	}
	ec, err := svc.derived.GetBySnapshot(ctx, pending[0].SnapshotID)
	if err != nil || ec == nil {
		t.Fatalf("extraction: got %v, %v", ec, err)
	}
	if ec.Text != "The starter plan costs ten dollars per month and includes five projects." {
		t.Fatalf("text: got %q", ec.Text)
	}
	if n, _ := svc.retries.Len(ctx); n != 0 {
		t.Fatalf("queue: got %d, want 0", n)
	}
}

// stampedFetcher serves one body with a fixed fetch time.
type stampedFetcher struct {
	body string
	at   time.Time
}

func (f stampedFetcher) Fetch(_ context.Context, url string) (*fetch.Result, error) {
	return &fetch.Result{Body: []byte(page(f.body)), StatusCode: 200, FetchedAt: f.at, ContentType: "text/html", FinalURL: url}, nil
}

func TestPipeline_DuplicateFetchTimeKeepsStoredExtraction(t *testing.T) {
	// WHAT: A fetch stamped with an already stored time leaves that snapshot's extraction on the stored body.
	// WHY: The derived row must describe the raw bytes of the snapshot it points at.
	ctx := context.Background()
	cfg := testConfig()
	cfg.Targets = cfg.Targets[:1]
	e := newEnv(t, cfg)
	e.run(t)

	id := e.cfg.Targets[0].ID
	snaps, err := e.svc.ListSnapshots(ctx, id, 10)
	if err != nil || len(snaps) != 1 {
		t.Fatalf("snapshots: got %d, %v", len(snaps), err)
	}
	stored := snaps[0]
	before, err := e.svc.derived.GetBySnapshot(ctx, stored.ID)
	if err != nil || before == nil {
		t.Fatalf("first extraction: got %v, %v", before, err)
	}

	again := testConfig()
	again.Targets = again.Targets[:1]
	svc, err := New(ctx, again, e.dbs,
		WithFetcher(stampedFetcher{body: "<p>A different enterprise offer that never made it to disk.</p>", at: stored.FetchedAt}),
		WithClock(e.clk.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	rep, err := svc.RunBatch(ctx)
	if err != nil || len(rep.Errors) != 0 || rep.Changes != 0 {
		t.Fatalf("run: got %+v, %v", rep, err)
	}
	if snaps, _ := svc.ListSnapshots(ctx, id, 10); len(snaps) != 1 {
		t.Fatalf("snapshots after duplicate: got %d, want 1", len(snaps))
	}
	ec, err := svc.derived.GetBySnapshot(ctx, stored.ID)
	if err != nil || ec == nil {
		t.Fatalf("extraction: got %v, %v", ec, err)
	}
	if ec.SourceHash != stored.ContentHash {
		t.Fatalf("source hash: got %s, want %s", ec.SourceHash, stored.ContentHash)
	}
	if ec.Text != before.Text || strings.Contains(ec.Text, "enterprise offer") {
		t.Fatalf("text: got %q, want %q", ec.Text, before.Text)
	}
}

func TestPipeline_Interrupted(t *testing.T) {
	// WHAT: A cancelled run suspends and the next run resumes at the checkpoint.
	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig()
	cfg.Batch.Concurrency = 1
	e := newEnv(t, cfg)
	cfgSite := e.site
	e.svc.fetcher = fetcherFunc(func(fctx context.Context, url string) (*fetch.Result, error) {
		if url == globexURL {
			cancel()
			return nil, fctx.Err()
		}
		return cfgSite.Fetch(fctx, url)
	})

	rep, err := e.svc.RunBatch(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.State != orchestrator.StateSuspended {
		t.Fatalf("state: got %q, want suspended", rep.State)
	}
	p, err := e.svc.Progress(context.Background())
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.LastProcessedIndex != 0 {
		t.Fatalf("checkpoint: got %d, want 0", p.LastProcessedIndex)
	}

	e.svc.fetcher = e.site
	rep = e.run(t)
	if rep.State != orchestrator.StateCompleted || rep.ProcessedThisRun != 1 {
		t.Fatalf("resume: got %+v", rep)
	}
	if got := e.site.calls[acmeURL]; got != 1 {
		t.Fatalf("acme fetched %d times, want 1", got)
	}
}

type fetcherFunc func(ctx context.Context, url string) (*fetch.Result, error)

func (f fetcherFunc) Fetch(ctx context.Context, url string) (*fetch.Result, error) { return f(ctx, url) }

func TestDetect_UnknownTarget(t *testing.T) {
	e := newEnv(t, testConfig())
	if _, err := e.svc.Detect(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error: got %v, want ErrNotFound", err)
	}
}

func TestReconcile_Clean(t *testing.T) {
	e := newEnv(t, testConfig())
	e.run(t)
	e.site.set(acmeURL, "<p>Prices changed entirely: starter is now twenty dollars.</p>")
	e.run(t)

	rep, err := e.svc.Reconcile(context.Background(), Scope{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rep.Repaired != 0 || rep.Unresolved != 0 || rep.Checked == 0 {
		t.Fatalf("report: got %+v", rep)
	}
}

func TestPruneRaw(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Retention = RetentionConfig{MaxAge: time.Minute, KeepPerTarget: 1}
	e := newEnv(t, cfg)
	e.run(t)
	e.site.set(acmeURL, "<p>Second version of the Acme pricing page.</p>")
	e.run(t)

	e.clk.mu.Lock()
	e.clk.now = e.clk.now.Add(time.Hour)
	e.clk.mu.Unlock()
	n, err := e.svc.PruneRaw(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned: got %d, want 2", n)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := &Config{Targets: []*Target{{Name: "Acme", URL: acmeURL, ExtractMode: "ocr"}}}
	dbs := DBs{Raw: dbopen.OpenMemory(t), Processed: dbopen.OpenMemory(t), Intelligence: dbopen.OpenMemory(t)}
	_, err := New(context.Background(), cfg, dbs)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("error: got %v, want ErrInvalidConfig", err)
	}
}

func TestPipeline_BreakerSkipsDeadHost(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker = fetch.BreakerConfig{Threshold: 1, Cooldown: time.Hour}
	e := newEnv(t, cfg)
	e.site.fail(globexURL, &fetch.Error{Kind: fetch.KindTimeout, URL: globexURL})

	e.run(t)
	e.run(t)

	e.site.mu.Lock()
	calls := e.site.calls[globexURL]
	e.site.mu.Unlock()
	if calls != 1 {
		t.Fatalf("globex fetches: got %d, want 1 (second run short-circuited)", calls)
	}
	snaps, err := e.svc.ListSnapshots(context.Background(), e.cfg.Targets[1].ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 2 || snaps[0].Status != contentstore.StatusError {
		t.Fatalf("globex snapshots: got %d, want 2 error snapshots", len(snaps))
	}
}
