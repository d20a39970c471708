package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/pagewatch/observability"
	"github.com/hazyhaar/pagewatch/trace"
	"github.com/hazyhaar/pagewatch/watch"
)

func TestReloadTargets(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()

	err := e.svc.ReloadTargets(ctx, []*Target{
		{Group: "competitors", Name: "Acme", URL: acmeURL},
		{Group: "competitors", Name: "Initech", URL: "https://initech.example/pricing"},
	})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	enabled, _ := e.svc.ListTargets(ctx, true)
	if len(enabled) != 2 || enabled[1].Name != "Initech" {
		t.Fatalf("enabled targets: got %+v", enabled)
	}
	all, _ := e.svc.ListTargets(ctx, false)
	if len(all) != 3 {
		t.Fatalf("all targets: got %d, want 3 (Globex kept disabled)", len(all))
	}

	bad := []*Target{{Name: "NoURL"}}
	if err := e.svc.ReloadTargets(ctx, bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("invalid reload: got %v, want ErrInvalidConfig", err)
	}
}

func TestWatchConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagewatch.yaml")
	write := func(doc string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("targets:\n  - {name: Acme, url: " + acmeURL + "}\n")

	cfg := testConfig()
	cfg.Reload = watch.Options{Interval: 20 * time.Millisecond}
	e := newEnv(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	e.svc.WatchConfigFile(ctx, path)
	defer cancel()

	write("targets:\n  - {name: Acme, url: " + acmeURL + "}\n  - {name: Hooli, url: https://hooli.example/}\n")
	deadline := time.Now().Add(2 * time.Second)
	for {
		enabled, err := e.svc.ListTargets(ctx, true)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(enabled) == 2 && enabled[1].Name == "Hooli" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("config edit not picked up: %+v", enabled)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestOpen_TraceSQL(t *testing.T) {
	cfg := testConfig()
	cfg.DataDir = t.TempDir()
	cfg.TraceSQL = true
	m := observability.NewMetrics()
	svc, err := Open(context.Background(), cfg, WithMetrics(m), WithFetcher(newSite(&clock{now: time.Now()})),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer svc.Close()
	t.Cleanup(func() { trace.SetObserver(nil) })

	if _, err := svc.ListTargets(context.Background(), true); err != nil {
		t.Fatalf("list: %v", err)
	}
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() == "pagewatch_sql_duration_seconds" && len(f.GetMetric()) > 0 {
			return
		}
	}
	t.Fatal("no SQL latency recorded with trace_sql enabled")
}
