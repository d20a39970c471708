package monitor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
data_dir: /var/lib/pagewatch
schedule: 30m
targets:
  - group: competitors
    name: Acme
    url: https://acme.example/pricing
    extract_mode: css
    selectors: ["#prices"]
    labels:
      tier: gold
  - group: competitors
    name: Globex
    url: https://globex.example/plans
batch:
  batch_size: 10
  concurrency: 2
  origin_interval: 500ms
  time_budget: 10m
magnitude:
  significant: 30
reconcile:
  windows: [1h, 24h]
notify:
  alerts_only: true
  webhooks:
    - url: https://hooks.example/pagewatch
      headers:
        X-Token: secret
retention:
  max_age: 720h
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Schedule != 30*time.Minute {
		t.Fatalf("schedule: got %v", cfg.Schedule)
	}
	if len(cfg.Targets) != 2 || cfg.Targets[0].Selectors[0] != "#prices" || cfg.Targets[0].Labels["tier"] != "gold" {
		t.Fatalf("targets: got %+v", cfg.Targets)
	}
	if cfg.Batch.BatchSize != 10 || cfg.Batch.OriginInterval != 500*time.Millisecond || cfg.Batch.TimeBudget != 10*time.Minute {
		t.Fatalf("batch: got %+v", cfg.Batch)
	}
	if cfg.Magnitude.Significant != 30 {
		t.Fatalf("magnitude: got %+v", cfg.Magnitude)
	}
	if len(cfg.Reconcile.Windows) != 2 || cfg.Reconcile.Windows[1] != 24*time.Hour {
		t.Fatalf("reconcile windows: got %v", cfg.Reconcile.Windows)
	}
	if !cfg.Notify.AlertsOnly || cfg.Notify.Webhooks[0].Headers["X-Token"] != "secret" {
		t.Fatalf("notify: got %+v", cfg.Notify)
	}
	if cfg.Retention.MaxAge != 720*time.Hour || cfg.Retention.KeepPerTarget != 2 {
		t.Fatalf("retention: got %+v", cfg.Retention)
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	// WHAT: An empty document yields usable defaults.
	// WHY: The CLI must start with no config file for a quick trial.
	cfg, err := ParseConfig(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.RawDB != filepath.Join("data", "raw.db") || cfg.IntelligenceDB != filepath.Join("data", "intelligence.db") {
		t.Fatalf("db paths: got %q %q", cfg.RawDB, cfg.IntelligenceDB)
	}
	if cfg.Schedule != time.Hour || cfg.Extract.Mode != "markdown" || cfg.HTTP.Addr != "127.0.0.1:8085" {
		t.Fatalf("defaults: got schedule=%v mode=%q addr=%q", cfg.Schedule, cfg.Extract.Mode, cfg.HTTP.Addr)
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing url", "targets:\n  - name: Acme\n"},
		{"duplicate", "targets:\n  - {name: A, url: https://a.example}\n  - {name: A, url: https://a.example}\n"},
		{"unknown mode", "targets:\n  - {name: A, url: https://a.example, extract_mode: ocr}\n"},
		{"css without selectors", "targets:\n  - {name: A, url: https://a.example, extract_mode: css}\n"},
		{"bad yaml", "targets: [\n"},
		{"bad duration", "schedule: soon\n"},
	}
	for _, tt := range tests {
		if _, err := ParseConfig([]byte(tt.doc)); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: got %v, want ErrInvalidConfig", tt.name, err)
		}
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagewatch.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/var/lib/pagewatch" || cfg.RawDB != "/var/lib/pagewatch/raw.db" {
		t.Fatalf("paths: got %q %q", cfg.DataDir, cfg.RawDB)
	}
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
