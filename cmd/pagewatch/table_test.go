package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/hazyhaar/pagewatch/monitor"
)

func TestTable_AlignsWideRunes(t *testing.T) {
	// WHAT: Columns align on display width, not byte or rune count.
	// WHY: Target names may be CJK; a byte-based pad breaks every row after it.
	var buf bytes.Buffer
	err := table(&buf, []string{"NAME", "CATEGORY"}, [][]string{
		{"東京ガス", "major"},
		{"Acme", "minor"},
	})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines: got %d, want 4", len(lines))
	}
	col := strings.Index(lines[0], "CATEGORY")
	for _, l := range lines[2:] {
		prefix := l[:strings.LastIndex(l, "  ")+2]
		if w := runewidth.StringWidth(prefix); w != col {
			t.Fatalf("row %q: second column at width %d, want %d", l, w, col)
		}
	}
}

func TestTable_TruncatesLongCells(t *testing.T) {
	var buf bytes.Buffer
	if err := table(&buf, []string{"SUMMARY"}, [][]string{{strings.Repeat("x", 200)}}); err != nil {
		t.Fatalf("table: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if w := runewidth.StringWidth(lines[2]); w != maxCell {
		t.Fatalf("cell width: got %d, want %d", w, maxCell)
	}
}

func TestPrintChanges(t *testing.T) {
	var buf bytes.Buffer
	recs := []*monitor.Record{{
		ID: 7, TargetID: "tgt_1", DetectedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		MagnitudeCategory: "significant", MagnitudeScore: 31.25, ShouldAlert: true, Summary: "+2 -1 lines",
	}}
	if err := printChanges(&buf, recs, map[string]string{"tgt_1": "Acme"}); err != nil {
		t.Fatalf("print: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Acme", "significant", "31.2", "yes", "2026-03-01 12:00:00"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_ProgressOnEmptyDataDir(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "pagewatch.yaml")
	doc := "data_dir: " + dir + "\ntargets:\n  - {name: Acme, url: https://acme.example/pricing}\n"
	if err := os.WriteFile(cfgPath, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := run(context.Background(), logger, flags{config: cfgPath, progress: true, asJSON: true}, &buf); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(buf.String(), `"total": 1`) || !strings.Contains(buf.String(), `"last_processed_index": -1`) {
		t.Fatalf("progress output: %s", buf.String())
	}
}
