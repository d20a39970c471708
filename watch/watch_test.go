package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// token is a controllable fingerprint.
type token struct {
	mu  sync.Mutex
	v   string
	err error
}

func (tk *token) set(v string) {
	tk.mu.Lock()
	tk.v = v
	tk.mu.Unlock()
}

func (tk *token) fp(context.Context) (string, error) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	return tk.v, tk.err
}

func start(t *testing.T, w *Watcher, action func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.OnChange(ctx, action)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(50 * time.Millisecond)
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.yaml")
	if err := os.WriteFile(path, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	fp := File(path)
	a, err := fp(context.Background())
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if err := os.WriteFile(path, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	again, _ := fp(context.Background())
	if again != a {
		t.Fatal("rewriting identical content changed the fingerprint")
	}
	if err := os.WriteFile(path, []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}
	b, _ := fp(context.Background())
	if b == a {
		t.Fatal("edit did not change the fingerprint")
	}
	if _, err := File(filepath.Join(t.TempDir(), "missing"))(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestOnChange_FiresOnChange(t *testing.T) {
	tk := &token{v: "v0"}
	var reloads atomic.Int32
	w := New(tk.fp, Options{Interval: 20 * time.Millisecond})
	start(t, w, func(context.Context) error {
		reloads.Add(1)
		return nil
	})

	if got := reloads.Load(); got != 0 {
		t.Fatalf("baseline fired the action: %d", got)
	}
	tk.set("v1")
	time.Sleep(80 * time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("reloads: got %d, want 1", got)
	}
	tk.set("v2")
	time.Sleep(80 * time.Millisecond)
	if got := reloads.Load(); got != 2 {
		t.Fatalf("reloads: got %d, want 2", got)
	}
	time.Sleep(80 * time.Millisecond)
	if got := reloads.Load(); got != 2 {
		t.Fatalf("reloads without change: got %d, want 2", got)
	}
	if w.Current() != "v2" {
		t.Fatalf("current: got %q", w.Current())
	}
}

func TestOnChange_Debounce(t *testing.T) {
	// WHAT: A burst of edits produces a single reload.
	// WHY: Editors write files in several steps; each partial write must not reload targets.
	tk := &token{v: "v0"}
	var reloads atomic.Int32
	w := New(tk.fp, Options{Interval: 20 * time.Millisecond, Debounce: 100 * time.Millisecond})
	start(t, w, func(context.Context) error {
		reloads.Add(1)
		return nil
	})

	for _, v := range []string{"v1", "v2", "v3", "v4"} {
		tk.set(v)
		time.Sleep(15 * time.Millisecond)
	}
	if got := reloads.Load(); got != 0 {
		t.Fatalf("reloads during debounce: got %d, want 0", got)
	}
	time.Sleep(200 * time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("reloads after debounce: got %d, want 1", got)
	}
	if w.Current() != "v4" {
		t.Fatalf("current: got %q, want v4", w.Current())
	}
}

func TestOnChange_FailedReloadRetries(t *testing.T) {
	tk := &token{v: "v0"}
	var calls atomic.Int32
	w := New(tk.fp, Options{Interval: 20 * time.Millisecond})
	start(t, w, func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("busy")
		}
		return nil
	})

	tk.set("v1")
	time.Sleep(120 * time.Millisecond)
	if got := calls.Load(); got < 2 {
		t.Fatalf("calls: got %d, want a failure then a success", got)
	}
	if w.Current() != "v1" {
		t.Fatalf("current: got %q, want v1", w.Current())
	}
	st := w.Stats()
	if st.Reloads != 1 || st.Errors < 1 {
		t.Fatalf("stats: got %+v", st)
	}
}

func TestOnChange_FingerprintErrorKeepsBaseline(t *testing.T) {
	tk := &token{v: "v0"}
	w := New(tk.fp, Options{Interval: 20 * time.Millisecond})
	start(t, w, func(context.Context) error {
		t.Error("action must not run on fingerprint errors")
		return nil
	})
	tk.mu.Lock()
	tk.err = errors.New("gone")
	tk.mu.Unlock()
	time.Sleep(80 * time.Millisecond)
	if w.Current() != "v0" || w.Stats().Errors == 0 {
		t.Fatalf("current %q, stats %+v", w.Current(), w.Stats())
	}
}
