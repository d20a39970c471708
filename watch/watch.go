// Package watch polls a fingerprint, debounces changes and runs a reload
// action. pagewatch uses it to pick up edits to the targets file without a
// restart.
//
// Typical usage:
//
//	w := watch.New(watch.File("pagewatch.yaml"), watch.Options{Interval: 5 * time.Second, Debounce: time.Second})
//	go w.OnChange(ctx, func(ctx context.Context) error { return svc.ReloadConfig(ctx, "pagewatch.yaml") })
package watch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Fingerprint returns a token describing the watched resource. Two calls
// that return different tokens mean something changed.
type Fingerprint func(ctx context.Context) (string, error)

// File fingerprints a file by the SHA-256 of its content. Touching the file
// without editing it is not a change.
func File(path string) Fingerprint {
	return func(context.Context) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	}
}

// Options tunes the watcher.
type Options struct {
	// Interval is the polling frequency. Default: 5s.
	Interval time.Duration `yaml:"interval"`
	// Debounce is the quiet period after a change before the action fires.
	// Further changes inside the window restart it. 0 fires immediately.
	Debounce time.Duration `yaml:"debounce"`

	Logger *slog.Logger `yaml:"-"`
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher runs an action when a fingerprint changes. Safe for concurrent use.
type Watcher struct {
	fp   Fingerprint
	opts Options

	mu      sync.Mutex
	current string
	stats   Stats
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64         `json:"checks"`
	ChangesDetected int64         `json:"changes_detected"`
	Errors          int64         `json:"errors"`
	Reloads         int64         `json:"reloads"`
	LastReload      time.Time     `json:"last_reload,omitzero"`
	LastReloadTime  time.Duration `json:"last_reload_time"`
}

// New creates a Watcher. Call OnChange to start the loop.
func New(fp Fingerprint, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{fp: fp, opts: opts}
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Current returns the last fingerprint whose reload succeeded.
func (w *Watcher) Current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// OnChange blocks until ctx is cancelled, polling at opts.Interval. The
// fingerprint at start is the baseline and does not trigger the action.
//
// If action fails the fingerprint is not advanced and the action runs again
// on the next poll.
func (w *Watcher) OnChange(ctx context.Context, action func(context.Context) error) {
	log := w.opts.Logger

	if cur, err := w.fp(ctx); err != nil {
		log.Warn("watch: initial fingerprint failed", "error", err)
	} else {
		w.setCurrent(cur)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceCh <-chan time.Time
	pending := ""

	log.Info("watch: started", "interval", w.opts.Interval, "debounce", w.opts.Debounce)
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			log.Info("watch: stopped")
			return

		case <-ticker.C:
			cur, err := w.fp(ctx)
			w.count(func(s *Stats) {
				s.Checks++
				if err != nil {
					s.Errors++
				}
			})
			if err != nil {
				log.Warn("watch: fingerprint failed", "error", err)
				continue
			}
			if cur == w.Current() || cur == pending {
				continue
			}
			w.count(func(s *Stats) { s.ChangesDetected++ })
			pending = cur
			if w.opts.Debounce <= 0 {
				w.fire(ctx, action, pending)
				pending = ""
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			debounceCh = debounce.C
			log.Debug("watch: change detected, debouncing")

		case <-debounceCh:
			debounceCh = nil
			if pending != "" {
				w.fire(ctx, action, pending)
				pending = ""
			}
		}
	}
}

func (w *Watcher) fire(ctx context.Context, action func(context.Context) error, fp string) {
	start := time.Now()
	if err := action(ctx); err != nil {
		w.count(func(s *Stats) { s.Errors++ })
		w.opts.Logger.Error("watch: reload failed", "error", err)
		return
	}
	elapsed := time.Since(start)
	w.mu.Lock()
	w.current = fp
	w.stats.Reloads++
	w.stats.LastReload = start
	w.stats.LastReloadTime = elapsed
	w.mu.Unlock()
	w.opts.Logger.Info("watch: reload complete", "duration", elapsed)
}

func (w *Watcher) setCurrent(fp string) {
	w.mu.Lock()
	w.current = fp
	w.mu.Unlock()
}

func (w *Watcher) count(fn func(*Stats)) {
	w.mu.Lock()
	fn(&w.stats)
	w.mu.Unlock()
}
