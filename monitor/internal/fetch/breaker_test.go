package fetch

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	// WHAT: Three consecutive transient failures open the host; further fetches fail fast.
	// WHY: A dead site must not cost a full retry cycle on every batch run.
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	down := &stubFetcher{err: &Error{Kind: KindTransient, URL: "https://down.example/a", StatusCode: 503}}
	b := NewBreaker(down, BreakerConfig{Threshold: 3, Cooldown: time.Minute, Now: func() time.Time { return now }})
	ctx := context.Background()

	for range 3 {
		b.Fetch(ctx, "https://down.example/a")
	}
	if got := b.State("https://down.example/b"); got != BreakerOpen {
		t.Fatalf("state: got %q, want open", got)
	}
	_, err := b.Fetch(ctx, "https://down.example/b")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("error: got %v, want ErrCircuitOpen", err)
	}
	if fe, ok := AsError(err); !ok || !fe.Temporary() {
		t.Fatalf("open circuit error should be a temporary fetch error: %v", err)
	}
	if down.calls.Load() != 3 {
		t.Fatalf("calls: got %d, want 3", down.calls.Load())
	}

	if got := b.State("https://up.example/"); got != BreakerClosed {
		t.Fatalf("other host: got %q, want closed", got)
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	site := &stubFetcher{err: &Error{Kind: KindTimeout, URL: "https://slow.example/"}}
	b := NewBreaker(site, BreakerConfig{Threshold: 1, Cooldown: time.Minute, Now: func() time.Time { return now }})
	ctx := context.Background()

	b.Fetch(ctx, "https://slow.example/")
	if b.State("https://slow.example/") != BreakerOpen {
		t.Fatal("expected open after one failure")
	}

	now = now.Add(time.Minute)
	if got := b.State("https://slow.example/"); got != BreakerHalfOpen {
		t.Fatalf("after cooldown: got %q, want half_open", got)
	}
	// Failed probe reopens.
	b.Fetch(ctx, "https://slow.example/")
	if got := b.State("https://slow.example/"); got != BreakerOpen {
		t.Fatalf("after failed probe: got %q, want open", got)
	}

	now = now.Add(time.Minute)
	site.err, site.res = nil, &Result{Body: []byte(page)}
	if _, err := b.Fetch(ctx, "https://slow.example/"); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got := b.State("https://slow.example/"); got != BreakerClosed {
		t.Fatalf("after successful probe: got %q, want closed", got)
	}
}

func TestBreaker_PermanentDoesNotCount(t *testing.T) {
	gone := &stubFetcher{err: &Error{Kind: KindPermanent, URL: "https://x.example/old", StatusCode: 404}}
	b := NewBreaker(gone, BreakerConfig{Threshold: 1})
	for range 3 {
		b.Fetch(context.Background(), "https://x.example/old")
	}
	if got := b.State("https://x.example/new"); got != BreakerClosed {
		t.Fatalf("state: got %q, want closed", got)
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	site := &stubFetcher{err: &Error{Kind: KindBlocked, URL: "https://x.example/", StatusCode: 403}}
	b := NewBreaker(site, BreakerConfig{Threshold: 2})
	ctx := context.Background()

	b.Fetch(ctx, "https://x.example/")
	site.err, site.res = nil, &Result{Body: []byte(page)}
	b.Fetch(ctx, "https://x.example/")
	site.err, site.res = &Error{Kind: KindBlocked, URL: "https://x.example/", StatusCode: 403}, nil
	b.Fetch(ctx, "https://x.example/")
	if got := b.State("https://x.example/"); got != BreakerClosed {
		t.Fatalf("state: got %q, want closed (failures not consecutive)", got)
	}
	b.Fetch(ctx, "https://x.example/")
	if got := b.State("https://x.example/"); got != BreakerOpen {
		t.Fatalf("state: got %q, want open", got)
	}
	b.Reset()
	if got := b.State("https://x.example/"); got != BreakerClosed {
		t.Fatalf("after reset: got %q, want closed", got)
	}
}
