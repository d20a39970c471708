package retryq

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pagewatch/dbopen"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newQ(t *testing.T, opts Options) (*Q, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts.Now = c.Now
	q, err := New(dbopen.OpenMemory(t), opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return q, c
}

func TestPublishClaimAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newQ(t, Options{})

	if err := q.Publish(ctx, 7, "acme", "extract: empty"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	jobs, err := q.Claim(ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(jobs) != 1 || jobs[0].SnapshotID != 7 || jobs[0].Attempts != 1 || jobs[0].LastError != "extract: empty" {
		t.Fatalf("claim: got %+v", jobs)
	}

	again, err := q.Claim(ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("claimed job still visible: %+v", again)
	}

	if err := q.Ack(ctx, 7); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("len after ack: got %d, want 0", n)
	}
}

func TestPublish_Idempotent(t *testing.T) {
	// WHAT: Re-queueing a parked snapshot keeps one row and its attempt count.
	// WHY: A re-run of the same batch must not reset the retry budget.
	ctx := context.Background()
	q, c := newQ(t, Options{Visibility: time.Minute})

	q.Publish(ctx, 1, "acme", "first")
	q.Claim(ctx, 1)
	c.advance(2 * time.Minute)
	if err := q.Publish(ctx, 1, "acme", "second"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	jobs, _ := q.List(ctx, 10)
	if len(jobs) != 1 || jobs[0].Attempts != 1 || jobs[0].LastError != "second" {
		t.Fatalf("list: got %+v", jobs)
	}
}

func TestVisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	q, c := newQ(t, Options{Visibility: 30 * time.Second})
	q.Publish(ctx, 1, "acme", "")
	q.Claim(ctx, 1)

	c.advance(31 * time.Second)
	jobs, _ := q.Claim(ctx, 1)
	if len(jobs) != 1 || jobs[0].Attempts != 2 {
		t.Fatalf("reclaim after timeout: got %+v", jobs)
	}
}

func TestDrain_BackoffAndDiscard(t *testing.T) {
	// WHAT: Failures back off exponentially; a job over MaxAttempts is dropped.
	ctx := context.Background()
	q, c := newQ(t, Options{Backoff: time.Minute, MaxBackoff: 3 * time.Minute, MaxAttempts: 2})
	q.Publish(ctx, 1, "acme", "")

	fail := func(context.Context, *Job) error { return errors.New("still empty") }

	st, err := q.Drain(ctx, fail)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if st.Claimed != 1 || st.Failed != 1 {
		t.Fatalf("round 1: got %+v", st)
	}

	c.advance(59 * time.Second)
	if st, _ := q.Drain(ctx, fail); st.Claimed != 0 {
		t.Fatalf("claimed before backoff elapsed: %+v", st)
	}

	c.advance(time.Second)
	if st, _ := q.Drain(ctx, fail); st.Failed != 1 {
		t.Fatalf("round 2: got %+v", st)
	}
	jobs, _ := q.List(ctx, 1)
	if want := c.now.Add(2 * time.Minute); !jobs[0].VisibleAt.Equal(want) {
		t.Fatalf("second backoff: got %v, want %v", jobs[0].VisibleAt, want)
	}

	c.advance(2 * time.Minute)
	st, _ = q.Drain(ctx, fail)
	if st.Discarded != 1 {
		t.Fatalf("round 3: got %+v, want discard", st)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("len: got %d, want 0", n)
	}
}

func TestDrain_SuccessAndExplicitDiscard(t *testing.T) {
	ctx := context.Background()
	q, _ := newQ(t, Options{})
	q.Publish(ctx, 1, "acme", "")
	q.Publish(ctx, 2, "acme", "")

	st, err := q.Drain(ctx, func(_ context.Context, j *Job) error {
		if j.SnapshotID == 2 {
			return ErrDiscard
		}
		return nil
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if st.Succeeded != 1 || st.Discarded != 1 {
		t.Fatalf("stats: got %+v", st)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("len: got %d, want 0", n)
	}
}

func TestBackoffCap(t *testing.T) {
	q, _ := newQ(t, Options{Backoff: time.Minute, MaxBackoff: 5 * time.Minute})
	for attempts, want := range map[int]time.Duration{1: time.Minute, 2: 2 * time.Minute, 3: 4 * time.Minute, 4: 5 * time.Minute, 9: 5 * time.Minute} {
		if got := q.backoff(attempts); got != want {
			t.Fatalf("backoff(%d): got %v, want %v", attempts, got, want)
		}
	}
}
