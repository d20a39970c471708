package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/hazyhaar/pagewatch/monitor/internal/changes"
	"github.com/hazyhaar/pagewatch/observability"
)

func sampleRecord() *changes.Record {
	return &changes.Record{
		ID:                42,
		TargetID:          "acme",
		DetectedAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ChangeType:        changes.TypeContent,
		OldSnapshotID:     changes.Int64(1),
		NewSnapshotID:     changes.Int64(2),
		MagnitudeScore:    52.3,
		MagnitudeCategory: changes.CategoryMajor,
		ShouldAlert:       true,
	}
}

type envelopeOut struct {
	Type string         `json:"type"`
	Data changes.Record `json:"data"`
}

func TestStdout_WritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdout(&buf)
	if err := s.Publish(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Fatalf("output not newline terminated: %q", buf.String())
	}
	var got envelopeOut
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != "change" || got.Data.ID != 42 || got.Data.MagnitudeCategory != "major" {
		t.Fatalf("envelope: got %+v", got)
	}
}

func TestWebhook_RetriesOn5xx(t *testing.T) {
	// WHAT: A 503 is retried; the sink succeeds once the receiver recovers.
	// WHY: Receivers restart; a single blip must not lose a change notification.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" || r.Header.Get("X-Token") != "t0k" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh, err := NewWebhook(srv.URL, WithWebhookBackoff(time.Millisecond), WithWebhookHeader("X-Token", "t0k"))
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	if err := wh.Publish(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls: got %d, want 3", got)
	}
}

func TestWebhook_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	wh, err := NewWebhook(srv.URL, WithWebhookBackoff(time.Millisecond))
	if err != nil {
		t.Fatalf("new webhook: %v", err)
	}
	if err := wh.Publish(context.Background(), sampleRecord()); err == nil {
		t.Fatal("expected error on 404")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls: got %d, want 1", got)
	}
}

func TestWebhook_RejectsNonHTTP(t *testing.T) {
	if _, err := NewWebhook("file:///etc/passwd"); err == nil {
		t.Fatal("expected error for file:// URL")
	}
}

type failing struct{ calls int }

func (f *failing) Publish(context.Context, *changes.Record) error {
	f.calls++
	return errors.New("boom")
}
func (f *failing) Close() error { return nil }

func TestMulti_ContinuesPastFailure(t *testing.T) {
	// WHAT: One failing sink does not prevent delivery to the others.
	var buf bytes.Buffer
	bad := &failing{}
	m := NewMulti(observability.NewMetrics(), nil)
	m.Add("broken", bad)
	m.Add("stdout", NewStdout(&buf))

	err := m.Publish(context.Background(), sampleRecord())
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("error: got %v, want boom", err)
	}
	if bad.calls != 1 || buf.Len() == 0 {
		t.Fatalf("delivery: broken=%d stdout=%d bytes", bad.calls, buf.Len())
	}
	if m.Len() != 2 {
		t.Fatalf("len: got %d, want 2", m.Len())
	}
}

func TestAlertsOnly(t *testing.T) {
	var buf bytes.Buffer
	s := AlertsOnly(NewStdout(&buf))
	quiet := sampleRecord()
	quiet.ShouldAlert = false
	if err := s.Publish(context.Background(), quiet); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("non-alert record delivered: %q", buf.String())
	}
	if err := s.Publish(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("alert record not delivered")
	}
}

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	ns.Start()
	t.Cleanup(ns.Shutdown)
	if !ns.ReadyForConnections(2 * time.Second) {
		t.Fatal("nats server not ready")
	}
	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestNATS_PublishesWithHeaders(t *testing.T) {
	nc := startNATS(t)
	sub, err := nc.SubscribeSync(DefaultSubject)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	sink := NewNATS(nc, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sink.Publish(ctx, sampleRecord()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	if msg.Header.Get("Pagewatch-Target") != "acme" || msg.Header.Get("Pagewatch-Alert") != "true" {
		t.Fatalf("headers: got %v", msg.Header)
	}
	var got envelopeOut
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Data.ID != 42 {
		t.Fatalf("record id: got %d, want 42", got.Data.ID)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if nc.IsClosed() {
		t.Fatal("borrowed connection closed by sink")
	}
}
