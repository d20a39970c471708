// Package notify delivers change records to external consumers.
//
// Every sink receives the same envelope, {"type": "change", "data": record},
// as JSON. Rendering for humans is left to the consumer.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/hazyhaar/pagewatch/monitor/internal/changes"
	"github.com/hazyhaar/pagewatch/observability"
)

// Sink publishes change records.
type Sink interface {
	Publish(ctx context.Context, r *changes.Record) error
	Close() error
}

type envelope struct {
	Type string          `json:"type"`
	Data *changes.Record `json:"data"`
}

func encode(r *changes.Record) ([]byte, error) {
	return json.Marshal(envelope{Type: "change", Data: r})
}

// Stdout writes one JSON line per record to an io.Writer.
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout creates a Stdout sink. A nil w means os.Stdout.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w)}
}

// Publish implements Sink.
func (s *Stdout) Publish(_ context.Context, r *changes.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(envelope{Type: "change", Data: r})
}

// Close implements Sink.
func (s *Stdout) Close() error { return nil }

// Multi fans a record out to every sink. A failing sink does not stop the
// others; all errors are joined.
type Multi struct {
	sinks   []named
	metrics *observability.Metrics
	logger  *slog.Logger
}

type named struct {
	name string
	sink Sink
}

// NewMulti creates an empty fan-out.
func NewMulti(metrics *observability.Metrics, logger *slog.Logger) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{metrics: metrics, logger: logger}
}

// Add registers a sink under name (used in logs and metrics).
func (m *Multi) Add(name string, s Sink) {
	m.sinks = append(m.sinks, named{name: name, sink: s})
}

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// Publish implements Sink.
func (m *Multi) Publish(ctx context.Context, r *changes.Record) error {
	var errs []error
	for _, s := range m.sinks {
		err := s.sink.Publish(ctx, r)
		m.metrics.Notify(s.name, err)
		if err != nil {
			m.logger.Warn("notify: publish failed", "sink", s.name, "record", r.ID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// alertsOnly drops records that did not cross the alert threshold.
type alertsOnly struct {
	Sink
}

// AlertsOnly wraps s so that only records with ShouldAlert set reach it.
func AlertsOnly(s Sink) Sink { return alertsOnly{s} }

func (a alertsOnly) Publish(ctx context.Context, r *changes.Record) error {
	if !r.ShouldAlert {
		return nil
	}
	return a.Sink.Publish(ctx, r)
}
