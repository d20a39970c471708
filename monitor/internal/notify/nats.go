package notify

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/hazyhaar/pagewatch/monitor/internal/changes"
)

// DefaultSubject is the subject records are published on.
const DefaultSubject = "pagewatch.changes"

// NATS publishes records on a subject. The record's target id and change
// category travel as headers so consumers can filter without decoding.
type NATS struct {
	nc      *nats.Conn
	subject string
	owned   bool
}

// ConnectNATS dials url and returns a sink that owns the connection.
func ConnectNATS(url, subject string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("pagewatch"))
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}
	s := NewNATS(nc, subject)
	s.owned = true
	return s, nil
}

// NewNATS wraps an existing connection. Close flushes but does not close it.
func NewNATS(nc *nats.Conn, subject string) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{nc: nc, subject: subject}
}

// Publish implements Sink.
func (n *NATS) Publish(ctx context.Context, r *changes.Record) error {
	body, err := encode(r)
	if err != nil {
		return fmt.Errorf("nats: marshal: %w", err)
	}
	msg := nats.NewMsg(n.subject)
	msg.Header.Set("Pagewatch-Target", r.TargetID)
	msg.Header.Set("Pagewatch-Category", r.MagnitudeCategory)
	msg.Header.Set("Pagewatch-Alert", strconv.FormatBool(r.ShouldAlert))
	msg.Data = body
	if err := n.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats: publish: %w", err)
	}
	return n.nc.FlushWithContext(ctx)
}

// Close implements Sink.
func (n *NATS) Close() error {
	if n.owned {
		return n.nc.Drain()
	}
	return n.nc.Flush()
}
