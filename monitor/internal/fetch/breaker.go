package fetch

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/hazyhaar/pagewatch/observability"
)

// ErrCircuitOpen is wrapped by the Error returned for a host whose breaker
// is open.
var ErrCircuitOpen = errors.New("circuit open")

// Breaker states.
const (
	BreakerClosed   = "closed"    // fetches pass through
	BreakerOpen     = "open"      // fetches rejected without a request
	BreakerHalfOpen = "half_open" // probes allowed to test recovery
)

// BreakerConfig configures per-host circuit breaking.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold" json:"threshold"` // consecutive failures that open a host; 0 disables
	Cooldown  time.Duration `yaml:"cooldown" json:"cooldown"`   // time open before probing, default 15m
	Probes    int           `yaml:"probes" json:"probes"`       // half-open successes needed to close, default 1

	Metrics *observability.Metrics `yaml:"-" json:"-"`
	Logger  *slog.Logger           `yaml:"-" json:"-"`
	Now     func() time.Time       `yaml:"-" json:"-"`
}

func (c *BreakerConfig) defaults() {
	if c.Cooldown <= 0 {
		c.Cooldown = 15 * time.Minute
	}
	if c.Probes <= 0 {
		c.Probes = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Breaker wraps a Fetcher with one circuit breaker per host, so a site that
// keeps timing out or blocking stops costing a full retry cycle on every
// run. Permanent failures are page specific and do not count.
type Breaker struct {
	next Fetcher
	cfg  BreakerConfig

	mu    sync.Mutex
	hosts map[string]*circuit
}

type circuit struct {
	state     string
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker wraps next.
func NewBreaker(next Fetcher, cfg BreakerConfig) *Breaker {
	cfg.defaults()
	return &Breaker{next: next, cfg: cfg, hosts: make(map[string]*circuit)}
}

// Fetch implements Fetcher.
func (b *Breaker) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	host := hostOf(rawURL)
	if !b.allow(host) {
		b.cfg.Metrics.Fetch("circuit_open", 0)
		return nil, &Error{Kind: KindTransient, URL: rawURL, Err: ErrCircuitOpen}
	}
	res, err := b.next.Fetch(ctx, rawURL)
	switch {
	case err == nil:
		b.record(host, true)
	case ctx.Err() != nil:
	case countsAsFailure(err):
		b.record(host, false)
	}
	return res, err
}

// State returns the breaker state of the host of rawURL.
func (b *Breaker) State(rawURL string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.hosts[hostOf(rawURL)]
	if c == nil {
		return BreakerClosed
	}
	b.transition(c)
	return c.state
}

// Reset closes every breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.hosts)
}

func (b *Breaker) allow(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.hosts[host]
	if c == nil {
		return true
	}
	b.transition(c)
	return c.state != BreakerOpen
}

func (b *Breaker) record(host string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.hosts[host]
	if c == nil {
		if ok {
			return
		}
		c = &circuit{state: BreakerClosed}
		b.hosts[host] = c
	}
	switch {
	case ok && c.state == BreakerHalfOpen:
		c.successes++
		if c.successes >= b.cfg.Probes {
			delete(b.hosts, host)
			b.cfg.Logger.Info("fetch: circuit closed", "host", host)
		}
	case ok:
		c.failures = 0
	case c.state == BreakerHalfOpen:
		c.state, c.successes, c.openedAt = BreakerOpen, 0, b.cfg.Now()
		b.cfg.Logger.Warn("fetch: probe failed, circuit reopened", "host", host)
	default:
		c.failures++
		if c.failures >= b.cfg.Threshold {
			c.state, c.openedAt = BreakerOpen, b.cfg.Now()
			b.cfg.Logger.Warn("fetch: circuit opened", "host", host,
				"failures", c.failures, "cooldown", b.cfg.Cooldown)
		}
	}
}

// transition moves an open circuit to half-open once the cooldown elapsed.
// Must be called with mu held.
func (b *Breaker) transition(c *circuit) {
	if c.state == BreakerOpen && b.cfg.Now().Sub(c.openedAt) >= b.cfg.Cooldown {
		c.state, c.successes = BreakerHalfOpen, 0
	}
}

func countsAsFailure(err error) bool {
	fe, ok := AsError(err)
	if !ok {
		return false
	}
	switch fe.Kind {
	case KindTimeout, KindTransient, KindBlocked:
		return true
	}
	return false
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Hostname()
}
