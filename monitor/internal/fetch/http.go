// Package fetch acquires the raw HTML of monitored pages.
//
// HTTP is the default path. Browser renders pages with headless Chrome for
// targets that need JavaScript. Auto tries HTTP first and falls back to the
// browser when the response looks like an empty SPA shell. Every failure is
// an *Error classified as timeout, transient, permanent or blocked.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/pagewatch/extract"
	"github.com/hazyhaar/pagewatch/horosafe"
	"github.com/hazyhaar/pagewatch/observability"
)

// Result is a fetched page.
type Result struct {
	Body        []byte
	StatusCode  int
	FetchedAt   time.Time
	ContentType string
	FinalURL    string
	Via         string // "http" or "browser"
}

// Fetcher retrieves a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Result, error)
}

// Config configures the HTTP fetcher.
type Config struct {
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`         // per attempt, default 30s
	MaxBytes   int64         `yaml:"max_bytes" json:"max_bytes"`     // default 10MB
	UserAgent  string        `yaml:"user_agent" json:"user_agent"`   // default pagewatch/1.0
	MaxRetries int           `yaml:"max_retries" json:"max_retries"` // retries after the first attempt, default 2
	Backoff    time.Duration `yaml:"backoff" json:"backoff"`         // first retry delay, default 1s
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"` // default 30s
	// NoChallengeCheck disables bot-challenge detection on 2xx bodies.
	NoChallengeCheck bool `yaml:"no_challenge_check" json:"no_challenge_check"`

	// URLValidator validates URLs and redirects (SSRF). Default
	// horosafe.ValidateURL.
	URLValidator func(string) error    `yaml:"-" json:"-"`
	Metrics      *observability.Metrics `yaml:"-" json:"-"`
	Logger       *slog.Logger          `yaml:"-" json:"-"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "pagewatch/1.0"
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.URLValidator == nil {
		c.URLValidator = horosafe.ValidateURL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// HTTP fetches pages with net/http, retrying timeout and transient
// failures with exponential backoff.
type HTTP struct {
	client *http.Client
	cfg    Config
}

// NewHTTP creates an HTTP fetcher. Redirect targets are validated like the
// initial URL. A negative MaxRetries disables retries.
func NewHTTP(cfg Config) *HTTP {
	cfg.defaults()
	validate := cfg.URLValidator
	return &HTTP{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		cfg: cfg,
	}
}

// Fetch implements Fetcher.
func (h *HTTP) Fetch(ctx context.Context, url string) (*Result, error) {
	start := time.Now()
	res, err := h.fetch(ctx, url)
	outcome := "ok"
	if fe, ok := AsError(err); ok {
		outcome = fe.Kind
	} else if err != nil {
		outcome = KindPermanent
	}
	h.cfg.Metrics.Fetch(outcome, time.Since(start).Seconds())
	return res, err
}

func (h *HTTP) fetch(ctx context.Context, url string) (*Result, error) {
	if err := h.cfg.URLValidator(url); err != nil {
		return nil, &Error{Kind: KindPermanent, URL: url, Attempts: 0, Err: err}
	}

	delay := h.cfg.Backoff
	for attempt := 1; ; attempt++ {
		res, err := h.once(ctx, url)
		if err == nil {
			return res, nil
		}
		var fe *Error
		if !errors.As(err, &fe) {
			fe = &Error{Kind: KindPermanent, URL: url, Err: err}
		}
		fe.Attempts = attempt
		if !fe.Temporary() || attempt > h.cfg.MaxRetries || ctx.Err() != nil {
			return nil, fe
		}
		h.cfg.Logger.Debug("fetch: retrying", "url", url, "attempt", attempt, "kind", fe.Kind, "delay", delay)
		if err := sleep(ctx, jitter(delay)); err != nil {
			return nil, fe
		}
		delay = min(delay*2, h.cfg.MaxBackoff)
	}
}

// once performs a single attempt.
func (h *HTTP) once(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Kind: KindPermanent, URL: url, Err: err}
	}
	req.Header.Set("User-Agent", h.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: classifyErr(err), URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := horosafe.LimitedReadAll(resp.Body, h.cfg.MaxBytes)
	if err != nil {
		return nil, &Error{Kind: classifyErr(err), URL: url, StatusCode: resp.StatusCode, Err: err}
	}
	if kind := classifyStatus(resp.StatusCode); kind != "" {
		fe := &Error{Kind: kind, URL: url, StatusCode: resp.StatusCode}
		if c := extract.DetectChallenge(body); c.Detected {
			fe.Kind, fe.Challenge = KindBlocked, c.Kind
		}
		return nil, fe
	}
	if !h.cfg.NoChallengeCheck {
		if c := extract.DetectChallenge(body); c.Detected {
			return nil, &Error{Kind: KindBlocked, URL: url, StatusCode: resp.StatusCode,
				Challenge: c.Kind, Err: errors.New(c.Reason)}
		}
	}
	return &Result{
		Body:        body,
		StatusCode:  resp.StatusCode,
		FetchedAt:   time.Now().UTC(),
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL.String(),
		Via:         "http",
	}, nil
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jitter spreads d by up to ±20%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d) / 5
	if spread == 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(2*spread)-spread)
}

// isHTML reports whether a content type is HTML or unspecified.
func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" || strings.Contains(ct, "html")
}
