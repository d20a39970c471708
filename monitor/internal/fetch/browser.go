package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/pagewatch/extract"
	"github.com/hazyhaar/pagewatch/horosafe"
	"github.com/hazyhaar/pagewatch/observability"
)

// BrowserConfig configures the headless Chrome fetcher.
type BrowserConfig struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty launches a local headless Chrome on first use.
	RemoteURL       string        `yaml:"remote_url" json:"remote_url"`
	PageTimeout     time.Duration `yaml:"page_timeout" json:"page_timeout"`         // default 30s
	SettleDelay     time.Duration `yaml:"settle_delay" json:"settle_delay"`         // wait after load for late scripts, default 1s
	RecycleInterval time.Duration `yaml:"recycle_interval" json:"recycle_interval"` // default 4h
	// Block lists resource types never loaded: images, fonts, media, stylesheets.
	Block []string `yaml:"block" json:"block"`

	URLValidator func(string) error    `yaml:"-" json:"-"`
	Metrics      *observability.Metrics `yaml:"-" json:"-"`
	Logger       *slog.Logger          `yaml:"-" json:"-"`
}

func (c *BrowserConfig) defaults() {
	if c.PageTimeout <= 0 {
		c.PageTimeout = 30 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = time.Second
	}
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.Block == nil {
		c.Block = []string{"images", "fonts", "media"}
	}
	if c.URLValidator == nil {
		c.URLValidator = horosafe.ValidateURL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Browser renders pages in headless Chrome with stealth patches applied and
// returns the serialised DOM. Chrome is started lazily and recycled after
// RecycleInterval.
type Browser struct {
	cfg BrowserConfig

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
	closed  bool
}

// NewBrowser creates a Browser. No process is started until the first Fetch.
func NewBrowser(cfg BrowserConfig) *Browser {
	cfg.defaults()
	return &Browser{cfg: cfg}
}

// Fetch implements Fetcher.
func (b *Browser) Fetch(ctx context.Context, url string) (*Result, error) {
	start := time.Now()
	res, err := b.fetch(ctx, url)
	outcome := "ok"
	if fe, ok := AsError(err); ok {
		outcome = fe.Kind
	}
	b.cfg.Metrics.Fetch(outcome, time.Since(start).Seconds())
	return res, err
}

func (b *Browser) fetch(ctx context.Context, url string) (*Result, error) {
	if err := b.cfg.URLValidator(url); err != nil {
		return nil, &Error{Kind: KindPermanent, URL: url, Err: err}
	}
	br, err := b.acquire()
	if err != nil {
		return nil, &Error{Kind: KindTransient, URL: url, Attempts: 1, Err: err}
	}

	page, err := stealth.Page(br)
	if err != nil {
		return nil, &Error{Kind: KindTransient, URL: url, Attempts: 1, Err: fmt.Errorf("open tab: %w", err)}
	}
	defer page.Close()

	if len(b.cfg.Block) > 0 {
		router := blockResources(page, b.cfg.Block)
		defer router.Stop()
	}

	navCtx, cancel := context.WithTimeout(ctx, b.cfg.PageTimeout)
	defer cancel()
	p := page.Context(navCtx)
	if err := p.Navigate(url); err != nil {
		return nil, navError(url, err)
	}
	if err := p.WaitLoad(); err != nil {
		b.cfg.Logger.Warn("fetch: browser wait load", "url", url, "error", err)
	}
	if err := sleep(navCtx, b.cfg.SettleDelay); err != nil && ctx.Err() != nil {
		return nil, navError(url, err)
	}

	html, err := p.HTML()
	if err != nil {
		return nil, navError(url, err)
	}
	body := []byte(html)
	if c := extract.DetectChallenge(body); c.Detected {
		return nil, &Error{Kind: KindBlocked, URL: url, Attempts: 1, Challenge: c.Kind, Err: errors.New(c.Reason)}
	}

	final := url
	if info, err := p.Info(); err == nil && info.URL != "" {
		final = info.URL
	}
	return &Result{
		Body:        body,
		StatusCode:  200,
		FetchedAt:   time.Now().UTC(),
		ContentType: "text/html; charset=utf-8",
		FinalURL:    final,
		Via:         "browser",
	}, nil
}

// acquire returns the running browser, launching or recycling it first.
func (b *Browser) acquire() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("browser: closed")
	}
	if b.browser != nil && time.Since(b.startAt) > b.cfg.RecycleInterval {
		b.cfg.Logger.Info("fetch: recycling browser", "uptime", time.Since(b.startAt))
		b.cleanup()
	}
	if b.browser != nil {
		return b.browser, nil
	}

	wsURL := b.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		b.lnch = l
	}
	br := rod.New().ControlURL(wsURL)
	if err := br.Connect(); err != nil {
		b.cleanup()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	b.browser = br
	b.startAt = time.Now()
	b.cfg.Logger.Info("fetch: browser started", "remote", b.cfg.RemoteURL != "")
	return br, nil
}

// Close stops Chrome. Later fetches fail.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cleanup()
	return nil
}

func (b *Browser) cleanup() {
	if b.browser != nil {
		b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
}

func navError(url string, err error) error {
	kind := KindTransient
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, URL: url, Attempts: 1, Err: err}
}

// blockResources fails requests for the listed resource types.
func blockResources(page *rod.Page, types []string) *rod.HijackRouter {
	block := make(map[string]bool, len(types))
	for _, t := range types {
		block[strings.ToLower(t)] = true
	}
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if shouldBlock(block, string(h.Request.Type())) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}

func shouldBlock(block map[string]bool, resType string) bool {
	switch lower := strings.ToLower(resType); lower {
	case "image":
		return block["images"]
	case "font":
		return block["fonts"]
	case "media":
		return block["media"]
	case "stylesheet":
		return block["stylesheets"]
	default:
		return block[lower]
	}
}
