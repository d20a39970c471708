// Package shield holds the HTTP middleware in front of the pagewatch API:
// security headers, body limits, request tracing, per-client rate limiting
// and HEAD handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.Stack(shield.Config{}, logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// Config configures the default middleware stack.
type Config struct {
	// MaxBody caps request bodies in bytes. Default 1 MiB.
	MaxBody int64 `yaml:"max_body"`
	// RatePerMinute is the sustained request rate allowed per client IP.
	// Zero disables rate limiting.
	RatePerMinute int `yaml:"rate_per_minute"`
	// Burst is the number of requests a client may send at once. Default
	// RatePerMinute / 4, at least 1.
	Burst int `yaml:"burst"`
	// Exclude lists path prefixes that bypass rate limiting.
	Exclude []string `yaml:"exclude"`
}

func (c *Config) defaults() {
	if c.MaxBody <= 0 {
		c.MaxBody = 1 << 20
	}
	if c.Burst <= 0 {
		c.Burst = max(c.RatePerMinute/4, 1)
	}
	if len(c.Exclude) == 0 {
		c.Exclude = []string{"/healthz", "/metrics"}
	}
}

// Stack returns the middleware chain, outermost first:
// HeadToGet, SecurityHeaders, MaxBody, TraceID, then the rate limiter when
// enabled.
func Stack(cfg Config, logger *slog.Logger) []func(http.Handler) http.Handler {
	cfg.defaults()
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(APIHeaders()),
		MaxBody(cfg.MaxBody),
		TraceID(logger),
	}
	if cfg.RatePerMinute > 0 {
		stack = append(stack, NewRateLimiter(cfg.RatePerMinute, cfg.Burst, cfg.Exclude...).Middleware)
	}
	return stack
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
