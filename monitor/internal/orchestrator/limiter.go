package orchestrator

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// originLimiter spaces requests to the same scheme://host.
type originLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	byOrigin map[string]*rate.Limiter
}

func newOriginLimiter(interval time.Duration) *originLimiter {
	return &originLimiter{interval: interval, byOrigin: make(map[string]*rate.Limiter)}
}

// Wait blocks until a request to rawURL's origin is allowed.
func (o *originLimiter) Wait(ctx context.Context, rawURL string) error {
	return o.get(origin(rawURL)).Wait(ctx)
}

func (o *originLimiter) get(key string) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.byOrigin[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(o.interval), 1)
		o.byOrigin[key] = l
	}
	return l
}

// origin returns scheme://host of rawURL, or rawURL itself when it does not
// parse.
func origin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
