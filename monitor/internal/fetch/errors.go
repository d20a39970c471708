package fetch

import (
	"errors"
	"fmt"
)

// Error kinds.
const (
	KindTimeout   = "timeout"   // deadline exceeded, 408
	KindTransient = "transient" // 5xx, 429, connection reset, DNS hiccups
	KindPermanent = "permanent" // 4xx, invalid URL, SSRF-blocked
	KindBlocked   = "blocked"   // 403 or a bot challenge page
)

// Error is a failed fetch. Timeout and transient failures are retried;
// permanent and blocked ones are not.
type Error struct {
	Kind       string
	URL        string
	StatusCode int
	Attempts   int
	Challenge  string // challenge kind when Kind is blocked by page content
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the fetch ran out of time.
func (e *Error) Timeout() bool { return e.Kind == KindTimeout }

// Temporary reports whether a later attempt may succeed.
func (e *Error) Temporary() bool { return e.Kind == KindTimeout || e.Kind == KindTransient }

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var fe *Error
	ok := errors.As(err, &fe)
	return fe, ok
}
