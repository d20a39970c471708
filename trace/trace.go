// Package trace provides SQL tracing for modernc.org/sqlite.
//
// It registers a "sqlite-trace" driver that wraps the standard "sqlite"
// driver and times every statement. Switching the driver name is the only
// change needed:
//
//	trace.SetObserver(metrics)
//	db, err := dbopen.Open("data/raw.db", dbopen.WithDriver(trace.DriverName))
//
// Every statement is logged through slog: Debug normally, Warn above the
// slow threshold, Error on failure. Trace IDs are read from the context via
// kit.GetTraceID so queries can be tied to the HTTP or MCP request that
// issued them.
package trace

import (
	"database/sql"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
)

// DriverName is the database/sql driver name registered by this package.
const DriverName = "sqlite-trace"

// Observer receives the timing of every traced statement.
type Observer interface {
	SQL(op string, seconds float64, err error)
}

var (
	mu       sync.RWMutex
	observer Observer
	slow     = 100 * time.Millisecond
)

// SetObserver installs the process-wide statement observer. nil disables
// it; logging continues.
func SetObserver(o Observer) {
	mu.Lock()
	observer = o
	mu.Unlock()
}

// SetSlowThreshold sets the duration above which statements are logged at
// Warn. Default: 100ms.
func SetSlowThreshold(d time.Duration) {
	mu.Lock()
	slow = d
	mu.Unlock()
}

func settings() (Observer, time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	return observer, slow
}

func init() {
	sql.Register(DriverName, &TracingDriver{Driver: &sqlite.Driver{}})
}
