package monitor

import (
	"errors"

	"github.com/hazyhaar/pagewatch/monitor/internal/detect"
	"github.com/hazyhaar/pagewatch/monitor/internal/orchestrator"
	"github.com/hazyhaar/pagewatch/monitor/internal/reconcile"
)

// ErrInvalidConfig is returned when the configuration cannot be used.
var ErrInvalidConfig = errors.New("monitor: invalid config")

// ErrNotFound is returned for an unknown target.
var ErrNotFound = errors.New("monitor: not found")

// ErrAlreadyRunning is returned when a batch run is requested while one is
// in progress.
var ErrAlreadyRunning = orchestrator.ErrAlreadyRunning

// ErrIncompleteHistory is returned by Detect when the previous snapshot's
// content is no longer available. The pair is retried on the next run.
var ErrIncompleteHistory = detect.ErrIncompleteHistory

// ErrAmbiguous marks reconciler issues for which no snapshot matched.
var ErrAmbiguous = reconcile.ErrAmbiguous
