package monitor

import (
	"github.com/hazyhaar/pagewatch/monitor/internal/changes"
	"github.com/hazyhaar/pagewatch/monitor/internal/contentstore"
	"github.com/hazyhaar/pagewatch/monitor/internal/orchestrator"
	"github.com/hazyhaar/pagewatch/monitor/internal/reconcile"
	"github.com/hazyhaar/pagewatch/monitor/internal/retryq"
)

// Public names for the values the service hands out.
type (
	Record          = changes.Record
	ChangeFilter    = changes.Filter
	Snapshot        = contentstore.Snapshot
	Run             = contentstore.Run
	RunReport       = orchestrator.Report
	Progress        = orchestrator.Progress
	Scope           = reconcile.Scope
	ReconcileReport = reconcile.Report
	RetryJob        = retryq.Job
	RetryStats      = retryq.Stats
)
