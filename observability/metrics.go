// Package observability holds the process-wide instrumentation of the
// monitor: Prometheus collectors for the batch pipeline and the slog
// logger used by the CLI.
//
// A nil *Metrics is valid and records nothing, so components accept one
// unconditionally.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the pipeline collectors around one registry.
type Metrics struct {
	reg *prometheus.Registry

	fetches       *prometheus.CounterVec   // by outcome: ok, timeout, transient, permanent, blocked
	fetchDuration prometheus.Histogram     // seconds
	changes       *prometheus.CounterVec   // by magnitude category
	detectErrors  *prometheus.CounterVec   // by kind: incomplete_history, error
	batchUnits    *prometheus.CounterVec   // by result: ok, error
	runs          *prometheus.CounterVec   // by final state
	repairs       *prometheus.CounterVec   // by result: repaired, unresolved
	extractQueue  prometheus.Gauge         // pending extraction retries
	progress      *prometheus.GaugeVec     // percent complete by job
	notifications *prometheus.CounterVec   // by sink and result
	sqlDuration   *prometheus.HistogramVec // seconds, by op and result
}

// NewMetrics registers the collectors on a fresh registry, together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagewatch_fetches_total",
			Help: "Page fetches by outcome.",
		}, []string{"outcome"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pagewatch_fetch_duration_seconds",
			Help:    "Wall time of page fetches, retries included.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagewatch_changes_total",
			Help: "Change records created, by magnitude category.",
		}, []string{"category"}),
		detectErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagewatch_detect_errors_total",
			Help: "Change detection failures by kind.",
		}, []string{"kind"}),
		batchUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagewatch_batch_units_total",
			Help: "Targets processed by batch runs, by result.",
		}, []string{"result"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagewatch_runs_total",
			Help: "Batch run invocations by final state.",
		}, []string{"state"}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagewatch_reconcile_items_total",
			Help: "Reconciler findings by result.",
		}, []string{"result"}),
		extractQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pagewatch_extract_retry_pending",
			Help: "Snapshots waiting for an extraction retry.",
		}),
		progress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pagewatch_batch_progress_percent",
			Help: "Percent of targets processed by the current batch job.",
		}, []string{"job"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagewatch_notifications_total",
			Help: "Change notifications by sink and result.",
		}, []string{"sink", "result"}),
		sqlDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pagewatch_sql_duration_seconds",
			Help:    "SQLite statement latency when SQL tracing is enabled.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"op", "result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.fetches, m.fetchDuration, m.changes, m.detectErrors, m.batchUnits,
		m.runs, m.repairs, m.extractQueue, m.progress, m.notifications,
		m.sqlDuration,
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Fetch records one fetch outcome and its duration in seconds.
func (m *Metrics) Fetch(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(outcome).Inc()
	m.fetchDuration.Observe(seconds)
}

// Change records a created change record.
func (m *Metrics) Change(category string) {
	if m == nil {
		return
	}
	m.changes.WithLabelValues(category).Inc()
}

// DetectError records a detection failure.
func (m *Metrics) DetectError(kind string) {
	if m == nil {
		return
	}
	m.detectErrors.WithLabelValues(kind).Inc()
}

// BatchUnit records one processed target.
func (m *Metrics) BatchUnit(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.batchUnits.WithLabelValues(result).Inc()
}

// Run records the final state of a batch invocation.
func (m *Metrics) Run(state string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(state).Inc()
}

// Progress sets the completion percentage of a batch job.
func (m *Metrics) Progress(job string, percent float64) {
	if m == nil {
		return
	}
	m.progress.WithLabelValues(job).Set(percent)
}

// Reconcile records the outcome counts of one reconciler pass.
func (m *Metrics) Reconcile(repaired, unresolved int) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues("repaired").Add(float64(repaired))
	m.repairs.WithLabelValues("unresolved").Add(float64(unresolved))
}

// ExtractPending sets the extraction retry backlog.
func (m *Metrics) ExtractPending(n int) {
	if m == nil {
		return
	}
	m.extractQueue.Set(float64(n))
}

// Notify records one notification attempt.
func (m *Metrics) Notify(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.notifications.WithLabelValues(sink, result).Inc()
}

// SQL records one traced statement.
func (m *Metrics) SQL(op string, seconds float64, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sqlDuration.WithLabelValues(op, result).Observe(seconds)
}
