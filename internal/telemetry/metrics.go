// Package telemetry provides Prometheus instrumentation for the sync and
// enrichment pipelines.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Enrichment outcome label values.
const (
	OutcomeUpdated = "updated"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Metrics holds the Prometheus instruments for the service. A nil *Metrics
// is valid and records nothing, so callers don't need to guard every call
// site.
type Metrics struct {
	registry *prometheus.Registry

	syncPagesTotal     prometheus.Counter
	recordsTotal       *prometheus.CounterVec
	enrichmentTotal    *prometheus.CounterVec
	runDurationSeconds *prometheus.HistogramVec
	jobsReapedTotal    prometheus.Counter

	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	activeRequests  prometheus.Gauge
}

// NewMetrics creates a Metrics instance with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		syncPagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "protenders_sync_pages_total",
			Help: "Total number of feed pages processed",
		}),
		recordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "protenders_sync_records_total",
			Help: "Total number of records upserted, by outcome",
		}, []string{"outcome"}),
		enrichmentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "protenders_enrichment_records_total",
			Help: "Total number of enrichment attempts, by outcome",
		}, []string{"outcome"}),
		runDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "protenders_run_duration_seconds",
			Help:    "Duration of orchestration runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"job_type"}),
		jobsReapedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "protenders_jobs_reaped_total",
			Help: "Total number of stale jobs force-failed by the reaper",
		}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "protenders_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route", "status_code"}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "protenders_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		activeRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "protenders_http_active_requests",
			Help: "Number of currently in-flight HTTP requests",
		}),
	}
}

// Handler returns the /metrics scrape handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSyncPage counts one processed feed page.
func (m *Metrics) RecordSyncPage() {
	if m == nil {
		return
	}
	m.syncPagesTotal.Inc()
}

// RecordUpsert counts one upserted record.
func (m *Metrics) RecordUpsert(inserted bool) {
	if m == nil {
		return
	}
	outcome := "updated"
	if inserted {
		outcome = "added"
	}
	m.recordsTotal.WithLabelValues(outcome).Inc()
}

// RecordEnrichment counts one enrichment attempt by outcome.
func (m *Metrics) RecordEnrichment(outcome string) {
	if m == nil {
		return
	}
	m.enrichmentTotal.WithLabelValues(outcome).Inc()
}

// ObserveRunDuration records the wall-clock duration of one run.
func (m *Metrics) ObserveRunDuration(jobType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runDurationSeconds.WithLabelValues(jobType).Observe(duration.Seconds())
}

// RecordReaped counts stale jobs force-failed by the reaper.
func (m *Metrics) RecordReaped(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.jobsReapedTotal.Add(float64(count))
}
