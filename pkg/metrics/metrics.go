// Package metrics holds the Prometheus metrics of the capture pipeline and
// its HTTP surface. Every recording method is a no-op on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeFailed   = "failed"
)

// Metrics contains all Prometheus metrics for the memory service
type Metrics struct {
	// Pipeline metrics
	Requests         *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	ExternalFailures *prometheus.CounterVec
	RetrievalMatches prometheus.Histogram

	// Background task metrics
	Tasks         *prometheus.CounterVec
	TasksInFlight prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers all metrics to reg. Use prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kioku_requests_total",
			Help: "Total number of processed utterances by outcome",
		}, []string{"outcome"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kioku_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"stage"}),
		ExternalFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kioku_external_failures_total",
			Help: "Total number of failed calls to external collaborators",
		}, []string{"collaborator"}),
		RetrievalMatches: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kioku_retrieval_matches",
			Help:    "Number of past memories matched by a question",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		}),

		Tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kioku_background_tasks_total",
			Help: "Total number of background tasks by name and result",
		}, []string{"task", "result"}),
		TasksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kioku_background_tasks_in_flight",
			Help: "Number of background tasks currently running",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kioku_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kioku_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordRequest counts a finished utterance
func (m *Metrics) RecordRequest(outcome string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(outcome).Inc()
}

// RecordStage records how long a pipeline stage took
func (m *Metrics) RecordStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordExternalFailure counts a failed call to transcription, extraction etc.
func (m *Metrics) RecordExternalFailure(collaborator string) {
	if m == nil {
		return
	}
	m.ExternalFailures.WithLabelValues(collaborator).Inc()
}

func (m *Metrics) RecordRetrievalMatches(n int) {
	if m == nil {
		return
	}
	m.RetrievalMatches.Observe(float64(n))
}

// TaskStarted marks a background task as running
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.TasksInFlight.Inc()
}

// TaskFinished records the result of a background task
func (m *Metrics) TaskFinished(task string, err error) {
	if m == nil {
		return
	}
	m.TasksInFlight.Dec()
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.Tasks.WithLabelValues(task, result).Inc()
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
