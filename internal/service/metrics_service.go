package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP layer
// and the approval workflow. All methods are safe on a nil receiver so that
// instrumentation stays optional in service wiring.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	dbQueryDuration *prometheus.HistogramVec

	submissionsTotal *prometheus.CounterVec
	decisionsTotal   *prometheus.CounterVec
	executionsTotal  *prometheus.CounterVec
	expiredTotal     prometheus.Counter
	sweepDuration    prometheus.Histogram
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Duration of database queries",
		Buckets: prometheus.DefBuckets,
	}, []string{"query"})

	submissionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approval_submissions_total",
		Help: "Approval requests submitted, by action kind",
	}, []string{"action_kind"})

	decisionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approval_decisions_total",
		Help: "Decisions recorded, by outcome",
	}, []string{"outcome"})

	executionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approval_executions_total",
		Help: "Action executions attempted, by result",
	}, []string{"result"})

	expiredTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "approval_expired_total",
		Help: "Pending requests expired by the sweeper",
	})

	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "approval_sweep_duration_seconds",
		Help:    "Duration of expiry sweep passes",
		Buckets: prometheus.DefBuckets,
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, dbQueryDuration,
		submissionsTotal, decisionsTotal, executionsTotal, expiredTotal, sweepDuration, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:         registry,
		handler:          handler,
		requestDuration:  requestDuration,
		requestTotal:     requestTotal,
		dbQueryDuration:  dbQueryDuration,
		submissionsTotal: submissionsTotal,
		decisionsTotal:   decisionsTotal,
		executionsTotal:  executionsTotal,
		expiredTotal:     expiredTotal,
		sweepDuration:    sweepDuration,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObserveDBQuery records database query timing.
func (m *MetricsService) ObserveDBQuery(label string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(label).Observe(duration.Seconds())
}

// RecordSubmission counts a submitted request.
func (m *MetricsService) RecordSubmission(actionKind string) {
	if m == nil {
		return
	}
	m.submissionsTotal.WithLabelValues(actionKind).Inc()
}

// RecordDecision counts a recorded decision by outcome.
func (m *MetricsService) RecordDecision(outcome string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(outcome).Inc()
}

// RecordExecution counts an execution attempt.
func (m *MetricsService) RecordExecution(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.executionsTotal.WithLabelValues(result).Inc()
}

// RecordSweep records the result of one expiry sweep pass.
func (m *MetricsService) RecordSweep(expired int, duration time.Duration) {
	if m == nil {
		return
	}
	m.expiredTotal.Add(float64(expired))
	m.sweepDuration.Observe(duration.Seconds())
}
