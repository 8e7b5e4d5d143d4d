package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the broadcast orchestrator.
// All methods are safe on a nil receiver so callers can pass nil in tests.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	transitionsTotal  *prometheus.CounterVec
	webhookEvents     *prometheus.CounterVec
	signatureFailures *prometheus.CounterVec
	recreationsTotal  *prometheus.CounterVec
	integrityFaults   prometheus.Counter
	activeSessions    prometheus.Gauge
}

// New creates and registers Prometheus metrics for the orchestrator.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	transitionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_session_transitions_total",
		Help: "Session status transitions written to the store",
	}, []string{"from", "to", "source"})
	webhookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_webhook_events_total",
		Help: "Webhook deliveries by provider and handling reason",
	}, []string{"provider", "reason"})
	signatureFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_signature_failures_total",
		Help: "Webhook deliveries rejected by signature verification",
	}, []string{"provider", "reason"})
	recreationsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_recreations_total",
		Help: "Session recreation attempts by outcome",
	}, []string{"outcome"})
	integrityFaults := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_integrity_faults_total",
		Help: "Lookups that found more than one active session for a key",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broadcast_active_sessions",
		Help: "Number of sessions in an active status",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		transitionsTotal,
		webhookEvents,
		signatureFailures,
		recreationsTotal,
		integrityFaults,
		activeSessions,
	)

	return &Metrics{
		registry:          registry,
		requestsTotal:     requestsTotal,
		errorsTotal:       errorsTotal,
		transitionsTotal:  transitionsTotal,
		webhookEvents:     webhookEvents,
		signatureFailures: signatureFailures,
		recreationsTotal:  recreationsTotal,
		integrityFaults:   integrityFaults,
		activeSessions:    activeSessions,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncTransitions records a status change written by the orchestrator.
func (m *Metrics) IncTransitions(from, to, source string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to, source).Inc()
}

// IncWebhookEvents records how a webhook delivery was handled.
func (m *Metrics) IncWebhookEvents(provider, reason string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, reason).Inc()
}

// IncSignatureFailures records a rejected webhook signature.
func (m *Metrics) IncSignatureFailures(provider, reason string) {
	if m == nil {
		return
	}
	m.signatureFailures.WithLabelValues(provider, reason).Inc()
}

// IncRecreations records a recreation attempt ("created", "skipped_conflict", "failed").
func (m *Metrics) IncRecreations(outcome string) {
	if m == nil {
		return
	}
	m.recreationsTotal.WithLabelValues(outcome).Inc()
}

// IncIntegrityFaults increments the integrity fault counter.
func (m *Metrics) IncIntegrityFaults() {
	if m == nil {
		return
	}
	m.integrityFaults.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
