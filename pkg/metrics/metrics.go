// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// CompletionDuration tracks completion calls to the upstream provider.
	CompletionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "completion_duration_seconds",
			Help:    "Completion request duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "outcome"},
	)

	// CompletionTokensTotal tracks tokens reported by the provider.
	CompletionTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "completion_tokens_total",
			Help: "Total completion tokens processed",
		},
		[]string{"provider", "direction"},
	)

	// TaskResultsTotal counts how session completion tasks ended.
	TaskResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_task_results_total",
			Help: "Session completion task results by outcome",
		},
		[]string{"outcome"},
	)

	// SessionsActive tracks open interactive sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Number of open interactive sessions",
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// ConversationSavesTotal counts saves by path and result.
	ConversationSavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_saves_total",
			Help: "Conversation saves by path (create, replace) and result",
		},
		[]string{"path", "result"},
	)

	// CompensationsTotal counts compensating deletes on the create path.
	CompensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_compensations_total",
			Help: "Compensating deletes after a failed create",
		},
		[]string{"result"},
	)

	// AuditEventsTotal counts audit events published to NATS.
	AuditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Audit events published to the conversations stream",
		},
		[]string{"type", "status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, route, status string, duration float64) {
	RequestDuration.WithLabelValues(method, route, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, route, status).Inc()
}

// RecordCompletion records metrics for one completion call.
func RecordCompletion(provider, outcome string, duration float64, tokensIn, tokensOut int) {
	CompletionDuration.WithLabelValues(provider, outcome).Observe(duration)
	if tokensIn > 0 {
		CompletionTokensTotal.WithLabelValues(provider, "in").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		CompletionTokensTotal.WithLabelValues(provider, "out").Add(float64(tokensOut))
	}
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
