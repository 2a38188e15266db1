// Package metrics provides Prometheus instrumentation for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UploadLatency tracks upload-to-terminal-state time in seconds.
	UploadLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_upload_latency_seconds",
			Help:    "Time from upload start to a terminal processing state.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"media", "outcome"}, // outcome: ready, failed, timeout, transport, cancelled
	)

	// PollsTotal counts state polls issued against the provider.
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_state_polls_total",
			Help: "Total number of remote state polls.",
		},
		[]string{"state"},
	)

	// DeletesTotal counts remote object deletions by outcome.
	DeletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_remote_deletes_total",
			Help: "Total number of remote object deletions.",
		},
		[]string{"outcome"}, // ok, not_found, error
	)

	// GenerationLatency tracks generation call latency in seconds.
	GenerationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_generation_latency_seconds",
			Help:    "Generation request latency in seconds.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"provider", "model", "outcome"},
	)

	// TokenUsageTotal tracks the total number of tokens consumed.
	TokenUsageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_token_usage_total",
			Help: "Total number of tokens consumed.",
		},
		[]string{"provider", "model", "direction"}, // direction: "input" or "output"
	)

	// CircuitBreakerState tracks the current state of each circuit breaker.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Current circuit breaker state: 0=closed, 1=open, 2=half-open.",
		},
		[]string{"provider"},
	)

	// ActiveTurns tracks the number of turns currently being processed.
	ActiveTurns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_turns",
			Help: "Number of turns currently in flight.",
		},
	)

	// TurnsTotal counts completed turns by media kind and final state.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_turns_total",
			Help: "Total number of turns by media kind and final state.",
		},
		[]string{"media", "state"},
	)

	// Sessions tracks the number of live sessions.
	Sessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_sessions",
			Help: "Number of live sessions.",
		},
	)

	// PendingHandles tracks remote objects that exist but have not been released.
	PendingHandles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_pending_remote_handles",
			Help: "Remote objects created and not yet deleted.",
		},
	)
)

// RecordTokens adds a generation's token usage.
func RecordTokens(provider, model string, prompt, output int32) {
	if prompt > 0 {
		TokenUsageTotal.WithLabelValues(provider, model, "input").Add(float64(prompt))
	}
	if output > 0 {
		TokenUsageTotal.WithLabelValues(provider, model, "output").Add(float64(output))
	}
}

// ResponseCodes counts HTTP responses by route and status code.
var ResponseCodes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_http_responses_total",
		Help: "HTTP responses by route and status code.",
	},
	[]string{"path", "code"},
)
