// Package metrics exposes call-volume, tool-dispatch, AI-session, and
// circuit-breaker gauges/counters via the Prometheus client, scraped by the
// control plane's /metrics route.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicebridge_calls_total",
			Help: "Calls started, partitioned by telephony variant and direction.",
		},
		[]string{"variant", "direction"},
	)

	CallOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicebridge_call_outcomes_total",
			Help: "Finalized calls, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	ActiveCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voicebridge_active_calls",
			Help: "Currently live calls.",
		},
	)

	ToolDispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voicebridge_tool_dispatch_seconds",
			Help:    "Latency of AI tool-call dispatch, partitioned by tool name.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool", "outcome"},
	)

	APIClientLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voicebridge_api_client_seconds",
			Help:    "Latency of business-API calls, partitioned by operation.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "outcome"},
	)

	AISessionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicebridge_ai_session_errors_total",
			Help: "AI realtime session errors, partitioned by event type.",
		},
		[]string{"event"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voicebridge_circuit_breaker_state",
			Help: "Circuit breaker state per service: 0=closed, 1=half-open, 2=open.",
		},
		[]string{"service"},
	)
)

// Registry is the process-wide collector registry; internal/controlplane's
// router wires it to promhttp.HandlerFor at GET /metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		CallsTotal,
		CallOutcomesTotal,
		ActiveCalls,
		ToolDispatchLatency,
		APIClientLatency,
		AISessionErrorsTotal,
		CircuitBreakerState,
	)
}

// RecordServiceCall records a business-API call's latency and outcome.
func RecordServiceCall(operation string, success bool, latency time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	APIClientLatency.WithLabelValues(operation, outcome).Observe(latency.Seconds())
}

// UpdateCircuitBreaker sets the circuit-breaker state gauge for a service.
func UpdateCircuitBreaker(service, state string, _ int64) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	CircuitBreakerState.WithLabelValues(service).Set(v)
}

// RecordToolDispatch records a tool-call dispatch outcome and latency.
func RecordToolDispatch(tool string, success bool, latency time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	ToolDispatchLatency.WithLabelValues(tool, outcome).Observe(latency.Seconds())
}
