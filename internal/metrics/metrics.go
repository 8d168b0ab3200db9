// Package metrics holds the engine's Prometheus metrics, re-themed from a
// job/execution/scheduler/executor/queue/retry namespace set onto the
// scheduling engine's own: cycles, AI calls, malformed responses, repairs,
// endpoint classifications, circuit breaker trips and disabled endpoints,
// plus the ambient HTTP metrics for the admin surface. Per-endpoint
// escalation counts are not exported. promauto registers each
// against the default registry so a single promhttp.Handler() exposes all
// of them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// --- Cycle metrics ---

	CyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "skedge",
			Subsystem: "cycle",
			Name:      "total",
			Help:      "Total number of cycles run",
		},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "skedge",
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of a cycle",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skedge",
			Subsystem: "cycle",
			Name:      "jobs_processed_total",
			Help:      "Total jobs processed by outcome",
		},
		[]string{"outcome"}, // success, failure
	)

	// --- AI agent metrics ---

	AICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skedge",
			Subsystem: "ai",
			Name:      "calls_total",
			Help:      "Total AI agent adapter calls by phase",
		},
		[]string{"phase"}, // plan, schedule
	)

	MalformedResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skedge",
			Subsystem: "ai",
			Name:      "malformed_responses_total",
			Help:      "Total malformed AI responses by phase and category",
		},
		[]string{"phase", "category"},
	)

	RepairAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skedge",
			Subsystem: "ai",
			Name:      "repair_attempts_total",
			Help:      "Total single-shot repair attempts by phase",
		},
		[]string{"phase"},
	)

	RepairSuccesses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skedge",
			Subsystem: "ai",
			Name:      "repair_successes_total",
			Help:      "Total successful repairs by phase",
		},
		[]string{"phase"},
	)

	RepairFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skedge",
			Subsystem: "ai",
			Name:      "repair_failures_total",
			Help:      "Total failed repairs by phase",
		},
		[]string{"phase"},
	)

	// --- Endpoint executor metrics ---

	EndpointCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skedge",
			Subsystem: "endpoint",
			Name:      "calls_total",
			Help:      "Total endpoint calls by outcome classification",
		},
		[]string{"classification"},
	)

	EndpointCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "skedge",
			Subsystem: "endpoint",
			Name:      "latency_seconds",
			Help:      "Endpoint call latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"endpoint_id"},
	)

	// --- Circuit breaker / escalation metrics ---

	CircuitBreakerTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "skedge",
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Total circuit breaker trips (endpoint disabled)",
		},
	)

	DisabledEndpoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "skedge",
			Subsystem: "breaker",
			Name:      "disabled_endpoints",
			Help:      "Number of (job, endpoint) pairs currently disabled",
		},
	)

	// --- Ambient HTTP metrics for the admin surface ---

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skedge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests to the admin surface",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "skedge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)
)

// RecordCycle records one completed cycle's duration and per-job outcomes.
func RecordCycle(durationSeconds float64, success, failure int) {
	CyclesTotal.Inc()
	CycleDuration.Observe(durationSeconds)
	if success > 0 {
		JobsProcessed.WithLabelValues("success").Add(float64(success))
	}
	if failure > 0 {
		JobsProcessed.WithLabelValues("failure").Add(float64(failure))
	}
}

// RecordEndpointCall records one endpoint call's classification and
// latency.
func RecordEndpointCall(endpointID, classification string, latencySeconds float64) {
	EndpointCallsTotal.WithLabelValues(classification).Inc()
	EndpointCallLatency.WithLabelValues(endpointID).Observe(latencySeconds)
}
