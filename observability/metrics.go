package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the size of each index-store queue set.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hqm_queue_depth",
		Help: "Current number of request ids in each queue set",
	}, []string{"set"})

	// DispatchDecisions counts admission decisions made before execution.
	DispatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hqm_dispatch_decisions_total",
		Help: "Total admission decisions made by the backpressure controller",
	}, []string{"decision", "reason"})

	// AttemptsTotal counts finished attempts by outcome class.
	AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hqm_attempts_total",
		Help: "Total request attempts by outcome",
	}, []string{"outcome"})

	// AttemptDuration tracks wall-clock execution time of attempts.
	AttemptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hqm_attempt_duration_seconds",
		Help:    "Duration of HTTP request attempts",
		Buckets: prometheus.DefBuckets,
	})

	// ActiveRequests tracks in-flight executions per worker process.
	ActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hqm_active_requests",
		Help: "Number of requests currently executing in this process",
	})

	// BreakerState exposes the per-host circuit state (0=closed, 1=half-open, 2=open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hqm_circuit_breaker_state",
		Help: "Circuit breaker state per host (0=closed, 1=half-open, 2=open)",
	}, []string{"host"})

	// RedisLatency tracks index-store round-trip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hqm_index_store_latency_seconds",
		Help:    "Latency of index store operations",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	// EventsDispatched counts engine events delivered to subscribers.
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hqm_events_dispatched_total",
		Help: "Engine lifecycle events dispatched to subscribers",
	}, []string{"kind"})
)
