// Package metrics wires the orchestration core's Prometheus collectors.
// Grounded on internal/metrics/collector.go: one
// struct of promauto-registered collectors built against an explicit
// *prometheus.Registry (never the global DefaultRegisterer), injected into
// each component's constructor rather than referenced as a package global.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors holds every metric the orchestration core emits. Components
// take a *Collectors (or nil, to opt out) rather than registering their own.
type Collectors struct {
	RouteRequests   *prometheus.CounterVec
	RouteLatency    *prometheus.HistogramVec
	KeyPoolHealthy  *prometheus.GaugeVec
	BreakerState    *prometheus.GaugeVec
	BreakerTrips    *prometheus.CounterVec
	StreamDepth     *prometheus.GaugeVec
	StreamDLQDepth  *prometheus.GaugeVec
	WorkerCount     *prometheus.GaugeVec
	ScalingEvents   *prometheus.CounterVec
	ConductorTurns  *prometheus.CounterVec
	ConductorLoops  *prometheus.CounterVec

	TelemetryWriteFailures *prometheus.CounterVec
}

// New registers all collectors against reg and returns the bundle. Passing a
// fresh prometheus.NewRegistry() keeps tests hermetic.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		RouteRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "router",
			Name:      "requests_total",
			Help:      "Agent route attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		RouteLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Subsystem: "router",
			Name:      "latency_seconds",
			Help:      "End-to-end route latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		KeyPoolHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "keypool",
			Name:      "healthy_keys",
			Help:      "Number of non-quarantined keys per provider.",
		}, []string{"provider"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state: 0=closed 1=half_open 2=open.",
		}, []string{"name"}),
		BreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Number of times a breaker transitioned into open.",
		}, []string{"name"}),
		StreamDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "dispatcher",
			Name:      "stream_depth",
			Help:      "Pending entries in a task stream.",
		}, []string{"stream"}),
		StreamDLQDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "dispatcher",
			Name:      "dlq_depth",
			Help:      "Entries parked in the dead-letter stream.",
		}, []string{"stream"}),
		WorkerCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "scaler",
			Name:      "worker_count",
			Help:      "Active worker count by status.",
		}, []string{"status"}),
		ScalingEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "scaler",
			Name:      "scaling_events_total",
			Help:      "Scale-up/scale-down decisions emitted.",
		}, []string{"direction"}),
		ConductorTurns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "conductor",
			Name:      "turns_total",
			Help:      "Agent-to-agent message turns routed, by pattern.",
		}, []string{"pattern"}),
		ConductorLoops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "conductor",
			Name:      "loop_detected_total",
			Help:      "Conversations aborted for suspected infinite loops.",
		}, []string{}),
		TelemetryWriteFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "conductor",
			Name:      "telemetry_write_failed_total",
			Help:      "Best-effort telemetry writes that failed and were swallowed.",
		}, []string{"event"}),
	}
}
