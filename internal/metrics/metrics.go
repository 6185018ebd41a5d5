// Package metrics provides Prometheus instrumentation for the pool manager.
// All metric collectors are registered via the Init function and exposed
// through the Handler for scraping. Every collector is labelled by backend
// kind so per-pool behavior can be graphed independently.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PoolSize tracks the total number of live connections per backend kind
	// (idle plus checked out).
	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_connections",
			Help: "Total live connections in the pool (idle + in use)",
		},
		[]string{"kind"},
	)

	// PoolInUse tracks connections currently checked out per backend kind.
	PoolInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_connections_in_use",
			Help: "Connections currently checked out to callers",
		},
		[]string{"kind"},
	)

	// PoolAvailable tracks idle connections ready for checkout.
	PoolAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_connections_available",
			Help: "Idle connections ready for immediate checkout",
		},
		[]string{"kind"},
	)

	// AcquisitionsTotal counts successful checkouts per backend kind.
	AcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_acquisitions_total",
			Help: "Total successful connection acquisitions",
		},
		[]string{"kind"},
	)

	// AcquireTimeoutsTotal counts acquisitions that gave up waiting.
	AcquireTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_acquire_timeouts_total",
			Help: "Total acquisitions that timed out waiting for capacity",
		},
		[]string{"kind"},
	)

	// AcquireWaitSeconds observes how long callers waited for a connection.
	AcquireWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a connection",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// FactoryErrorsTotal counts failed connection dials per backend kind.
	FactoryErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_factory_errors_total",
			Help: "Total failed attempts to create a backend connection",
		},
		[]string{"kind"},
	)

	// ConnectionsClosedTotal counts closed connections by reason
	// (expired, invalid, drained, surplus).
	ConnectionsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_connections_closed_total",
			Help: "Total connections closed, by reason",
		},
		[]string{"kind", "reason"},
	)

	// CircuitBreakerState exposes the current breaker state per backend kind
	// (0 = closed, 1 = open, 2 = half-open).
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"kind"},
	)

	// CircuitBreakerTransitions counts breaker state changes.
	CircuitBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"kind", "from", "to"},
	)

	// HealthChecksTotal counts health probe outcomes per backend kind.
	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_health_checks_total",
			Help: "Total health probes, by resulting status",
		},
		[]string{"kind", "status"},
	)

	// HealthCheckDuration observes health probe round-trip latency.
	HealthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pool_health_check_duration_seconds",
			Help:    "Health probe round-trip latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before any pool is constructed.
func Init() {
	prometheus.MustRegister(
		PoolSize,
		PoolInUse,
		PoolAvailable,
		AcquisitionsTotal,
		AcquireTimeoutsTotal,
		AcquireWaitSeconds,
		FactoryErrorsTotal,
		ConnectionsClosedTotal,
		CircuitBreakerState,
		CircuitBreakerTransitions,
		HealthChecksTotal,
		HealthCheckDuration,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
