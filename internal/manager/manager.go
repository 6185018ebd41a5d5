// Package manager provides the top-level façade over one resource pool per
// backend kind. It is constructed once at process startup and passed by
// reference to collaborators; there is no package-level singleton.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dskow/pool-core/internal/circuitbreaker"
	"github.com/dskow/pool-core/internal/config"
	"github.com/dskow/pool-core/internal/health"
	"github.com/dskow/pool-core/internal/pool"
)

// UnknownKindError is returned when a caller names a backend kind that has
// no configured pool. This is a programmer or configuration error: kinds
// are validated at startup, so seeing it at call time means the caller
// invented a kind.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown backend kind %q", e.Kind)
}

// Manager owns one pool, breaker, and health monitor per backend kind.
// The maps are built at construction and never mutated afterwards, so
// lookups need no locking.
type Manager struct {
	cfg      *config.Config
	logger   *slog.Logger
	pools    map[string]*pool.Pool
	monitors map[string]*health.Monitor
}

// Snapshot aggregates one kind's pool metrics, breaker state, and most
// recent health probe for the health surface.
type Snapshot struct {
	Pool         pool.Metrics        `json:"pool"`
	CircuitState string              `json:"circuit_state"`
	Health       *health.CheckResult `json:"health,omitempty"`
}

// New builds pools and monitors for every configured kind. Every configured
// kind must have a registered factory; a missing factory is fatal here
// rather than swallowed at call time.
func New(cfg *config.Config, factories map[string]pool.Factory, sink health.AlertSink, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		pools:    make(map[string]*pool.Pool, len(cfg.Pools)),
		monitors: make(map[string]*health.Monitor, len(cfg.Pools)),
	}

	for kind, pc := range cfg.Pools {
		factory, ok := factories[kind]
		if !ok {
			return nil, &UnknownKindError{Kind: kind}
		}

		breaker := circuitbreaker.New(kind, pc.CircuitFailureThreshold, pc.CircuitRecoveryTimeout, logger)
		p := pool.New(kind, pc.PoolSettings(), factory, breaker, logger)
		m.pools[kind] = p
		m.monitors[kind] = health.NewMonitor(kind, p, factory, pc.HealthCheckInterval, pc.DegradedLatency, sink, logger)
	}

	return m, nil
}

// Initialize pre-warms every pool to its minimum size (best-effort) and
// starts the background maintainers and health monitors. Partial pre-warm
// failure leaves the manager usable with fewer than minimum connections.
func (m *Manager) Initialize(ctx context.Context) {
	for kind, p := range m.pools {
		p.Prewarm(ctx)
		p.Start()
		m.monitors[kind].Start()
		m.logger.Info("pool initialized",
			"kind", kind,
			"size", p.Stats().Size,
			"min", m.cfg.Pools[kind].MinConnections,
			"max", m.cfg.Pools[kind].MaxConnections,
		)
	}
}

// Acquire checks a connection out of the pool for the given kind. A
// non-positive timeout means try once without blocking.
func (m *Manager) Acquire(ctx context.Context, kind string, timeout time.Duration) (*pool.Lease, error) {
	p, ok := m.pools[kind]
	if !ok {
		return nil, &UnknownKindError{Kind: kind}
	}
	return p.Acquire(ctx, timeout)
}

// AcquireDefault checks out a connection using the kind's configured
// acquire timeout.
func (m *Manager) AcquireDefault(ctx context.Context, kind string) (*pool.Lease, error) {
	p, ok := m.pools[kind]
	if !ok {
		return nil, &UnknownKindError{Kind: kind}
	}
	return p.AcquireDefault(ctx)
}

// Release returns a lease to its pool.
func (m *Manager) Release(kind string, lease *pool.Lease) error {
	p, ok := m.pools[kind]
	if !ok {
		return &UnknownKindError{Kind: kind}
	}
	p.Release(lease)
	return nil
}

// Pool returns the pool for a kind, for collaborators that hold one kind's
// pool directly.
func (m *Manager) Pool(kind string) (*pool.Pool, bool) {
	p, ok := m.pools[kind]
	return p, ok
}

// Kinds returns the configured backend kinds.
func (m *Manager) Kinds() []string {
	kinds := make([]string, 0, len(m.pools))
	for k := range m.pools {
		kinds = append(kinds, k)
	}
	return kinds
}

// HealthSnapshot aggregates per-kind pool metrics, breaker state, and the
// latest health probe result.
func (m *Manager) HealthSnapshot() map[string]Snapshot {
	out := make(map[string]Snapshot, len(m.pools))
	for kind, p := range m.pools {
		out[kind] = Snapshot{
			Pool:         p.Stats(),
			CircuitState: p.Breaker().State().String(),
			Health:       m.monitors[kind].Latest(),
		}
	}
	return out
}

// BreakerStats returns per-kind circuit breaker snapshots for the admin API.
func (m *Manager) BreakerStats() map[string]circuitbreaker.Snapshot {
	out := make(map[string]circuitbreaker.Snapshot, len(m.pools))
	for kind, p := range m.pools {
		out[kind] = p.Breaker().Stats()
	}
	return out
}

// History returns the rolling health probe history for one kind.
func (m *Manager) History(kind string) ([]health.CheckResult, error) {
	mon, ok := m.monitors[kind]
	if !ok {
		return nil, &UnknownKindError{Kind: kind}
	}
	return mon.History(), nil
}

// UpdateBreakerSettings applies reloaded circuit breaker thresholds to the
// running pools. Called from the config reloader; non-breaker settings are
// intentionally not touched (pool sizing is immutable after construction).
func (m *Manager) UpdateBreakerSettings(cfg *config.Config) {
	for kind, pc := range cfg.Pools {
		p, ok := m.pools[kind]
		if !ok {
			continue
		}
		p.Breaker().SetThresholds(pc.CircuitFailureThreshold, pc.CircuitRecoveryTimeout)
	}
}

// Shutdown stops all health monitors, then drains every pool. Monitors are
// stopped first so probes cannot race with drain. Blocked acquires are
// released with ErrPoolClosed.
func (m *Manager) Shutdown() {
	for _, mon := range m.monitors {
		mon.Stop()
	}
	for _, p := range m.pools {
		p.Drain()
	}
	m.logger.Info("pool manager shut down", "pools", len(m.pools))
}
