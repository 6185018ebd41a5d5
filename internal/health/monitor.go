// Package health runs one background prober per backend kind. Each tick
// borrows a connection from the pool with a short timeout, runs the
// factory's liveness probe, feeds the outcome into the pool's circuit
// breaker, and keeps a bounded rolling history for the health surface.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/pool-core/internal/metrics"
	"github.com/dskow/pool-core/internal/pool"
)

// Status classifies one health probe outcome.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// probeTimeout is the short, fixed acquire bound for probes so a saturated
// pool cannot block health checking for long.
const probeTimeout = 2 * time.Second

// historySize bounds the rolling probe history kept per backend kind.
const historySize = 10

// alertAfter is how many consecutive probe failures trigger an alert.
const alertAfter = 3

// CheckResult is the outcome of a single health probe.
type CheckResult struct {
	Service        string    `json:"service"`
	Status         Status    `json:"status"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Monitor probes one pool on a fixed interval. Start launches the loop;
// Stop terminates it and waits for the in-flight tick to finish.
type Monitor struct {
	kind            string
	pool            *pool.Pool
	factory         pool.Factory
	interval        time.Duration
	degradedLatency time.Duration
	sink            AlertSink
	logger          *slog.Logger

	mu               sync.RWMutex
	last             *CheckResult
	history          []CheckResult
	consecutiveFails int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor for the given pool. Probes run every
// interval; latency above degradedLatency marks the backend degraded.
func NewMonitor(kind string, p *pool.Pool, factory pool.Factory, interval, degradedLatency time.Duration, sink AlertSink, logger *slog.Logger) *Monitor {
	return &Monitor{
		kind:            kind,
		pool:            p,
		factory:         factory,
		interval:        interval,
		degradedLatency: degradedLatency,
		sink:            sink,
		logger:          logger,
		stopCh:          make(chan struct{}),
	}
}

// Start launches the probe loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop terminates the probe loop and waits for it to exit. Idempotent. Must
// be called before the pool is drained so probes cannot race with drain.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Latest returns the most recent probe result, or nil before the first tick.
func (m *Monitor) Latest() *CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return nil
	}
	r := *m.last
	return &r
}

// History returns the rolling probe history, oldest first.
func (m *Monitor) History() []CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CheckResult, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.record(m.probe())
		case <-m.stopCh:
			return
		}
	}
}

// probe borrows a connection, runs the factory's liveness check, and
// classifies the outcome. Probe acquisitions compete for the same capacity
// as ordinary callers but use a short fixed timeout. Probe failures never
// propagate; they flow into the circuit breaker and the alert sink only.
func (m *Monitor) probe() CheckResult {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	start := time.Now()
	lease, err := m.pool.Acquire(ctx, probeTimeout)
	if err != nil {
		// Exhaustion and an already-open breaker are pool conditions, not
		// fresh evidence against the backend; report degraded without
		// recording another breaker failure. Factory errors were already
		// recorded by the pool's acquire path.
		status := StatusUnhealthy
		if errors.Is(err, pool.ErrPoolExhausted) || errors.Is(err, pool.ErrCircuitOpen) {
			status = StatusDegraded
		}
		return CheckResult{
			Service:        m.kind,
			Status:         status,
			ResponseTimeMs: float64(time.Since(start).Milliseconds()),
			Error:          err.Error(),
			Timestamp:      time.Now(),
		}
	}

	probeErr := m.factory.HealthCheck(ctx, lease.Handle())
	latency := time.Since(start)

	if probeErr != nil {
		m.pool.Breaker().RecordFailure()
		m.pool.Discard(lease)
		return CheckResult{
			Service:        m.kind,
			Status:         StatusUnhealthy,
			ResponseTimeMs: float64(latency.Milliseconds()),
			Error:          probeErr.Error(),
			Timestamp:      time.Now(),
		}
	}

	m.pool.Breaker().RecordSuccess()
	m.pool.Release(lease)

	status := StatusHealthy
	if latency > m.degradedLatency {
		status = StatusDegraded
	}
	return CheckResult{
		Service:        m.kind,
		Status:         status,
		ResponseTimeMs: float64(latency.Milliseconds()),
		Timestamp:      time.Now(),
	}
}

func (m *Monitor) record(r CheckResult) {
	metrics.HealthChecksTotal.WithLabelValues(m.kind, string(r.Status)).Inc()
	metrics.HealthCheckDuration.WithLabelValues(m.kind).Observe(r.ResponseTimeMs / 1000)

	m.mu.Lock()
	m.last = &r
	m.history = append(m.history, r)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
	if r.Status == StatusUnhealthy {
		m.consecutiveFails++
	} else {
		m.consecutiveFails = 0
	}
	fails := m.consecutiveFails
	m.mu.Unlock()

	if r.Status != StatusHealthy {
		m.logger.Warn("health probe not healthy",
			"kind", m.kind,
			"status", string(r.Status),
			"latency_ms", r.ResponseTimeMs,
			"error", r.Error,
		)
	}

	if fails >= alertAfter {
		m.sink.Alert(m.kind, r, fails)
	}
}
