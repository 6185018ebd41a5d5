// Package circuitbreaker provides a per-backend-kind circuit breaker that
// fast-fails connection acquisitions against a backend known to be unhealthy.
// Acquire failures and health-probe failures funnel through the same
// RecordSuccess/RecordFailure entry points, so a backend failing its health
// checks is rejected for ordinary callers too.
package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/pool-core/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; acquisitions pass through.
	StateOpen                  // Failing; acquisitions are rejected immediately.
	StateHalfOpen              // Probing; the next acquisition is allowed as a trial.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a consecutive-failure circuit breaker. It opens after
// failureThreshold consecutive failures, stays open for recoveryTimeout,
// then allows a single trial acquisition in half-open state.
type Breaker struct {
	mu sync.Mutex

	state  State
	kind   string
	logger *slog.Logger

	failureCount     int
	failureThreshold int
	recoveryTimeout  time.Duration
	lastFailure      time.Time

	trialInFlight bool
	trialStarted  time.Time
}

// New creates a circuit breaker for the given backend kind.
func New(kind string, failureThreshold int, recoveryTimeout time.Duration, logger *slog.Logger) *Breaker {
	return &Breaker{
		state:            StateClosed,
		kind:             kind,
		logger:           logger,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
	}
}

// Allow reports whether an acquisition may proceed. An open breaker past its
// recovery timeout transitions to half-open and admits exactly one caller as
// the trial; everyone else stays rejected until the trial reports back. A
// trial that never reports is forgotten after recoveryTimeout so one lost
// caller cannot wedge the breaker half-open forever.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastFailure) > b.recoveryTimeout {
			b.transitionTo(StateHalfOpen)
			b.admitTrialLocked()
			return true
		}
		return false
	case StateHalfOpen:
		if b.trialInFlight && time.Since(b.trialStarted) <= b.recoveryTimeout {
			return false
		}
		b.admitTrialLocked()
		return true
	default:
		return true
	}
}

// admitTrialLocked marks the half-open trial slot taken. Must be called with
// b.mu held.
func (b *Breaker) admitTrialLocked() {
	b.trialInFlight = true
	b.trialStarted = time.Now()
}

// RecordSuccess records a successful dial or health probe. In closed state
// it resets the consecutive-failure count (rolling forgiveness); in half-open
// state it closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.transitionTo(StateClosed)
	}
}

// RecordFailure records a failed dial or health probe. In closed state it
// increments the consecutive-failure count and opens the breaker at the
// threshold; in half-open state any failure reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	}
}

// State returns the current circuit breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive-failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Reset forces the breaker back to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
	b.failureCount = 0
}

// SetThresholds updates the failure threshold and recovery timeout at
// runtime. Used by config hot reload.
func (b *Breaker) SetThresholds(failureThreshold int, recoveryTimeout time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureThreshold = failureThreshold
	b.recoveryTimeout = recoveryTimeout
}

// Snapshot is a point-in-time view of breaker state for the admin API.
type Snapshot struct {
	State            string    `json:"state"`
	FailureCount     int       `json:"failure_count"`
	FailureThreshold int       `json:"failure_threshold"`
	LastFailure      time.Time `json:"last_failure,omitzero"`
}

// Stats returns a snapshot of the breaker for runtime inspection.
func (b *Breaker) Stats() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:            b.state.String(),
		FailureCount:     b.failureCount,
		FailureThreshold: b.failureThreshold,
		LastFailure:      b.lastFailure,
	}
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState
	b.trialInFlight = false

	metrics.CircuitBreakerTransitions.WithLabelValues(b.kind, from.String(), newState.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(b.kind).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"kind", b.kind,
		"from", from.String(),
		"to", newState.String(),
	)

	if newState == StateClosed {
		b.failureCount = 0
	}
}
