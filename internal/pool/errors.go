package pool

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Acquire. Callers can classify failures with
// errors.Is and decide between retrying, backing off, or surfacing a
// degraded-health signal upstream.
var (
	// ErrPoolExhausted means no connection became available within the
	// caller's timeout and the pool is at capacity. Recoverable; retry later.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrCircuitOpen means the backend is known-bad and the call was
	// rejected without touching it. Recoverable; callers should back off.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrPoolClosed means the pool has been drained. Fatal for the call,
	// not for the process.
	ErrPoolClosed = errors.New("pool closed")
)

// FactoryError wraps a backend-specific connection failure. Every
// FactoryError is recorded against the pool's circuit breaker before it is
// returned to the caller.
type FactoryError struct {
	Kind string
	Err  error
}

func (e *FactoryError) Error() string {
	return fmt.Sprintf("creating %s connection: %v", e.Kind, e.Err)
}

func (e *FactoryError) Unwrap() error { return e.Err }
