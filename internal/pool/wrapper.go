package pool

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Wrapper owns exactly one live backend handle along with its lifecycle
// bookkeeping. A wrapper is always in exactly one of three states: idle in
// the pool, checked out to one caller, or destroyed. The handle is never
// shared between two wrappers or two callers.
type Wrapper struct {
	handle Handle
	logger *slog.Logger

	createdAt time.Time

	mu         sync.Mutex
	lastUsedAt time.Time
	useCount   int64

	closed atomic.Bool
}

func newWrapper(h Handle, logger *slog.Logger) *Wrapper {
	now := time.Now()
	return &Wrapper{
		handle:     h,
		logger:     logger,
		createdAt:  now,
		lastUsedAt: now,
	}
}

// Handle returns the underlying backend handle.
func (w *Wrapper) Handle() Handle { return w.handle }

// CreatedAt returns when the wrapper's connection was dialled.
func (w *Wrapper) CreatedAt() time.Time { return w.createdAt }

// UseCount returns how many times the wrapper has been checked out.
func (w *Wrapper) UseCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.useCount
}

// Expired reports whether the wrapper has outlived maxLifetime since
// creation or idleTimeout since last use. Pure check, no side effects.
// A non-positive limit disables that bound.
func (w *Wrapper) Expired(maxLifetime, idleTimeout time.Duration) bool {
	w.mu.Lock()
	lastUsed := w.lastUsedAt
	w.mu.Unlock()

	if maxLifetime > 0 && time.Since(w.createdAt) > maxLifetime {
		return true
	}
	if idleTimeout > 0 && time.Since(lastUsed) > idleTimeout {
		return true
	}
	return false
}

// Touch marks the wrapper as used: updates lastUsedAt and increments the
// use counter. Called exactly once per successful checkout.
func (w *Wrapper) Touch() {
	w.mu.Lock()
	w.lastUsedAt = time.Now()
	w.useCount++
	w.mu.Unlock()
}

// Close closes the backend handle. Idempotent; close errors are logged and
// swallowed since closing must never block resource release in the pool.
func (w *Wrapper) Close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	if err := w.handle.Close(); err != nil {
		w.logger.Warn("error closing backend connection", "error", err)
	}
}

// Closed reports whether Close has been called.
func (w *Wrapper) Closed() bool { return w.closed.Load() }
