package pool

import "context"

// Handle is a live backend connection or session. The pool treats it as
// opaque; only the owning Factory knows how to probe it.
type Handle interface {
	// Close releases the underlying backend resource. Must be safe to call
	// on a connection in any state.
	Close() error
}

// Factory creates and probes connections for one backend kind. One concrete
// implementation is registered per kind at startup; the pool never branches
// on the kind internally.
type Factory interface {
	// Create dials a new backend connection. May be slow (network dial);
	// the pool never holds its internal lock across this call.
	Create(ctx context.Context) (Handle, error)

	// HealthCheck runs a minimal liveness probe against the handle, such as
	// a trivial round-trip query. Used by the health monitor and by idle
	// revalidation on checkout.
	HealthCheck(ctx context.Context, h Handle) error
}
