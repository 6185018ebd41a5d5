// Package pool provides a bounded connection pool for one backend kind,
// brokering exclusive, time-bounded access to expensive backend handles
// across concurrent callers. Idle connections are served LIFO so warm
// connections are reused and cold ones expire naturally; callers queued on
// a saturated pool are served FIFO so no acquirer is starved.
package pool

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/pool-core/internal/circuitbreaker"
	"github.com/dskow/pool-core/internal/metrics"
)

// createTimeout bounds background dials (replenishment, maintenance).
// Foreground dials inherit the caller's context instead.
const createTimeout = 10 * time.Second

// maintenanceInterval is how often the background maintainer prunes expired
// idle connections and tops the pool back up to MinConnections.
const maintenanceInterval = 30 * time.Second

// Config holds the immutable per-pool settings. Seeded from the config file
// at startup; never mutated after pool construction.
type Config struct {
	MinConnections int
	MaxConnections int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
}

// Token opaquely identifies one in-flight checkout. Release matches the
// token against the in-use map, so double releases and foreign handles are
// detected without identity scans.
type Token uint64

// Lease is one resource loan: the checked-out wrapper plus its token.
type Lease struct {
	token Token
	w     *Wrapper
}

// Handle returns the borrowed backend handle.
func (l *Lease) Handle() Handle { return l.w.Handle() }

// Wrapper returns the borrowed connection wrapper.
func (l *Lease) Wrapper() *Wrapper { return l.w }

// waiter is one caller blocked on a saturated pool. The channel is buffered
// so a release can hand off a lease without blocking; delivered is guarded
// by the pool mutex and marks that a handoff (or drain close) happened.
type waiter struct {
	ch        chan *Lease
	delivered bool
}

// Pool is a bounded pool of connection wrappers for a single backend kind.
// The invariant |idle| + |in-use| + reserved <= MaxConnections holds at all
// times; reserved counts capacity slots held by in-flight dials so the pool
// lock is never held across a network dial.
type Pool struct {
	kind    string
	cfg     Config
	factory Factory
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	mu        sync.Mutex
	idle      []*Wrapper // LIFO stack; most recently returned at the tail
	inUse     map[Token]*Wrapper
	reserved  int
	waiters   *list.List // FIFO of *waiter
	closed    bool
	nextToken Token

	acquisitions uint64
	timeouts     uint64
	waitTotal    time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a pool for the given backend kind. The pool is usable
// immediately; call Prewarm to dial MinConnections up front and Start to
// launch the background maintainer.
func New(kind string, cfg Config, factory Factory, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Pool {
	if cfg.MinConnections < 0 {
		cfg.MinConnections = 0
	}
	if cfg.MaxConnections < 0 {
		cfg.MaxConnections = 0
	}
	if cfg.MinConnections > cfg.MaxConnections {
		cfg.MinConnections = cfg.MaxConnections
	}

	return &Pool{
		kind:    kind,
		cfg:     cfg,
		factory: factory,
		breaker: breaker,
		logger:  logger,
		inUse:   make(map[Token]*Wrapper),
		waiters: list.New(),
		stopCh:  make(chan struct{}),
	}
}

// Kind returns the backend kind this pool serves.
func (p *Pool) Kind() string { return p.kind }

// Breaker returns the pool's circuit breaker.
func (p *Pool) Breaker() *circuitbreaker.Breaker { return p.breaker }

// Start launches the background maintainer loop. Stopped by Drain.
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.maintainer()
}

// Prewarm dials connections until the pool holds MinConnections idle
// wrappers. Best-effort: the first dial failure is logged and pre-warming
// stops, leaving the pool usable with fewer than minimum connections.
func (p *Pool) Prewarm(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.closed || p.total()+p.reserved >= p.cfg.MinConnections {
			p.mu.Unlock()
			return
		}
		p.reserved++
		p.mu.Unlock()

		w, err := p.dial(ctx)

		p.mu.Lock()
		p.reserved--
		if err != nil {
			p.mu.Unlock()
			p.breaker.RecordFailure()
			p.logger.Warn("pre-warm dial failed, continuing with partial pool",
				"kind", p.kind, "error", err)
			return
		}
		if p.closed {
			p.mu.Unlock()
			w.Close()
			return
		}
		surplus, reason := p.returnLocked(w)
		p.mu.Unlock()
		p.closeSurplus(surplus, reason)
		p.breaker.RecordSuccess()
	}
}

// AcquireDefault acquires with the pool's configured acquire timeout.
func (p *Pool) AcquireDefault(ctx context.Context) (*Lease, error) {
	return p.Acquire(ctx, p.cfg.AcquireTimeout)
}

// Acquire checks out a connection. It serves an idle connection if one is
// ready, dials a new one if the pool is under capacity, or blocks up to
// timeout waiting for a release. A non-positive timeout means try once
// without blocking. All paths are gated by the circuit breaker.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	start := time.Now()

	if !p.breaker.Allow() {
		return nil, ErrCircuitOpen
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.cfg.MaxConnections <= 0 {
			p.timeouts++
			p.mu.Unlock()
			metrics.AcquireTimeoutsTotal.WithLabelValues(p.kind).Inc()
			return nil, ErrPoolExhausted
		}

		// Most recently returned idle connection first.
		if n := len(p.idle); n > 0 {
			w := p.idle[n-1]
			p.idle = p.idle[:n-1]

			if w.Expired(p.cfg.MaxLifetime, p.cfg.IdleTimeout) {
				p.updateGaugesLocked()
				p.mu.Unlock()
				w.Close()
				metrics.ConnectionsClosedTotal.WithLabelValues(p.kind, "expired").Inc()
				continue
			}

			lease := p.checkOutLocked(w)
			p.mu.Unlock()

			// Cheap revalidation outside the lock.
			if err := p.factory.HealthCheck(ctx, w.Handle()); err != nil {
				p.logger.Debug("idle connection failed revalidation",
					"kind", p.kind, "error", err)
				w.Close()
				metrics.ConnectionsClosedTotal.WithLabelValues(p.kind, "invalid").Inc()
				p.mu.Lock()
				delete(p.inUse, lease.token)
				p.updateGaugesLocked()
				p.mu.Unlock()
				continue
			}

			w.Touch()
			p.recordAcquire(start)
			return lease, nil
		}

		// Under capacity: reserve a slot and dial without holding the lock.
		if p.total()+p.reserved < p.cfg.MaxConnections {
			p.reserved++
			p.mu.Unlock()

			w, err := p.dial(ctx)

			p.mu.Lock()
			p.reserved--
			if err != nil {
				p.mu.Unlock()
				p.breaker.RecordFailure()
				return nil, err
			}
			if p.closed {
				p.mu.Unlock()
				w.Close()
				return nil, ErrPoolClosed
			}
			lease := p.checkOutLocked(w)
			p.mu.Unlock()

			p.breaker.RecordSuccess()
			w.Touch()
			p.recordAcquire(start)
			return lease, nil
		}

		// Saturated.
		if timeout <= 0 {
			p.timeouts++
			p.mu.Unlock()
			metrics.AcquireTimeoutsTotal.WithLabelValues(p.kind).Inc()
			return nil, ErrPoolExhausted
		}

		wt := &waiter{ch: make(chan *Lease, 1)}
		elem := p.waiters.PushBack(wt)
		p.mu.Unlock()

		return p.wait(ctx, wt, elem, timeout, start)
	}
}

// wait blocks on a queued waiter until a release hands over a lease, the
// timeout fires, the caller's context is cancelled, or the pool is drained.
func (p *Pool) wait(ctx context.Context, wt *waiter, elem *list.Element, timeout time.Duration, start time.Time) (*Lease, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case lease, ok := <-wt.ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		lease.w.Touch()
		p.recordAcquire(start)
		return lease, nil

	case <-timer.C:
		if lease, handed := p.abandonWait(wt, elem); handed {
			if lease == nil {
				return nil, ErrPoolClosed
			}
			// A release beat the timeout; keep the connection.
			lease.w.Touch()
			p.recordAcquire(start)
			return lease, nil
		}
		p.mu.Lock()
		p.timeouts++
		p.mu.Unlock()
		metrics.AcquireTimeoutsTotal.WithLabelValues(p.kind).Inc()
		return nil, ErrPoolExhausted

	case <-ctx.Done():
		if lease, handed := p.abandonWait(wt, elem); handed && lease != nil {
			// Handed a connection we no longer want; recycle it.
			p.Release(lease)
		}
		return nil, ctx.Err()
	}
}

// abandonWait removes the waiter from the queue. If a handoff already
// happened the queued entry is gone; the buffered channel then holds either
// a lease or a close (drain), both observable immediately because the send
// side runs under the pool lock before the queue entry is removed.
func (p *Pool) abandonWait(wt *waiter, elem *list.Element) (*Lease, bool) {
	p.mu.Lock()
	if !wt.delivered {
		p.waiters.Remove(elem)
		p.mu.Unlock()
		return nil, false
	}
	p.mu.Unlock()

	lease, ok := <-wt.ch
	if !ok {
		return nil, true
	}
	return lease, true
}

// Release returns a checked-out connection to the pool. Expired or broken
// wrappers are closed and a replacement is created asynchronously toward
// MinConnections; healthy wrappers are handed to the oldest waiter or pushed
// onto the idle stack. Releasing an unknown or already-released lease is a
// caller error, logged and ignored. Release never blocks and never fails.
func (p *Pool) Release(lease *Lease) {
	if lease == nil {
		return
	}

	p.mu.Lock()
	w, ok := p.inUse[lease.token]
	if !ok || w != lease.w {
		p.mu.Unlock()
		p.logger.Warn("release of unknown or already-released lease", "kind", p.kind)
		return
	}
	delete(p.inUse, lease.token)

	if p.closed {
		p.updateGaugesLocked()
		p.mu.Unlock()
		w.Close()
		return
	}

	if w.Closed() || w.Expired(p.cfg.MaxLifetime, p.cfg.IdleTimeout) {
		p.updateGaugesLocked()
		p.mu.Unlock()
		w.Close()
		metrics.ConnectionsClosedTotal.WithLabelValues(p.kind, "expired").Inc()
		go p.replenish()
		return
	}

	surplus, reason := p.returnLocked(w)
	p.mu.Unlock()
	p.closeSurplus(surplus, reason)
}

// returnLocked puts a wrapper back into circulation: FIFO handoff to the
// oldest queued acquirer first, the idle stack otherwise. Every path that
// adds a connection to the pool goes through here, so a caller blocked in
// wait is served by async replacements too, not just by Release. Returns a
// non-nil wrapper (with its close reason) when the pool is over capacity;
// the caller closes it outside the lock. Must be called with p.mu held.
func (p *Pool) returnLocked(w *Wrapper) (*Wrapper, string) {
	if elem := p.waiters.Front(); elem != nil {
		wt := p.waiters.Remove(elem).(*waiter)
		wt.delivered = true
		wt.ch <- p.checkOutLocked(w)
		return nil, ""
	}

	// Transient overfill can happen if capacity was lowered concurrently;
	// close rather than block.
	if len(p.idle)+len(p.inUse) >= p.cfg.MaxConnections {
		p.updateGaugesLocked()
		return w, "surplus"
	}

	p.idle = append(p.idle, w)
	p.updateGaugesLocked()
	return nil, ""
}

func (p *Pool) closeSurplus(w *Wrapper, reason string) {
	if w == nil {
		return
	}
	w.Close()
	metrics.ConnectionsClosedTotal.WithLabelValues(p.kind, reason).Inc()
}

// Discard closes a checked-out connection instead of recycling it. Used
// when the caller observed the connection to be broken, e.g. a failed
// health probe. A replacement is created asynchronously.
func (p *Pool) Discard(lease *Lease) {
	if lease == nil {
		return
	}

	p.mu.Lock()
	w, ok := p.inUse[lease.token]
	if !ok || w != lease.w {
		p.mu.Unlock()
		p.logger.Warn("discard of unknown or already-released lease", "kind", p.kind)
		return
	}
	delete(p.inUse, lease.token)
	closed := p.closed
	p.updateGaugesLocked()
	p.mu.Unlock()

	w.Close()
	metrics.ConnectionsClosedTotal.WithLabelValues(p.kind, "invalid").Inc()
	if !closed {
		go p.replenish()
	}
}

// Drain closes the pool: pending acquires are unblocked with ErrPoolClosed,
// every idle and in-use wrapper is closed, and subsequent Acquire calls
// fail immediately. Idempotent.
func (p *Pool) Drain() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)

	for elem := p.waiters.Front(); elem != nil; elem = elem.Next() {
		wt := elem.Value.(*waiter)
		wt.delivered = true
		close(wt.ch)
	}
	p.waiters.Init()

	doomed := make([]*Wrapper, 0, len(p.idle)+len(p.inUse))
	doomed = append(doomed, p.idle...)
	for _, w := range p.inUse {
		doomed = append(doomed, w)
	}
	p.idle = nil
	p.inUse = make(map[Token]*Wrapper)
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.wg.Wait()

	for _, w := range doomed {
		w.Close()
		metrics.ConnectionsClosedTotal.WithLabelValues(p.kind, "drained").Inc()
	}

	p.logger.Info("pool drained", "kind", p.kind, "closed", len(doomed))
}

// Metrics is a point-in-time view of pool state, recomputed on demand from
// the live collections and counters.
type Metrics struct {
	Kind         string  `json:"kind"`
	Size         int     `json:"size"`
	InUse        int     `json:"in_use"`
	Available    int     `json:"available"`
	Waiters      int     `json:"waiters"`
	Acquisitions uint64  `json:"acquisitions"`
	Timeouts     uint64  `json:"timeouts"`
	AvgWaitMs    float64 `json:"avg_wait_ms"`
}

// Stats returns current pool metrics.
func (p *Pool) Stats() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	avgWait := 0.0
	if p.acquisitions > 0 {
		avgWait = float64(p.waitTotal.Milliseconds()) / float64(p.acquisitions)
	}
	return Metrics{
		Kind:         p.kind,
		Size:         p.total(),
		InUse:        len(p.inUse),
		Available:    len(p.idle),
		Waiters:      p.waiters.Len(),
		Acquisitions: p.acquisitions,
		Timeouts:     p.timeouts,
		AvgWaitMs:    avgWait,
	}
}

// total returns live connections (idle + in use). Must be called with p.mu held.
func (p *Pool) total() int {
	return len(p.idle) + len(p.inUse)
}

// checkOutLocked registers the wrapper as in-use under a fresh token.
// Must be called with p.mu held.
func (p *Pool) checkOutLocked(w *Wrapper) *Lease {
	p.nextToken++
	t := p.nextToken
	p.inUse[t] = w
	p.updateGaugesLocked()
	return &Lease{token: t, w: w}
}

// updateGaugesLocked refreshes the Prometheus pool gauges. Must be called
// with p.mu held.
func (p *Pool) updateGaugesLocked() {
	metrics.PoolSize.WithLabelValues(p.kind).Set(float64(p.total()))
	metrics.PoolInUse.WithLabelValues(p.kind).Set(float64(len(p.inUse)))
	metrics.PoolAvailable.WithLabelValues(p.kind).Set(float64(len(p.idle)))
}

func (p *Pool) recordAcquire(start time.Time) {
	waited := time.Since(start)
	p.mu.Lock()
	p.acquisitions++
	p.waitTotal += waited
	p.mu.Unlock()
	metrics.AcquisitionsTotal.WithLabelValues(p.kind).Inc()
	metrics.AcquireWaitSeconds.WithLabelValues(p.kind).Observe(waited.Seconds())
}

// dial creates a new wrapped connection via the backend factory.
func (p *Pool) dial(ctx context.Context) (*Wrapper, error) {
	h, err := p.factory.Create(ctx)
	if err != nil {
		metrics.FactoryErrorsTotal.WithLabelValues(p.kind).Inc()
		return nil, &FactoryError{Kind: p.kind, Err: err}
	}
	return newWrapper(h, p.logger), nil
}

// replenish dials one replacement connection if the pool is below
// MinConnections, or if callers are queued and capacity is free. Best-effort;
// failures are logged, never raised.
func (p *Pool) replenish() {
	ctx, cancel := context.WithTimeout(context.Background(), createTimeout)
	defer cancel()

	p.mu.Lock()
	committed := p.total() + p.reserved
	needed := committed < p.cfg.MinConnections ||
		(p.waiters.Len() > 0 && committed < p.cfg.MaxConnections)
	if p.closed || !needed {
		p.mu.Unlock()
		return
	}
	p.reserved++
	p.mu.Unlock()

	w, err := p.dial(ctx)

	p.mu.Lock()
	p.reserved--
	if err != nil {
		p.mu.Unlock()
		p.breaker.RecordFailure()
		p.logger.Warn("replacement dial failed", "kind", p.kind, "error", err)
		return
	}
	if p.closed {
		p.mu.Unlock()
		w.Close()
		return
	}
	surplus, reason := p.returnLocked(w)
	p.mu.Unlock()
	p.closeSurplus(surplus, reason)
	p.breaker.RecordSuccess()
}

// maintainer periodically prunes expired idle connections and tops the pool
// back up toward MinConnections.
func (p *Pool) maintainer() {
	defer p.wg.Done()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.maintain()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) maintain() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	keep := p.idle[:0]
	var drop []*Wrapper
	for _, w := range p.idle {
		if w.Expired(p.cfg.MaxLifetime, p.cfg.IdleTimeout) {
			drop = append(drop, w)
		} else {
			keep = append(keep, w)
		}
	}
	p.idle = keep
	need := p.cfg.MinConnections - (p.total() + p.reserved)
	// Queued callers also justify a top-up, e.g. after a replacement dial
	// failed and nothing else will retry it.
	if queued := p.waiters.Len(); queued > need {
		need = queued
	}
	if headroom := p.cfg.MaxConnections - (p.total() + p.reserved); need > headroom {
		need = headroom
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, w := range drop {
		w.Close()
		metrics.ConnectionsClosedTotal.WithLabelValues(p.kind, "expired").Inc()
	}
	for i := 0; i < need; i++ {
		p.replenish()
	}
}
