package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dskow/pool-core/internal/circuitbreaker"
	"github.com/dskow/pool-core/internal/pool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubHandle struct{}

func (stubHandle) Close() error { return nil }

// stubFactory creates throwaway handles and can be told to fail probes or
// delay them to simulate a slow backend.
type stubFactory struct {
	mu         sync.Mutex
	probeErr   error
	probeDelay time.Duration
}

func (f *stubFactory) Create(ctx context.Context) (pool.Handle, error) {
	return stubHandle{}, nil
}

func (f *stubFactory) HealthCheck(ctx context.Context, h pool.Handle) error {
	f.mu.Lock()
	err := f.probeErr
	delay := f.probeDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

func (f *stubFactory) setProbeErr(err error) {
	f.mu.Lock()
	f.probeErr = err
	f.mu.Unlock()
}

type recordingSink struct {
	mu    sync.Mutex
	calls []int
}

func (s *recordingSink) Alert(kind string, result CheckResult, consecutiveFails int) {
	s.mu.Lock()
	s.calls = append(s.calls, consecutiveFails)
	s.mu.Unlock()
}

func (s *recordingSink) alertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestMonitor(t *testing.T, f pool.Factory, poolCfg pool.Config, degradedLatency time.Duration, sink AlertSink) (*Monitor, *pool.Pool) {
	t.Helper()
	logger := testLogger()
	breaker := circuitbreaker.New("test", 5, 30*time.Second, logger)
	p := pool.New("test", poolCfg, f, breaker, logger)
	t.Cleanup(p.Drain)
	m := NewMonitor("test", p, f, time.Hour, degradedLatency, sink, logger)
	return m, p
}

func TestProbe_Healthy(t *testing.T) {
	f := &stubFactory{}
	m, p := newTestMonitor(t, f, pool.Config{MaxConnections: 2, IdleTimeout: time.Minute, MaxLifetime: time.Hour}, time.Second, &recordingSink{})

	r := m.probe()

	if r.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s (%s)", r.Status, r.Error)
	}
	if r.Service != "test" {
		t.Errorf("unexpected service %q", r.Service)
	}
	// The borrowed connection must be returned, not leaked.
	if stats := p.Stats(); stats.InUse != 0 || stats.Available != 1 {
		t.Errorf("probe leaked its connection: %+v", stats)
	}
}

func TestProbe_DegradedOnLatency(t *testing.T) {
	f := &stubFactory{probeDelay: 5 * time.Millisecond}
	// Any measurable latency exceeds a 1ns degraded threshold.
	m, _ := newTestMonitor(t, f, pool.Config{MaxConnections: 2, IdleTimeout: time.Minute, MaxLifetime: time.Hour}, time.Nanosecond, &recordingSink{})

	r := m.probe()

	if r.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", r.Status)
	}
	if r.Error != "" {
		t.Errorf("latency degradation is not an error, got %q", r.Error)
	}
}

func TestProbe_UnhealthyDiscardsAndRecordsFailure(t *testing.T) {
	f := &stubFactory{}
	m, p := newTestMonitor(t, f, pool.Config{MaxConnections: 2, IdleTimeout: time.Minute, MaxLifetime: time.Hour}, time.Second, &recordingSink{})

	// Prime one connection, then break the backend.
	lease, err := p.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(lease)
	f.setProbeErr(errors.New("backend gone"))

	r := m.probe()

	if r.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", r.Status)
	}
	if p.Breaker().FailureCount() == 0 {
		t.Error("failed probe should be recorded on the breaker")
	}
	if stats := p.Stats(); stats.Size != 0 {
		t.Errorf("broken connection should be discarded, got %+v", stats)
	}
}

func TestProbe_ExhaustedPoolIsDegradedNotUnhealthy(t *testing.T) {
	f := &stubFactory{}
	m, p := newTestMonitor(t, f, pool.Config{MaxConnections: 0, IdleTimeout: time.Minute, MaxLifetime: time.Hour}, time.Second, &recordingSink{})

	r := m.probe()

	if r.Status != StatusDegraded {
		t.Fatalf("expected degraded on exhaustion, got %s", r.Status)
	}
	// Exhaustion is a pool condition, not backend evidence.
	if p.Breaker().FailureCount() != 0 {
		t.Errorf("exhaustion must not count against the breaker, got %d", p.Breaker().FailureCount())
	}
}

func TestProbe_OpenCircuitIsDegraded(t *testing.T) {
	f := &stubFactory{}
	m, p := newTestMonitor(t, f, pool.Config{MaxConnections: 2, IdleTimeout: time.Minute, MaxLifetime: time.Hour}, time.Second, &recordingSink{})

	b := p.Breaker()
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	if b.State() != circuitbreaker.StateOpen {
		t.Fatalf("breaker should be open, got %v", b.State())
	}

	r := m.probe()
	if r.Status != StatusDegraded {
		t.Fatalf("expected degraded while circuit open, got %s", r.Status)
	}
}

func TestRecord_HistoryBoundedAndLatestTracked(t *testing.T) {
	f := &stubFactory{}
	m, _ := newTestMonitor(t, f, pool.Config{MaxConnections: 2, IdleTimeout: time.Minute, MaxLifetime: time.Hour}, time.Second, &recordingSink{})

	if m.Latest() != nil {
		t.Error("Latest should be nil before the first probe")
	}

	for i := 0; i < historySize+5; i++ {
		m.record(CheckResult{Service: "test", Status: StatusHealthy, Timestamp: time.Now()})
	}

	if got := len(m.History()); got != historySize {
		t.Errorf("history should be bounded at %d, got %d", historySize, got)
	}
	if m.Latest() == nil || m.Latest().Status != StatusHealthy {
		t.Error("Latest should reflect the most recent record")
	}
}

func TestRecord_AlertsAfterConsecutiveFailures(t *testing.T) {
	f := &stubFactory{}
	sink := &recordingSink{}
	m, _ := newTestMonitor(t, f, pool.Config{MaxConnections: 2, IdleTimeout: time.Minute, MaxLifetime: time.Hour}, time.Second, sink)

	bad := CheckResult{Service: "test", Status: StatusUnhealthy, Error: "down", Timestamp: time.Now()}

	m.record(bad)
	m.record(bad)
	if sink.alertCount() != 0 {
		t.Fatalf("alerted before %d consecutive failures", alertAfter)
	}

	m.record(bad)
	if sink.alertCount() != 1 {
		t.Fatalf("expected 1 alert after %d failures, got %d", alertAfter, sink.alertCount())
	}

	// Recovery resets the streak; two more failures stay below the threshold.
	m.record(CheckResult{Service: "test", Status: StatusHealthy, Timestamp: time.Now()})
	m.record(bad)
	m.record(bad)
	if sink.alertCount() != 1 {
		t.Errorf("failure streak should reset on recovery, got %d alerts", sink.alertCount())
	}
}

func TestMonitor_StartStop(t *testing.T) {
	f := &stubFactory{}
	logger := testLogger()
	breaker := circuitbreaker.New("test", 5, 30*time.Second, logger)
	p := pool.New("test", pool.Config{MaxConnections: 2, IdleTimeout: time.Minute, MaxLifetime: time.Hour}, f, breaker, logger)

	m := NewMonitor("test", p, f, 10*time.Millisecond, time.Second, &recordingSink{}, logger)
	m.Start()

	deadline := time.Now().Add(2 * time.Second)
	for m.Latest() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Latest() == nil {
		t.Fatal("monitor never recorded a probe")
	}

	// Stop before drain so a probe cannot race the drain.
	m.Stop()
	p.Drain()
}
