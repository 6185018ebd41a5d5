package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dskow/pool-core/internal/config"
	"github.com/dskow/pool-core/internal/health"
	"github.com/dskow/pool-core/internal/pool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubHandle struct{}

func (stubHandle) Close() error { return nil }

type stubFactory struct{}

func (stubFactory) Create(ctx context.Context) (pool.Handle, error) { return stubHandle{}, nil }

func (stubFactory) HealthCheck(ctx context.Context, h pool.Handle) error { return nil }

type nopSink struct{}

func (nopSink) Alert(string, health.CheckResult, int) {}

func testConfig(kinds ...string) *config.Config {
	pools := make(map[string]config.PoolConfig, len(kinds))
	for _, k := range kinds {
		pools[k] = config.PoolConfig{
			Driver:                  config.DriverDirect,
			Addr:                    "localhost:5432",
			MinConnections:          1,
			MaxConnections:          4,
			AcquireTimeout:          time.Second,
			IdleTimeout:             time.Minute,
			MaxLifetime:             time.Hour,
			HealthCheckInterval:     time.Hour,
			DegradedLatency:         time.Second,
			CircuitFailureThreshold: 5,
			CircuitRecoveryTimeout:  30 * time.Second,
		}
	}
	return &config.Config{Pools: pools}
}

func newTestManager(t *testing.T, kinds ...string) *Manager {
	t.Helper()
	factories := make(map[string]pool.Factory, len(kinds))
	for _, k := range kinds {
		factories[k] = stubFactory{}
	}
	m, err := New(testConfig(kinds...), factories, nopSink{}, testLogger())
	if err != nil {
		t.Fatalf("manager construction: %v", err)
	}
	t.Cleanup(m.Shutdown)
	return m
}

func TestNew_MissingFactoryIsFatal(t *testing.T) {
	_, err := New(testConfig("warehouse"), map[string]pool.Factory{}, nopSink{}, testLogger())
	if err == nil {
		t.Fatal("expected error for kind without a factory")
	}
	var uk *UnknownKindError
	if !errors.As(err, &uk) {
		t.Fatalf("expected UnknownKindError, got %T", err)
	}
	if uk.Kind != "warehouse" {
		t.Errorf("unexpected kind %q", uk.Kind)
	}
}

func TestAcquireRelease_RoundTrip(t *testing.T) {
	m := newTestManager(t, "warehouse")

	lease, err := m.Acquire(context.Background(), "warehouse", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.Handle() == nil {
		t.Fatal("lease has no handle")
	}
	if err := m.Release("warehouse", lease); err != nil {
		t.Fatalf("release: %v", err)
	}

	p, ok := m.Pool("warehouse")
	if !ok {
		t.Fatal("pool lookup failed")
	}
	if stats := p.Stats(); stats.InUse != 0 || stats.Available != 1 {
		t.Errorf("unexpected pool state after round trip: %+v", stats)
	}
}

func TestAcquire_UnknownKind(t *testing.T) {
	m := newTestManager(t, "warehouse")

	_, err := m.Acquire(context.Background(), "nonexistent", time.Second)
	var uk *UnknownKindError
	if !errors.As(err, &uk) {
		t.Fatalf("expected UnknownKindError, got %v", err)
	}

	if err := m.Release("nonexistent", nil); err == nil {
		t.Error("release for unknown kind should error")
	}
}

func TestInitialize_PrewarmsPools(t *testing.T) {
	m := newTestManager(t, "warehouse", "sessions")

	m.Initialize(context.Background())

	for _, kind := range []string{"warehouse", "sessions"} {
		p, _ := m.Pool(kind)
		if avail := p.Stats().Available; avail != 1 {
			t.Errorf("%s: expected 1 pre-warmed connection, got %d", kind, avail)
		}
	}
}

func TestKinds_ListsConfigured(t *testing.T) {
	m := newTestManager(t, "warehouse", "sessions")

	kinds := m.Kinds()
	if len(kinds) != 2 {
		t.Fatalf("expected 2 kinds, got %v", kinds)
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		seen[k] = true
	}
	if !seen["warehouse"] || !seen["sessions"] {
		t.Errorf("missing kinds: %v", kinds)
	}
}

func TestHealthSnapshot_CoversEveryKind(t *testing.T) {
	m := newTestManager(t, "warehouse", "sessions")

	snap := m.HealthSnapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 snapshot entries, got %d", len(snap))
	}
	for kind, s := range snap {
		if s.CircuitState != "closed" {
			t.Errorf("%s: expected closed breaker, got %q", kind, s.CircuitState)
		}
		if s.Pool.Kind != kind {
			t.Errorf("snapshot kind mismatch: %q vs %q", s.Pool.Kind, kind)
		}
		// No probe has run yet.
		if s.Health != nil {
			t.Errorf("%s: expected nil health before first probe", kind)
		}
	}
}

func TestBreakerStats_ReflectsFailures(t *testing.T) {
	m := newTestManager(t, "warehouse")

	p, _ := m.Pool("warehouse")
	p.Breaker().RecordFailure()

	stats := m.BreakerStats()
	if stats["warehouse"].FailureCount != 1 {
		t.Errorf("expected failure count 1, got %d", stats["warehouse"].FailureCount)
	}
}

func TestHistory_UnknownKind(t *testing.T) {
	m := newTestManager(t, "warehouse")

	if _, err := m.History("nonexistent"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	hist, err := m.History("warehouse")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 0 {
		t.Errorf("expected empty history before probes, got %d entries", len(hist))
	}
}

func TestUpdateBreakerSettings_AppliesNewThreshold(t *testing.T) {
	m := newTestManager(t, "warehouse")

	newCfg := testConfig("warehouse")
	pc := newCfg.Pools["warehouse"]
	pc.CircuitFailureThreshold = 1
	newCfg.Pools["warehouse"] = pc

	m.UpdateBreakerSettings(newCfg)

	p, _ := m.Pool("warehouse")
	p.Breaker().RecordFailure()
	if p.Breaker().State().String() != "open" {
		t.Error("new threshold of 1 should open the breaker on a single failure")
	}
}

func TestShutdown_DrainsPools(t *testing.T) {
	factories := map[string]pool.Factory{"warehouse": stubFactory{}}
	m, err := New(testConfig("warehouse"), factories, nopSink{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	m.Initialize(context.Background())

	m.Shutdown()

	_, err = m.Acquire(context.Background(), "warehouse", 0)
	if !errors.Is(err, pool.ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed after shutdown, got %v", err)
	}
}
