package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
pools:
  warehouse:
    driver: direct
    addr: localhost:5432
`

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if !cfg.Metrics.IsEnabled() {
		t.Error("metrics should default to enabled")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("expected default metrics path /metrics, got %q", cfg.Metrics.Path)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %q", cfg.Logging.Level)
	}
	if cfg.Alerting.MinInterval != time.Minute {
		t.Errorf("expected default alert interval 1m, got %v", cfg.Alerting.MinInterval)
	}

	pc := cfg.Pools["warehouse"]
	if pc.MaxConnections != 10 {
		t.Errorf("expected direct driver default max 10, got %d", pc.MaxConnections)
	}
	if pc.MinConnections != 2 {
		t.Errorf("expected default min 2, got %d", pc.MinConnections)
	}
	if pc.AcquireTimeout != 30*time.Second {
		t.Errorf("expected default acquire timeout 30s, got %v", pc.AcquireTimeout)
	}
	if pc.IdleTimeout != 5*time.Minute {
		t.Errorf("expected default idle timeout 5m, got %v", pc.IdleTimeout)
	}
	if pc.MaxLifetime != time.Hour {
		t.Errorf("expected default max lifetime 1h, got %v", pc.MaxLifetime)
	}
	if pc.CircuitFailureThreshold != 5 {
		t.Errorf("expected default failure threshold 5, got %d", pc.CircuitFailureThreshold)
	}
}

func TestLoad_GatewayDriverDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
pools:
  sessions:
    driver: gateway
    url: http://localhost:3002
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Pools["sessions"].MaxConnections; got != 20 {
		t.Errorf("expected gateway driver default max 20, got %d", got)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_POOL_ADDR", "db.internal:5432")
	t.Setenv("TEST_ADMIN_SECRET", "s3cret")

	cfg, err := LoadFromBytes([]byte(`
admin:
  enabled: true
  jwt_secret: ${TEST_ADMIN_SECRET}
  issuer: poold
  audience: poold-admin
pools:
  warehouse:
    driver: direct
    addr: ${TEST_POOL_ADDR}
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Pools["warehouse"].Addr; got != "db.internal:5432" {
		t.Errorf("env var not expanded: %q", got)
	}
	if cfg.Admin.JWTSecret != "s3cret" {
		t.Errorf("admin secret not expanded: %q", cfg.Admin.JWTSecret)
	}
}

func TestLoad_UnsetEnvVarLeftVerbatim(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
pools:
  warehouse:
    driver: direct
    addr: "${DEFINITELY_NOT_SET_XYZ}:5432"
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Pools["warehouse"].Addr; !strings.Contains(got, "${DEFINITELY_NOT_SET_XYZ}") {
		t.Errorf("unset env var should stay verbatim, got %q", got)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no pools",
			yaml:    `server: {port: 8080}`,
			wantErr: "at least one pool",
		},
		{
			name: "bad port",
			yaml: `
server:
  port: 99999
pools:
  warehouse: {driver: direct, addr: "localhost:5432"}
`,
			wantErr: "server.port",
		},
		{
			name: "unknown driver",
			yaml: `
pools:
  warehouse: {driver: carrier-pigeon, addr: "localhost:5432"}
`,
			wantErr: "driver",
		},
		{
			name: "direct without addr",
			yaml: `
pools:
  warehouse: {driver: direct}
`,
			wantErr: "addr is required",
		},
		{
			name: "gateway without url",
			yaml: `
pools:
  sessions: {driver: gateway}
`,
			wantErr: "url is required",
		},
		{
			name: "gateway bad scheme",
			yaml: `
pools:
  sessions: {driver: gateway, url: "ftp://example.com"}
`,
			wantErr: "scheme",
		},
		{
			name: "negative min connections",
			yaml: `
pools:
  warehouse: {driver: direct, addr: "localhost:5432", min_connections: -1}
`,
			wantErr: "min_connections",
		},
		{
			name: "bad log level",
			yaml: `
logging:
  level: verbose
pools:
  warehouse: {driver: direct, addr: "localhost:5432"}
`,
			wantErr: "logging.level",
		},
		{
			name: "admin enabled without secret",
			yaml: `
admin:
  enabled: true
  issuer: poold
  audience: poold-admin
pools:
  warehouse: {driver: direct, addr: "localhost:5432"}
`,
			wantErr: "jwt_secret",
		},
		{
			name: "tls enabled without cert",
			yaml: `
server:
  tls:
    enabled: true
    key_file: /etc/poold/key.pem
pools:
  warehouse: {driver: direct, addr: "localhost:5432"}
`,
			wantErr: "cert_file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoad_WarnsOnUnresolvedSecret(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
admin:
  enabled: true
  jwt_secret: ${UNSET_SECRET_VAR_XYZ}
  issuer: poold
  audience: poold-admin
pools:
  warehouse: {driver: direct, addr: "localhost:5432"}
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, w := range cfg.Warnings {
		if strings.Contains(w, "jwt_secret") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected unresolved jwt_secret warning, got %v", cfg.Warnings)
	}
}

func TestLoad_WarnsOnMinEqualsMax(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
pools:
  warehouse: {driver: direct, addr: "localhost:5432", min_connections: 4, max_connections: 4}
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Warnings) == 0 {
		t.Error("expected a warning when min equals max")
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "poold.yaml")
	if err := os.WriteFile(path, []byte(minimalConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Pools) != 1 {
		t.Errorf("expected 1 pool, got %d", len(cfg.Pools))
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/poold.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := LoadFromBytes([]byte("pools: [not: a: map")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestMetricsConfig_ExplicitDisable(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
metrics:
  enabled: false
pools:
  warehouse: {driver: direct, addr: "localhost:5432"}
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Metrics.IsEnabled() {
		t.Error("metrics should be disabled when explicitly set to false")
	}
}

func TestPoolSettings_Conversion(t *testing.T) {
	pc := PoolConfig{
		MinConnections: 2,
		MaxConnections: 8,
		AcquireTimeout: 10 * time.Second,
		IdleTimeout:    time.Minute,
		MaxLifetime:    time.Hour,
	}
	s := pc.PoolSettings()
	if s.MinConnections != 2 || s.MaxConnections != 8 {
		t.Errorf("sizing not carried over: %+v", s)
	}
	if s.AcquireTimeout != 10*time.Second || s.IdleTimeout != time.Minute || s.MaxLifetime != time.Hour {
		t.Errorf("timeouts not carried over: %+v", s)
	}
}
