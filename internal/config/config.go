// Package config provides YAML configuration loading with validation and
// environment variable substitution for the pool manager.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dskow/pool-core/internal/pool"
)

// Backend drivers recognized in pool configuration.
const (
	DriverDirect  = "direct"
	DriverGateway = "gateway"
)

// Config is the top-level pool manager configuration.
type Config struct {
	Server   ServerConfig          `yaml:"server" json:"server"`
	Metrics  MetricsConfig         `yaml:"metrics" json:"metrics"`
	Logging  LoggingConfig         `yaml:"logging" json:"logging"`
	Admin    AdminConfig           `yaml:"admin" json:"admin"`
	Alerting AlertingConfig        `yaml:"alerting" json:"alerting"`
	Pools    map[string]PoolConfig `yaml:"pools" json:"pools"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings for the health/metrics/admin surface.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// TLSConfig holds TLS termination settings for the HTTP surface.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
	Level      string `yaml:"level" json:"level"`               // "debug", "info", "warn", "error"; default: "info"
}

// AdminConfig holds admin API settings. The admin endpoints expose runtime
// pool state and are guarded by JWT bearer tokens.
type AdminConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"` // default: false
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string `yaml:"issuer" json:"issuer"`
	Audience  string `yaml:"audience" json:"audience"`
}

// AlertingConfig throttles health alert emission.
type AlertingConfig struct {
	MinInterval time.Duration `yaml:"min_interval" json:"min_interval"` // minimum gap between alerts per kind; default: 1m
	Burst       int           `yaml:"burst" json:"burst"`               // alert burst allowance; default: 3
}

// PoolConfig holds the per-backend-kind pool settings. Immutable after pool
// construction, except the circuit breaker thresholds which support hot reload.
type PoolConfig struct {
	Driver string `yaml:"driver" json:"driver"` // "direct" or "gateway"
	Addr   string `yaml:"addr" json:"addr"`     // direct: TCP host:port
	URL    string `yaml:"url" json:"url"`       // gateway: base URL

	MinConnections int           `yaml:"min_connections" json:"min_connections"`
	MaxConnections int           `yaml:"max_connections" json:"max_connections"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime" json:"max_lifetime"`

	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
	DegradedLatency     time.Duration `yaml:"degraded_latency" json:"degraded_latency"`

	CircuitFailureThreshold int           `yaml:"circuit_failure_threshold" json:"circuit_failure_threshold"`
	CircuitRecoveryTimeout  time.Duration `yaml:"circuit_recovery_timeout" json:"circuit_recovery_timeout"`
}

// PoolSettings converts the config entry into the pool package's value object.
func (pc PoolConfig) PoolSettings() pool.Config {
	return pool.Config{
		MinConnections: pc.MinConnections,
		MaxConnections: pc.MaxConnections,
		AcquireTimeout: pc.AcquireTimeout,
		IdleTimeout:    pc.IdleTimeout,
		MaxLifetime:    pc.MaxLifetime,
	}
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	// Alerting defaults
	if cfg.Alerting.MinInterval == 0 {
		cfg.Alerting.MinInterval = time.Minute
	}
	if cfg.Alerting.Burst == 0 {
		cfg.Alerting.Burst = 3
	}

	for kind, pc := range cfg.Pools {
		if pc.MaxConnections == 0 {
			// Gateway sessions are cheaper than direct warehouse
			// connections, so the default ceiling is higher.
			if pc.Driver == DriverGateway {
				pc.MaxConnections = 20
			} else {
				pc.MaxConnections = 10
			}
		}
		if pc.MinConnections == 0 {
			pc.MinConnections = 2
		}
		if pc.MinConnections > pc.MaxConnections {
			pc.MinConnections = pc.MaxConnections
		}
		if pc.AcquireTimeout == 0 {
			pc.AcquireTimeout = 30 * time.Second
		}
		if pc.IdleTimeout == 0 {
			pc.IdleTimeout = 5 * time.Minute
		}
		if pc.MaxLifetime == 0 {
			pc.MaxLifetime = time.Hour
		}
		if pc.HealthCheckInterval == 0 {
			pc.HealthCheckInterval = 30 * time.Second
		}
		if pc.DegradedLatency == 0 {
			pc.DegradedLatency = 250 * time.Millisecond
		}
		if pc.CircuitFailureThreshold == 0 {
			pc.CircuitFailureThreshold = 5
		}
		if pc.CircuitRecoveryTimeout == 0 {
			pc.CircuitRecoveryTimeout = 30 * time.Second
		}
		cfg.Pools[kind] = pc
	}
}

// ValidLogLevels are the accepted log level strings.
var ValidLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
	}

	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	if cfg.Admin.Enabled {
		if cfg.Admin.JWTSecret == "" {
			return fmt.Errorf("admin.jwt_secret is required when admin is enabled")
		}
		if cfg.Admin.Issuer == "" {
			return fmt.Errorf("admin.issuer is required when admin is enabled")
		}
		if cfg.Admin.Audience == "" {
			return fmt.Errorf("admin.audience is required when admin is enabled")
		}
	}

	if cfg.Alerting.MinInterval < 0 {
		return fmt.Errorf("alerting.min_interval must be non-negative")
	}
	if cfg.Alerting.Burst < 1 {
		return fmt.Errorf("alerting.burst must be positive")
	}

	if len(cfg.Pools) == 0 {
		return fmt.Errorf("at least one pool must be configured")
	}

	for kind, pc := range cfg.Pools {
		if strings.TrimSpace(kind) == "" {
			return fmt.Errorf("pool kind must not be empty")
		}
		switch pc.Driver {
		case DriverDirect:
			if pc.Addr == "" {
				return fmt.Errorf("pools.%s.addr is required for the direct driver", kind)
			}
		case DriverGateway:
			if pc.URL == "" {
				return fmt.Errorf("pools.%s.url is required for the gateway driver", kind)
			}
			u, err := url.Parse(pc.URL)
			if err != nil {
				return fmt.Errorf("pools.%s.url: invalid URL: %w", kind, err)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("pools.%s.url: scheme must be http or https, got %q", kind, u.Scheme)
			}
			if u.Host == "" {
				return fmt.Errorf("pools.%s.url: host is required", kind)
			}
		default:
			return fmt.Errorf("pools.%s.driver must be %q or %q, got %q", kind, DriverDirect, DriverGateway, pc.Driver)
		}

		if pc.MinConnections < 0 {
			return fmt.Errorf("pools.%s.min_connections must be non-negative", kind)
		}
		if pc.MaxConnections < 0 {
			return fmt.Errorf("pools.%s.max_connections must be non-negative", kind)
		}
		if pc.MinConnections > pc.MaxConnections {
			return fmt.Errorf("pools.%s.min_connections must not exceed max_connections", kind)
		}
		if pc.AcquireTimeout < 0 {
			return fmt.Errorf("pools.%s.acquire_timeout must be non-negative", kind)
		}
		if pc.IdleTimeout <= 0 {
			return fmt.Errorf("pools.%s.idle_timeout must be positive", kind)
		}
		if pc.MaxLifetime <= 0 {
			return fmt.Errorf("pools.%s.max_lifetime must be positive", kind)
		}
		if pc.HealthCheckInterval <= 0 {
			return fmt.Errorf("pools.%s.health_check_interval must be positive", kind)
		}
		if pc.CircuitFailureThreshold < 1 {
			return fmt.Errorf("pools.%s.circuit_failure_threshold must be positive", kind)
		}
		if pc.CircuitRecoveryTimeout <= 0 {
			return fmt.Errorf("pools.%s.circuit_recovery_timeout must be positive", kind)
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Admin.Enabled && strings.Contains(cfg.Admin.JWTSecret, "${") {
		warnings = append(warnings, "admin.jwt_secret contains unresolved environment variable")
	}
	for kind, pc := range cfg.Pools {
		if pc.MinConnections == pc.MaxConnections {
			warnings = append(warnings, fmt.Sprintf("pools.%s: min_connections equals max_connections; the pool cannot shrink under idle pressure", kind))
		}
	}
	return warnings
}
