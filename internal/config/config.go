// Package config loads and validates server configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root server configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Protocol      ProtocolConfig      `yaml:"protocol"`
	Limits        LimitsConfig        `yaml:"limits"`
	Auth          AuthConfig          `yaml:"auth"`
	Hooks         HooksConfig         `yaml:"hooks"`
	Operations    OperationsConfig    `yaml:"operations"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProtocolConfig pins the protocol identity the server accepts.
type ProtocolConfig struct {
	Name     string   `yaml:"name"`
	Versions []string `yaml:"versions"`
}

// LimitsConfig bounds untrusted input and dispatch time.
type LimitsConfig struct {
	// MaxRequestBytes rejects raw requests above this size before any
	// structural parsing happens.
	MaxRequestBytes int `yaml:"max_request_bytes"`
	// DispatchTimeout fails a non-streaming dispatch after this wall-clock
	// duration. Zero disables the timeout.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	// ListMaxLimit is the upper bound accepted for operation.list page sizes.
	ListMaxLimit int `yaml:"list_max_limit"`
}

// AuthConfig describes bearer-token verification for the auth hook.
type AuthConfig struct {
	// SecretEnv names the environment variable holding the HMAC signing
	// secret. The secret itself never appears in config files.
	SecretEnv string `yaml:"secret_env"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

// HooksConfig fixes the extension hook execution order. The pipeline runs
// hooks in exactly this order, not in request declaration order.
type HooksConfig struct {
	Order     []string        `yaml:"order"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig describes the per-caller token bucket.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	RPS     float64       `yaml:"rps"`
	Burst   int           `yaml:"burst"`
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// OperationsConfig describes operation persistence and cancel behaviour.
type OperationsConfig struct {
	Store  StoreConfig  `yaml:"store"`
	Cancel CancelConfig `yaml:"cancel"`
}

// StoreConfig describes the operation record store.
type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CancelConfig bounds the conditional-write retry loop.
type CancelConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
}

// IdempotencyConfig describes the response replay store.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	// Driver is "memory" or "redis".
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Protocol: ProtocolConfig{
			Name:     "forrst",
			Versions: []string{"1.0.0"},
		},
		Limits: LimitsConfig{
			MaxRequestBytes: 1 << 20, // 1 MiB
			DispatchTimeout: 30 * time.Second,
			ListMaxLimit:    100,
		},
		Auth: AuthConfig{
			SecretEnv: "FORRST_AUTH_SECRET",
		},
		Hooks: HooksConfig{
			Order: []string{"auth", "ratelimit", "idempotency"},
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     50,
				Burst:   100,
				IdleTTL: 10 * time.Minute,
			},
		},
		Operations: OperationsConfig{
			Store: StoreConfig{
				Driver:          "memory",
				DSNEnv:          "FORRST_OPERATIONS_DSN",
				MaxOpenConns:    25,
				ConnMaxLifetime: 5 * time.Minute,
			},
			Cancel: CancelConfig{
				MaxAttempts:    4,
				BackoffInitial: 10 * time.Millisecond,
			},
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "FORRST_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Protocol.Name == "" {
		errs = append(errs, "protocol.name is required")
	}
	if len(c.Protocol.Versions) == 0 {
		errs = append(errs, "protocol.versions must list at least one version")
	}
	if c.Limits.MaxRequestBytes <= 0 {
		errs = append(errs, "limits.max_request_bytes must be positive")
	}
	if c.Limits.ListMaxLimit <= 0 {
		errs = append(errs, "limits.list_max_limit must be positive")
	}
	if c.Operations.Cancel.MaxAttempts < 1 {
		errs = append(errs, "operations.cancel.max_attempts must be at least 1")
	}
	switch c.Operations.Store.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("operations.store.driver %q is not supported", c.Operations.Store.Driver))
	}
	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case "memory", "redis":
		default:
			errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not supported", c.Idempotency.Store.Driver))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// SupportsVersion reports whether the given protocol version is accepted.
func (c *Config) SupportsVersion(v string) bool {
	for _, s := range c.Protocol.Versions {
		if s == v {
			return true
		}
	}
	return false
}

// applyEnvOverrides reads FORRST_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FORRST_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FORRST_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("FORRST_OPERATIONS_STORE_DRIVER"); v != "" {
		cfg.Operations.Store.Driver = v
	}
	if v := os.Getenv("FORRST_IDEMPOTENCY_STORE_DRIVER"); v != "" {
		cfg.Idempotency.Store.Driver = v
	}
}
