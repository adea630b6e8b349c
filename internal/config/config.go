package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Auth        AuthConfig        `yaml:"auth"`
	Routing     RoutingConfig     `yaml:"routing"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	State       StateConfig       `yaml:"state"`
	Access      AccessConfig      `yaml:"access"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", d.User, d.Password, d.Host, d.Port, d.Name)
}

// RedisConfig is optional. With no addresses the gateway runs without Redis.
type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

func (r RedisConfig) Enabled() bool { return len(r.Addresses) > 0 }

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	MetricsPort    int    `yaml:"metrics_port"`
	GRPCHealthPort int    `yaml:"grpc_health_port"`
}

// AuthConfig selects where API keys come from: "static" (keys.yaml),
// "postgres" (api_keys table with Redis cache) or "both".
type AuthConfig struct {
	KeyStore string `yaml:"key_store"`
}

type RoutingConfig struct {
	FailThreshold      int            `yaml:"fail_threshold"`
	HonorModelDisable  bool           `yaml:"honor_model_disable"`
	GlobalDisable      bool           `yaml:"global_disable"`
	MinPoolSize        int            `yaml:"min_pool_size"`
	MinListedProviders int            `yaml:"min_listed_providers"`
	ConnectTimeout     time.Duration  `yaml:"connect_timeout"`
	AttemptTimeout     time.Duration  `yaml:"attempt_timeout"`
	StreamTimeout      time.Duration  `yaml:"stream_timeout"`
	DefaultParams      map[string]any `yaml:"default_params"`
	ModelCacheTTL      time.Duration  `yaml:"model_cache_ttl"`
	ModelCacheSize     int            `yaml:"model_cache_size"`
	Sessions           SessionConfig  `yaml:"sessions"`
}

type SessionConfig struct {
	ShortIdle     time.Duration `yaml:"short_idle"`
	LongIdle      time.Duration `yaml:"long_idle"`
	LongThreshold int           `yaml:"long_threshold"`
	MaxBindings   int           `yaml:"max_bindings"`
}

type RateLimitConfig struct {
	Backend           string         `yaml:"backend"`
	RequestsPerMinute int            `yaml:"requests_per_minute"`
	Models            map[string]int `yaml:"models"`
}

// LimitFor returns the per-minute limit for a raw model string.
func (r RateLimitConfig) LimitFor(model string) int {
	if v, ok := r.Models[model]; ok {
		return v
	}
	return r.RequestsPerMinute
}

type StateConfig struct {
	Driver       string        `yaml:"driver"`
	Path         string        `yaml:"path"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	QueueSize    int           `yaml:"queue_size"`
	QueueWorkers int           `yaml:"queue_workers"`
}

type AccessConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BundlePath        string        `yaml:"bundle_path"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
}

type MaintenanceConfig struct {
	AttemptRetentionDays int    `yaml:"attempt_retention_days"`
	PruneSchedule        string `yaml:"prune_schedule"`
	SessionSweep         string `yaml:"session_sweep"`
	HealthRefresh        string `yaml:"health_refresh"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     180 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "switchboard",
			User:            "switchboard",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize: 50,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			MetricsPort:    9090,
			GRPCHealthPort: 9091,
		},
		Auth: AuthConfig{
			KeyStore: "static",
		},
		Routing: RoutingConfig{
			FailThreshold:      3,
			HonorModelDisable:  true,
			MinPoolSize:        1,
			MinListedProviders: 2,
			ConnectTimeout:     10 * time.Second,
			AttemptTimeout:     60 * time.Second,
			StreamTimeout:      120 * time.Second,
			DefaultParams: map[string]any{
				"temperature": 0.7,
				"max_tokens":  2000,
				"top_p":       1,
			},
			ModelCacheTTL:  10 * time.Minute,
			ModelCacheSize: 256,
			Sessions: SessionConfig{
				ShortIdle:     24 * time.Hour,
				LongIdle:      7 * 24 * time.Hour,
				LongThreshold: 3,
				MaxBindings:   1000,
			},
		},
		RateLimit: RateLimitConfig{
			Backend:           "memory",
			RequestsPerMinute: 60,
		},
		State: StateConfig{
			Driver:       "sqlite",
			Path:         "data/switchboard.db",
			CacheTTL:     30 * time.Second,
			QueueSize:    1024,
			QueueWorkers: 2,
		},
		Access: AccessConfig{
			BundlePath:        "/etc/switchboard/policies",
			EvaluationTimeout: 100 * time.Millisecond,
		},
		Maintenance: MaintenanceConfig{
			AttemptRetentionDays: 7,
			PruneSchedule:        "0 3 * * *",
			SessionSweep:         "@every 10m",
			HealthRefresh:        "@every 15s",
		},
	}
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	switch c.Auth.KeyStore {
	case "static", "postgres", "both":
	default:
		return fmt.Errorf("auth.key_store: unknown value %q", c.Auth.KeyStore)
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			return fmt.Errorf("rate_limit.backend redis requires redis.addresses")
		}
	default:
		return fmt.Errorf("rate_limit.backend: unknown value %q", c.RateLimit.Backend)
	}
	switch c.State.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("state.driver: unknown value %q", c.State.Driver)
	}
	if c.Routing.FailThreshold < 1 {
		return fmt.Errorf("routing.fail_threshold must be at least 1")
	}
	if c.Routing.StreamTimeout <= 0 {
		return fmt.Errorf("routing.stream_timeout must be positive")
	}
	return nil
}
