// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "LEDGERLY_"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"        envPrefix:"SERVER_"`
	Identity      IdentityConfig      `yaml:"identity"      envPrefix:"IDENTITY_"`
	Entities      EntitiesConfig      `yaml:"entities"      envPrefix:"ENTITIES_"`
	Storage       StorageConfig       `yaml:"storage"       envPrefix:"STORAGE_"`
	Redis         RedisConfig         `yaml:"redis"         envPrefix:"REDIS_"`
	Permissions   PermissionsConfig   `yaml:"permissions"   envPrefix:"PERMISSIONS_"`
	Realtime      RealtimeConfig      `yaml:"realtime"      envPrefix:"REALTIME_"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"   envPrefix:"IDEMPOTENCY_"`
	Archive       ArchiveConfig       `yaml:"archive"       envPrefix:"ARCHIVE_"`
	Observability ObservabilityConfig `yaml:"observability" envPrefix:"OBSERVABILITY_"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"             env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"WRITE_TIMEOUT"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"  env:"HANDLER_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	CORS            CORSConfig    `yaml:"cors"             envPrefix:"CORS_"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	AllowedMethods []string `yaml:"allowed_methods" env:"ALLOWED_METHODS"`
	AllowedHeaders []string `yaml:"allowed_headers" env:"ALLOWED_HEADERS"`
	MaxAge         int      `yaml:"max_age"         env:"MAX_AGE"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"         env:"ISSUER"`
	Audience     string            `yaml:"audience"       env:"AUDIENCE"`
	JWKSURL      string            `yaml:"jwks_url"       env:"JWKS_URL"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl" env:"JWKS_CACHE_TTL"`
	Algorithms   []string          `yaml:"algorithms"     env:"ALGORITHMS"`
	ClaimPaths   map[string]string `yaml:"claim_paths"    env:"CLAIM_PATHS"`
}

// EntitiesConfig describes where to find entity registry YAML files.
type EntitiesConfig struct {
	Directories []string `yaml:"directories" env:"DIRECTORIES"`
}

// StorageConfig selects and configures the persistence backend shared by
// records, fields, permissions, and the audit log.
type StorageConfig struct {
	Driver          string        `yaml:"driver"            env:"DRIVER"`
	DSN             string        `yaml:"dsn"               env:"DSN"`
	SQLitePath      string        `yaml:"sqlite_path"       env:"SQLITE_PATH"`
	MaxOpenConns    int           `yaml:"max_open_conns"    env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns"    env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig describes the shared Redis connection. An empty Addr disables
// every Redis-backed component.
type RedisConfig struct {
	Addr     string `yaml:"addr"     env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db"       env:"DB"`
}

// PermissionsConfig describes authorization settings.
type PermissionsConfig struct {
	CacheTTL   time.Duration `yaml:"cache_ttl"   env:"CACHE_TTL"`
	AdminRoles []string      `yaml:"admin_roles" env:"ADMIN_ROLES"`
	PolicyFile string        `yaml:"policy_file" env:"POLICY_FILE"`
}

// RealtimeConfig describes the real-time distributor.
type RealtimeConfig struct {
	SubscriberBuffer int           `yaml:"subscriber_buffer" env:"SUBSCRIBER_BUFFER"`
	MonitorRoles     []string      `yaml:"monitor_roles"     env:"MONITOR_ROLES"`
	Bridge           string        `yaml:"bridge"            env:"BRIDGE"`
	Channel          string        `yaml:"channel"           env:"CHANNEL"`
	Heartbeat        time.Duration `yaml:"heartbeat"         env:"HEARTBEAT"`
}

// IdempotencyConfig describes the create idempotency store.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled" env:"ENABLED"`
	Driver  string        `yaml:"driver"  env:"DRIVER"`
	TTL     time.Duration `yaml:"ttl"     env:"TTL"`
}

// ArchiveConfig describes the activity log exporter to S3-compatible storage.
type ArchiveConfig struct {
	Enabled   bool          `yaml:"enabled"    env:"ENABLED"`
	Bucket    string        `yaml:"bucket"     env:"BUCKET"`
	Region    string        `yaml:"region"     env:"REGION"`
	Endpoint  string        `yaml:"endpoint"   env:"ENDPOINT"`
	Prefix    string        `yaml:"prefix"     env:"PREFIX"`
	PathStyle bool          `yaml:"path_style" env:"PATH_STYLE"`
	Interval  time.Duration `yaml:"interval"   env:"INTERVAL"`
	BatchSize int           `yaml:"batch_size" env:"BATCH_SIZE"`
	// Settle is how long a sequence gap may hold the export cursor back.
	Settle time.Duration `yaml:"settle" env:"SETTLE"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel   string        `yaml:"log_level"   env:"LOG_LEVEL"`
	LogFormat  string        `yaml:"log_format"  env:"LOG_FORMAT"`
	RedactKeys []string      `yaml:"redact_keys" env:"REDACT_KEYS"`
	Tracing    TracingConfig `yaml:"tracing"     envPrefix:"TRACING_"`
	Metrics    MetricsConfig `yaml:"metrics"     envPrefix:"METRICS_"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"       env:"ENABLED"`
	Exporter     string  `yaml:"exporter"      env:"EXPORTER"`
	Endpoint     string  `yaml:"endpoint"      env:"ENDPOINT"`
	SamplingRate float64 `yaml:"sampling_rate" env:"SAMPLING_RATE"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path"    env:"PATH"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id",
					"X-Connection-Id", "Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
				"department": "department",
			},
		},
		Entities: EntitiesConfig{
			Directories: []string{"/entities"},
		},
		Storage: StorageConfig{
			Driver:          DriverMemory,
			SQLitePath:      "ledgerly.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Permissions: PermissionsConfig{
			CacheTTL:   30 * time.Second,
			AdminRoles: []string{"admin"},
		},
		Realtime: RealtimeConfig{
			SubscriberBuffer: 64,
			MonitorRoles:     []string{"admin"},
			Bridge:           "local",
			Channel:          "ledgerly:events",
			Heartbeat:        25 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Driver:  DriverMemory,
			TTL:     24 * time.Hour,
		},
		Archive: ArchiveConfig{
			Region:    "us-east-1",
			Prefix:    "activity/",
			Interval:  5 * time.Minute,
			BatchSize: 500,
			Settle:    time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
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

// Load reads a YAML config file, applies LEDGERLY_* environment variable
// overrides, and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

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
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, "storage.dsn is required for the postgres driver")
		}
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, "storage.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q is not one of memory, postgres, sqlite", c.Storage.Driver))
	}

	if c.Realtime.Bridge != "local" && c.Realtime.Bridge != "redis" {
		errs = append(errs, fmt.Sprintf("realtime.bridge %q is not one of local, redis", c.Realtime.Bridge))
	}
	if c.Realtime.Bridge == "redis" && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required for the redis realtime bridge")
	}
	if c.Idempotency.Enabled && c.Idempotency.Driver == "redis" && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required for the redis idempotency store")
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		errs = append(errs, "archive.bucket is required when the archive is enabled")
	}
	if f := c.Observability.LogFormat; f != "" && f != "json" && f != "console" {
		errs = append(errs, fmt.Sprintf("observability.log_format %q is not one of json, console", f))
	}
	if len(c.Permissions.AdminRoles) == 0 {
		errs = append(errs, "permissions.admin_roles must name at least one role")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
