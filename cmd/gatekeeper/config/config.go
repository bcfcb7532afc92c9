// Package config provides configuration structures for the gatekeeper CLI.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/TFMV/gatekeeper/pkg/identity"
	"github.com/TFMV/gatekeeper/pkg/infrastructure/pool"
	"github.com/TFMV/gatekeeper/pkg/services"
)

// Store drivers.
const (
	DriverFile   = "file"
	DriverDuckDB = "duckdb"
)

// Config represents the gatekeeper configuration.
type Config struct {
	LogLevel string        `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Log      LogConfig     `mapstructure:"log" yaml:"log" json:"log"`
	Store    StoreConfig   `mapstructure:"store" yaml:"store" json:"store"`
	Auth     AuthConfig    `mapstructure:"auth" yaml:"auth" json:"auth"`
	Access   AccessConfig  `mapstructure:"access" yaml:"access" json:"access"`
	Metrics  MetricsConfig `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	Cache    CacheConfig   `mapstructure:"cache" yaml:"cache" json:"cache"`
}

// LogConfig configures the optional rotating log file.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file" json:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress" json:"compress"`
}

// StoreConfig selects and configures the policy store.
type StoreConfig struct {
	Driver     string      `mapstructure:"driver" yaml:"driver" json:"driver"` // file, duckdb
	PolicyFile string      `mapstructure:"policy_file" yaml:"policy_file" json:"policy_file"`
	DSN        string      `mapstructure:"dsn" yaml:"dsn" json:"dsn"`
	Pool       pool.Config `mapstructure:"pool" yaml:"pool" json:"pool"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret" yaml:"jwt_secret" json:"-"`
	Issuer    string        `mapstructure:"issuer" yaml:"issuer" json:"issuer"`
	Audience  string        `mapstructure:"audience" yaml:"audience" json:"audience"`
	Leeway    time.Duration `mapstructure:"leeway" yaml:"leeway" json:"leeway"`
}

// AccessConfig holds access decision settings.
type AccessConfig struct {
	SystemDatabases []string `mapstructure:"system_databases" yaml:"system_databases" json:"system_databases"`
	DefaultDatabase string   `mapstructure:"default_database" yaml:"default_database" json:"default_database"`
	LiveRecheck     bool     `mapstructure:"live_recheck" yaml:"live_recheck" json:"live_recheck"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	TextfilePath string `mapstructure:"textfile_path" yaml:"textfile_path" json:"textfile_path"`
	Namespace    string `mapstructure:"namespace" yaml:"namespace" json:"namespace"`
}

// CacheConfig configures the compiled pattern cache.
type CacheConfig struct {
	PatternCacheSize int `mapstructure:"pattern_cache_size" yaml:"pattern_cache_size" json:"pattern_cache_size"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	access := services.DefaultAccessConfig()
	return &Config{
		LogLevel: "info",
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Store: StoreConfig{
			Driver: DriverFile,
			DSN:    ":memory:",
			Pool: pool.Config{
				MaxOpenConnections: 8,
				MaxIdleConnections: 2,
				ConnMaxLifetime:    30 * time.Minute,
				ConnMaxIdleTime:    10 * time.Minute,
				HealthCheckPeriod:  time.Minute,
				ConnectionTimeout:  5 * time.Second,
			},
		},
		Auth: AuthConfig{
			Leeway: 30 * time.Second,
		},
		Access: AccessConfig{
			SystemDatabases: access.SystemDatabases,
			DefaultDatabase: access.DefaultDatabase,
			LiveRecheck:     access.LiveRecheck,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "gatekeeper",
		},
		Cache: CacheConfig{
			PatternCacheSize: 1024,
		},
	}
}

// Validate validates the configuration and fills in missing defaults.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "":
		c.LogLevel = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level: %s", c.LogLevel)
	}

	switch c.Store.Driver {
	case DriverFile:
		if c.Store.PolicyFile == "" {
			return fmt.Errorf("store.policy_file is required for the %s driver", DriverFile)
		}
	case DriverDuckDB:
		if c.Store.DSN == "" {
			c.Store.DSN = ":memory:"
		}
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}

	if c.Log.File != "" && c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 100
	}

	if c.Cache.PatternCacheSize <= 0 {
		c.Cache.PatternCacheSize = 1024
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "gatekeeper"
	}
	if c.Metrics.TextfilePath != "" && !c.Metrics.Enabled {
		return fmt.Errorf("metrics.textfile_path requires metrics to be enabled")
	}

	if c.Auth.Leeway < 0 {
		return fmt.Errorf("auth.leeway must not be negative")
	}

	return nil
}

// PoolConfig returns the pool configuration for the DuckDB store.
func (s StoreConfig) PoolConfig() pool.Config {
	cfg := s.Pool
	cfg.DSN = s.DSN
	return cfg
}

// ServiceConfig returns the access service settings.
func (a AccessConfig) ServiceConfig() services.AccessConfig {
	return services.AccessConfig{
		SystemDatabases: a.SystemDatabases,
		DefaultDatabase: a.DefaultDatabase,
		LiveRecheck:     a.LiveRecheck,
	}
}

// Enabled reports whether token verification is configured.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// VerifierConfig returns the token verifier settings.
func (a AuthConfig) VerifierConfig() identity.Config {
	return identity.Config{
		HMACSecret: []byte(a.JWTSecret),
		Issuer:     a.Issuer,
		Audience:   a.Audience,
		Leeway:     a.Leeway,
	}
}

// Load builds the configuration from v. Defaults are registered for every
// key so that GATEKEEPER_* environment variables reach nested settings.
func Load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("GATEKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.policy_file", d.Store.PolicyFile)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.pool.max_open_connections", d.Store.Pool.MaxOpenConnections)
	v.SetDefault("store.pool.max_idle_connections", d.Store.Pool.MaxIdleConnections)
	v.SetDefault("store.pool.conn_max_lifetime", d.Store.Pool.ConnMaxLifetime)
	v.SetDefault("store.pool.conn_max_idle_time", d.Store.Pool.ConnMaxIdleTime)
	v.SetDefault("store.pool.health_check_period", d.Store.Pool.HealthCheckPeriod)
	v.SetDefault("store.pool.connection_timeout", d.Store.Pool.ConnectionTimeout)
	v.SetDefault("store.pool.enable_circuit_breaker", d.Store.Pool.EnableCircuitBreaker)
	v.SetDefault("store.pool.circuit_breaker_threshold", d.Store.Pool.CircuitBreakerThreshold)
	v.SetDefault("store.pool.circuit_breaker_timeout", d.Store.Pool.CircuitBreakerTimeout)
	v.SetDefault("store.pool.motherduck_token", d.Store.Pool.MotherDuckToken)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.audience", d.Auth.Audience)
	v.SetDefault("auth.leeway", d.Auth.Leeway)

	v.SetDefault("access.system_databases", d.Access.SystemDatabases)
	v.SetDefault("access.default_database", d.Access.DefaultDatabase)
	v.SetDefault("access.live_recheck", d.Access.LiveRecheck)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.textfile_path", d.Metrics.TextfilePath)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)

	v.SetDefault("cache.pattern_cache_size", d.Cache.PatternCacheSize)
}
