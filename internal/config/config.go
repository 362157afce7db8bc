// Package config handles configuration loading and validation for the
// pool coordinator.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/zkpool/coordinator/internal/notify"
)

// Config holds all configuration for the coordinator process.
type Config struct {
	Pool        PoolConfig        `mapstructure:"pool"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Mining      MiningConfig      `mapstructure:"mining"`
	Stats       StatsConfig       `mapstructure:"stats"`
	API         APIConfig         `mapstructure:"api"`
	Security    SecurityConfig    `mapstructure:"security"`
	Log         LogConfig         `mapstructure:"log"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Profiling     ProfilingConfig     `mapstructure:"profiling"`
	Notify        notify.WebhookConfig `mapstructure:"notify"`
}

// PoolConfig defines pool identity settings.
type PoolConfig struct {
	Name      string `mapstructure:"name"`
	Recipient string `mapstructure:"recipient"`
}

// LedgerConfig defines connection settings for the ledger node(s) the
// coordinator reads templates from and submits promoted blocks to.
// URLs may name more than one upstream for health-checked failover.
type LedgerConfig struct {
	URLs                []string      `mapstructure:"urls"`
	Timeout             time.Duration `mapstructure:"timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	HealthCheckTimeout  time.Duration `mapstructure:"health_check_timeout"`
	MaxFailures         int           `mapstructure:"max_failures"`
	RecoveryThreshold   int           `mapstructure:"recovery_threshold"`
}

// RedisConfig defines Redis connection settings for the Share Store.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CoordinatorConfig defines the Request Dispatcher and Refresh Timer's
// tunables.
type CoordinatorConfig struct {
	Bind                   string        `mapstructure:"bind"`
	ChannelCapacity        int           `mapstructure:"channel_capacity"`
	RefreshPeriod          time.Duration `mapstructure:"refresh_period"`
	InitialShareMultiplier uint64        `mapstructure:"initial_share_multiplier"`
}

// MiningConfig defines pool-wide difficulty bounds.
type MiningConfig struct {
	MinShareDifficulty uint64 `mapstructure:"min_share_difficulty"`
	MaxShareDifficulty uint64 `mapstructure:"max_share_difficulty"`
}

// StatsConfig defines the windows the API surface computes rolling
// hashrate statistics over.
type StatsConfig struct {
	HashrateWindow      time.Duration `mapstructure:"hashrate_window"`
	HashrateLargeWindow time.Duration `mapstructure:"hashrate_large_window"`
}

// APIConfig defines the read-only HTTP API server's settings.
type APIConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Bind        string        `mapstructure:"bind"`
	StatsCache  time.Duration `mapstructure:"stats_cache"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
}

// SecurityConfig defines the ingress policy front-end's settings.
type SecurityConfig struct {
	MaxConnectionsPerIP  int           `mapstructure:"max_connections_per_ip"`
	MaxWorkersPerAddress int           `mapstructure:"max_workers_per_address"`
	BanThreshold         int           `mapstructure:"ban_threshold"`
	BanDuration          time.Duration `mapstructure:"ban_duration"`
	RateLimitShares      int           `mapstructure:"rate_limit_shares"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// ProfilingConfig defines the pprof debug server's settings.
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// ObservabilityConfig defines APM integration settings.
type ObservabilityConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// Load reads configuration from configPath (or the conventional search
// path if empty) and from environment variables prefixed POOLD_.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/poold")
	}

	v.SetEnvPrefix("POOLD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.name", "zk pool")

	v.SetDefault("ledger.urls", []string{"http://127.0.0.1:8545"})
	v.SetDefault("ledger.timeout", "10s")
	v.SetDefault("ledger.health_check_interval", "5s")
	v.SetDefault("ledger.health_check_timeout", "3s")
	v.SetDefault("ledger.max_failures", 3)
	v.SetDefault("ledger.recovery_threshold", 2)

	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("coordinator.bind", "0.0.0.0:3221")
	v.SetDefault("coordinator.channel_capacity", 1024)
	v.SetDefault("coordinator.refresh_period", "5s")
	v.SetDefault("coordinator.initial_share_multiplier", 50)

	v.SetDefault("mining.min_share_difficulty", 1000)
	v.SetDefault("mining.max_share_difficulty", 1000000000000)

	v.SetDefault("stats.hashrate_window", "10m")
	v.SetDefault("stats.hashrate_large_window", "3h")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.stats_cache", "10s")
	v.SetDefault("api.cors_origins", []string{"*"})

	v.SetDefault("security.max_connections_per_ip", 100)
	v.SetDefault("security.max_workers_per_address", 256)
	v.SetDefault("security.ban_threshold", 30)
	v.SetDefault("security.ban_duration", "1h")
	v.SetDefault("security.rate_limit_shares", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("observability.enabled", false)
	v.SetDefault("observability.app_name", "zkpool-coordinator")

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	v.SetDefault("notify.enabled", false)
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Pool.Recipient == "" {
		return fmt.Errorf("pool.recipient is required")
	}

	if len(c.Ledger.URLs) == 0 {
		return fmt.Errorf("ledger.urls must name at least one upstream")
	}

	if c.Mining.MinShareDifficulty > c.Mining.MaxShareDifficulty {
		return fmt.Errorf("mining.min_share_difficulty must be <= max_share_difficulty")
	}

	if c.Coordinator.ChannelCapacity <= 0 {
		return fmt.Errorf("coordinator.channel_capacity must be positive")
	}

	if c.Coordinator.InitialShareMultiplier == 0 {
		return fmt.Errorf("coordinator.initial_share_multiplier must be positive")
	}

	return nil
}
