// Package config loads eventbus configuration using Viper.
//
// Supports config files (YAML, JSON, TOML), environment variable overrides
// with an EVENTBUS_ prefix, and typed unmarshalling into Settings.
//
// Usage:
//
//	import "github.com/madcok-co/eventbus/contrib/config"
//
//	driver, err := config.NewDriver(&config.Config{
//	    ConfigName: "eventbus",
//	    ConfigPath: "./configs",
//	})
//	settings, err := driver.Load()
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config for the configuration driver.
type Config struct {
	ConfigName string // config file name without extension
	ConfigPath string // directory to search
	ConfigType string // yaml, json, toml
	ConfigFile string // full path, overrides name+path

	ConfigPaths []string // additional search paths

	EnvPrefix    string // prefix for environment overrides
	AutomaticEnv bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ConfigName:   "eventbus",
		ConfigPath:   ".",
		ConfigType:   "yaml",
		EnvPrefix:    "EVENTBUS",
		AutomaticEnv: true,
	}
}

// Settings is the typed eventbus configuration.
type Settings struct {
	Broker  BrokerSettings  `mapstructure:"broker"`
	Outbox  OutboxSettings  `mapstructure:"outbox"`
	Dedupe  DedupeSettings  `mapstructure:"dedupe"`
	Ordered OrderedSettings `mapstructure:"ordered"`
	Auth    AuthSettings    `mapstructure:"auth"`
	Log     LogSettings     `mapstructure:"log"`
	Metrics MetricsSettings `mapstructure:"metrics"`
}

// BrokerSettings selects and tunes the broker adapter.
type BrokerSettings struct {
	// Kind selects the adapter: memory, kafka, redisstream.
	Kind string `mapstructure:"kind"`

	DefaultPartitions int `mapstructure:"default_partitions"`

	Kafka struct {
		Brokers  []string `mapstructure:"brokers"`
		ClientID string   `mapstructure:"client_id"`
		Version  string   `mapstructure:"version"`
	} `mapstructure:"kafka"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
}

// OutboxSettings tunes the dispatcher.
type OutboxSettings struct {
	Enabled          bool          `mapstructure:"enabled"`
	DSN              string        `mapstructure:"dsn"`
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	MaxRetries       int           `mapstructure:"max_retries"`
	EntryTTL         time.Duration `mapstructure:"entry_ttl"`
}

// DedupeSettings tunes the exactly-once processor.
type DedupeSettings struct {
	Enabled     bool          `mapstructure:"enabled"`
	RedisAddr   string        `mapstructure:"redis_addr"`
	TTL         time.Duration `mapstructure:"ttl"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// OrderedSettings tunes the ordered processor.
type OrderedSettings struct {
	Lanes     int `mapstructure:"lanes"`
	QueueSize int `mapstructure:"queue_size"`
}

// AuthSettings tunes authorization and replay prevention.
type AuthSettings struct {
	Secret             string        `mapstructure:"secret"`
	CrossTenantAllowed bool          `mapstructure:"cross_tenant_allowed"`
	ReplayWindow       time.Duration `mapstructure:"replay_window"`
}

// LogSettings tunes the zap logger.
type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsSettings tunes the Prometheus exporter.
type MetricsSettings struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Listen    string `mapstructure:"listen"`
}

// Driver loads Settings from files and the environment.
type Driver struct {
	viper *viper.Viper
	cfg   *Config
}

// NewDriver builds a driver and reads the config file if present. A missing
// file is not an error; defaults and environment overrides still apply.
func NewDriver(cfg *Config) (*Driver, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	v := viper.New()
	if cfg.ConfigFile != "" {
		v.SetConfigFile(cfg.ConfigFile)
	} else {
		v.SetConfigName(cfg.ConfigName)
		if cfg.ConfigType != "" {
			v.SetConfigType(cfg.ConfigType)
		}
		v.AddConfigPath(cfg.ConfigPath)
		for _, path := range cfg.ConfigPaths {
			v.AddConfigPath(path)
		}
	}

	if cfg.AutomaticEnv {
		v.AutomaticEnv()
		if cfg.EnvPrefix != "" {
			v.SetEnvPrefix(cfg.EnvPrefix)
		}
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read failed: %w", err)
		}
	}

	return &Driver{viper: v, cfg: cfg}, nil
}

// Load unmarshals the merged configuration.
func (d *Driver) Load() (*Settings, error) {
	var s Settings
	if err := d.viper.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config: unmarshal failed: %w", err)
	}
	return &s, nil
}

// Viper exposes the underlying viper for ad-hoc lookups.
func (d *Driver) Viper() *viper.Viper { return d.viper }

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.kind", "memory")
	v.SetDefault("broker.default_partitions", 3)
	v.SetDefault("broker.kafka.client_id", "eventbus")
	v.SetDefault("outbox.enabled", false)
	v.SetDefault("outbox.dispatch_interval", time.Second)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_retries", 5)
	v.SetDefault("outbox.entry_ttl", 24*time.Hour)
	v.SetDefault("dedupe.enabled", false)
	v.SetDefault("dedupe.ttl", time.Hour)
	v.SetDefault("dedupe.max_attempts", 3)
	v.SetDefault("ordered.lanes", 16)
	v.SetDefault("ordered.queue_size", 256)
	v.SetDefault("auth.replay_window", time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", "eventbus")
	v.SetDefault("metrics.listen", ":9090")
}
