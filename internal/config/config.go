// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Legacy    LegacyConfig    `mapstructure:"legacy"`
	Merge     MergeConfig     `mapstructure:"merge"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// LegacyConfig holds identity-matching configuration for imported accounts.
type LegacyConfig struct {
	// EmailDomain is the reserved domain marking bulk-imported accounts.
	EmailDomain string `mapstructure:"email_domain"`
	// DiscriminatorSeparator splits a handle from its numeric suffix
	// (e.g. "alice#1234").
	DiscriminatorSeparator string `mapstructure:"discriminator_separator"`
	// MaxEditDistance is the fuzzy-match acceptance bound.
	MaxEditDistance int `mapstructure:"max_edit_distance"`
}

// MergeConfig holds merge orchestration configuration.
type MergeConfig struct {
	// LockTimeout bounds how long an initiation waits for the per-account lock.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// ReconcileConfig holds the reconciliation job configuration.
type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timezone string        `mapstructure:"timezone"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Location resolves the configured reconciliation timezone, defaulting to UTC.
func (r *ReconcileConfig) Location() *time.Location {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the given directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables use underscore separator and uppercase,
	// e.g. DATABASE_HOST, RECONCILE_INTERVAL.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK - env vars can provide all config.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "xpledger")
	v.SetDefault("database.name", "xpledger")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	v.SetDefault("legacy.email_domain", "legacy.import")
	v.SetDefault("legacy.discriminator_separator", "#")
	v.SetDefault("legacy.max_edit_distance", 1)

	v.SetDefault("merge.lock_timeout", "5s")

	v.SetDefault("reconcile.interval", "1h")
	v.SetDefault("reconcile.timezone", "UTC")
}
