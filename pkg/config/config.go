// Package config loads the application configuration from YAML with
// environment variable expansion and defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:generate go run ../../cmd/schema/main.go schema.json

// Config holds the application configuration
type Config struct {
	Server struct {
		Listen  string        `yaml:"listen" json:"listen" jsonschema:"default=:8080,description=HTTP server listen address"`
		Timeout time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=30s,description=HTTP server timeout"`
	} `yaml:"server" json:"server" jsonschema:"description=Local API server configuration"`

	Database struct {
		DSN             string `yaml:"dsn" json:"dsn" jsonschema:"default=file:tskulis.db?cache=shared&mode=rwc,description=Database connection string"`
		MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns" jsonschema:"default=10,description=Maximum number of open connections"`
		MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns" jsonschema:"default=5,description=Maximum number of idle connections"`
		ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime" jsonschema:"default=3600,description=Connection maximum lifetime in seconds"`
	} `yaml:"database" json:"database" jsonschema:"description=Durable storage configuration"`

	Backend BackendConfig `yaml:"backend" json:"backend" jsonschema:"description=Portal backend REST API"`

	Cache CacheConfig `yaml:"cache" json:"cache" jsonschema:"description=Async data layer cache settings"`

	Offline OfflineConfig `yaml:"offline" json:"offline" jsonschema:"description=Offline request queue settings"`

	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry" jsonschema:"description=Error reporting pipeline settings"`
}

// BackendConfig holds the upstream news API settings
type BackendConfig struct {
	URL       string        `yaml:"url" json:"url" jsonschema:"required,description=Base URL of the news backend API"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=30s,description=Request timeout"`
	UserAgent string        `yaml:"user_agent" json:"user_agent" jsonschema:"default=Tskulis/1.0,description=User agent for backend requests"`
}

// CacheConfig holds async data layer tuning
type CacheConfig struct {
	StaleTime      time.Duration `yaml:"stale_time" json:"stale_time" jsonschema:"default=1m,description=Soft freshness window"`
	CacheTime      time.Duration `yaml:"cache_time" json:"cache_time" jsonschema:"default=5m,description=Hard expiry window"`
	RetryCount     int           `yaml:"retry_count" json:"retry_count" jsonschema:"default=3,description=Retries after the first failed attempt"`
	RetryDelay     time.Duration `yaml:"retry_delay" json:"retry_delay" jsonschema:"default=1s,description=Initial backoff delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout" jsonschema:"default=30s,description=Deadline per fetch attempt"`
	SweepInterval  time.Duration `yaml:"sweep_interval" json:"sweep_interval" jsonschema:"default=30s,description=Staleness check period"`
}

// OfflineConfig holds offline queue and connectivity probe tuning
type OfflineConfig struct {
	DrainInterval time.Duration `yaml:"drain_interval" json:"drain_interval" jsonschema:"default=30s,description=Periodic drain while online"`
	MaxRetries    int           `yaml:"max_retries" json:"max_retries" jsonschema:"default=3,minimum=1,description=Replay attempts per queued request"`
	ProbeURL      string        `yaml:"probe_url" json:"probe_url" jsonschema:"description=Endpoint probed for connectivity (defaults to the backend URL)"`
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval" jsonschema:"default=10s,description=Connectivity probe period"`
}

// TelemetryConfig holds error reporting settings
type TelemetryConfig struct {
	Endpoint         string        `yaml:"endpoint" json:"endpoint" jsonschema:"description=Error reporting endpoint, empty disables delivery"`
	BatchSize        int           `yaml:"batch_size" json:"batch_size" jsonschema:"default=10,minimum=1,description=Queue length forcing an immediate flush"`
	FlushInterval    time.Duration `yaml:"flush_interval" json:"flush_interval" jsonschema:"default=10s,description=Background flush period"`
	MaxRetries       int           `yaml:"max_retries" json:"max_retries" jsonschema:"default=3,description=Delivery attempts per batch"`
	RetryDelay       time.Duration `yaml:"retry_delay" json:"retry_delay" jsonschema:"default=1s,description=Base delay, grows linearly per attempt"`
	MaxStoredBatches int           `yaml:"max_stored_batches" json:"max_stored_batches" jsonschema:"default=20,description=Cap on persisted failed batches"`
	IgnoreMessages   []string      `yaml:"ignore_messages" json:"ignore_messages" jsonschema:"description=Message substrings to drop silently"`
	IgnoreURLs       []string      `yaml:"ignore_urls" json:"ignore_urls" jsonschema:"description=URL substrings to drop silently"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // file path comes from CLI flag
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	// set defaults for server
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = 30 * time.Second
	}

	// set defaults for database
	if c.Database.DSN == "" {
		c.Database.DSN = "file:tskulis.db?cache=shared&mode=rwc&_txlock=immediate"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 3600
	}

	// set defaults for backend
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 30 * time.Second
	}
	if c.Backend.UserAgent == "" {
		c.Backend.UserAgent = "Tskulis/1.0"
	}

	// set defaults for cache
	if c.Cache.StaleTime == 0 {
		c.Cache.StaleTime = time.Minute
	}
	if c.Cache.CacheTime == 0 {
		c.Cache.CacheTime = 5 * time.Minute
	}
	if c.Cache.RetryCount == 0 {
		c.Cache.RetryCount = 3
	}
	if c.Cache.RetryDelay == 0 {
		c.Cache.RetryDelay = time.Second
	}
	if c.Cache.AttemptTimeout == 0 {
		c.Cache.AttemptTimeout = 30 * time.Second
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = 30 * time.Second
	}

	// set defaults for offline queue
	if c.Offline.DrainInterval == 0 {
		c.Offline.DrainInterval = 30 * time.Second
	}
	if c.Offline.MaxRetries == 0 {
		c.Offline.MaxRetries = 3
	}
	if c.Offline.ProbeURL == "" {
		c.Offline.ProbeURL = c.Backend.URL
	}
	if c.Offline.ProbeInterval == 0 {
		c.Offline.ProbeInterval = 10 * time.Second
	}

	// set defaults for telemetry
	if c.Telemetry.BatchSize == 0 {
		c.Telemetry.BatchSize = 10
	}
	if c.Telemetry.FlushInterval == 0 {
		c.Telemetry.FlushInterval = 10 * time.Second
	}
	if c.Telemetry.MaxRetries == 0 {
		c.Telemetry.MaxRetries = 3
	}
	if c.Telemetry.RetryDelay == 0 {
		c.Telemetry.RetryDelay = time.Second
	}
	if c.Telemetry.MaxStoredBatches == 0 {
		c.Telemetry.MaxStoredBatches = 20
	}
}

func (c *Config) validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if c.Cache.StaleTime > c.Cache.CacheTime {
		return fmt.Errorf("cache.stale_time %v must not exceed cache.cache_time %v", c.Cache.StaleTime, c.Cache.CacheTime)
	}
	return nil
}

// GetServerConfig provides listen address and timeout for the server
func (c *Config) GetServerConfig() (listen string, timeout time.Duration) {
	return c.Server.Listen, c.Server.Timeout
}
