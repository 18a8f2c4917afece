// Package config loads the server configuration from config/tracker.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/chenchen71956/ContribTracker/pkg/logger"
)

// Config is the full server configuration.
type Config struct {
	Server      ServerConfig         `yaml:"server"`
	Database    DatabaseConfig       `yaml:"database"`
	Cache       CacheConfig          `yaml:"cache"`
	Invitations InvitationsConfig    `yaml:"invitations"`
	Heartbeat   HeartbeatConfig      `yaml:"heartbeat"`
	Workers     WorkersConfig        `yaml:"workers"`
	Logging     logger.LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	WSPath     string `yaml:"ws_path"`
}

type DatabaseConfig struct {
	DSN          string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type InvitationsConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	SweepPeriod time.Duration `yaml:"sweep_period"`
}

type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type WorkersConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

// Load reads config/tracker.yaml relative to the working directory.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join("config", "tracker.yaml"))
}

// LoadFromPath reads and validates the configuration at path. Values
// omitted from the file keep their defaults.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads the configuration or falls back to the defaults
// when the file is missing. Environment overrides apply either way.
func LoadOrDefault() *Config {
	if cfg, err := Load(); err == nil {
		return cfg
	}
	cfg := DefaultConfig()
	if err := cfg.applyEnv(); err != nil {
		return DefaultConfig()
	}
	return cfg
}

// applyEnv overrides the env-tagged fields from the process environment.
// The environment wins over both the defaults and the file.
func (c *Config) applyEnv() error {
	if err := envdecode.Decode(c); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

// DefaultConfig returns the built-in defaults. The database DSN has no
// sensible default and must come from the file or DATABASE_URL.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8371",
			WSPath:     "/ws",
		},
		Database: DatabaseConfig{
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			StoreTimeout: 5 * time.Second,
		},
		Cache:       CacheConfig{TTL: 5 * time.Second},
		Invitations: InvitationsConfig{TTL: 5 * time.Minute, SweepPeriod: time.Minute},
		Heartbeat:   HeartbeatConfig{Interval: 30 * time.Second, Timeout: 60 * time.Second},
		Workers:     WorkersConfig{Count: 4, QueueSize: 256},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Server.WSPath == "" {
		return fmt.Errorf("server.ws_path is required")
	}
	if c.Cache.TTL < 0 || c.Invitations.TTL < 0 {
		return fmt.Errorf("ttl values must not be negative")
	}
	if c.Heartbeat.Interval > 0 && c.Heartbeat.Timeout > 0 && c.Heartbeat.Timeout < c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.timeout must be at least heartbeat.interval")
	}
	if c.Workers.Count < 0 || c.Workers.QueueSize < 0 {
		return fmt.Errorf("worker sizes must not be negative")
	}
	return nil
}
