package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete optqueue configuration
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Dashboard DashboardConfig `json:"dashboard" yaml:"dashboard"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

// ServerConfig points at the optimizer backend
type ServerConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Token   string `json:"token,omitempty" yaml:"token,omitempty"`
	// Timeout is a duration string ("30s", "2h"). Empty means no client
	// timeout; optimization requests can legitimately run for hours.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ParseTimeout converts the timeout string to time.Duration
func (sc ServerConfig) ParseTimeout() (time.Duration, error) {
	if sc.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(sc.Timeout)
}

// StorageConfig contains local persistence parameters
type StorageConfig struct {
	DBPath   string `json:"db_path" yaml:"db_path"`
	StateDir string `json:"state_dir" yaml:"state_dir"`
}

// QueueConfig contains defaults applied to newly queued items
type QueueConfig struct {
	WarmupBars int    `json:"warmup_bars" yaml:"warmup_bars"`
	DBTarget   string `json:"db_target,omitempty" yaml:"db_target,omitempty"`
}

// DashboardConfig contains the HTTP dashboard listener
type DashboardConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// LoggingConfig contains logging parameters
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"` // debug|info|warn|error
}

// LoadFromFile loads configuration from a file (JSON or YAML based on extension)
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		cfg = Default()
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}

	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.base_url must be an http(s) URL")
	}
	if d, err := c.Server.ParseTimeout(); err != nil || d < 0 {
		return fmt.Errorf("server.timeout must be a non-negative duration")
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Storage.StateDir == "" {
		return fmt.Errorf("storage.state_dir is required")
	}
	if c.Queue.WarmupBars < 0 {
		return fmt.Errorf("queue.warmup_bars must not be negative")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://127.0.0.1:8000",
		},
		Storage: StorageConfig{
			DBPath:   "./optqueue.sqlite",
			StateDir: "./.optqueue",
		},
		Queue: QueueConfig{
			WarmupBars: 1000,
		},
		Dashboard: DashboardConfig{
			Addr: "127.0.0.1:8787",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
