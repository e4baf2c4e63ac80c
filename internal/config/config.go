package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultServerURL      = "http://localhost:3000/api"
	defaultPollIntervalMs = 1000
)

// Config represents the global ~/.parley/config.toml.
type Config struct {
	ServerURL      string `toml:"server_url"`
	DefaultSession string `toml:"default_session"`
	PollIntervalMs int    `toml:"poll_interval_ms"`
}

// Default returns a config with the built-in defaults.
func Default() *Config {
	return &Config{
		ServerURL:      defaultServerURL,
		PollIntervalMs: defaultPollIntervalMs,
	}
}

// PollInterval returns the refetch cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// normalize fills unset fields with defaults and rejects unusable values.
func (c *Config) normalize() error {
	if c.ServerURL == "" {
		c.ServerURL = defaultServerURL
	}
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = defaultPollIntervalMs
	}
	if c.PollIntervalMs < 100 {
		return fmt.Errorf("poll_interval_ms %d too aggressive, minimum 100", c.PollIntervalMs)
	}
	return nil
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
