// Package config loads and validates the pkgpeekd daemon configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from yaml strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration value.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the daemon configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	IndexURL string `yaml:"index-url"`

	Cache CacheConfig `yaml:"cache"`
	Fetch FetchConfig `yaml:"fetch"`
	Log   LogConfig   `yaml:"log"`
}

// CacheConfig bounds the in-memory extraction cache.
type CacheConfig struct {
	// MaxBytes caps the total extracted bytes retained across packages.
	MaxBytes int64 `yaml:"max-bytes"`

	// MaxPackageBytes caps the extracted bytes stored per package.
	MaxPackageBytes int64 `yaml:"max-package-bytes"`

	// ReadyTTL is how long successful extractions are retained.
	ReadyTTL Duration `yaml:"ready-ttl"`
}

// FetchConfig bounds upstream archive fetches.
type FetchConfig struct {
	// Timeout bounds one whole extraction: resolve, fetch, traverse.
	Timeout Duration `yaml:"timeout"`

	// UserAgent is sent to the index and file host.
	UserAgent string `yaml:"user-agent"`
}

// LogConfig controls daemon logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// File receives JSON log lines with rotation; empty logs to stderr.
	File string `yaml:"file"`

	// MaxSizeMB rotates the log file beyond this size.
	MaxSizeMB int `yaml:"max-size-mb"`

	// MaxBackups limits retained rotated files.
	MaxBackups int `yaml:"max-backups"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		IndexURL: "https://pypi.org",
		Cache: CacheConfig{
			MaxBytes:        256 << 20,
			MaxPackageBytes: 8 << 20,
			ReadyTTL:        Duration(time.Hour),
		},
		Fetch: FetchConfig{
			Timeout:   Duration(60 * time.Second),
			UserAgent: "pkgpeekd",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// Load reads a yaml config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first problem with the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen must not be empty")
	}
	u, err := url.Parse(c.IndexURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("index-url %q is not an absolute URL", c.IndexURL)
	}
	if c.Cache.MaxBytes <= 0 {
		return errors.New("cache.max-bytes must be positive")
	}
	if c.Cache.MaxPackageBytes <= 0 {
		return errors.New("cache.max-package-bytes must be positive")
	}
	if c.Cache.MaxPackageBytes > c.Cache.MaxBytes {
		return errors.New("cache.max-package-bytes must not exceed cache.max-bytes")
	}
	if c.Cache.ReadyTTL <= 0 {
		return errors.New("cache.ready-ttl must be positive")
	}
	if c.Fetch.Timeout <= 0 {
		return errors.New("fetch.timeout must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}
