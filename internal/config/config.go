// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Stakehouse Contributors

// Package config loads service configuration from a YAML file, command-line
// flags, and the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/stakehouse/stakehouse/internal/store"
	"github.com/stakehouse/stakehouse/internal/xdg"
)

// Config is the full service configuration.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string. The DATABASE_URL
	// environment variable overrides whatever the file or flags set.
	DatabaseURL string `koanf:"database_url"`

	Retry         RetryConfig         `koanf:"retry"`
	Log           LogConfig           `koanf:"log"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// RetryConfig bounds the deadlock retry loop. There is no setting for
// unbounded retry.
type RetryConfig struct {
	MaxAttempts uint64        `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
}

// Policy converts the configuration into a store.RetryPolicy.
func (r RetryConfig) Policy() store.RetryPolicy {
	return store.RetryPolicy{MaxAttempts: r.MaxAttempts, BaseDelay: r.BaseDelay}
}

// LogConfig controls the slog handler.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`
	// Format is "json" or "text".
	Format string `koanf:"format"`
}

// ObservabilityConfig controls the metrics/health HTTP server.
type ObservabilityConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		Retry: RetryConfig{
			MaxAttempts: store.DefaultMaxAttempts,
			BaseDelay:   store.DefaultBaseDelay,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9100",
		},
	}
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigDir(), "config.yaml")
}

// Load builds the configuration. path may be empty, in which case the
// default location is tried and silently skipped if absent; an explicitly
// given path must exist. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.Code("CONFIG_PARSE_FAILED").Wrap(err)
	}

	if env := os.Getenv("DATABASE_URL"); env != "" {
		cfg.DatabaseURL = env
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return oops.Code("CONFIG_INVALID").With("log.level", c.Log.Level).
			Errorf("log level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return oops.Code("CONFIG_INVALID").With("log.format", c.Log.Format).
			Errorf("log format must be json or text")
	}
	if c.Retry.BaseDelay < 0 {
		return oops.Code("CONFIG_INVALID").With("retry.base_delay", c.Retry.BaseDelay).
			Errorf("retry base delay cannot be negative")
	}
	if c.Observability.Enabled && c.Observability.Addr == "" {
		return oops.Code("CONFIG_INVALID").
			Errorf("observability.addr is required when observability is enabled")
	}
	return nil
}
