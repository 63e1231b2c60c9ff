// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the Quarry
// accounting daemon.
//
// Configuration is loaded from a single YAML file specified by:
//   - QUARRY_ACCT_CONFIG environment variable, or
//   - --config flag passed to the daemon
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the accounting daemon configuration.
type Config struct {
	// ListenAddress is the TCP address the RPC server binds, in
	// "host:port" form. Use ":6819" to listen on all interfaces.
	ListenAddress string `yaml:"listen_address"`

	// MaxConnections bounds the number of concurrently serviced
	// client connections. Additional accepted connections wait for an
	// admission slot. Bursts well above this are normal when many
	// controllers flush job records at the same time.
	MaxConnections int `yaml:"max_connections"`

	// DatabasePath is the filesystem path to the accounting SQLite
	// database. The parent directory must exist.
	DatabasePath string `yaml:"database_path"`

	// ShutdownGrace is how long the server waits for in-flight
	// request handlers to finish after a shutdown signal before
	// abandoning them to process exit. Parsed as a Go duration
	// string (e.g. "500ms").
	ShutdownGrace string `yaml:"shutdown_grace"`

	// LogLevel is the minimum slog level: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// Secret, when set, must be presented by every cluster controller
	// in its registration request. Empty disables the check; rely on
	// network-level isolation instead.
	Secret string `yaml:"secret,omitempty"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		ListenAddress:  ":6819",
		MaxConnections: 100,
		DatabasePath:   filepath.Join(homeDir, ".cache", "quarry", "acct.db"),
		ShutdownGrace:  "500ms",
		LogLevel:       "info",
	}
}

// Load loads configuration from the QUARRY_ACCT_CONFIG environment
// variable. There are no fallbacks — if the variable is not set, this
// fails.
func Load() (*Config, error) {
	configPath := os.Getenv("QUARRY_ACCT_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("QUARRY_ACCT_CONFIG environment variable not set; " +
			"set it to the path of your acct.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging over
// the defaults. The config file is the single source of truth —
// environment variables do not override config values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.ListenAddress == "" {
		errs = append(errs, fmt.Errorf("listen_address is required"))
	}
	if c.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("max_connections must be at least 1, got %d", c.MaxConnections))
	}
	if c.DatabasePath == "" {
		errs = append(errs, fmt.Errorf("database_path is required"))
	}
	if _, err := time.ParseDuration(c.ShutdownGrace); err != nil {
		errs = append(errs, fmt.Errorf("shutdown_grace: %w", err))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", c.LogLevel))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ShutdownGraceDuration returns the parsed shutdown grace period.
// Validate must have succeeded first; an unparseable value falls back
// to 500ms rather than panicking.
func (c *Config) ShutdownGraceDuration() time.Duration {
	d, err := time.ParseDuration(c.ShutdownGrace)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}
