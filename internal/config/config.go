// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads the daemon's optional ambient configuration. The
// mandatory interface (spec.md §6) is a single positional socket-path CLI
// argument; everything in this package is additive tuning loaded only when
// the USBEXECD_CONFIG environment variable names a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar is the environment variable that, if set, points at an optional
// ambient config file. Its absence is the common case.
const EnvVar = "USBEXECD_CONFIG"

// Config is the ambient configuration surface: logging and diagnostics
// tuning only. It never carries protocol or process-table behavior that
// would change the daemon's observable command-line contract.
type Config struct {
	Logging     LoggingInfo `yaml:"logging"`
	Diagnostics Diagnostics `yaml:"diagnostics"`
}

// LoggingInfo mirrors the teacher's own logging config shape.
type LoggingInfo struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	FilePath string `yaml:"file_path"`
}

// Diagnostics controls the periodic resource-usage reporter.
type Diagnostics struct {
	Interval    string        `yaml:"interval"` // e.g. "5m" (default)
	IntervalRaw time.Duration `yaml:"-"`
}

// Default returns the configuration used when USBEXECD_CONFIG is unset.
func Default() *Config {
	return &Config{
		Logging:     LoggingInfo{Level: "info", Format: "json"},
		Diagnostics: Diagnostics{Interval: "5m", IntervalRaw: 5 * time.Minute},
	}
}

// Load reads and validates the ambient config referenced by the
// USBEXECD_CONFIG environment variable. If the variable is unset, Load
// returns Default() without touching the filesystem.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ambient config %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing ambient config %q: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating ambient config %q: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Diagnostics.Interval == "" {
		c.Diagnostics.Interval = "5m"
	}
	d, err := time.ParseDuration(c.Diagnostics.Interval)
	if err != nil {
		return fmt.Errorf("diagnostics.interval: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("diagnostics.interval must be positive, got %s", c.Diagnostics.Interval)
	}
	c.Diagnostics.IntervalRaw = d
	return nil
}
