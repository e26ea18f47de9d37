// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Quarry commands.
//
// Configuration is loaded from a single YAML file specified by:
//   - QUARRY_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is
// the single source of truth; environment variables do not override
// config values. The only expansion performed is ${HOME} and similar
// path variables for portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/quarryworks/quarry/lib/jobstore"
)

// Config is the configuration for Quarry commands.
type Config struct {
	// Locator is the default store locator, used when a command is
	// invoked without an explicit locator argument.
	Locator string `yaml:"locator"`

	// PartSize is the multipart chunk size in bytes. Zero selects the
	// built-in default. Must be a multiple of 64 KiB.
	PartSize int64 `yaml:"part_size"`

	// EncryptionKeyFile is the path to a 32-byte master key used for
	// protected shared files. Empty disables encryption.
	EncryptionKeyFile string `yaml:"encryption_key_file"`

	// S3 configures the connection for s3: locators.
	S3 S3Config `yaml:"s3"`

	// CleanSchedule is a cron expression for periodic graph cleanup
	// ("quarry clean --schedule"). Empty means on-demand only.
	CleanSchedule string `yaml:"clean_schedule"`

	// LogLevel selects the slog level: debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`
}

// S3Config carries connection parameters for an S3-compatible
// endpoint.
type S3Config struct {
	// Endpoint is the host:port of the S3 API. Empty selects AWS.
	Endpoint string `yaml:"endpoint"`

	// AccessKey and SecretKey authenticate requests. Empty values fall
	// back to anonymous access.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`

	// UseSSL selects https for non-AWS endpoints. AWS is always https.
	UseSSL bool `yaml:"use_ssl"`
}

// Default returns the default configuration. These defaults exist to
// give every field a sensible zero-value before the file is loaded,
// not as a fallback: the config file is required for Load.
func Default() *Config {
	return &Config{
		PartSize: jobstore.DefaultPartSize,
		LogLevel: "info",
	}
}

// Load loads configuration from the file named by QUARRY_CONFIG.
// Fails if the variable is not set; there is no search path.
func Load() (*Config, error) {
	path := os.Getenv("QUARRY_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("QUARRY_CONFIG environment variable not set; " +
			"set it to the path of your quarry.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields.
func (c *Config) expandVariables() {
	c.Locator = expandVars(c.Locator)
	c.EncryptionKeyFile = expandVars(c.EncryptionKeyFile)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.PartSize <= 0 {
		errs = append(errs, fmt.Errorf("part_size must be positive, got %d", c.PartSize))
	} else if c.PartSize%jobstore.PartSizeQuantum != 0 {
		errs = append(errs, fmt.Errorf("part_size %d is not a multiple of %d",
			c.PartSize, jobstore.PartSizeQuantum))
	}

	if c.Locator != "" {
		if _, err := jobstore.ParseLocator(c.Locator); err != nil {
			errs = append(errs, fmt.Errorf("locator: %w", err))
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be debug, info, warn, or error, got %q",
			c.LogLevel))
	}

	return errors.Join(errs...)
}
