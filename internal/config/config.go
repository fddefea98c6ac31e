package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/livinlefevreloca/fieldsync/internal/conflict"
	"github.com/livinlefevreloca/fieldsync/internal/connectivity"
	"github.com/livinlefevreloca/fieldsync/internal/db"
	"github.com/livinlefevreloca/fieldsync/internal/reconcile"
	"github.com/livinlefevreloca/fieldsync/internal/remote"
	"github.com/livinlefevreloca/fieldsync/internal/scheduler"
	"github.com/livinlefevreloca/fieldsync/internal/stats"
)

// Config represents the application configuration
type Config struct {
	Database     db.Config           `toml:"database"`
	Remote       remote.Config       `toml:"remote"`
	Connectivity connectivity.Config `toml:"connectivity"`
	Scheduler    scheduler.Config    `toml:"scheduler"`
	Reconcile    reconcile.Config    `toml:"reconcile"`
	Conflict     conflict.Config     `toml:"conflict"`
	Stats        stats.Config        `toml:"stats"`
	Logging      LoggingConfig       `toml:"logging"`
}

// LoggingConfig holds logging settings. When File is set, output is
// written there and rotated.
type LoggingConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database:     db.DefaultConfig(),
		Remote:       remote.DefaultConfig(),
		Connectivity: connectivity.DefaultConfig(),
		Scheduler:    scheduler.DefaultConfig(),
		Reconcile:    reconcile.DefaultConfig(),
		Conflict:     conflict.DefaultConfig(),
		Stats:        stats.DefaultConfig(),
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// LoadFromFile loads configuration from a TOML file. Keys missing from the
// file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	meta, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key: %s", undecoded[0])
	}

	return config, nil
}

// LoadConfig returns the defaults when configPath is empty and the parsed
// file otherwise
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}
	return LoadFromFile(configPath)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Driver != "sqlite3" {
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn must be specified")
	}

	sections := []interface{ Validate() error }{
		c.Remote,
		c.Connectivity,
		c.Scheduler,
		c.Reconcile,
		c.Conflict,
	}
	for _, s := range sections {
		if err := s.Validate(); err != nil {
			return err
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}
	if c.Logging.File != "" && c.Logging.MaxSizeMB <= 0 {
		return fmt.Errorf("logging max_size_mb must be positive, got %d", c.Logging.MaxSizeMB)
	}

	return nil
}
