package remote

import (
	"fmt"
	"time"
)

// Config holds backend connection settings
type Config struct {
	BaseURL   string        `toml:"base_url"`
	Token     string        `toml:"token"`
	Timeout   time.Duration `toml:"timeout"`
	PageLimit int           `toml:"page_limit"`
	UserAgent string        `toml:"user_agent"`
}

// DefaultConfig returns defaults for everything but the base URL and token
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		PageLimit: 30,
		UserAgent: "fieldsync/1",
	}
}

// Validate checks the remote configuration
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("remote base_url is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("remote timeout must be positive, got %v", c.Timeout)
	}
	if c.PageLimit <= 0 {
		return fmt.Errorf("remote page_limit must be positive, got %d", c.PageLimit)
	}
	return nil
}
