package conflict

import "fmt"

// Config holds resolver limits
type Config struct {
	// KEEP_LOCAL attempts allowed per record before auto-dismissing
	MaxKeepLocalAttempts int `toml:"max_keep_local_attempts"`

	// Retry budget given to an update enqueued by KEEP_LOCAL
	MaxRetries int `toml:"max_retries"`
}

// DefaultConfig returns default resolver configuration
func DefaultConfig() Config {
	return Config{
		MaxKeepLocalAttempts: 3,
		MaxRetries:           5,
	}
}

// Validate checks the resolver configuration
func (c Config) Validate() error {
	if c.MaxKeepLocalAttempts <= 0 {
		return fmt.Errorf("conflict max_keep_local_attempts must be positive, got %d", c.MaxKeepLocalAttempts)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("conflict max_retries must be positive, got %d", c.MaxRetries)
	}
	return nil
}
