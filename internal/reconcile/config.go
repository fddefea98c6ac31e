package reconcile

import (
	"fmt"
	"time"
)

// Config defines pull and push behavior
type Config struct {
	// Roots pulled more recently than this are skipped by a non-forced refresh
	RecentSyncThreshold time.Duration `toml:"recent_sync_threshold"`

	// How far back the first deleted-records pull looks
	DeletedLookback time.Duration `toml:"deleted_lookback"`

	// Retry budget for new outbound operations
	MaxRetries int `toml:"max_retries"`

	// Transient push failures wait RetryBaseDelay * 2^retryCount, capped at RetryMaxDelay
	RetryBaseDelay time.Duration `toml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `toml:"retry_max_delay"`

	// Parallel listing fetches per content pass
	ContentConcurrency int `toml:"content_concurrency"`
}

// DefaultConfig returns default reconciliation configuration
func DefaultConfig() Config {
	return Config{
		RecentSyncThreshold: 5 * time.Minute,
		DeletedLookback:     30 * 24 * time.Hour,
		MaxRetries:          5,
		RetryBaseDelay:      10 * time.Second,
		RetryMaxDelay:       30 * time.Minute,
		ContentConcurrency:  4,
	}
}

// Validate checks the reconciliation configuration
func (c Config) Validate() error {
	if c.RecentSyncThreshold < 0 {
		return fmt.Errorf("reconcile recent_sync_threshold must not be negative, got %v", c.RecentSyncThreshold)
	}
	if c.DeletedLookback <= 0 {
		return fmt.Errorf("reconcile deleted_lookback must be positive, got %v", c.DeletedLookback)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("reconcile max_retries must be positive, got %d", c.MaxRetries)
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("reconcile retry_base_delay must be positive, got %v", c.RetryBaseDelay)
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("reconcile retry_max_delay (%v) must be at least retry_base_delay (%v)",
			c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.ContentConcurrency <= 0 {
		return fmt.Errorf("reconcile content_concurrency must be positive, got %d", c.ContentConcurrency)
	}
	return nil
}

// retryDelay returns the wait after the given number of failed attempts
func (c Config) retryDelay(retryCount int) time.Duration {
	if retryCount > 20 {
		return c.RetryMaxDelay
	}
	d := c.RetryBaseDelay << uint(retryCount)
	if d > c.RetryMaxDelay || d <= 0 {
		return c.RetryMaxDelay
	}
	return d
}
