package scheduler

import (
	"fmt"
	"time"

	"github.com/livinlefevreloca/fieldsync/internal/cron"
)

// Config defines the job queue's timers and priorities
type Config struct {
	// How often due PENDING operations are checked for
	RetryInterval time.Duration `toml:"retry_interval"`

	// Quiet period folding bursts of local changes into one push
	PendingDebounce time.Duration `toml:"pending_debounce"`

	// Priority of the first project queued by a bulk refresh; later
	// projects follow at increasing priority
	BulkBasePriority int `toml:"bulk_base_priority"`

	// Cron expression for the periodic project refresh; empty disables it
	RefreshSchedule string `toml:"refresh_schedule"`
}

// DefaultConfig returns default scheduler configuration
func DefaultConfig() Config {
	return Config{
		RetryInterval:    30 * time.Second,
		PendingDebounce:  750 * time.Millisecond,
		BulkBasePriority: 2,
		RefreshSchedule:  "*/15 * * * *",
	}
}

// Validate checks the scheduler configuration
func (c Config) Validate() error {
	if c.RetryInterval <= 0 {
		return fmt.Errorf("scheduler retry_interval must be positive, got %v", c.RetryInterval)
	}
	if c.PendingDebounce <= 0 {
		return fmt.Errorf("scheduler pending_debounce must be positive, got %v", c.PendingDebounce)
	}
	if c.BulkBasePriority < 1 {
		return fmt.Errorf("scheduler bulk_base_priority must be at least 1, got %d", c.BulkBasePriority)
	}
	if c.RefreshSchedule != "" {
		if err := cron.Validate(c.RefreshSchedule); err != nil {
			return fmt.Errorf("scheduler refresh_schedule: %w", err)
		}
	}
	return nil
}
