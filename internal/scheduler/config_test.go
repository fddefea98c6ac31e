package scheduler

import (
	"testing"
	"time"
)

// =============================================================================
// Configuration Tests
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.RetryInterval != 30*time.Second {
		t.Errorf("expected 30s retry interval, got %v", config.RetryInterval)
	}
	if config.PendingDebounce != 750*time.Millisecond {
		t.Errorf("expected 750ms debounce, got %v", config.PendingDebounce)
	}
	if config.RefreshSchedule != "*/15 * * * *" {
		t.Errorf("expected 15 minute refresh schedule, got %q", config.RefreshSchedule)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("default config should pass validation, got error: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"zero retry interval", func(c *Config) { c.RetryInterval = 0 }, "scheduler retry_interval must be positive, got 0s"},
		{"negative debounce", func(c *Config) { c.PendingDebounce = -time.Second }, "scheduler pending_debounce must be positive, got -1s"},
		{"bulk priority zero", func(c *Config) { c.BulkBasePriority = 0 }, "scheduler bulk_base_priority must be at least 1, got 0"},
		{"bad refresh schedule", func(c *Config) { c.RefreshSchedule = "every 5m" }, `scheduler refresh_schedule: invalid cron expression "every 5m": expected 5 fields, got 2`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)

			err := config.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if err.Error() != tt.want {
				t.Errorf("expected %q, got %q", tt.want, err.Error())
			}
		})
	}
}
