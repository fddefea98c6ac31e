package connectivity

import (
	"fmt"
	"time"
)

// Config holds health probe and interface monitoring settings
type Config struct {
	// Backend endpoint probed for reachability
	HealthPath string `toml:"health_path"`

	// Upper bound for one probe round-trip
	ProbeTimeout time.Duration `toml:"probe_timeout"`

	// How long a probe result is reused by non-forced checks
	CacheTTL time.Duration `toml:"cache_ttl"`

	// Retry delay is InitialBackoff * 2^min(failures, MaxBackoffExponent), capped at MaxBackoff
	InitialBackoff     time.Duration `toml:"initial_backoff"`
	MaxBackoffExponent int           `toml:"max_backoff_exponent"`
	MaxBackoff         time.Duration `toml:"max_backoff"`

	// Quiet period after an interface comes back before a sync pass
	RestoreDebounce time.Duration `toml:"restore_debounce"`

	// Quiet period before a degraded interface counts as lost
	LossDebounce time.Duration `toml:"loss_debounce"`

	// Recheck cadence while the interface is up but the backend is not
	RecheckInterval time.Duration `toml:"recheck_interval"`

	// How often the default watcher lists interfaces
	PollInterval time.Duration `toml:"poll_interval"`
}

// DefaultConfig returns the connectivity defaults
func DefaultConfig() Config {
	return Config{
		HealthPath:         "/api/status",
		ProbeTimeout:       5 * time.Second,
		CacheTTL:           30 * time.Second,
		InitialBackoff:     5 * time.Second,
		MaxBackoffExponent: 4,
		MaxBackoff:         60 * time.Second,
		RestoreDebounce:    2 * time.Second,
		LossDebounce:       1 * time.Second,
		RecheckInterval:    10 * time.Second,
		PollInterval:       3 * time.Second,
	}
}

// Validate checks the connectivity configuration
func (c Config) Validate() error {
	if c.HealthPath == "" {
		return fmt.Errorf("connectivity health_path is required")
	}
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"probe_timeout", c.ProbeTimeout},
		{"cache_ttl", c.CacheTTL},
		{"initial_backoff", c.InitialBackoff},
		{"max_backoff", c.MaxBackoff},
		{"restore_debounce", c.RestoreDebounce},
		{"loss_debounce", c.LossDebounce},
		{"recheck_interval", c.RecheckInterval},
		{"poll_interval", c.PollInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("connectivity %s must be positive, got %v", d.name, d.value)
		}
	}
	if c.MaxBackoffExponent < 0 {
		return fmt.Errorf("connectivity max_backoff_exponent must not be negative, got %d", c.MaxBackoffExponent)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("connectivity max_backoff (%v) must be at least initial_backoff (%v)",
			c.MaxBackoff, c.InitialBackoff)
	}
	return nil
}
