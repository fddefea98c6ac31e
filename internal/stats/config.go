package stats

// Config defines what the recorder does with finished sessions
type Config struct {
	// Write finished sessions to the sync_sessions table
	Persist bool `toml:"persist"`

	// Log the tree summary at debug level
	LogSummary bool `toml:"log_summary"`
}

// DefaultConfig returns default recorder configuration
func DefaultConfig() Config {
	return Config{
		Persist:    true,
		LogSummary: true,
	}
}
