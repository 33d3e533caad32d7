package scheduler

import (
	"fmt"
	"time"
)

// Config defines the scheduler's runtime knobs.
type Config struct {
	Enabled bool `toml:"enabled"`

	// Finished background tasks older than this are dropped from the
	// registry.
	TaskRetention time.Duration `toml:"task_retention"`

	// How often the registry sweep runs.
	CleanupInterval time.Duration `toml:"cleanup_interval"`
}

// DefaultConfig returns scheduler defaults suitable for a daily-sync
// deployment.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		TaskRetention:   24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// Validate checks the configuration and returns an error if invalid.
func (c Config) Validate() error {
	if c.TaskRetention <= 0 {
		return fmt.Errorf("task_retention must be positive, got %v", c.TaskRetention)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval must be positive, got %v", c.CleanupInterval)
	}
	return nil
}
