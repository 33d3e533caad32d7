package stats

import (
	"fmt"
	"time"
)

// Config defines the stats collector knobs.
type Config struct {
	// Enabled turns periodic collection on.
	Enabled bool `toml:"enabled"`

	// BufferSize caps the event mailbox; overflow is dropped and counted.
	BufferSize int `toml:"buffer_size"`

	// FlushInterval is how often an accumulated period is written out.
	FlushInterval time.Duration `toml:"flush_interval"`
}

// DefaultConfig returns collector defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		BufferSize:    1024,
		FlushInterval: time.Minute,
	}
}

// Validate checks the configuration and returns an error if invalid.
func (c Config) Validate() error {
	if c.BufferSize < 1 {
		return fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive, got %v", c.FlushInterval)
	}
	return nil
}
