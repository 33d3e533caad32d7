package syncer

import (
	"fmt"
	"time"

	"github.com/mingxuanliu/stocksync/internal/ratelimit"
)

// RunMode selects which rate-limit preset drives a run
type RunMode string

const (
	// RunModeDaily is the incremental catch-up profile
	RunModeDaily RunMode = "daily"
	// RunModeInit is the conservative profile for full-history backfills
	RunModeInit RunMode = "init"
)

// Config defines the sync engine parameters and its rate-limit presets
type Config struct {
	// BatchSize is the target group size for batch plans
	BatchSize int `toml:"batch_size"`

	// FreshnessDays skips stocks whose newest bar is at most this many
	// days old
	FreshnessDays int `toml:"freshness_days"`

	// FullHistoryYears is the fetch depth for stocks with no history
	FullHistoryYears int `toml:"full_history_years"`

	// FlushThreshold is the buffered record count that makes a flush due
	FlushThreshold int `toml:"flush_threshold"`

	// FlushInterval makes a flush due after this much time without one
	FlushInterval time.Duration `toml:"flush_interval"`

	// Daily and Init are the rate-limit presets the run mode picks from
	Daily ratelimit.Config `toml:"daily"`
	Init  ratelimit.Config `toml:"init"`
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:        50,
		FreshnessDays:    7,
		FullHistoryYears: 3,
		FlushThreshold:   50,
		FlushInterval:    5 * time.Second,
		Daily: ratelimit.Config{
			MaxConcurrent: 20,
			RatePerSecond: 5.0,
			Burst:         10,
		},
		Init: ratelimit.Config{
			MaxConcurrent: 5,
			RatePerSecond: 0.5,
			Burst:         2,
		},
	}
}

// Validate checks the configuration for invalid values
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.FreshnessDays < 0 {
		return fmt.Errorf("freshness_days must not be negative, got %d", c.FreshnessDays)
	}
	if c.FullHistoryYears < 1 {
		return fmt.Errorf("full_history_years must be positive, got %d", c.FullHistoryYears)
	}
	if c.FlushThreshold < 1 {
		return fmt.Errorf("flush_threshold must be positive, got %d", c.FlushThreshold)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive, got %v", c.FlushInterval)
	}
	if err := c.Daily.Validate(); err != nil {
		return fmt.Errorf("daily preset: %w", err)
	}
	if err := c.Init.Validate(); err != nil {
		return fmt.Errorf("init preset: %w", err)
	}
	return nil
}

// LimiterConfig returns the rate-limit preset for the given mode
func (c Config) LimiterConfig(mode RunMode) ratelimit.Config {
	if mode == RunModeInit {
		return c.Init
	}
	return c.Daily
}

// freshness is the FreshnessDays window as a duration
func (c Config) freshness() time.Duration {
	return time.Duration(c.FreshnessDays) * 24 * time.Hour
}
