package ratelimit

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config controls how hard the syncer leans on the upstream data provider
type Config struct {
	MaxConcurrent int     `toml:"max_concurrent"`
	RatePerSecond float64 `toml:"rate_per_second"`
	Burst         int     `toml:"burst"`
}

// Validate checks if the limiter configuration is valid
func (c Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}
	if c.RatePerSecond < 0 {
		return fmt.Errorf("rate_per_second must not be negative, got %g", c.RatePerSecond)
	}
	if c.Burst < 0 {
		return fmt.Errorf("burst must not be negative, got %d", c.Burst)
	}
	return nil
}

// Limiter caps the number of in-flight operations and, optionally, paces how
// fast new ones may start. Concurrency and pacing are independent: a slow
// fetch holds its slot without consuming extra rate tokens, and a burst of
// quick fetches is still spread out to the configured rate.
type Limiter struct {
	slots *semaphore.Weighted
	pacer *rate.Limiter // nil when pacing is disabled
}

// New creates a limiter. RatePerSecond 0 disables pacing entirely; Burst 0
// defaults to the smallest burst that lets the configured rate flow.
func New(config Config) *Limiter {
	maxConcurrent := config.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	var pacer *rate.Limiter
	if config.RatePerSecond > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = int(math.Ceil(config.RatePerSecond))
			if burst < 1 {
				burst = 1
			}
		}
		pacer = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}

	return &Limiter{
		slots: semaphore.NewWeighted(int64(maxConcurrent)),
		pacer: pacer,
	}
}

// Acquire blocks until a concurrency slot and a pacing token are both held.
// When the context is cancelled during the pacing wait, the already-held slot
// is returned before the error surfaces, so an aborted Acquire never leaks
// capacity. Callers must pair every nil return with exactly one Release.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire slot: %w", err)
	}

	if l.pacer != nil {
		if err := l.pacer.Wait(ctx); err != nil {
			l.slots.Release(1)
			return fmt.Errorf("await rate token: %w", err)
		}
	}

	return nil
}

// Release returns a concurrency slot
func (l *Limiter) Release() {
	l.slots.Release(1)
}
