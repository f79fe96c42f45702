// Package backoff provides exponential backoff calculation and a retry helper
// driven by an injected clock.
package backoff

import (
	"context"
	"math"
	"time"

	"github.com/3leaps/spotguard/pkg/clock"
)

// Strategy returns the delay to wait after a failed attempt (1-based).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

// Delay implements Strategy.
func (c *Config) Delay(attempt int) time.Duration {
	return Exponential(attempt, c)
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// Default returns the exponential strategy with default bounds.
func Default() Strategy {
	return &Config{}
}

// Constant waits the same duration after every attempt.
type Constant time.Duration

// Delay implements Strategy.
func (c Constant) Delay(int) time.Duration { return time.Duration(c) }

// Retry calls fn up to attempts times while retryable(err) holds, sleeping
// on clk between attempts. It returns the last error.
func Retry(ctx context.Context, clk clock.Clock, s Strategy, attempts int, retryable func(error) bool, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts || !retryable(err) {
			return err
		}
		if sleepErr := clk.Sleep(ctx, s.Delay(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}
