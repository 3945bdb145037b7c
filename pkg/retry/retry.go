// Package retry provides exponential backoff for infrastructure calls such as
// KV compare-and-set loops and connection waits. Saga-level command retries are
// counted by the dispatch tracker, not here.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// NonRetryableError wraps errors that should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable marks err as terminal for Do
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config provides retry configuration
type Config struct {
	MaxAttempts  int           // total attempts, at least one
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // upper bound for any delay
	Multiplier   float64       // growth factor between delays
	AddJitter    bool          // add up to 25% random delay
}

// DefaultConfig returns sensible defaults for retry operations
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Conflict returns a config tuned for optimistic concurrency loops: many fast attempts.
func Conflict() Config {
	return Config{
		MaxAttempts:  10,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
		Multiplier:   1.5,
		AddJitter:    true,
	}
}

// Startup returns a config for waiting on dependencies while the process boots.
func Startup() Config {
	return Config{
		MaxAttempts:  30,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

func (c Config) normalized() (Config, error) {
	if c.InitialDelay < 0 || c.MaxDelay < 0 || c.Multiplier < 0 {
		return c, errors.New("retry: delays and multiplier cannot be negative")
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
	if c.MaxDelay < c.InitialDelay {
		return c, errors.New("retry: MaxDelay must be >= InitialDelay")
	}
	return c, nil
}

// Backoff yields the delay sequence described by a Config.
type Backoff struct {
	cfg  Config
	next time.Duration
}

// NewBackoff creates a Backoff starting at cfg.InitialDelay.
func NewBackoff(cfg Config) *Backoff {
	return &Backoff{cfg: cfg, next: cfg.InitialDelay}
}

// Next returns the delay to wait now and advances the sequence.
func (b *Backoff) Next() time.Duration {
	current := b.next

	grown := float64(b.next) * b.cfg.Multiplier
	if grown > float64(b.cfg.MaxDelay) {
		b.next = b.cfg.MaxDelay
	} else {
		b.next = time.Duration(grown)
	}

	if b.cfg.AddJitter && current >= 4 {
		current += rand.N(current / 4)
	}
	return current
}

// Do runs fn until it succeeds, returns a NonRetryable error, attempts run out
// or ctx is done.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.normalized()
	if err != nil {
		return err
	}

	backoff := NewBackoff(cfg)
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if IsNonRetryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, ctx.Err())
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(backoff.Next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult executes fn with retry and returns both result and error
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
