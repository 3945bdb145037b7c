package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("revision mismatch")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_AllAttemptsFail(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(4), func() error {
		attempts++
		return errors.New("still conflicting")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 4 attempts")
	assert.Equal(t, 4, attempts)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	base := errors.New("not found")
	attempts := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		attempts++
		return NonRetryable(base)
	})

	assert.Equal(t, 1, attempts)
	assert.True(t, IsNonRetryable(err))
	assert.ErrorIs(t, err, base)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		cancel()
		return errors.New("transient")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestDo_InvalidConfig(t *testing.T) {
	err := Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}, func() error {
		return nil
	})
	assert.Error(t, err)

	err = Do(context.Background(), Config{Multiplier: -1}, func() error { return nil })
	assert.Error(t, err)
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := NewBackoff(Config{InitialDelay: 10 * time.Millisecond, MaxDelay: 35 * time.Millisecond, Multiplier: 2})

	assert.Equal(t, 10*time.Millisecond, b.Next())
	assert.Equal(t, 20*time.Millisecond, b.Next())
	assert.Equal(t, 35*time.Millisecond, b.Next())
	assert.Equal(t, 35*time.Millisecond, b.Next())
}

func TestBackoff_JitterBounded(t *testing.T) {
	b := NewBackoff(Config{InitialDelay: 40 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2, AddJitter: true})

	for i := 0; i < 20; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, 40*time.Millisecond)
		assert.Less(t, d, 50*time.Millisecond)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), fastConfig(3), func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("retry me")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
}
