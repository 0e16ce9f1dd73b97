package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// transientErr is a test error implementing the Retryable contract.
type transientErr struct {
	retryAfter time.Duration
}

func (e *transientErr) Error() string  { return "transient failure" }
func (e *transientErr) Retryable() bool { return true }
func (e *transientErr) RetryAfter() time.Duration {
	return e.retryAfter
}

func fastPolicy(maxRetries int) Policy {
	return Policy{
		MaxRetries:          maxRetries,
		BaseDelay:           10 * time.Millisecond,
		MaxDelay:            100 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0.25,
		RespectRetryAfter:   true,
	}
}

func TestDo_SucceedsWithinCeiling(t *testing.T) {
	// Fails k times then succeeds; must succeed iff k <= max_retries.
	for _, k := range []int{0, 1, 2, 3} {
		failures := k
		calls := 0
		err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
			calls++
			if failures > 0 {
				failures--
				return &transientErr{}
			}
			return nil
		}, nil)
		require.NoError(t, err, "k=%d", k)
		assert.Equal(t, k+1, calls)
	}
}

func TestDo_ExhaustsCeiling(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		return &transientErr{}
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 4, calls, "initial attempt plus max_retries")
}

func TestDo_DelaysMonotonicNonDecreasing(t *testing.T) {
	var delays []time.Duration
	_ = fastPolicy(3).Do(context.Background(), func(context.Context) error {
		return &transientErr{}
	}, func(_ error, _ int, delay time.Duration) {
		delays = append(delays, delay)
	})
	require.Len(t, delays, 3)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1],
			"delay %d (%v) must not shrink from %v", i, delays[i], delays[i-1])
	}
	// First delay stays within the jitter band of the base.
	assert.GreaterOrEqual(t, delays[0], 7*time.Millisecond)
}

func TestDo_NonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	sentinel := errors.New("bad credentials")
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		return sentinel
	}, nil)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDo_RespectsRetryAfter(t *testing.T) {
	var delays []time.Duration
	p := fastPolicy(1)
	_ = p.Do(context.Background(), func(context.Context) error {
		return &transientErr{retryAfter: 50 * time.Millisecond}
	}, func(_ error, _ int, delay time.Duration) {
		delays = append(delays, delay)
	})
	require.Len(t, delays, 1)
	assert.GreaterOrEqual(t, delays[0], 50*time.Millisecond)
}

func TestDo_RetryAfterCappedAtMaxDelay(t *testing.T) {
	var delays []time.Duration
	p := fastPolicy(1)
	_ = p.Do(context.Background(), func(context.Context) error {
		return &transientErr{retryAfter: time.Hour}
	}, func(_ error, _ int, delay time.Duration) {
		delays = append(delays, delay)
	})
	require.Len(t, delays, 1)
	assert.Equal(t, p.MaxDelay, delays[0])
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{
		MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour,
		Multiplier: 2.0,
	}
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(context.Context) error {
			return &transientErr{}
		}, nil)
	}()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not observe cancellation")
	}
}
