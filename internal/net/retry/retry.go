// Package retry implements the transient-failure policy for vendor calls:
// exponential backoff with jitter, a retry ceiling, and Retry-After support.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retryable is implemented by errors that may succeed on a later attempt
// (transport failures, HTTP 408/429/5xx).
type Retryable interface {
	Retryable() bool
}

// RetryAfterProvider is implemented by errors carrying a server-supplied
// Retry-After hint.
type RetryAfterProvider interface {
	RetryAfter() time.Duration
}

// IsRetryable reports whether the error advertises itself as transient.
func IsRetryable(err error) bool {
	var r Retryable
	return errors.As(err, &r) && r.Retryable()
}

// retryAfterOf extracts a Retry-After hint, zero when absent.
func retryAfterOf(err error) time.Duration {
	var p RetryAfterProvider
	if errors.As(err, &p) {
		return p.RetryAfter()
	}
	return 0
}

// Policy configures the backoff schedule.
type Policy struct {
	MaxRetries          int           `yaml:"max_retries"`
	BaseDelay           time.Duration `yaml:"base_delay"`
	MaxDelay            time.Duration `yaml:"max_delay"`
	Multiplier          float64       `yaml:"backoff_multiplier"`
	RandomizationFactor float64       `yaml:"randomization_factor"`
	RespectRetryAfter   bool          `yaml:"respect_retry_after"`
}

// DefaultPolicy matches the vendor guidance: 3 retries, 1s base, 60s cap,
// doubling with 25% jitter. The jitter band is narrower than the doubling
// factor, so successive delays stay non-decreasing until the cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:          3,
		BaseDelay:           time.Second,
		MaxDelay:            60 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.25,
		RespectRetryAfter:   true,
	}
}

// Notify is invoked before each retry sleep with the failed attempt's error.
type Notify func(err error, attempt int, delay time.Duration)

// Do runs op until it succeeds, returns a non-retryable error, exhausts
// MaxRetries, or the context ends. Attempt counting starts at 1.
func (p Policy) Do(ctx context.Context, op func(context.Context) error, notify Notify) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0 // the retry ceiling bounds us, not wall time
	b.Reset()

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt > p.MaxRetries {
			return err
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		if p.RespectRetryAfter {
			if ra := retryAfterOf(err); ra > delay {
				delay = ra
			}
		}
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}

		if notify != nil {
			notify(err, attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
