// Package retry runs operations under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"time"

	"ragpipe/internal/domain"
)

// Policy bounds retries of a failing operation.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// DefaultPolicy returns 4 attempts starting at 200ms, capped at 5s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Delay returns the backoff before the retry following attempt (zero based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := p.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 5 * time.Second
	}
	if attempt > 30 {
		return max
	}
	d := base << attempt
	if d > max || d <= 0 {
		d = max
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, the context
// ends, or MaxAttempts is reached. The last error is returned as is.
// A RateLimitError with RetryAfter set overrides the computed delay.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !domain.IsRetryable(err) || attempt == attempts-1 {
			return err
		}

		delay := p.Delay(attempt)
		var rateErr *domain.RateLimitError
		if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
			delay = rateErr.RetryAfter
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
