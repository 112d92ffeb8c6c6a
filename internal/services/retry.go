package services

import (
	"context"
	"time"
)

// RetryPolicy retries an operation with exponential backoff. It is kept
// separate from the upload logic so it can be tested with a stubbed clock.
type RetryPolicy struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry; doubles each retry

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy creates a retry policy with the given bounds
func NewRetryPolicy(maxRetries int, baseDelay time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		sleep:      sleepContext,
	}
}

// Do runs op up to MaxRetries+1 times, backing off between attempts.
// The last error is returned when every attempt fails.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.BaseDelay<<(attempt-1)); err != nil {
				return err
			}
		}
		if lastErr = op(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// sleepContext sleeps for d or until the context is cancelled
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
