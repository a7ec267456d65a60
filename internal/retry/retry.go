package retry

import (
	"context"
	"fmt"
	"time"
)

// Backoff returns the delay to wait after the given failed attempt (1-based).
type Backoff func(attempt int) time.Duration

// Exponential doubles base for every attempt and caps the result at max.
func Exponential(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		delay := base
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay >= max {
				return max
			}
		}
		if delay > max {
			return max
		}
		return delay
	}
}

// Config bounds a retried operation
type Config struct {
	Attempts int
	Backoff  Backoff
}

// Do runs fn up to config.Attempts times, sleeping config.Backoff(attempt) between failures.
// It stops early when ctx is done or when retryable reports the error as permanent.
func Do(ctx context.Context, config Config, retryable func(error) bool, fn func() error) error {
	attempts := config.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := config.Backoff
	if backoff == nil {
		backoff = Exponential(500*time.Millisecond, 5*time.Second)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == attempts || (retryable != nil && !retryable(err)) {
			break
		}

		timer := time.NewTimer(backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("retry failed: %w", lastErr)
}
