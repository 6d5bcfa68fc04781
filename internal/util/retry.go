package util

import (
	"context"
	"time"
)

// RetryIf calls fn until it succeeds, returns an error for which retryable
// is false, or maxAttempts calls have been made. The delay between attempts
// starts at baseDelay and doubles. It returns the last error from fn, or
// ctx.Err() if ctx is cancelled while waiting.
func RetryIf(ctx context.Context, maxAttempts int, baseDelay time.Duration, retryable func(error) bool, fn func(attempt int) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil || !retryable(err) {
			return err
		}

		// Don't sleep after the last failed attempt.
		if attempt < maxAttempts-1 {
			if err := sleepWithContext(ctx, delay); err != nil {
				return err
			}
			delay *= 2
		}
	}

	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
