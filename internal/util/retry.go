package util

import (
	"context"
	"time"
)

// Backoff describes an exponential retry schedule.
type Backoff struct {
	BaseDelay   time.Duration
	Factor      float64
	MaxAttempts int
}

// Delay returns the wait before retry number attempt (1-based): the first
// retry waits BaseDelay, each subsequent one Factor times longer.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	factor := b.Factor
	if factor <= 0 {
		factor = 2
	}
	d := float64(b.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= factor
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
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

// Retry calls fn up to b.MaxAttempts times following the backoff schedule.
// It returns nil on the first success, the last error when all attempts fail,
// or immediately when retryable reports the error as permanent. onRetry, if
// non-nil, is invoked before each wait with the failed attempt number.
func Retry(ctx context.Context, b Backoff, retryable func(error) bool, onRetry func(attempt int, err error), fn func(ctx context.Context) error) error {
	attempts := b.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		// Don't sleep after the last failed attempt.
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if serr := Sleep(ctx, b.Delay(attempt)); serr != nil {
			return serr
		}
	}
	return err
}
