package inference

import (
	"context"
	"fmt"
	"time"

	"inferpay/inference/providers"
)

// RetryPolicy bounds the attempts made against an external provider.
type RetryPolicy struct {
	MaxAttempts int
	// Backoff[i] is the wait after attempt i+1 fails. The last entry repeats.
	Backoff   []time.Duration
	Retryable func(error) bool
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy retries rate limiting and unavailability twice, waiting 2s then 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{2 * time.Second, 4 * time.Second},
		Retryable:   providers.Retryable,
	}
}

// Do runs op until it succeeds, returns a terminal error, exhausts the
// attempts, or ctx ends. When ctx ends during a backoff the returned error
// wraps both ctx.Err() and the last attempt's error. The attempt number passed
// to op starts at 1.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = func(error) bool { return false }
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(ctx, attempt); err == nil {
			return nil
		}
		if attempt == attempts || !retryable(err) {
			return err
		}
		if sleepErr := p.sleep(ctx, p.backoff(attempt)); sleepErr != nil {
			return fmt.Errorf("%w (last attempt: %w)", sleepErr, err)
		}
	}
	return err
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	return p.Backoff[idx]
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
