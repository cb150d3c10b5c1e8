package inference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"inferpay/inference/providers"
)

func TestRetryPolicyBackoffSchedule(t *testing.T) {
	var waits []time.Duration
	p := DefaultRetryPolicy()
	p.Sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return &providers.StatusError{Kind: providers.KindHuggingFace, Status: 503}
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, waits)
}

func TestRetryPolicyStopsOnTerminalError(t *testing.T) {
	p := DefaultRetryPolicy()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	calls := 0
	boom := errors.New("bad request")
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestRetryPolicyStopsWhenContextEnds(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Backoff: []time.Duration{time.Hour}, Retryable: func(error) bool { return true }}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	flaky := errors.New("flaky")
	err := p.Do(ctx, func(context.Context, int) error {
		calls++
		return flaky
	})
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, flaky)
	require.Equal(t, 1, calls)
}

func TestRetryPolicyReportsDeadlineDuringBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Backoff: []time.Duration{time.Hour}, Retryable: func(error) bool { return true }}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.Do(ctx, func(context.Context, int) error { return errors.New("503") })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryPolicyLastBackoffRepeats(t *testing.T) {
	p := RetryPolicy{Backoff: []time.Duration{time.Second, 3 * time.Second}}
	require.Equal(t, time.Second, p.backoff(1))
	require.Equal(t, 3*time.Second, p.backoff(2))
	require.Equal(t, 3*time.Second, p.backoff(7))
	require.Zero(t, RetryPolicy{}.backoff(1))
}
