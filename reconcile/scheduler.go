package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// DefaultInterval is the pause between scheduled sweeps.
const DefaultInterval = 5 * time.Minute

// Runner executes one sweep.
type Runner interface {
	Run(ctx context.Context, trigger string) (Summary, error)
}

// Scheduler runs the sweep on a fixed interval.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler constructs a scheduler. A non-positive interval uses DefaultInterval.
func NewScheduler(runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{runner: runner, interval: interval, logger: logger}
}

// Start blocks, running a sweep every interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.runner == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.runner.Run(ctx, TriggerScheduled); err != nil {
				s.logger.Error("scheduled sweep failed", slog.Any("error", err))
			}
		}
	}
}
