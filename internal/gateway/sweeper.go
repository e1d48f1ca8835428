// ABOUTME: Periodic timeout sweep driven by a cron scheduler
// ABOUTME: Runs the coordinator's CheckTimeouts on an interval or a cron expression

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// sweeper runs periodic timeout checks. Overlapping runs are skipped.
type sweeper struct {
	cron     *cron.Cron
	schedule string
	logger   *slog.Logger
}

// sweepSchedule returns the cron expression for the sweep. An explicit
// schedule wins over the interval.
func sweepSchedule(schedule string, interval time.Duration) (string, error) {
	if schedule != "" {
		return schedule, nil
	}
	if interval <= 0 {
		return "", fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	return "@every " + interval.String(), nil
}

func newSweeper(schedule string, sweep func() []string, logger *slog.Logger) (*sweeper, error) {
	logger = logger.With("component", "sweeper")
	cl := cronLogger{logger: logger}

	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	_, err := c.AddFunc(schedule, func() {
		terminated := sweep()
		if len(terminated) > 0 {
			logger.Info("sweep terminated conversations", "count", len(terminated))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("parsing sweep schedule %q: %w", schedule, err)
	}

	return &sweeper{cron: c, schedule: schedule, logger: logger}, nil
}

// Start begins running the sweep in the background.
func (s *sweeper) Start() {
	s.logger.Info("sweeper started", "schedule", s.schedule)
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running sweep to finish, or for ctx.
func (s *sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
