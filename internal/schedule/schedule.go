// Package schedule runs recurring jobs (garbage collection, in
// practice) against a cron expression, using gocron the same way the
// teacher's orchestrator schedules cron rotations.
package schedule

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-co-op/gocron/v2"

	"gastrolog/internal/logging"
)

// Scheduler runs one or more named cron jobs until Stop is called.
type Scheduler struct {
	g      gocron.Scheduler
	logger *slog.Logger
}

// New creates a Scheduler and starts it immediately; jobs added with
// AddJob begin running on their own cron cadence right away.
func New(logger *slog.Logger) (*Scheduler, error) {
	g, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("schedule: create scheduler: %w", err)
	}
	s := &Scheduler{
		g:      g,
		logger: logging.Default(logger).With("component", "schedule"),
	}
	g.Start()
	return s, nil
}

// AddJob registers fn to run on cronExpr's cadence. Errors returned by
// fn are logged, not propagated: a single failed run must not stop
// future scheduled runs.
func (s *Scheduler) AddJob(name, cronExpr string, fn func(ctx context.Context) error) error {
	_, err := s.g.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(func() {
			if err := fn(context.Background()); err != nil {
				s.logger.Error("scheduled job failed", "name", name, "error", err)
				return
			}
			s.logger.Info("scheduled job completed", "name", name)
		}),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("schedule: add job %s: %w", name, err)
	}
	return nil
}

// Stop shuts down the scheduler, waiting for any in-flight run to
// finish.
func (s *Scheduler) Stop() error {
	return s.g.Shutdown()
}
