// Package scheduler triggers forecast cycles on a fixed interval, in addition
// to the HTTP trigger. Admission rules still apply to every tick.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/sjdonado/real-time-temp-forecast-baq/internal/services"
	"github.com/sjdonado/real-time-temp-forecast-baq/pkg/logging"
)

// Runner is the trigger the scheduler calls.
type Runner interface {
	Run(ctx context.Context) (*services.RunResult, error)
}

// Scheduler periodically calls Runner.Run.
type Scheduler struct {
	scheduler *gocron.Scheduler
	runner    Runner
	interval  time.Duration
	timeout   time.Duration
	logger    *logging.StructuredLogger
}

// New creates a scheduler; it does nothing until Start.
func New(runner Runner, interval time.Duration, logger *logging.StructuredLogger) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		runner:    runner,
		interval:  interval,
		timeout:   30 * time.Second,
		logger:    logger,
	}
}

// Tick runs one trigger.
func (s *Scheduler) Tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	res, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Error(ctx, "[SCHEDULER_ERROR] Scheduled trigger failed", logging.Fields{
			"stage": "SCHEDULER",
		}, err)
		return
	}
	s.logger.Info(ctx, "[SCHEDULER_TICK] Scheduled trigger", logging.Fields{
		"status":    res.Status,
		"report_id": res.Report.ID,
		"stage":     "SCHEDULER",
	})
}

// Start schedules the trigger and starts the scheduler in the background.
// The first tick fires one interval after Start.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive, got %s", s.interval)
	}

	if _, err := s.scheduler.Every(s.interval).WaitForSchedule().Do(s.Tick); err != nil {
		return fmt.Errorf("failed to schedule trigger: %w", err)
	}
	s.scheduler.StartAsync()

	s.logger.Info(context.Background(), "[SCHEDULER_START] Periodic trigger enabled", logging.Fields{
		"interval": s.interval.String(),
		"stage":    "SCHEDULER",
	})
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
