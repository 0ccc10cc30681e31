// Package scheduler runs budget evaluation on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is the work run on each tick.
type Job func(ctx context.Context, now time.Time) error

// Scheduler runs a Job on a standard cron schedule. Ticks that fire while the
// previous run is still going are skipped.
type Scheduler struct {
	schedule string
	job      Job
	cron     *cron.Cron
	logger   *slog.Logger
	mu       sync.Mutex
	running  bool
}

// New creates a scheduler whose ticks fire in loc.
func New(schedule string, loc *time.Location, job Job, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		schedule: schedule,
		job:      job,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger: logger.With("component", "scheduler"),
	}
}

// Start schedules the job and returns immediately. An empty schedule does
// nothing. The scheduler stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("evaluation schedule not configured, skipping scheduler")
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.Run(ctx) }); err != nil {
		return fmt.Errorf("schedule evaluation: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("scheduler started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Run executes the job once.
func (s *Scheduler) Run(ctx context.Context) {
	start := time.Now()
	if err := s.job(ctx, start); err != nil {
		s.logger.Error("scheduled evaluation failed", "error", err)
		return
	}
	s.logger.Debug("scheduled evaluation completed", "duration_ms", time.Since(start).Milliseconds())
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("scheduler stopped")
	}
}

// IsRunning reports whether the scheduler is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled tick, or nil when not running.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if !s.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
