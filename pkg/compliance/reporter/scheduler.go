package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mercator-hq/custodian/pkg/compliance"
)

// Scheduler drives the daily and monthly runs on their cron schedules.
// The reporter itself never self-schedules.
type Scheduler struct {
	reporter *Reporter
	cron     *cron.Cron
	entries  map[compliance.RunKind]cron.EntryID
	mu       sync.Mutex
	logger   *slog.Logger
	running  bool
}

// NewScheduler creates a scheduler for r.
func NewScheduler(r *Reporter) *Scheduler {
	return &Scheduler{
		reporter: r,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		entries:  make(map[compliance.RunKind]cron.EntryID),
		logger:   slog.Default().With("component", "compliance.scheduler"),
	}
}

// Start registers both cadences and starts the cron loop. A cadence with an
// empty expression is not scheduled. The scheduler stops when ctx is done.
//
// Common cron expressions:
//   - "0 3 * * *"  - daily at 3 AM
//   - "0 4 1 * *"  - first of the month at 4 AM
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	jobs := map[compliance.RunKind]func(context.Context) (*Report, error){
		compliance.RunDaily:   s.reporter.RunDaily,
		compliance.RunMonthly: s.reporter.RunMonthly,
	}
	for kind, run := range jobs {
		kind := kind
		run := run
		expr := s.reporter.Schedule(kind)
		if expr == "" {
			s.logger.Info("no schedule configured, cadence disabled", "kind", kind)
			continue
		}
		id, err := s.cron.AddFunc(expr, func() { s.execute(ctx, kind, run) })
		if err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", kind, expr, err)
		}
		s.entries[kind] = id
	}
	if len(s.entries) == 0 {
		s.logger.Info("no retention cadences scheduled")
		return nil
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("retention scheduler started",
		"daily", s.reporter.Schedule(compliance.RunDaily),
		"monthly", s.reporter.Schedule(compliance.RunMonthly),
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) execute(ctx context.Context, kind compliance.RunKind, run func(context.Context) (*Report, error)) {
	s.logger.Info("starting scheduled retention run", "kind", kind)

	report, err := run(ctx)
	if err != nil {
		s.logger.Error("scheduled retention run failed", "kind", kind, "error", err)
		return
	}
	if failed := report.FailedTasks(); failed > 0 {
		s.logger.Warn("scheduled retention run finished with failures", "kind", kind, "failed_tasks", failed)
	}
}

// Stop stops the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("retention scheduler stopped")
	}
}

// IsRunning reports whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled time of kind, or nil when the cadence
// is not scheduled.
func (s *Scheduler) NextRun(kind compliance.RunKind) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.entries[kind]
	if !ok || !s.running {
		return nil
	}
	entry := s.cron.Entry(id)
	next := entry.Next
	if next.IsZero() && entry.Schedule != nil {
		// the cron loop fills Next asynchronously after Start
		next = entry.Schedule.Next(time.Now())
	}
	return &next
}
