package queue

import (
	"context"
	"log/slog"
	"time"
)

// MaintenanceTask is a named periodic chore run alongside the queue's own
// housekeeping (match expiry sweeps, consent and request expiry
// reconciliation). Tasks must be idempotent; a failing task is logged and
// retried on the next tick.
type MaintenanceTask struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler drives the queue's time-based behavior: promoting DELAYED jobs
// whose run-at has passed, purging terminal jobs past retention, and
// running registered maintenance tasks.
type Scheduler struct {
	queue    *Queue
	interval time.Duration
	logger   *slog.Logger
	tasks    []MaintenanceTask
	now      func() time.Time
}

type SchedulerOption func(*Scheduler)

func WithSchedulerInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

func NewScheduler(q *Queue, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		queue:    q,
		interval: time.Second,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddTask registers a maintenance task. Not safe to call once Run has
// started.
func (s *Scheduler) AddTask(name string, run func(ctx context.Context) error) {
	s.tasks = append(s.tasks, MaintenanceTask{Name: name, Run: run})
}

// Run blocks until ctx is cancelled, ticking at the configured interval.
// Startup recovers jobs that were ACTIVE when the previous process died.
func (s *Scheduler) Run(ctx context.Context) error {
	if n, err := s.queue.store.RecoverActive(ctx); err != nil {
		s.logger.ErrorContext(ctx, "recovering interrupted jobs", "error", err)
	} else if n > 0 {
		s.logger.InfoContext(ctx, "requeued interrupted jobs", "count", n)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one round of housekeeping. Exposed so tests can step the
// scheduler without real time.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	promoted, err := s.queue.store.PromoteDelayed(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "promoting delayed jobs", "error", err)
	} else if promoted > 0 {
		s.logger.DebugContext(ctx, "promoted delayed jobs", "count", promoted)
		s.queue.signal()
	}

	purged, err := s.queue.store.PurgeTerminal(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "purging terminal jobs", "error", err)
	} else if purged > 0 {
		s.logger.DebugContext(ctx, "purged terminal jobs", "count", purged)
	}

	for _, task := range s.tasks {
		if err := task.Run(ctx); err != nil {
			s.logger.ErrorContext(ctx, "maintenance task failed",
				"task", task.Name, "error", err)
		}
	}

	if _, err := s.queue.Depths(ctx); err != nil {
		s.logger.ErrorContext(ctx, "refreshing queue depth", "error", err)
	}
}
