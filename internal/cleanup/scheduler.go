// Package cleanup runs scheduled deletion of expired limit windows and sessions.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// LimitPurger deletes limit windows older than retention. Satisfied by *quota.Service.
type LimitPurger interface {
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

// SessionCleaner deletes sessions expired longer than retention. Satisfied by *store.PostgresStore.
type SessionCleaner interface {
	CleanupExpiredSessions(ctx context.Context, retention time.Duration) (int64, error)
}

// SessionRetention is how long expired session rows are kept.
const SessionRetention = 7 * 24 * time.Hour

// Scheduler runs a purge cycle on a cron schedule.
type Scheduler struct {
	limits    LimitPurger
	sessions  SessionCleaner // may be nil
	schedule  string
	retention time.Duration

	cron    *cron.Cron
	mu      sync.Mutex
	logger  *slog.Logger
	running bool
}

// NewScheduler returns a scheduler purging limit rows older than retention on
// schedule (standard 5-field cron). An empty schedule disables it.
func NewScheduler(limits LimitPurger, sessions SessionCleaner, schedule string, retention time.Duration) *Scheduler {
	return &Scheduler{
		limits:    limits,
		sessions:  sessions,
		schedule:  schedule,
		retention: retention,
		cron:      cron.New(cron.WithLocation(time.UTC)),
		logger:    slog.Default().With("component", "cleanup"),
	}
}

// Start registers the purge job and starts cron. The scheduler stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("purge schedule not configured, skipping scheduler")
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("scheduling purge: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("cleanup scheduler started", "schedule", s.schedule, "retention", s.retention)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce executes one purge cycle. Errors are logged; a failed limit purge
// does not skip session cleanup.
func (s *Scheduler) RunOnce(ctx context.Context) {
	deleted, err := s.limits.Purge(ctx, s.retention)
	if err != nil {
		s.logger.Error("limit purge failed", "error", err)
	} else {
		s.logger.Info("limit purge completed", "deleted_count", deleted)
	}

	if s.sessions == nil {
		return
	}
	n, err := s.sessions.CleanupExpiredSessions(ctx, SessionRetention)
	if err != nil {
		s.logger.Error("session cleanup failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("session cleanup completed", "deleted_count", n)
	}
}

// Stop stops cron and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("cleanup scheduler stopped")
	}
}

// IsRunning reports whether cron is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled purge, or nil when not scheduled.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
