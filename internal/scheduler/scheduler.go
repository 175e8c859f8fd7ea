// Package scheduler triggers agent runs from cron schedules kept in the store.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// DefaultInterval is how often the store is polled for due schedules.
const DefaultInterval = 60 * time.Second

// Run statuses recorded on a schedule besides the execution status.
const statusError = "error"

// AgentRunner runs an agent to completion. Satisfied by *engine.Engine.
type AgentRunner interface {
	Run(ctx context.Context, req engine.RunRequest) (*schema.ExecutionRecord, error)
}

// Scheduler polls the store for due schedules and runs them.
type Scheduler struct {
	store    store.ScheduleStore
	runner   AgentRunner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently running (dedup)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval overrides the polling interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.ScheduleStore, runner AgentRunner, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	sched := &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: DefaultInterval,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(sched)
	}
	return sched
}

// Add validates the cron expression and persists an enabled schedule whose
// first run is the next matching time.
func (s *Scheduler) Add(ctx context.Context, agentID, cronExpr, userID string, input map[string]any) (*store.Schedule, error) {
	if agentID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "agent id is required")
	}
	now := s.now()
	next, err := s.CalculateNextRun(cronExpr, now)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	sched := &store.Schedule{
		ID:             uuid.New().String(),
		AgentID:        agentID,
		CronExpression: cronExpr,
		Input:          input,
		UserID:         userID,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// SetEnabled pauses or resumes a schedule. Resuming recomputes the next run
// so a long pause does not fire immediately.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	update := store.ScheduleUpdate{Enabled: &enabled}
	if enabled {
		next, err := s.CalculateNextRun(sched.CronExpression, s.now())
		if err != nil {
			return err
		}
		update.NextRunAt = &next
	}
	return s.store.UpdateSchedule(ctx, id, update)
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every enabled schedule that is due. A schedule without a next
// run time is treated as due.
func (s *Scheduler) Tick(ctx context.Context) {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue
		}
		if err := s.runSchedule(ctx, sched, now); err != nil {
			s.logger.Error("failed to run schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(sched.ID)
	}
}

// runSchedule runs the agent and advances the schedule.
func (s *Scheduler) runSchedule(ctx context.Context, sched *store.Schedule, now time.Time) error {
	s.logger.Info("running schedule",
		slog.String("schedule_id", sched.ID),
		slog.String("agent_id", sched.AgentID),
	)

	status, executionID := statusError, ""
	rec, err := s.runner.Run(ctx, engine.RunRequest{
		AgentID: sched.AgentID,
		UserID:  sched.UserID,
		Input:   sched.Input,
	})
	switch {
	case err != nil:
		s.logger.Error("scheduled run failed to start",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
	case rec != nil:
		status, executionID = string(rec.Status), rec.ID
		if rec.Status == schema.ExecutionFailed {
			s.logger.Warn("scheduled run failed",
				slog.String("schedule_id", sched.ID),
				slog.String("execution_id", rec.ID),
				slog.String("error_code", rec.ErrorCode),
			)
		}
	}

	return s.advance(ctx, sched, now, status, executionID)
}

func (s *Scheduler) advance(ctx context.Context, sched *store.Schedule, now time.Time, status, executionID string) error {
	nextRun, err := s.CalculateNextRun(sched.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sched.ID, err)
	}

	return s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt:       &now,
		NextRunAt:       &nextRun,
		LastRunStatus:   status,
		LastExecutionID: executionID,
	})
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
// Five-field expressions and descriptors such as @hourly are accepted.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	parsed, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return parsed.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs once every enabled schedule whose next run passed while
// the process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, sched := range schedules {
		if sched.NextRunAt == nil || !sched.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue
		}
		err := s.runSchedule(ctx, sched, now)
		s.release(sched.ID)
		if err != nil {
			s.logger.Error("failed to recover missed schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
