// Package scheduler fires interval triggers. A polling loop reads the
// interval_schedules bookkeeping table and starts a run for every
// (workflow, cron) pair whose next firing time has passed. Polling over
// in-process timers keeps firings durable across restarts: the table
// survives, timers would not.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ossian/flint/internal/store"
	"github.com/ossian/flint/pkg/schema"
)

// WorkflowRunner starts one interval-triggered run. Satisfied by the
// engine service (avoids an import cycle).
type WorkflowRunner interface {
	TriggerInterval(ctx context.Context, wf *schema.WorkflowDefinition) error
}

// ScheduleStore is the slice of the store the scheduler needs.
type ScheduleStore interface {
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	UpsertIntervalSchedule(ctx context.Context, sched *store.IntervalSchedule) error
	ListIntervalSchedules(ctx context.Context) ([]*store.IntervalSchedule, error)
	UpdateIntervalSchedule(ctx context.Context, workflowID, cron string, update store.IntervalScheduleUpdate) error
	DeleteIntervalSchedules(ctx context.Context, workflowID string) error
}

// DefaultPollInterval is how often the scheduler checks for due triggers.
// One minute matches the resolution of five-field cron expressions.
const DefaultPollInterval = 60 * time.Second

// Scheduler polls the bookkeeping table for due interval triggers and
// starts runs for them.
type Scheduler struct {
	store    ScheduleStore
	runner   WorkflowRunner
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // "workflowID\x00cron" pairs currently firing
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollInterval overrides the polling cadence. Tests use this to
// poll fast; production keeps the default.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithLogger sets the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New creates a Scheduler.
func New(st ScheduleStore, runner WorkflowRunner, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: DefaultPollInterval,
		logger:   slog.Default(),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync reconciles the bookkeeping table with a set of workflow
// definitions: one row per interval trigger, stale rows removed. Called
// on startup and whenever a workflow is saved or deleted.
func (s *Scheduler) Sync(ctx context.Context, defs []*schema.WorkflowDefinition) error {
	existing, err := s.store.ListIntervalSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list interval schedules: %w", err)
	}
	byWorkflow := make(map[string]map[string]bool)
	for _, sc := range existing {
		if byWorkflow[sc.WorkflowID] == nil {
			byWorkflow[sc.WorkflowID] = make(map[string]bool)
		}
		byWorkflow[sc.WorkflowID][sc.Cron] = true
	}

	now := time.Now().UTC()
	known := make(map[string]bool, len(defs))
	for _, def := range defs {
		known[def.ID] = true

		wanted := make(map[string]bool)
		for _, tr := range def.Triggers {
			if tr.Type == schema.TriggerTypeInterval && tr.Cron != "" {
				wanted[tr.Cron] = true
			}
		}

		// A stale cron means the workflow definition changed; rebuild
		// its rows from scratch. Firing times reset, which is fine: the
		// definition just changed anyway.
		stale := false
		for cronExpr := range byWorkflow[def.ID] {
			if !wanted[cronExpr] {
				stale = true
			}
		}
		if stale {
			if err := s.store.DeleteIntervalSchedules(ctx, def.ID); err != nil {
				return fmt.Errorf("prune interval schedules for %q: %w", def.ID, err)
			}
			byWorkflow[def.ID] = nil
		}

		for cronExpr := range wanted {
			if byWorkflow[def.ID][cronExpr] {
				continue
			}
			next, err := s.NextFiring(cronExpr, now)
			if err != nil {
				return fmt.Errorf("workflow %q: %w", def.ID, err)
			}
			if err := s.store.UpsertIntervalSchedule(ctx, &store.IntervalSchedule{
				WorkflowID: def.ID,
				Cron:       cronExpr,
				Enabled:    true,
				NextRunAt:  &next,
			}); err != nil {
				return fmt.Errorf("upsert interval schedule for %q: %w", def.ID, err)
			}
		}
	}

	// Rows for workflows no longer present get removed entirely.
	for workflowID := range byWorkflow {
		if !known[workflowID] {
			if err := s.store.DeleteIntervalSchedules(ctx, workflowID); err != nil {
				return fmt.Errorf("prune interval schedules for %q: %w", workflowID, err)
			}
		}
	}
	return nil
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	pollCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(pollCtx)
	s.logger.Info("interval scheduler started", slog.Duration("poll_interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every enabled schedule whose next firing time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	scheds, err := s.store.ListIntervalSchedules(ctx)
	if err != nil {
		s.logger.Error("failed to list interval schedules", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sched := range scheds {
		if !sched.Enabled {
			continue
		}
		if sched.NextRunAt == nil || !sched.NextRunAt.After(now) {
			if !s.tryAcquire(sched.WorkflowID, sched.Cron) {
				continue // previous firing still in flight
			}
			if err := s.fire(ctx, sched, now); err != nil {
				s.logger.Error("failed to fire interval trigger",
					slog.String("workflow_id", sched.WorkflowID),
					slog.String("cron", sched.Cron),
					slog.String("error", err.Error()),
				)
			}
			s.release(sched.WorkflowID, sched.Cron)
		}
	}
}

// fire starts one run and advances the schedule's timestamps.
func (s *Scheduler) fire(ctx context.Context, sched *store.IntervalSchedule, now time.Time) error {
	s.logger.Info("firing interval trigger",
		slog.String("workflow_id", sched.WorkflowID),
		slog.String("cron", sched.Cron),
	)

	wf, err := s.store.GetWorkflow(ctx, sched.WorkflowID)
	if err != nil {
		// Workflow deleted out from under the schedule; prune the rows.
		s.logger.Warn("interval schedule references missing workflow, pruning",
			slog.String("workflow_id", sched.WorkflowID))
		return s.store.DeleteIntervalSchedules(ctx, sched.WorkflowID)
	}

	runErr := s.runner.TriggerInterval(ctx, wf)
	status := "succeeded"
	if runErr != nil {
		status = "failed"
		s.logger.Error("interval run failed to start",
			slog.String("workflow_id", sched.WorkflowID),
			slog.String("error", runErr.Error()),
		)
	}
	return s.advance(ctx, sched, now, status)
}

func (s *Scheduler) advance(ctx context.Context, sched *store.IntervalSchedule, now time.Time, status string) error {
	next, err := s.NextFiring(sched.Cron, now)
	if err != nil {
		return fmt.Errorf("advance schedule for %q: %w", sched.WorkflowID, err)
	}
	return s.store.UpdateIntervalSchedule(ctx, sched.WorkflowID, sched.Cron, store.IntervalScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

func (s *Scheduler) tryAcquire(workflowID, cronExpr string) bool {
	key := workflowID + "\x00" + cronExpr
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(workflowID, cronExpr string) {
	key := workflowID + "\x00" + cronExpr
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}

// NextFiring computes the next firing time for a five-field cron
// expression, strictly after from.
func (s *Scheduler) NextFiring(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts down the polling loop and waits for it to exit.
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

	s.logger.Info("interval scheduler stopped")
	return nil
}

// RecoverMissed fires, once each, the schedules whose next firing time
// passed while the process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	scheds, err := s.store.ListIntervalSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list interval schedules: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, sched := range scheds {
		if !sched.Enabled {
			continue
		}
		if sched.NextRunAt != nil && sched.NextRunAt.Before(now) {
			if !s.tryAcquire(sched.WorkflowID, sched.Cron) {
				continue
			}
			err := s.fire(ctx, sched, now)
			s.release(sched.WorkflowID, sched.Cron)
			if err != nil {
				s.logger.Error("failed to recover missed firing",
					slog.String("workflow_id", sched.WorkflowID),
					slog.String("error", err.Error()),
				)
				continue
			}
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed interval firings", slog.Int("count", recovered))
	}
	return nil
}
