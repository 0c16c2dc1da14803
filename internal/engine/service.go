package engine

import (
	"context"
	"log/slog"

	"github.com/ossian/flint/internal/store"
	"github.com/ossian/flint/internal/trigger"
	"github.com/ossian/flint/pkg/schema"
)

// Service is the front door of the engine: it fans incoming alerts out to
// matching workflows and starts runs on the bounded pool.
type Service struct {
	store     store.Store
	matcher   *trigger.Matcher
	scheduler *Scheduler
	pool      *RunPool
	logger    *slog.Logger
}

// NewService wires the engine service.
func NewService(st store.Store, matcher *trigger.Matcher, scheduler *Scheduler, pool *RunPool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		matcher:   matcher,
		scheduler: scheduler,
		pool:      pool,
		logger:    logger,
	}
}

// HandleAlert persists the alert, matches it against every stored workflow,
// and submits one run per activation. It returns once all runs are
// submitted; run execution happens on the pool.
func (s *Service) HandleAlert(ctx context.Context, alert *schema.Alert) (int, error) {
	if err := s.store.SaveAlert(ctx, alert); err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "save alert: %s", err.Error()).WithCause(err)
	}

	workflows, err := s.store.ListWorkflows(ctx)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "list workflows: %s", err.Error()).WithCause(err)
	}

	matched := s.matcher.MatchAlert(workflows, alert)
	started := 0
	for _, wf := range matched {
		wf := wf
		err := s.pool.Submit(ctx, func(runCtx context.Context) error {
			_, execErr := s.scheduler.Execute(runCtx, wf, alert, schema.TriggerTypeAlert)
			return execErr
		})
		if err != nil {
			s.logger.Warn("run submission failed", "workflow_id", wf.ID, "alert_id", alert.ID, "error", err)
			continue
		}
		started++
	}
	s.logger.Info("alert handled", "alert_id", alert.ID, "matched", len(matched), "started", started)
	return started, nil
}

// TriggerManual starts a run for one workflow on explicit request.
// Workflows without a manual trigger reject the request. The run executes
// synchronously so the caller gets the run id and final status.
func (s *Service) TriggerManual(ctx context.Context, workflowID string, alertID string) (*store.Run, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !trigger.HasManualTrigger(wf) {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"workflow %q has no manual trigger", workflowID)
	}

	var alert *schema.Alert
	if alertID != "" {
		alert, err = s.store.GetAlert(ctx, alertID)
		if err != nil {
			return nil, err
		}
	}

	return s.scheduler.Execute(ctx, wf, alert, schema.TriggerTypeManual)
}

// TriggerInterval starts a run for a workflow fired by its cron schedule.
func (s *Service) TriggerInterval(ctx context.Context, wf *schema.WorkflowDefinition) error {
	return s.pool.Submit(ctx, func(runCtx context.Context) error {
		_, err := s.scheduler.Execute(runCtx, wf, nil, schema.TriggerTypeInterval)
		return err
	})
}

// Shutdown drains the run pool.
func (s *Service) Shutdown() {
	s.pool.Shutdown()
}
