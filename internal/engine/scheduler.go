// Package engine executes workflow runs: the strictly sequential
// steps-then-actions loop, per-unit retry and timeout handling, enrichment
// write-back, and run/unit lifecycle bookkeeping.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ossian/flint/internal/enrich"
	"github.com/ossian/flint/internal/logging"
	"github.com/ossian/flint/internal/provider"
	"github.com/ossian/flint/internal/secrets"
	"github.com/ossian/flint/internal/store"
	"github.com/ossian/flint/internal/stream"
	"github.com/ossian/flint/internal/template"
	"github.com/ossian/flint/pkg/schema"
)

// DefaultInvocationTimeout bounds a single provider call when the unit
// declares no timeout of its own.
const DefaultInvocationTimeout = 30 * time.Second

// Scheduler executes one run at a time per call. It is safe for concurrent
// use; each Execute call owns its RunContext and shares only the store,
// sink, and provider gateway, all of which are concurrency-safe.
type Scheduler struct {
	store    store.Store
	sink     enrich.Sink
	registry *provider.Registry
	vault    secrets.Vault
	tmpl     *template.Engine
	breakers *provider.BreakerRegistry
	hub      stream.Hub
	logger   *slog.Logger

	defaultTimeout time.Duration
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithBreakers installs a circuit breaker registry consulted before every
// provider invocation.
func WithBreakers(b *provider.BreakerRegistry) SchedulerOption {
	return func(s *Scheduler) { s.breakers = b }
}

// WithHub mirrors every persisted run event to the given hub for live
// subscribers.
func WithHub(h stream.Hub) SchedulerOption {
	return func(s *Scheduler) { s.hub = h }
}

// WithDefaultTimeout overrides the default per-invocation timeout.
func WithDefaultTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.defaultTimeout = d }
}

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler wires a Scheduler.
func NewScheduler(st store.Store, sink enrich.Sink, registry *provider.Registry, vault secrets.Vault, tmpl *template.Engine, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:          st,
		sink:           sink,
		registry:       registry,
		vault:          vault,
		tmpl:           tmpl,
		logger:         slog.Default(),
		defaultTimeout: DefaultInvocationTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// unitSpec pairs a work unit with its kind and overall position.
type unitSpec struct {
	unit     *schema.WorkUnit
	kind     schema.UnitKind
	position int
}

func flattenUnits(wf *schema.WorkflowDefinition) []unitSpec {
	units := make([]unitSpec, 0, len(wf.Steps)+len(wf.Actions))
	pos := 0
	for i := range wf.Steps {
		units = append(units, unitSpec{unit: &wf.Steps[i], kind: schema.UnitKindStep, position: pos})
		pos++
	}
	for i := range wf.Actions {
		units = append(units, unitSpec{unit: &wf.Actions[i], kind: schema.UnitKindAction, position: pos})
		pos++
	}
	return units
}

// Execute runs one workflow activation to completion and returns the
// persisted run record. The returned error covers engine-level failures
// (store unavailable, binding build failure); unit failures are recorded
// on the run, not returned.
func (s *Scheduler) Execute(ctx context.Context, wf *schema.WorkflowDefinition, alert *schema.Alert, triggerType schema.TriggerType) (*store.Run, error) {
	runID := uuid.NewString()
	logger := s.logger.With("run_id", runID, "workflow_id", wf.ID)

	run := &store.Run{
		ID:          runID,
		WorkflowID:  wf.ID,
		TriggerType: triggerType,
		Status:      schema.RunStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if alert != nil {
		run.AlertID = alert.ID
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}

	appender := s.eventAppender(wf.ID)
	runFSM := NewRunFSM(appender)
	unitFSM := NewUnitFSM(appender)

	// Resolve every provider alias up front: the run must not start
	// half-bound, and a secret revoked mid-run must not split the run
	// between old and new credentials.
	bindings, err := provider.BuildBindings(ctx, s.registry, s.vault, wf)
	if err != nil {
		logger.Error("provider binding failed", "error", err)
		s.finishRun(ctx, runFSM, run, schema.RunStatusFailed, err)
		return run, nil
	}

	if err := runFSM.Transition(ctx, runID, schema.RunStatusPending, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	run.StartedAt = &now
	running := schema.RunStatusRunning
	if err := s.store.UpdateRun(ctx, runID, store.RunUpdate{Status: &running, StartedAt: &now}); err != nil {
		logger.Warn("persist running state failed", "error", err)
	}
	run.Status = schema.RunStatusRunning

	rc := NewRunContext(runID, wf, bindings, alert)
	ctx = logging.WithRunID(ctx, runID)
	if alert != nil {
		ctx = logging.WithAlertID(ctx, alert.ID)
	}

	var (
		anyFailed bool
		blockErr  error
		cancelled bool
	)

	for _, spec := range flattenUnits(wf) {
		unit := spec.unit
		ulog := logger.With("unit", unit.Name)

		// Cancellation takes effect between units only; a dispatched
		// invocation always finishes.
		if !cancelled && ctx.Err() != nil {
			cancelled = true
		}

		if cancelled || blockErr != nil {
			reason := SkipReasonFor(cancelled)
			s.recordSkip(ctx, unitFSM, rc, spec, reason)
			continue
		}

		proceed, evalErr := s.tmpl.AssertBoolean(unit.Cond(), rc.Scope())
		if evalErr != nil {
			// Conditions are syntax-checked at load; a failure here means
			// the definition bypassed validation.
			ulog.Error("condition evaluation failed", "error", evalErr)
			proceed = false
		}
		if !proceed {
			s.recordSkip(ctx, unitFSM, rc, spec, schema.SkipReasonCondition)
			continue
		}

		outcome := s.executeUnit(ctx, unitFSM, rc, spec, ulog)
		if outcome.Status == schema.UnitStatusFailed {
			anyFailed = true
			if unit.Blocking {
				blockErr = schema.NewErrorf(schema.ErrCodeUnitFailed,
					"blocking unit %q failed", unit.Name).WithUnit(unit.Name)
			}
		}
	}

	final := finalStatus(cancelled, blockErr, anyFailed)
	s.finishRun(ctx, runFSM, run, final, blockErr)
	logger.Info("run finished", "status", string(final))
	return run, nil
}

// SkipReasonFor maps the halt cause to the recorded skip reason.
func SkipReasonFor(cancelled bool) string {
	if cancelled {
		return schema.SkipReasonCancelled
	}
	return schema.SkipReasonUpstream
}

func finalStatus(cancelled bool, blockErr error, anyFailed bool) schema.RunStatus {
	switch {
	case cancelled:
		return schema.RunStatusCancelled
	case blockErr != nil:
		return schema.RunStatusFailed
	case anyFailed:
		return schema.RunStatusPartialFailure
	default:
		return schema.RunStatusSucceeded
	}
}

func (s *Scheduler) finishRun(ctx context.Context, runFSM *RunFSM, run *store.Run, status schema.RunStatus, runErr error) {
	// Terminal bookkeeping must survive caller cancellation.
	ctx = context.WithoutCancel(ctx)

	if err := runFSM.Transition(ctx, run.ID, run.Status, status); err != nil {
		s.logger.Warn("run transition failed", "run_id", run.ID, "error", err)
	}
	now := time.Now().UTC()
	update := store.RunUpdate{Status: &status, CompletedAt: &now}
	if runErr != nil {
		update.Error = errJSON(runErr)
		run.Error = update.Error
	}
	if err := s.store.UpdateRun(ctx, run.ID, update); err != nil {
		s.logger.Warn("persist final run state failed", "run_id", run.ID, "error", err)
	}
	run.Status = status
	run.CompletedAt = &now
}

func (s *Scheduler) recordSkip(ctx context.Context, unitFSM *UnitFSM, rc *RunContext, spec unitSpec, reason string) {
	// Skips are recorded even when the skip reason is cancellation.
	ctx = context.WithoutCancel(ctx)
	rc.SetEmptyResult(spec.kind, spec.unit.Name)

	payload, _ := json.Marshal(map[string]any{"reason": reason})
	if err := unitFSM.Transition(ctx, rc.RunID, spec.unit.Name, schema.UnitStatusPending, schema.UnitStatusSkipped, payload); err != nil {
		s.logger.Warn("skip transition failed", "run_id", rc.RunID, "unit", spec.unit.Name, "error", err)
	}

	outcome := &store.UnitOutcome{
		RunID:      rc.RunID,
		Kind:       spec.kind,
		Name:       spec.unit.Name,
		Position:   spec.position,
		Status:     schema.UnitStatusSkipped,
		SkipReason: reason,
	}
	if err := s.store.UpsertUnitOutcome(ctx, outcome); err != nil {
		s.logger.Warn("persist skipped outcome failed", "run_id", rc.RunID, "unit", spec.unit.Name, "error", err)
	}
}

// executeUnit runs one work unit through its full attempt budget and
// records the outcome. Failures are returned via the outcome, never as an
// error: the caller's loop decides what a failure means for the run.
func (s *Scheduler) executeUnit(ctx context.Context, unitFSM *UnitFSM, rc *RunContext, spec unitSpec, logger *slog.Logger) *store.UnitOutcome {
	unit := spec.unit
	ctx = logging.WithUnit(ctx, unit.Name)
	// Bookkeeping survives a cancel that arrives mid-unit; the completed
	// outcome must still be recorded.
	bctx := context.WithoutCancel(ctx)
	started := time.Now().UTC()
	outcome := &store.UnitOutcome{
		RunID:     rc.RunID,
		Kind:      spec.kind,
		Name:      unit.Name,
		Position:  spec.position,
		Status:    schema.UnitStatusRunning,
		StartedAt: &started,
	}

	if err := unitFSM.Transition(bctx, rc.RunID, unit.Name, schema.UnitStatusPending, schema.UnitStatusRunning, nil); err != nil {
		logger.Warn("unit transition failed", "error", err)
	}
	if err := s.store.UpsertUnitOutcome(bctx, outcome); err != nil {
		logger.Warn("persist running outcome failed", "error", err)
	}

	result, attempts, invErr := s.invokeWithRetry(ctx, unitFSM, rc, spec, logger)
	completed := time.Now().UTC()
	outcome.Attempts = attempts
	outcome.CompletedAt = &completed
	outcome.DurationMs = completed.Sub(started).Milliseconds()

	if invErr != nil {
		logger.Error("unit failed", "error", invErr, "attempts", attempts)
		rc.SetEmptyResult(spec.kind, unit.Name)
		outcome.Status = schema.UnitStatusFailed
		outcome.Error = errJSON(invErr)
		if err := unitFSM.Transition(bctx, rc.RunID, unit.Name, schema.UnitStatusRunning, schema.UnitStatusFailed, outcome.Error); err != nil {
			logger.Warn("unit transition failed", "error", err)
		}
		if err := s.store.UpsertUnitOutcome(bctx, outcome); err != nil {
			logger.Warn("persist failed outcome failed", "error", err)
		}
		return outcome
	}

	rc.SetResult(spec.kind, unit.Name, result)
	outcome.Status = schema.UnitStatusSucceeded
	if raw, err := json.Marshal(result); err == nil {
		outcome.Result = raw
	}

	// Enrichments apply to the live alert view unconditionally; the sink
	// write is best-effort and a failure never demotes the unit.
	outcome.EnrichmentGaps = s.applyEnrichments(bctx, rc, unit, logger)

	if err := unitFSM.Transition(bctx, rc.RunID, unit.Name, schema.UnitStatusRunning, schema.UnitStatusSucceeded, outcome.Result); err != nil {
		logger.Warn("unit transition failed", "error", err)
	}
	if err := s.store.UpsertUnitOutcome(bctx, outcome); err != nil {
		logger.Warn("persist succeeded outcome failed", "error", err)
	}
	return outcome
}

// invokeWithRetry dispatches the provider call, honoring the unit's retry
// policy, timeout, and the provider circuit breaker. Returns the result,
// the number of attempts made, and the final error if all attempts failed.
func (s *Scheduler) invokeWithRetry(ctx context.Context, unitFSM *UnitFSM, rc *RunContext, spec unitSpec, logger *slog.Logger) (any, int, error) {
	unit := spec.unit
	bctx := context.WithoutCancel(ctx)

	prov, config, err := rc.Bindings.ForCall(s.registry, &unit.Provider)
	if err != nil {
		return nil, 0, err
	}

	maxAttempts := MaxAttempts(unit)
	timeout := s.defaultTimeout
	if unit.Timeout != "" {
		if d, parseErr := time.ParseDuration(unit.Timeout); parseErr == nil {
			timeout = d
		}
	}

	var (
		lastErr  error
		attempts int
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			payload, _ := json.Marshal(map[string]any{"attempt": attempt + 1})
			if err := unitFSM.Transition(bctx, rc.RunID, unit.Name, schema.UnitStatusRunning, schema.UnitStatusRetrying, payload); err != nil {
				logger.Warn("unit transition failed", "error", err)
			}
			if err := WaitForBackoff(ctx, ComputeBackoff(unit.Retry, attempt-1)); err != nil {
				return nil, attempt, schema.NewError(schema.ErrCodeCancelled, "run cancelled during backoff").WithUnit(unit.Name).WithCause(err)
			}
			if err := unitFSM.Transition(bctx, rc.RunID, unit.Name, schema.UnitStatusRetrying, schema.UnitStatusRunning, nil); err != nil {
				logger.Warn("unit transition failed", "error", err)
			}
		}

		attempts = attempt + 1

		if s.breakers != nil {
			if err := s.breakers.AllowRequest(unit.Provider.Type); err != nil {
				lastErr = err
				break
			}
		}

		// Parameter templates re-resolve per attempt against the live
		// scope, matching what a fresh invocation would see.
		params, resolveErr := s.tmpl.EvaluateParams(unit.Provider.With, rc.Scope())
		if resolveErr != nil {
			return nil, attempts, schema.NewErrorf(schema.ErrCodeTemplateSyntax,
				"resolve parameters: %s", resolveErr.Error()).WithUnit(unit.Name).WithCause(resolveErr)
		}

		// The invocation context is detached from run cancellation: a
		// cancel only prevents the NEXT unit from starting, it never
		// interrupts a dispatched call. The timeout still applies.
		invCtx, cancel := context.WithTimeout(bctx, timeout)
		result, invErr := prov.Invoke(invCtx, provider.Invocation{
			Config:     config,
			Params:     params,
			WorkflowID: rc.Workflow.ID,
			RunID:      rc.RunID,
		})
		cancel()

		if invErr == nil {
			if s.breakers != nil {
				s.breakers.RecordSuccess(unit.Provider.Type)
			}
			return result, attempts, nil
		}

		if s.breakers != nil {
			s.breakers.RecordFailure(unit.Provider.Type)
		}
		if errors.Is(invErr, context.DeadlineExceeded) {
			invErr = schema.NewErrorf(schema.ErrCodeTimeout,
				"provider %q timed out after %s", unit.Provider.Type, timeout).
				WithUnit(unit.Name).WithCause(invErr)
		}
		lastErr = invErr

		if !IsRetryableError(invErr) {
			break
		}
		logger.Warn("attempt failed", "attempt", attempt+1, "error", invErr)
	}

	if attempts == maxAttempts && maxAttempts > 1 {
		lastErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"all %d attempts failed: %s", attempts, lastErr.Error()).
			WithUnit(unit.Name).WithCause(lastErr)
	}
	return nil, attempts, lastErr
}

// applyEnrichments evaluates the unit's enrich_alert directives against the
// current scope, updates the live alert view, and forwards each write to
// the sink. Returns the keys whose sink write failed.
func (s *Scheduler) applyEnrichments(ctx context.Context, rc *RunContext, unit *schema.WorkUnit, logger *slog.Logger) []string {
	if len(unit.EnrichAlert) == 0 {
		return nil
	}

	var gaps []string
	for _, e := range unit.EnrichAlert {
		value, err := s.tmpl.Evaluate(e.Value, rc.Scope())
		if err != nil {
			logger.Warn("enrichment value failed to evaluate", "key", e.Key, "error", err)
			continue
		}
		rc.Enrich(e.Key, value)

		if rc.AlertID() == "" {
			continue
		}
		if err := s.sink.Apply(ctx, rc.AlertID(), map[string]any{e.Key: value}); err != nil {
			logger.Warn("enrichment sink write failed", "key", e.Key, "error", err)
			gaps = append(gaps, e.Key)
			s.appendEnrichmentEvent(ctx, rc, unit.Name, schema.EventEnrichmentFailed, e.Key, err)
			continue
		}
		s.appendEnrichmentEvent(ctx, rc, unit.Name, schema.EventAlertEnriched, e.Key, nil)
	}
	return gaps
}

func (s *Scheduler) appendEnrichmentEvent(ctx context.Context, rc *RunContext, unitName, eventType, key string, cause error) {
	body := map[string]any{"alert_id": rc.AlertID(), "key": key}
	if cause != nil {
		body["error"] = cause.Error()
	}
	payload, _ := json.Marshal(body)
	event := &store.RunEvent{
		RunID:     rc.RunID,
		Unit:      unitName,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := s.eventAppender(rc.Workflow.ID).AppendRunEvent(ctx, event); err != nil {
		s.logger.Warn("append enrichment event failed", "run_id", rc.RunID, "error", err)
	}
}

// eventAppender returns the run log, mirrored to the hub when one is
// installed.
func (s *Scheduler) eventAppender(workflowID string) EventAppender {
	if s.hub == nil {
		return s.store
	}
	return stream.NewPublishingAppender(s.store, s.hub, workflowID)
}

func errJSON(err error) json.RawMessage {
	var fErr *schema.FlintError
	if errors.As(err, &fErr) {
		if raw, mErr := json.Marshal(fErr); mErr == nil {
			return raw
		}
	}
	raw, _ := json.Marshal(map[string]string{"message": err.Error()})
	return raw
}
