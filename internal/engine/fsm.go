package engine

import (
	"context"
	"sync"
	"time"

	"github.com/ossian/flint/internal/store"
	"github.com/ossian/flint/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and RunLog; used by FSMs to emit
// run-log events on transitions.
type EventAppender interface {
	AppendRunEvent(ctx context.Context, event *store.RunEvent) error
}

// --- Run FSM ---

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM manages run lifecycle state transitions.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a new RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a run state transition.
// It emits the corresponding event via the appender.
// The caller (Scheduler) is responsible for persisting the new state to the store.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}

	// Run before hooks.
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	// Emit the corresponding event.
	eventType := runEventType(to)
	if eventType != "" {
		event := &store.RunEvent{
			RunID:     runID,
			Type:      eventType,
			Timestamp: time.Now().UTC(),
		}
		if err := f.appender.AppendRunEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
		}
	}

	// Run after hooks.
	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusSucceeded:
		return schema.EventRunSucceeded
	case schema.RunStatusPartialFailure:
		return schema.EventRunPartial
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}

// --- Unit FSM ---

type unitHookKey struct {
	from, to schema.UnitStatus
}

// UnitFSM manages work unit lifecycle state transitions within a run.
type UnitFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[unitHookKey][]TransitionHook
	after    map[unitHookKey][]TransitionHook
}

// NewUnitFSM creates a new UnitFSM that emits events via the given appender.
func NewUnitFSM(appender EventAppender) *UnitFSM {
	return &UnitFSM{
		appender: appender,
		before:   make(map[unitHookKey][]TransitionHook),
		after:    make(map[unitHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a unit transition.
func (f *UnitFSM) OnBefore(from, to schema.UnitStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := unitHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a unit transition.
func (f *UnitFSM) OnAfter(from, to schema.UnitStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := unitHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a unit state transition.
// It emits the corresponding event via the appender. Payload, if non-nil,
// is attached to the emitted event (result snapshots, skip reasons).
func (f *UnitFSM) Transition(ctx context.Context, runID, unit string, from, to schema.UnitStatus, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidUnitTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid unit transition: %s -> %s", from, to).
			WithUnit(unit).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := unitHookKey{from, to}

	// Run before hooks.
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	// Emit the corresponding event.
	eventType := unitEventType(to)
	if eventType != "" {
		event := &store.RunEvent{
			RunID:     runID,
			Unit:      unit,
			Type:      eventType,
			Payload:   payload,
			Timestamp: time.Now().UTC(),
		}
		if err := f.appender.AppendRunEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit unit event: %s", err.Error()).
				WithUnit(unit).WithCause(err)
		}
	}

	// Run after hooks.
	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidUnitTransition(from, to schema.UnitStatus) bool {
	allowed, ok := ValidUnitTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func unitEventType(to schema.UnitStatus) string {
	switch to {
	case schema.UnitStatusRunning:
		return schema.EventUnitStarted
	case schema.UnitStatusSucceeded:
		return schema.EventUnitSucceeded
	case schema.UnitStatusFailed:
		return schema.EventUnitFailed
	case schema.UnitStatusSkipped:
		return schema.EventUnitSkipped
	case schema.UnitStatusRetrying:
		return schema.EventUnitRetrying
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:        {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusRunning:        {schema.RunStatusSucceeded, schema.RunStatusPartialFailure, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusSucceeded:      {},
	schema.RunStatusPartialFailure: {},
	schema.RunStatusFailed:         {},
	schema.RunStatusCancelled:      {},
}

// ValidUnitTransitions defines the allowed state transitions for work units.
var ValidUnitTransitions = map[schema.UnitStatus][]schema.UnitStatus{
	schema.UnitStatusPending:   {schema.UnitStatusRunning, schema.UnitStatusSkipped},
	schema.UnitStatusRunning:   {schema.UnitStatusSucceeded, schema.UnitStatusFailed, schema.UnitStatusRetrying},
	schema.UnitStatusRetrying:  {schema.UnitStatusRunning, schema.UnitStatusFailed},
	schema.UnitStatusSucceeded: {},
	schema.UnitStatusFailed:    {},
	schema.UnitStatusSkipped:   {},
}
