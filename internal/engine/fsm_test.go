package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossian/flint/internal/store"
	"github.com/ossian/flint/pkg/schema"
)

// memAppender captures emitted run events in memory.
type memAppender struct {
	mu     sync.Mutex
	events []*store.RunEvent
	fail   bool
}

func (a *memAppender) AppendRunEvent(_ context.Context, event *store.RunEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return errors.New("appender down")
	}
	a.events = append(a.events, event)
	return nil
}

func (a *memAppender) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, e := range a.events {
		out[i] = e.Type
	}
	return out
}

func TestRunFSMValidTransitionEmitsEvent(t *testing.T) {
	app := &memAppender{}
	fsm := NewRunFSM(app)

	err := fsm.Transition(context.Background(), "run-1", schema.RunStatusPending, schema.RunStatusRunning)
	require.NoError(t, err)
	assert.Equal(t, []string{schema.EventRunStarted}, app.types())
	assert.Equal(t, "run-1", app.events[0].RunID)
}

func TestRunFSMInvalidTransition(t *testing.T) {
	fsm := NewRunFSM(&memAppender{})

	err := fsm.Transition(context.Background(), "run-1", schema.RunStatusSucceeded, schema.RunStatusRunning)
	require.Error(t, err)
	var fErr *schema.FlintError
	require.ErrorAs(t, err, &fErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, fErr.Code)
}

func TestRunFSMTerminalStatesAreFinal(t *testing.T) {
	fsm := NewRunFSM(&memAppender{})
	terminals := []schema.RunStatus{
		schema.RunStatusSucceeded,
		schema.RunStatusPartialFailure,
		schema.RunStatusFailed,
		schema.RunStatusCancelled,
	}
	for _, from := range terminals {
		for _, to := range []schema.RunStatus{schema.RunStatusRunning, schema.RunStatusPending, schema.RunStatusCancelled} {
			assert.Error(t, fsm.Transition(context.Background(), "run-1", from, to), "%s -> %s", from, to)
		}
	}
}

func TestRunFSMHooksFire(t *testing.T) {
	app := &memAppender{}
	fsm := NewRunFSM(app)

	var order []string
	fsm.OnBefore(schema.RunStatusPending, schema.RunStatusRunning, func(from, to string) error {
		order = append(order, "before")
		return nil
	})
	fsm.OnAfter(schema.RunStatusPending, schema.RunStatusRunning, func(from, to string) error {
		order = append(order, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "run-1", schema.RunStatusPending, schema.RunStatusRunning))
	assert.Equal(t, []string{"before", "after"}, order)
	assert.Len(t, app.events, 1)
}

func TestRunFSMBeforeHookBlocksTransition(t *testing.T) {
	app := &memAppender{}
	fsm := NewRunFSM(app)
	fsm.OnBefore(schema.RunStatusPending, schema.RunStatusRunning, func(from, to string) error {
		return errors.New("not yet")
	})

	err := fsm.Transition(context.Background(), "run-1", schema.RunStatusPending, schema.RunStatusRunning)
	assert.Error(t, err)
	assert.Empty(t, app.events)
}

func TestRunFSMAppenderFailure(t *testing.T) {
	fsm := NewRunFSM(&memAppender{fail: true})

	err := fsm.Transition(context.Background(), "run-1", schema.RunStatusPending, schema.RunStatusRunning)
	require.Error(t, err)
	var fErr *schema.FlintError
	require.ErrorAs(t, err, &fErr)
	assert.Equal(t, schema.ErrCodeStore, fErr.Code)
}

func TestUnitFSMLifecycle(t *testing.T) {
	app := &memAppender{}
	fsm := NewUnitFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "run-1", "get-tier", schema.UnitStatusPending, schema.UnitStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "run-1", "get-tier", schema.UnitStatusRunning, schema.UnitStatusRetrying, nil))
	require.NoError(t, fsm.Transition(ctx, "run-1", "get-tier", schema.UnitStatusRetrying, schema.UnitStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "run-1", "get-tier", schema.UnitStatusRunning, schema.UnitStatusSucceeded, []byte(`{"tier":"enterprise"}`)))

	assert.Equal(t, []string{
		schema.EventUnitStarted,
		schema.EventUnitRetrying,
		schema.EventUnitStarted,
		schema.EventUnitSucceeded,
	}, app.types())
	assert.Equal(t, "get-tier", app.events[0].Unit)
	assert.JSONEq(t, `{"tier":"enterprise"}`, string(app.events[3].Payload))
}

func TestUnitFSMInvalidTransition(t *testing.T) {
	fsm := NewUnitFSM(&memAppender{})

	err := fsm.Transition(context.Background(), "run-1", "notify", schema.UnitStatusSucceeded, schema.UnitStatusRunning, nil)
	require.Error(t, err)
	var fErr *schema.FlintError
	require.ErrorAs(t, err, &fErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, fErr.Code)
	assert.Equal(t, "notify", fErr.Unit)
}

func TestUnitFSMPendingCanSkip(t *testing.T) {
	app := &memAppender{}
	fsm := NewUnitFSM(app)

	err := fsm.Transition(context.Background(), "run-1", "notify", schema.UnitStatusPending, schema.UnitStatusSkipped, []byte(`{"reason":"condition"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{schema.EventUnitSkipped}, app.types())
}

