package engine

import (
	"github.com/ossian/flint/internal/provider"
	"github.com/ossian/flint/pkg/schema"
)

// RunContext is the per-run mutable scope that templates and conditions
// evaluate against. It is owned by exactly one run goroutine; units within
// a run execute strictly sequentially, so no locking is needed.
type RunContext struct {
	RunID    string
	Workflow *schema.WorkflowDefinition
	Bindings provider.Bindings

	// alert is the live view of the triggering alert, including
	// enrichments applied so far in this run. Nil for manual and
	// interval activations.
	alert   map[string]any
	alertID string

	steps   map[string]any
	actions map[string]any
}

// NewRunContext builds a fresh context seeded with the triggering alert.
// alert may be nil for manual and interval runs.
func NewRunContext(runID string, wf *schema.WorkflowDefinition, bindings provider.Bindings, alert *schema.Alert) *RunContext {
	rc := &RunContext{
		RunID:    runID,
		Workflow: wf,
		Bindings: bindings,
		steps:    make(map[string]any),
		actions:  make(map[string]any),
	}
	if alert != nil {
		rc.alert = alert.View()
		rc.alertID = alert.ID
	} else {
		rc.alert = make(map[string]any)
	}
	return rc
}

// AlertID returns the triggering alert's id, or "" for manual/interval runs.
func (rc *RunContext) AlertID() string {
	return rc.alertID
}

// Scope returns the map handed to the expression evaluator. The same maps
// are shared across calls, so a result stored after one unit is visible to
// the next unit's templates.
func (rc *RunContext) Scope() map[string]any {
	return map[string]any{
		"alert":   rc.alert,
		"steps":   rc.steps,
		"actions": rc.actions,
		"consts":  rc.Workflow.Consts,
		"workflow": map[string]any{
			"id":     rc.Workflow.ID,
			"name":   rc.Workflow.Name,
			"run_id": rc.RunID,
		},
	}
}

// SetResult records a unit's result under steps.<name> or actions.<name>.
// The result is wrapped so templates address it as steps.<name>.result.
func (rc *RunContext) SetResult(kind schema.UnitKind, name string, result any) {
	entry := map[string]any{"result": result}
	if kind == schema.UnitKindAction {
		rc.actions[name] = entry
		return
	}
	rc.steps[name] = entry
}

// SetEmptyResult records the empty sentinel for a skipped or failed unit,
// so later references resolve to empty values instead of erroring.
func (rc *RunContext) SetEmptyResult(kind schema.UnitKind, name string) {
	rc.SetResult(kind, name, map[string]any{})
}

// Enrich applies one enrichment to the live alert view. Later units in the
// same run observe the updated field immediately.
func (rc *RunContext) Enrich(key string, value any) {
	rc.alert[key] = value
}

// AlertView returns the current alert view (canonical fields plus
// enrichments applied so far).
func (rc *RunContext) AlertView() map[string]any {
	return rc.alert
}
