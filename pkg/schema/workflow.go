package schema

// WorkflowDefinition is the parsed workflow document. Definitions are
// immutable once loaded; the engine never mutates them.
type WorkflowDefinition struct {
	ID          string                    `json:"id" yaml:"id"`
	Name        string                    `json:"name,omitempty" yaml:"name"`
	Description string                    `json:"description,omitempty" yaml:"description"`
	Triggers    []Trigger                 `json:"triggers" yaml:"triggers"`
	Consts      map[string]any            `json:"consts,omitempty" yaml:"consts"`
	Providers   map[string]ProviderConfig `json:"providers,omitempty" yaml:"providers"`
	Steps       []WorkUnit                `json:"steps,omitempty" yaml:"steps"`
	Actions     []WorkUnit                `json:"actions,omitempty" yaml:"actions"`
}

// TriggerType enumerates the ways a workflow can be activated.
type TriggerType string

const (
	TriggerTypeManual   TriggerType = "manual"
	TriggerTypeAlert    TriggerType = "alert"
	TriggerTypeInterval TriggerType = "interval"
)

// Trigger decides whether an incoming event activates the workflow.
// A workflow with multiple triggers activates when any of them matches.
type Trigger struct {
	Type TriggerType `json:"type" yaml:"type"`

	// Alert triggers only.
	Source  string          `json:"source,omitempty" yaml:"source"`
	Filters []TriggerFilter `json:"filters,omitempty" yaml:"filters"`
	CEL     string          `json:"cel,omitempty" yaml:"cel"`

	// Interval triggers only. Five-field cron expression.
	Cron string `json:"cron,omitempty" yaml:"cron"`
}

// TriggerFilter is one (field-path, expected-value) predicate. All filters
// of a trigger must match for the trigger to match.
type TriggerFilter struct {
	Key   string `json:"key" yaml:"key"`
	Value any    `json:"value" yaml:"value"`
}

// ProviderConfig declares a provider alias: the adapter type plus its
// connection config. Config values may contain {{ secrets.* }} references,
// resolved once per run when the binding table is built.
type ProviderConfig struct {
	Type string         `json:"type" yaml:"type"`
	With map[string]any `json:"with,omitempty" yaml:"with"`
}

// UnitKind distinguishes steps from actions in run records.
type UnitKind string

const (
	UnitKindStep   UnitKind = "step"
	UnitKindAction UnitKind = "action"
)

// WorkUnit is a single step or action. Steps and actions share the same
// shape; only their position in the document and execution phase differ.
type WorkUnit struct {
	Name     string       `json:"name" yaml:"name"`
	Provider ProviderCall `json:"provider" yaml:"provider"`

	// If and Condition are aliases; at most one may be set. Default true.
	If        string `json:"if,omitempty" yaml:"if"`
	Condition string `json:"condition,omitempty" yaml:"condition"`

	EnrichAlert []Enrichment `json:"enrich_alert,omitempty" yaml:"enrich_alert"`

	// Blocking units halt the run on failure; by default failures record
	// an empty result and execution continues.
	Blocking bool `json:"blocking,omitempty" yaml:"blocking"`

	// Idempotent enables retries even without an explicit retry policy.
	Idempotent bool         `json:"idempotent,omitempty" yaml:"idempotent"`
	Retry      *RetryPolicy `json:"retry,omitempty" yaml:"retry"`

	// Timeout bounds one provider invocation (Go duration string).
	Timeout string `json:"timeout,omitempty" yaml:"timeout"`
}

// Cond returns the unit's condition expression, whichever alias was used.
func (u *WorkUnit) Cond() string {
	if u.If != "" {
		return u.If
	}
	return u.Condition
}

// ProviderCall names the operation a work unit performs: the provider
// alias (Config), the operation type, and the parameter map, whose
// values may be literals or template expressions.
type ProviderCall struct {
	Type   string         `json:"type" yaml:"type"`
	Config string         `json:"config,omitempty" yaml:"config"`
	With   map[string]any `json:"with,omitempty" yaml:"with"`
}

// Enrichment is one key/value write-back onto the triggering alert.
// Value is a template expression evaluated against the run context.
type Enrichment struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// RetryPolicy configures retry behavior for a work unit.
type RetryPolicy struct {
	Max      int    `json:"max" yaml:"max"`
	Backoff  string `json:"backoff,omitempty" yaml:"backoff"` // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty" yaml:"delay"`
	MaxDelay string `json:"max_delay,omitempty" yaml:"max_delay"`
}

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending        RunStatus = "pending"
	RunStatusRunning        RunStatus = "running"
	RunStatusSucceeded      RunStatus = "succeeded"
	RunStatusPartialFailure RunStatus = "partial_failure"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCancelled      RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusPartialFailure, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// UnitStatus represents the lifecycle state of a work unit within a run.
type UnitStatus string

const (
	UnitStatusPending   UnitStatus = "pending"
	UnitStatusRunning   UnitStatus = "running"
	UnitStatusRetrying  UnitStatus = "retrying"
	UnitStatusSucceeded UnitStatus = "succeeded"
	UnitStatusFailed    UnitStatus = "failed"
	UnitStatusSkipped   UnitStatus = "skipped"
)

// Skip reasons recorded on skipped units.
const (
	SkipReasonCondition = "condition"
	SkipReasonUpstream  = "upstream failure"
	SkipReasonCancelled = "cancelled"
)
