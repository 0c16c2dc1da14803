package store

import (
	"encoding/json"
	"time"

	"github.com/ossian/flint/pkg/schema"
)

// Run is the persisted record of one workflow execution.
type Run struct {
	ID          string             `json:"id"`
	WorkflowID  string             `json:"workflow_id"`
	AlertID     string             `json:"alert_id,omitempty"`
	TriggerType schema.TriggerType `json:"trigger_type"`
	Status      schema.RunStatus   `json:"status"`
	Error       json.RawMessage    `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// RunUpdate carries the mutable fields of a run. Nil fields are left
// untouched.
type RunUpdate struct {
	Status      *schema.RunStatus
	Error       json.RawMessage
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	WorkflowID string
	AlertID    string
	Status     schema.RunStatus
	Limit      int
	Offset     int
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	Source   string
	Severity string
	Limit    int
}

// UnitOutcome is the materialized result of one work unit within a run.
type UnitOutcome struct {
	RunID       string            `json:"run_id"`
	Kind        schema.UnitKind   `json:"kind"`
	Name        string            `json:"name"`
	Position    int               `json:"position"`
	Status      schema.UnitStatus `json:"status"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	SkipReason  string            `json:"skip_reason,omitempty"`
	Attempts    int               `json:"attempts"`
	// EnrichmentGaps lists alert fields the unit produced but the sink
	// failed to persist. The unit itself still counts as succeeded.
	EnrichmentGaps []string   `json:"enrichment_gaps,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	DurationMs     int64      `json:"duration_ms,omitempty"`
}

// IntervalSchedule is the bookkeeping row for one interval trigger:
// a (workflow, cron) pair with its last and next firing times. Rows are
// synced from workflow definitions; the poller owns the timestamps.
type IntervalSchedule struct {
	WorkflowID    string     `json:"workflow_id"`
	Cron          string     `json:"cron"`
	Enabled       bool       `json:"enabled"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IntervalScheduleUpdate carries the mutable fields of an interval
// schedule. Nil fields are left untouched.
type IntervalScheduleUpdate struct {
	Enabled       *bool
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	LastRunStatus string
}

// RunEvent is an immutable entry in the per-run append-only log.
type RunEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Unit      string          `json:"unit,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}
