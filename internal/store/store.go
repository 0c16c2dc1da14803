package store

import (
	"context"

	"github.com/ossian/flint/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow definitions
	SaveWorkflow(ctx context.Context, wf *schema.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Alerts
	SaveAlert(ctx context.Context, alert *schema.Alert) error
	GetAlert(ctx context.Context, id string) (*schema.Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*schema.Alert, error)
	ApplyEnrichments(ctx context.Context, alertID string, fields map[string]any) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Unit outcomes (materialized view)
	UpsertUnitOutcome(ctx context.Context, outcome *UnitOutcome) error
	ListUnitOutcomes(ctx context.Context, runID string) ([]*UnitOutcome, error)

	// Interval trigger bookkeeping
	UpsertIntervalSchedule(ctx context.Context, sched *IntervalSchedule) error
	ListIntervalSchedules(ctx context.Context) ([]*IntervalSchedule, error)
	UpdateIntervalSchedule(ctx context.Context, workflowID, cron string, update IntervalScheduleUpdate) error
	DeleteIntervalSchedules(ctx context.Context, workflowID string) error

	// Run log (append-only)
	AppendRunEvent(ctx context.Context, event *RunEvent) error
	GetRunEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error)

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
