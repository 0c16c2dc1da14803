package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/ossian/flint/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. the run log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflow definitions ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *schema.WorkflowDefinition) error {
	def, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, definition) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET definition=excluded.definition, updated_at=CURRENT_TIMESTAMP`,
		wf.ID, string(def),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	var defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflows WHERE id = ?`, id,
	).Scan(&defJSON)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(defJSON), wf); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM workflows ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*schema.WorkflowDefinition
	for rows.Next() {
		var defJSON string
		if err := rows.Scan(&defJSON); err != nil {
			return nil, err
		}
		wf := &schema.WorkflowDefinition{}
		if err := json.Unmarshal([]byte(defJSON), wf); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Alerts ---

func (s *LibSQLStore) SaveAlert(ctx context.Context, alert *schema.Alert) error {
	fields, err := marshalMapOrDefault(alert.Fields)
	if err != nil {
		return fmt.Errorf("marshal alert fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, name, source, severity, received_at, fields) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, source=excluded.source, severity=excluded.severity, fields=excluded.fields`,
		alert.ID, alert.Name, nullStr(alert.Source), nullStr(alert.Severity),
		timeOrNow(alert.ReceivedAt), string(fields),
	)
	return err
}

func (s *LibSQLStore) GetAlert(ctx context.Context, id string) (*schema.Alert, error) {
	a := &schema.Alert{}
	var source, severity, fields sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, source, severity, received_at, fields FROM alerts WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &source, &severity, &a.ReceivedAt, &fields)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("alert", id)
	}
	if err != nil {
		return nil, err
	}
	a.Source = source.String
	a.Severity = severity.String
	if fields.Valid && fields.String != "" {
		_ = json.Unmarshal([]byte(fields.String), &a.Fields)
	}
	return a, nil
}

func (s *LibSQLStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]*schema.Alert, error) {
	var where []string
	var args []any
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}

	query := `SELECT id, name, source, severity, received_at, fields FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY received_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*schema.Alert
	for rows.Next() {
		a := &schema.Alert{}
		var source, severity, fields sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &source, &severity, &a.ReceivedAt, &fields); err != nil {
			return nil, err
		}
		a.Source = source.String
		a.Severity = severity.String
		if fields.Valid && fields.String != "" {
			_ = json.Unmarshal([]byte(fields.String), &a.Fields)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ApplyEnrichments merges fields into the alert's field map inside one
// transaction, so concurrent runs enriching the same alert cannot lose
// each other's writes.
func (s *LibSQLStore) ApplyEnrichments(ctx context.Context, alertID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enrichment tx: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT fields FROM alerts WHERE id = ?`, alertID).Scan(&current)
	if err == sql.ErrNoRows {
		return storeNotFound("alert", alertID)
	}
	if err != nil {
		return err
	}

	merged := map[string]any{}
	if current.Valid && current.String != "" {
		_ = json.Unmarshal([]byte(current.String), &merged)
	}
	for k, v := range fields {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal enriched fields: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE alerts SET fields = ? WHERE id = ?`, string(out), alertID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, alert_id, trigger_type, status, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, nullStr(run.AlertID), string(run.TriggerType),
		string(run.Status), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		alertID, errJSON       sql.NullString
		startedAt, completedAt sql.NullTime
		triggerType, status    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, alert_id, trigger_type, status, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.WorkflowID, &alertID, &triggerType, &status, &errJSON,
		&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.AlertID = alertID.String
	run.TriggerType = schema.TriggerType(triggerType)
	run.Status = schema.RunStatus(status)
	run.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.AlertID != "" {
		where = append(where, "alert_id = ?")
		args = append(args, filter.AlertID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT id, workflow_id, alert_id, trigger_type, status, error, created_at, started_at, completed_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var (
			alertID, errJSON       sql.NullString
			startedAt, completedAt sql.NullTime
			triggerType, status    string
		)
		if err := rows.Scan(&run.ID, &run.WorkflowID, &alertID, &triggerType, &status, &errJSON,
			&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		run.AlertID = alertID.String
		run.TriggerType = schema.TriggerType(triggerType)
		run.Status = schema.RunStatus(status)
		run.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			run.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Unit outcomes ---

func (s *LibSQLStore) UpsertUnitOutcome(ctx context.Context, outcome *UnitOutcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO unit_outcomes (run_id, kind, name, position, status, result, error, skip_reason, attempts, enrichment_gaps, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, name) DO UPDATE SET
		   status=excluded.status, result=excluded.result, error=excluded.error,
		   skip_reason=excluded.skip_reason, attempts=excluded.attempts,
		   enrichment_gaps=excluded.enrichment_gaps,
		   started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		outcome.RunID, string(outcome.Kind), outcome.Name, outcome.Position,
		string(outcome.Status), nullRaw(outcome.Result), nullRaw(outcome.Error),
		nullStr(outcome.SkipReason), outcome.Attempts, marshalStringsOrNil(outcome.EnrichmentGaps),
		nullTime(outcome.StartedAt), nullTime(outcome.CompletedAt), outcome.DurationMs,
	)
	return err
}

func (s *LibSQLStore) ListUnitOutcomes(ctx context.Context, runID string) ([]*UnitOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, kind, name, position, status, result, error, skip_reason, attempts, enrichment_gaps, started_at, completed_at, duration_ms
		 FROM unit_outcomes WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []*UnitOutcome
	for rows.Next() {
		o := &UnitOutcome{}
		var (
			kind, status           string
			result, errJSON, skip  sql.NullString
			gaps                   sql.NullString
			startedAt, completedAt sql.NullTime
			durationMs             sql.NullInt64
		)
		if err := rows.Scan(&o.RunID, &kind, &o.Name, &o.Position, &status, &result, &errJSON, &skip,
			&o.Attempts, &gaps, &startedAt, &completedAt, &durationMs); err != nil {
			return nil, err
		}
		o.Kind = schema.UnitKind(kind)
		o.Status = schema.UnitStatus(status)
		o.Result = rawOrNil(result)
		o.Error = rawOrNil(errJSON)
		o.SkipReason = skip.String
		if gaps.Valid && gaps.String != "" {
			_ = json.Unmarshal([]byte(gaps.String), &o.EnrichmentGaps)
		}
		o.DurationMs = durationMs.Int64
		if startedAt.Valid {
			o.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			o.CompletedAt = &completedAt.Time
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// --- Interval schedules ---

func (s *LibSQLStore) UpsertIntervalSchedule(ctx context.Context, sched *IntervalSchedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interval_schedules (workflow_id, cron, enabled, last_run_at, next_run_at, last_run_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id, cron) DO UPDATE SET
		   enabled=excluded.enabled, updated_at=excluded.updated_at`,
		sched.WorkflowID, sched.Cron, sched.Enabled,
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt), nullStr(sched.LastRunStatus),
		timeOrNow(sched.CreatedAt), timeOrNow(sched.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) ListIntervalSchedules(ctx context.Context) ([]*IntervalSchedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, cron, enabled, last_run_at, next_run_at, last_run_status, created_at, updated_at
		 FROM interval_schedules ORDER BY workflow_id, cron`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scheds []*IntervalSchedule
	for rows.Next() {
		sc := &IntervalSchedule{}
		var (
			lastRunAt, nextRunAt sql.NullTime
			lastStatus           sql.NullString
		)
		if err := rows.Scan(&sc.WorkflowID, &sc.Cron, &sc.Enabled,
			&lastRunAt, &nextRunAt, &lastStatus, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, err
		}
		if lastRunAt.Valid {
			sc.LastRunAt = &lastRunAt.Time
		}
		if nextRunAt.Valid {
			sc.NextRunAt = &nextRunAt.Time
		}
		sc.LastRunStatus = lastStatus.String
		scheds = append(scheds, sc)
	}
	return scheds, rows.Err()
}

func (s *LibSQLStore) UpdateIntervalSchedule(ctx context.Context, workflowID, cron string, update IntervalScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, workflowID, cron)

	res, err := s.db.ExecContext(ctx,
		`UPDATE interval_schedules SET `+strings.Join(sets, ", ")+` WHERE workflow_id = ? AND cron = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "interval schedule", workflowID)
}

func (s *LibSQLStore) DeleteIntervalSchedules(ctx context.Context, workflowID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM interval_schedules WHERE workflow_id = ?`, workflowID)
	return err
}

// --- Run events ---

func (s *LibSQLStore) GetRunEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, unit, event_type, payload, timestamp, sequence
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		e := &RunEvent{}
		var unit, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &unit, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Unit = unit.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlintError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalStringsOrNil(items []string) any {
	if len(items) == 0 {
		return nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil
	}
	return string(b)
}
