package trigger

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ossian/flint/pkg/schema"
)

func newTestMatcher(t *testing.T) *Matcher {
	t.Helper()
	cel, err := NewCELEngine()
	require.NoError(t, err)
	return NewMatcher(cel, nil)
}

func alertWF(id string, triggers ...schema.Trigger) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{ID: id, Triggers: triggers}
}

func testAlert() *schema.Alert {
	return &schema.Alert{
		ID:         "alrt-1",
		Name:       "disk full",
		Source:     "prometheus",
		Severity:   "critical",
		ReceivedAt: time.Now(),
		Fields: map[string]any{
			"host":     "db-3",
			"tags.env": "prod",
			"labels":   map[string]any{"team": "storage"},
			"open":     float64(3),
		},
	}
}

func TestMatchAlertBySource(t *testing.T) {
	m := newTestMatcher(t)
	wfs := []*schema.WorkflowDefinition{
		alertWF("wf-prom", schema.Trigger{Type: schema.TriggerTypeAlert, Source: "prometheus"}),
		alertWF("wf-grafana", schema.Trigger{Type: schema.TriggerTypeAlert, Source: "grafana"}),
		alertWF("wf-any", schema.Trigger{Type: schema.TriggerTypeAlert}),
	}

	matched := m.MatchAlert(wfs, testAlert())
	require.Len(t, matched, 2)
	assert.Equal(t, "wf-prom", matched[0].ID)
	assert.Equal(t, "wf-any", matched[1].ID)
}

func TestMatchAlertFilters(t *testing.T) {
	m := newTestMatcher(t)
	alert := testAlert()

	cases := []struct {
		name    string
		filters []schema.TriggerFilter
		want    bool
	}{
		{"single match", []schema.TriggerFilter{{Key: "severity", Value: "critical"}}, true},
		{"case-insensitive value", []schema.TriggerFilter{{Key: "severity", Value: "CRITICAL"}}, true},
		{"all must match", []schema.TriggerFilter{
			{Key: "severity", Value: "critical"},
			{Key: "host", Value: "db-3"},
		}, true},
		{"one mismatch fails all", []schema.TriggerFilter{
			{Key: "severity", Value: "critical"},
			{Key: "host", Value: "db-9"},
		}, false},
		{"missing field never matches", []schema.TriggerFilter{{Key: "region", Value: "eu"}}, false},
		{"numeric field string value", []schema.TriggerFilter{{Key: "open", Value: "3"}}, true},
		{"numeric filter value", []schema.TriggerFilter{{Key: "open", Value: 3}}, true},
		{"dotted literal key", []schema.TriggerFilter{{Key: "tags.env", Value: "prod"}}, true},
		{"dotted path into nested map", []schema.TriggerFilter{{Key: "labels.team", Value: "storage"}}, true},
		{"malformed path is no match", []schema.TriggerFilter{{Key: "labels..team", Value: "storage"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wfs := []*schema.WorkflowDefinition{
				alertWF("wf", schema.Trigger{Type: schema.TriggerTypeAlert, Filters: tc.filters}),
			}
			matched := m.MatchAlert(wfs, alert)
			assert.Equal(t, tc.want, len(matched) == 1)
		})
	}
}

func TestMatchAlertMultipleTriggersOr(t *testing.T) {
	m := newTestMatcher(t)
	wf := alertWF("wf",
		schema.Trigger{Type: schema.TriggerTypeAlert, Source: "grafana"},
		schema.Trigger{Type: schema.TriggerTypeAlert, Filters: []schema.TriggerFilter{
			{Key: "severity", Value: "critical"},
		}},
	)

	matched := m.MatchAlert([]*schema.WorkflowDefinition{wf}, testAlert())
	require.Len(t, matched, 1, "workflow matches when any trigger matches")

	// The workflow appears once even if multiple triggers match.
	wf.Triggers = append(wf.Triggers, schema.Trigger{Type: schema.TriggerTypeAlert})
	matched = m.MatchAlert([]*schema.WorkflowDefinition{wf}, testAlert())
	assert.Len(t, matched, 1)
}

func TestMatchAlertCELPredicate(t *testing.T) {
	m := newTestMatcher(t)
	alert := testAlert()

	wf := alertWF("wf", schema.Trigger{
		Type: schema.TriggerTypeAlert,
		CEL:  `alert.severity == "critical" && alert.host.startsWith("db-")`,
	})
	matched := m.MatchAlert([]*schema.WorkflowDefinition{wf}, alert)
	assert.Len(t, matched, 1)

	wf = alertWF("wf", schema.Trigger{
		Type: schema.TriggerTypeAlert,
		CEL:  `alert.severity == "warning"`,
	})
	matched = m.MatchAlert([]*schema.WorkflowDefinition{wf}, alert)
	assert.Empty(t, matched)

	// Runtime CEL errors (missing field access) read as no-match.
	wf = alertWF("wf", schema.Trigger{
		Type: schema.TriggerTypeAlert,
		CEL:  `alert.missing.deeper == "x"`,
	})
	matched = m.MatchAlert([]*schema.WorkflowDefinition{wf}, alert)
	assert.Empty(t, matched)
}

func TestMatchAlertLogsDiscardedCELError(t *testing.T) {
	var buf bytes.Buffer
	cel, err := NewCELEngine()
	require.NoError(t, err)
	m := NewMatcher(cel, slog.New(slog.NewJSONHandler(&buf, nil)))

	wf := alertWF("wf-cel", schema.Trigger{
		Type: schema.TriggerTypeAlert,
		CEL:  `alert.missing.deeper == "x"`,
	})
	assert.Empty(t, m.MatchAlert([]*schema.WorkflowDefinition{wf}, testAlert()))

	// The discarded predicate error is visible to operators.
	out := buf.String()
	assert.Contains(t, out, "no-match")
	assert.Contains(t, out, `"workflow_id":"wf-cel"`)
	assert.Contains(t, out, `"alert_id":"alrt-1"`)
}

func TestMatchAlertLogsEmptyFilterKey(t *testing.T) {
	var buf bytes.Buffer
	cel, err := NewCELEngine()
	require.NoError(t, err)
	m := NewMatcher(cel, slog.New(slog.NewJSONHandler(&buf, nil)))

	wf := alertWF("wf-bad-filter", schema.Trigger{
		Type:    schema.TriggerTypeAlert,
		Filters: []schema.TriggerFilter{{Key: "", Value: "x"}},
	})
	assert.Empty(t, m.MatchAlert([]*schema.WorkflowDefinition{wf}, testAlert()))
	assert.Contains(t, buf.String(), "empty key")
}

func TestMatchAlertIgnoresNonAlertTriggers(t *testing.T) {
	m := newTestMatcher(t)
	wfs := []*schema.WorkflowDefinition{
		alertWF("wf-manual", schema.Trigger{Type: schema.TriggerTypeManual}),
		alertWF("wf-cron", schema.Trigger{Type: schema.TriggerTypeInterval, Cron: "*/5 * * * *"}),
	}

	assert.Empty(t, m.MatchAlert(wfs, testAlert()))
}

func TestHasManualTrigger(t *testing.T) {
	wf := alertWF("wf",
		schema.Trigger{Type: schema.TriggerTypeAlert},
		schema.Trigger{Type: schema.TriggerTypeManual},
	)
	assert.True(t, HasManualTrigger(wf))
	assert.False(t, HasManualTrigger(alertWF("wf2", schema.Trigger{Type: schema.TriggerTypeAlert})))
}

func TestCELCompileRejectsBadExpressions(t *testing.T) {
	cel, err := NewCELEngine()
	require.NoError(t, err)

	assert.NoError(t, cel.Compile(`alert.severity == "critical"`))
	assert.Error(t, cel.Compile(`alert.severity ==`))
	assert.Error(t, cel.Compile(`unknown_var == 1`))
}
