package trigger

import (
	"log/slog"
	"strings"

	"github.com/ossian/flint/internal/template"
	"github.com/ossian/flint/pkg/schema"
)

// Matcher decides which workflows an incoming alert activates. Matching
// is total: malformed paths and undecidable predicates read as no-match,
// never as errors, so one bad workflow cannot block alert intake. The
// discarded error is logged so operators can see why a workflow stopped
// firing.
type Matcher struct {
	cel    *CELEngine
	logger *slog.Logger
}

// NewMatcher creates a Matcher. The CEL engine is shared so compiled
// predicates are reused across alerts. A nil logger falls back to the
// process default.
func NewMatcher(cel *CELEngine, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{cel: cel, logger: logger}
}

// MatchAlert returns the workflows the alert activates, preserving the
// input order. A workflow matches when any of its alert triggers does.
func (m *Matcher) MatchAlert(workflows []*schema.WorkflowDefinition, alert *schema.Alert) []*schema.WorkflowDefinition {
	view := alert.View()

	var matched []*schema.WorkflowDefinition
	for _, wf := range workflows {
		for _, tr := range wf.Triggers {
			if tr.Type != schema.TriggerTypeAlert {
				continue
			}
			if m.triggerMatches(wf.ID, &tr, alert, view) {
				matched = append(matched, wf)
				break
			}
		}
	}
	return matched
}

// HasManualTrigger reports whether the workflow can be run on demand.
func HasManualTrigger(wf *schema.WorkflowDefinition) bool {
	for _, tr := range wf.Triggers {
		if tr.Type == schema.TriggerTypeManual {
			return true
		}
	}
	return false
}

// IntervalTriggers returns the workflow's interval triggers.
func IntervalTriggers(wf *schema.WorkflowDefinition) []schema.Trigger {
	var out []schema.Trigger
	for _, tr := range wf.Triggers {
		if tr.Type == schema.TriggerTypeInterval {
			out = append(out, tr)
		}
	}
	return out
}

// triggerMatches applies one alert trigger: source, then every filter,
// then the optional cel predicate. All parts must hold.
func (m *Matcher) triggerMatches(workflowID string, tr *schema.Trigger, alert *schema.Alert, view map[string]any) bool {
	if tr.Source != "" && !strings.EqualFold(tr.Source, alert.Source) {
		return false
	}

	for _, f := range tr.Filters {
		if f.Key == "" {
			m.logger.Warn("trigger filter with empty key never matches",
				"workflow_id", workflowID, "alert_id", alert.ID)
			return false
		}
		if !filterMatches(&f, view) {
			return false
		}
	}

	if tr.CEL != "" {
		ok, err := m.cel.Matches(tr.CEL, view)
		if err != nil {
			m.logger.Warn("cel predicate discarded, treating as no-match",
				"workflow_id", workflowID, "alert_id", alert.ID, "error", err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// filterMatches compares one filter against the alert view. The field
// value and the expected value compare by their normalized string forms,
// so severity: critical matches whether the alert carries a string or an
// enum-like number rendered as the same text. A missing field never
// matches.
func filterMatches(f *schema.TriggerFilter, view map[string]any) bool {
	got := lookupField(view, f.Key)
	if got == nil {
		return false
	}
	return normalize(got) == normalize(f.Value)
}

// lookupField resolves a filter key against the view: the literal key
// first (alert payloads often carry dotted keys verbatim), then as a
// dotted path into nested fields.
func lookupField(view map[string]any, key string) any {
	if v, ok := view[key]; ok {
		return v
	}
	if !strings.Contains(key, ".") {
		return nil
	}
	return template.ResolvePath(view, key)
}

func normalize(v any) string {
	return strings.ToLower(strings.TrimSpace(template.RenderString(v)))
}
