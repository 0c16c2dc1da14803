package schema

import "time"

// Alert is the triggering record for alert-type workflows. Fields holds
// source-specific attributes plus any enrichments applied by runs.
type Alert struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Source     string         `json:"source,omitempty"`
	Severity   string         `json:"severity,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// View flattens the alert into the map exposed to expressions as `alert`.
// Enriched fields shadow nothing: the well-known attributes win on
// collision so templates always see the canonical id/name/source/severity.
func (a *Alert) View() map[string]any {
	view := make(map[string]any, len(a.Fields)+5)
	for k, v := range a.Fields {
		view[k] = v
	}
	view["id"] = a.ID
	view["name"] = a.Name
	view["source"] = a.Source
	view["severity"] = a.Severity
	view["received_at"] = a.ReceivedAt.UTC().Format(time.RFC3339)
	return view
}
