// Package enrich applies alert write-backs produced by work units.
package enrich

import (
	"context"

	"github.com/ossian/flint/pkg/schema"
)

// Sink persists enrichment fields onto an alert. The engine applies
// enrichments to the live run context regardless of sink outcome; a sink
// failure is recorded but never fails the producing unit.
type Sink interface {
	Apply(ctx context.Context, alertID string, fields map[string]any) error
}

// AlertStore is the persistence slice the store-backed sink needs.
// Satisfied by store.Store.
type AlertStore interface {
	ApplyEnrichments(ctx context.Context, alertID string, fields map[string]any) error
}

// StoreSink writes enrichments through the alert store.
type StoreSink struct {
	store AlertStore
}

func NewStoreSink(store AlertStore) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Apply(ctx context.Context, alertID string, fields map[string]any) error {
	if alertID == "" {
		return schema.NewError(schema.ErrCodeEnrichmentWrite, "run has no triggering alert to enrich")
	}
	if len(fields) == 0 {
		return nil
	}
	if err := s.store.ApplyEnrichments(ctx, alertID, fields); err != nil {
		return schema.NewErrorf(schema.ErrCodeEnrichmentWrite,
			"apply enrichments to alert %s: %s", alertID, err.Error()).WithCause(err)
	}
	return nil
}
