package stream

import (
	"context"

	"github.com/ossian/flint/internal/store"
)

// RunLog is the slice of the store the appender needs.
type RunLog interface {
	AppendRunEvent(ctx context.Context, event *store.RunEvent) error
}

// PublishingAppender persists run events and then mirrors them to the
// hub. Persistence is authoritative: a failed append never publishes,
// a failed publish is silently dropped.
type PublishingAppender struct {
	next       RunLog
	hub        Hub
	workflowID string
}

// NewPublishingAppender wraps a run log with hub publication.
func NewPublishingAppender(next RunLog, hub Hub, workflowID string) *PublishingAppender {
	return &PublishingAppender{next: next, hub: hub, workflowID: workflowID}
}

func (a *PublishingAppender) AppendRunEvent(ctx context.Context, event *store.RunEvent) error {
	if err := a.next.AppendRunEvent(ctx, event); err != nil {
		return err
	}
	_ = a.hub.Publish(ctx, Event{
		RunID:      event.RunID,
		WorkflowID: a.workflowID,
		Unit:       event.Unit,
		Type:       event.Type,
		Payload:    event.Payload,
		Sequence:   event.Sequence,
	})
	return nil
}
