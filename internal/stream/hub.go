package stream

import "context"

// Event is a real-time run event delivered to subscribers. It mirrors
// the persisted run log entry, carrying enough to render a live view
// without a store round trip.
type Event struct {
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Unit       string `json:"unit,omitempty"`
	Type       string `json:"event_type"`
	Payload    any    `json:"payload,omitempty"`
	Sequence   int64  `json:"sequence,omitempty"`
}

// Filter specifies which events a subscriber wants to receive.
type Filter struct {
	RunID      string   `json:"run_id,omitempty"`
	WorkflowID string   `json:"workflow_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Hub provides pub/sub for real-time run events.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
