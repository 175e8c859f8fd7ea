package streaming

import (
	"context"
	"time"
)

// StreamEvent is a live copy of an execution event for followers.
type StreamEvent struct {
	ExecutionID string    `json:"execution_id"`
	StepID      string    `json:"step_id,omitempty"`
	EventType   string    `json:"event_type"`
	Sequence    int64     `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
	Payload     any       `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for live execution events. The channel returned
// by Subscribe is closed when the cancel func runs or ctx is done.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
