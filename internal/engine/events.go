package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/pkg/schema"
)

// EventAppender persists execution events. Satisfied by store.Store.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// eventEmitter appends an event to the durable log, then publishes the
// stored copy (with its sequence) to live followers.
type eventEmitter struct {
	appender EventAppender
	hub      streaming.EventHub
	logger   *slog.Logger
}

func (e *eventEmitter) emit(ctx context.Context, executionID, stepID, eventType string, payload map[string]any) error {
	if e == nil {
		return nil
	}
	var raw json.RawMessage
	if len(payload) > 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeInternal, "encode %s payload: %s", eventType, err.Error()).WithCause(err)
		}
		raw = b
	}

	ev := &store.Event{ExecutionID: executionID, StepID: stepID, Type: eventType, Payload: raw}
	if e.appender != nil {
		if err := e.appender.AppendEvent(ctx, ev); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "append %s event: %s", eventType, err.Error()).WithCause(err)
		}
	}

	if e.hub != nil {
		se := streaming.StreamEvent{
			ExecutionID: executionID,
			StepID:      stepID,
			EventType:   eventType,
			Sequence:    ev.Sequence,
			Timestamp:   ev.Timestamp,
			Payload:     payload,
		}
		if err := e.hub.Publish(ctx, se); err != nil {
			e.logger.DebugContext(ctx, "event publish skipped", "event_type", eventType, "error", err)
		}
	}
	return nil
}

// emitBestEffort logs instead of failing. Used for observability-only events
// inside handlers, where losing an event must not fail the step.
func (e *eventEmitter) emitBestEffort(ctx context.Context, executionID, stepID, eventType string, payload map[string]any) {
	if err := e.emit(ctx, executionID, stepID, eventType, payload); err != nil && e.logger != nil {
		e.logger.WarnContext(ctx, "event emit failed", "event_type", eventType, "error", err)
	}
}
