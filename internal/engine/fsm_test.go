package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/pkg/schema"
)

// memEvents is an in-memory EventAppender.
type memEvents struct {
	mu     sync.Mutex
	events []*store.Event
	seq    map[string]int64
	err    error
}

func (m *memEvents) AppendEvent(_ context.Context, e *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.seq == nil {
		m.seq = make(map[string]int64)
	}
	m.seq[e.ExecutionID]++
	e.Sequence = m.seq[e.ExecutionID]
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *memEvents) types(executionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.ExecutionID == executionID {
			out = append(out, e.Type)
		}
	}
	return out
}

func newTestEmitter(app EventAppender, hub streaming.EventHub) *eventEmitter {
	return &eventEmitter{appender: app, hub: hub, logger: slog.New(slog.DiscardHandler)}
}

func TestRecordFSM_Lifecycle(t *testing.T) {
	events := &memEvents{}
	fsm := NewRecordFSM(newTestEmitter(events, nil))
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "e1", statusNew, schema.ExecutionRunning, map[string]any{"agent_id": "a"}))
	require.NoError(t, fsm.Transition(ctx, "e1", schema.ExecutionRunning, schema.ExecutionCompleted, nil))

	assert.Equal(t, []string{schema.EventExecutionStarted, schema.EventExecutionCompleted}, events.types("e1"))
	var payload map[string]any
	require.NoError(t, json.Unmarshal(events.events[0].Payload, &payload))
	assert.Equal(t, "a", payload["agent_id"])
}

func TestRecordFSM_CancelledEvent(t *testing.T) {
	events := &memEvents{}
	fsm := NewRecordFSM(newTestEmitter(events, nil))
	require.NoError(t, fsm.Transition(context.Background(), "e1", schema.ExecutionRunning, schema.ExecutionFailed,
		map[string]any{"error_code": schema.ErrCodeCancelled}))
	require.NoError(t, fsm.Transition(context.Background(), "e2", schema.ExecutionRunning, schema.ExecutionFailed,
		map[string]any{"error_code": schema.ErrCodeStepFailed}))

	assert.Equal(t, []string{schema.EventExecutionCancelled}, events.types("e1"))
	assert.Equal(t, []string{schema.EventExecutionFailed}, events.types("e2"))
}

func TestRecordFSM_InvalidTransitions(t *testing.T) {
	fsm := NewRecordFSM(nil)
	ctx := context.Background()

	cases := []struct{ from, to schema.ExecutionStatus }{
		{schema.ExecutionCompleted, schema.ExecutionFailed},
		{schema.ExecutionFailed, schema.ExecutionRunning},
		{schema.ExecutionRunning, schema.ExecutionRunning},
		{statusNew, schema.ExecutionCompleted},
	}
	for _, tc := range cases {
		err := fsm.Transition(ctx, "e", tc.from, tc.to, nil)
		assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err, ""), "%s -> %s", tc.from, tc.to)
	}
}

func TestRecordFSM_Hooks(t *testing.T) {
	fsm := NewRecordFSM(nil)
	var calls []string
	fsm.OnBefore(schema.ExecutionRunning, schema.ExecutionCompleted, func(id string, _, _ schema.ExecutionStatus) error {
		calls = append(calls, "before:"+id)
		return nil
	})
	fsm.OnAfter(schema.ExecutionRunning, schema.ExecutionCompleted, func(id string, _, _ schema.ExecutionStatus) error {
		calls = append(calls, "after:"+id)
		return nil
	})
	require.NoError(t, fsm.Transition(context.Background(), "x", schema.ExecutionRunning, schema.ExecutionCompleted, nil))
	assert.Equal(t, []string{"before:x", "after:x"}, calls)

	fsm.OnBefore(schema.ExecutionRunning, schema.ExecutionFailed, func(string, schema.ExecutionStatus, schema.ExecutionStatus) error {
		return errors.New("veto")
	})
	assert.EqualError(t, fsm.Transition(context.Background(), "x", schema.ExecutionRunning, schema.ExecutionFailed, nil), "veto")
}

func TestRecordFSM_EmitFailure(t *testing.T) {
	fsm := NewRecordFSM(newTestEmitter(&memEvents{err: errors.New("disk full")}, nil))
	err := fsm.Transition(context.Background(), "e", statusNew, schema.ExecutionRunning, nil)
	assert.Equal(t, schema.ErrCodeStore, schema.ErrorCode(err, ""))
}

func TestEventEmitter_PublishesStoredSequence(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{ExecutionID: "e"})
	require.NoError(t, err)
	defer cancel()

	em := newTestEmitter(&memEvents{}, hub)
	require.NoError(t, em.emit(context.Background(), "e", "s1", schema.EventStepCompleted, map[string]any{"status": "SUCCESS"}))
	require.NoError(t, em.emit(context.Background(), "e", "s2", schema.EventStepCompleted, nil))

	first := <-ch
	second := <-ch
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, "s1", first.StepID)
	assert.Equal(t, int64(2), second.Sequence)
}
