package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func assertEmpty(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := StreamEvent{
		ExecutionID: "exec-1",
		StepID:      "step-1",
		EventType:   "step_completed",
		Sequence:    2,
		Payload:     map[string]any{"status": "SUCCESS"},
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := recv(t, ch)
	assert.Equal(t, event.ExecutionID, got.ExecutionID)
	assert.Equal(t, event.StepID, got.StepID)
	assert.Equal(t, int64(2), got.Sequence)
}

func TestFilters(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	byExec, c1, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer c1()
	byType, c2, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{"execution_failed"}})
	require.NoError(t, err)
	defer c2()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: "step_started"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-2", EventType: "execution_failed"}))

	assert.Equal(t, "exec-1", recv(t, byExec).ExecutionID)
	assertEmpty(t, byExec)

	assert.Equal(t, "exec-2", recv(t, byType).ExecutionID)
	assertEmpty(t, byType)
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel() // idempotent

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Subscribers())
	require.NoError(t, hub.Publish(context.Background(), StreamEvent{ExecutionID: "x"}))
}

func TestContextDoneUnsubscribes(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, hub.Subscribers())
}

func TestSlowSubscriberDrops(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	_, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "x"}))
	}
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestSubscribeCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	require.Error(t, err)
	assert.Error(t, hub.Publish(ctx, StreamEvent{}))
}

func TestConcurrentPublish(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_ = hub.Publish(ctx, StreamEvent{ExecutionID: "c"})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 40)
}
