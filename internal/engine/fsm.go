package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/agentflow/pkg/schema"
)

// TransitionHook is called before or after a record transition.
type TransitionHook func(executionID string, from, to schema.ExecutionStatus) error

// statusNew is the pseudo-state of a record that has not been created yet.
const statusNew schema.ExecutionStatus = ""

// ValidRecordTransitions is the execution record lifecycle. Terminal states
// have no outgoing edges.
var ValidRecordTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	statusNew:              {schema.ExecutionRunning},
	schema.ExecutionRunning: {schema.ExecutionCompleted, schema.ExecutionFailed},
}

type recordHookKey struct {
	from, to schema.ExecutionStatus
}

// RecordFSM validates execution record transitions and emits the matching
// lifecycle event. Persisting the new status is the caller's job.
type RecordFSM struct {
	mu      sync.Mutex
	emitter *eventEmitter
	before  map[recordHookKey][]TransitionHook
	after   map[recordHookKey][]TransitionHook
}

// NewRecordFSM creates a RecordFSM that emits through emitter. A nil
// emitter validates without emitting.
func NewRecordFSM(emitter *eventEmitter) *RecordFSM {
	return &RecordFSM{
		emitter: emitter,
		before:  make(map[recordHookKey][]TransitionHook),
		after:   make(map[recordHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error aborts it.
func (f *RecordFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := recordHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition and its event.
func (f *RecordFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := recordHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to, runs hooks and emits the lifecycle event
// with payload. A FAILED transition whose payload carries error_code
// CANCELLED emits execution_cancelled instead of execution_failed.
func (f *RecordFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !slices.Contains(ValidRecordTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %q -> %q", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := recordHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(executionID, from, to); err != nil {
			return err
		}
	}

	if f.emitter != nil {
		code, _ := payload["error_code"].(string)
		if err := f.emitter.emit(ctx, executionID, "", recordEventType(to, code), payload); err != nil {
			return err
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(executionID, from, to); err != nil {
			return err
		}
	}
	return nil
}

func recordEventType(to schema.ExecutionStatus, code string) string {
	switch to {
	case schema.ExecutionRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	default:
		if code == schema.ErrCodeCancelled {
			return schema.EventExecutionCancelled
		}
		return schema.EventExecutionFailed
	}
}
