package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/httpclient"
	"github.com/rendis/agentflow/internal/provider"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/validation"
	"github.com/rendis/agentflow/pkg/schema"
)

// --- test doubles ---

type memRecorder struct {
	mu        sync.Mutex
	records   map[string]*schema.ExecutionRecord
	appends   map[string][]store.StepAppend
	finals    map[string]store.ExecutionFinal
	createErr error
	appendErr error
}

func newMemRecorder() *memRecorder {
	return &memRecorder{
		records: make(map[string]*schema.ExecutionRecord),
		appends: make(map[string][]store.StepAppend),
		finals:  make(map[string]store.ExecutionFinal),
	}
}

func (r *memRecorder) CreateExecution(_ context.Context, rec *schema.ExecutionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	cp := *rec
	r.records[rec.ID] = &cp
	return nil
}

func (r *memRecorder) AppendStep(_ context.Context, id string, step store.StepAppend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	if _, done := r.finals[id]; done {
		return schema.NewError(schema.ErrCodeConflict, "execution already finalized")
	}
	r.appends[id] = append(r.appends[id], step)
	return nil
}

func (r *memRecorder) FinalizeExecution(_ context.Context, id string, final store.ExecutionFinal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, done := r.finals[id]; done {
		return schema.NewError(schema.ErrCodeConflict, "execution already finalized")
	}
	r.finals[id] = final
	return nil
}

func (r *memRecorder) final(id string) (store.ExecutionFinal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.finals[id]
	return f, ok
}

func (r *memRecorder) appended(id string) []store.StepAppend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.StepAppend(nil), r.appends[id]...)
}

type memAgents struct {
	mu     sync.Mutex
	agents map[string]*schema.Agent
}

func (m *memAgents) GetAgentWithStepsAndVariables(_ context.Context, id string) (*schema.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q not found", id)
	}
	return a, nil
}

func (m *memAgents) put(a *schema.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = a
}

type mapCredentials map[string]string

func (m mapCredentials) Get(_ context.Context, _ string, name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "credential %q not found", name)
	}
	return v, nil
}

// --- harness ---

type harness struct {
	engine   *Engine
	recorder *memRecorder
	events   *memEvents
	agents   *memAgents
}

func newHarness(t *testing.T, cfg Config, mutate func(*Deps)) *harness {
	t.Helper()
	jsv, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	h := &harness{
		recorder: newMemRecorder(),
		events:   &memEvents{},
		agents:   &memAgents{agents: make(map[string]*schema.Agent)},
	}
	deps := Deps{
		Agents:    h.agents,
		Recorder:  h.recorder,
		Events:    h.events,
		Provider:  provider.Static{Reply: "ok", Tokens: 3},
		HTTP:      httpclient.New(httpclient.Config{}),
		Validator: jsv,
	}
	if mutate != nil {
		mutate(&deps)
	}
	h.engine, err = New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(h.engine.Shutdown)
	return h
}

func (h *harness) run(t *testing.T, agent *schema.Agent, input map[string]any) *schema.ExecutionRecord {
	t.Helper()
	h.agents.put(agent)
	rec, err := h.engine.Run(context.Background(), RunRequest{AgentID: agent.ID, UserID: "user-1", Input: input})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assertRecordInvariants(t, agent, rec)
	return rec
}

func assertRecordInvariants(t *testing.T, agent *schema.Agent, rec *schema.ExecutionRecord) {
	t.Helper()
	require.Len(t, rec.StepResults, len(rec.ExecutionPath))
	for i, id := range rec.ExecutionPath {
		_, ok := agent.StepByID(id)
		assert.True(t, ok, "path entry %q is not a step", id)
		assert.Equal(t, id, rec.StepResults[i].StepID)
	}
	assert.True(t, rec.Status.IsTerminal())
	require.NotNil(t, rec.EndTime)
	assert.False(t, rec.EndTime.Before(rec.StartTime))
}

func newAgent(id string, steps ...schema.Step) *schema.Agent {
	return &schema.Agent{ID: id, Name: id, UserID: "user-1", Steps: steps}
}

func mkStep(t *testing.T, id string, typ schema.StepType, order int, cfg map[string]any) schema.Step {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return schema.Step{ID: id, Name: id, Type: typ, Order: order, Config: raw}
}

func onSuccess(s schema.Step, next string) schema.Step {
	s.NextOnSuccess = next
	return s
}

func onFailure(s schema.Step, next string) schema.Step {
	s.NextOnFailure = next
	return s
}

func strPtr(s string) *string { return &s }

func setVar(t *testing.T, id string, order int, name string, value any) schema.Step {
	return mkStep(t, id, schema.StepTypeSetVariable, order, map[string]any{"variable": name, "value": value})
}

// --- scenarios ---

func TestRun_SetVariableThenTemplateTransform(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	agent := newAgent("scenario-a",
		setVar(t, "step1", 0, "x", "5"),
		mkStep(t, "step2", schema.StepTypeTransformation, 1, map[string]any{
			"inputVariable":  "x",
			"transformation": "{{variables.x}}-doubled",
			"outputVariable": "y",
		}),
	)

	rec := h.run(t, agent, nil)

	assert.Equal(t, schema.ExecutionCompleted, rec.Status)
	assert.Equal(t, []string{"step1", "step2"}, rec.ExecutionPath)
	assert.Equal(t, "5-doubled", rec.Variables["y"])
	assert.Equal(t, map[string]any{"x": "5", "y": "5-doubled"}, rec.Output)
	assert.Empty(t, rec.ErrorCode)

	final, ok := h.recorder.final(rec.ID)
	require.True(t, ok)
	assert.Equal(t, schema.ExecutionCompleted, final.Status)
	assert.Len(t, h.recorder.appended(rec.ID), 2)
}

func TestRun_PromptOutputSchemaFailure(t *testing.T) {
	outputSchema := map[string]any{
		"type":       "object",
		"required":   []any{"name"},
		"properties": map[string]any{"name": map[string]any{"type": "string"}},
	}
	prompt := func(t *testing.T) schema.Step {
		return mkStep(t, "ask", schema.StepTypePrompt, 0, map[string]any{
			"prompt":         "Describe {{input.topic}}",
			"model":          "test-model",
			"outputVariable": "answer",
			"outputSchema":   outputSchema,
		})
	}
	withReply := func(d *Deps) { d.Provider = provider.Static{Reply: `{"name": 42}`, Tokens: 7} }

	t.Run("last step fails the run", func(t *testing.T) {
		h := newHarness(t, Config{}, withReply)
		rec := h.run(t, newAgent("scenario-b", prompt(t)), map[string]any{"topic": "go"})

		assert.Equal(t, schema.ExecutionFailed, rec.Status)
		require.Len(t, rec.StepResults, 1)
		res := rec.StepResults[0]
		assert.Equal(t, schema.StepFailure, res.Status)
		assert.Contains(t, res.Error, "Output validation failed")
		assert.Equal(t, schema.ErrCodeValidation, res.ErrorCode)
		assert.Equal(t, 7, res.TokenUsage)
		assert.Contains(t, rec.ErrorMessage, "Output validation failed")
		assert.Equal(t, 7, rec.TokenUsage)
	})

	t.Run("nextOnFailure is followed", func(t *testing.T) {
		h := newHarness(t, Config{}, withReply)
		agent := newAgent("scenario-b-branch",
			onFailure(prompt(t), "fallback"),
			setVar(t, "after", 1, "unused", "x"),
			setVar(t, "fallback", 2, "answer", "default"),
		)
		rec := h.run(t, agent, map[string]any{"topic": "go"})

		assert.Equal(t, schema.ExecutionCompleted, rec.Status)
		assert.Equal(t, []string{"ask", "fallback"}, rec.ExecutionPath)
		assert.Equal(t, "default", rec.Variables["answer"])
	})
}

func TestRun_APICallExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	h := newHarness(t, Config{}, nil)
	agent := newAgent("scenario-c", mkStep(t, "call", schema.StepTypeAPICall, 0, map[string]any{
		"endpoint":       srv.URL + "/items",
		"method":         "GET",
		"outputVariable": "items",
		"retryConfig":    map[string]any{"maxRetries": 2, "retryDelay": 50},
	}))

	start := time.Now()
	rec := h.run(t, agent, nil)

	assert.Equal(t, int32(3), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, schema.ExecutionFailed, rec.Status)
	require.Len(t, rec.StepResults, 1)
	res := rec.StepResults[0]
	assert.Equal(t, schema.StepFailure, res.Status)
	assert.Equal(t, schema.ErrCodeRetryExhausted, res.ErrorCode)
	assert.Equal(t, srv.URL+"/items", res.ErrorDetails["endpoint"])
	assert.Equal(t, 500, res.ErrorDetails["status"])
	assert.Equal(t, 3, res.ErrorDetails["attempts"])
	assert.Equal(t, []string{
		schema.EventExecutionStarted,
		schema.EventStepRetrying,
		schema.EventStepRetrying,
		schema.EventStepFailed,
		schema.EventExecutionFailed,
	}, h.events.types(rec.ID))
}

func TestRun_StepBudgetStopsEndlessCycle(t *testing.T) {
	h := newHarness(t, Config{MaxSteps: 20}, nil)
	agent := newAgent("scenario-d",
		setVar(t, "set", 0, "v", "not-a-number"),
		onFailure(mkStep(t, "check", schema.StepTypeValidation, 1, map[string]any{
			"schema":              map[string]any{"type": "number"},
			"inputVariable":       "v",
			"onValidationFailure": "STOP",
		}), "set"),
	)

	rec := h.run(t, agent, nil)

	assert.Equal(t, schema.ExecutionFailed, rec.Status)
	assert.Equal(t, schema.ErrCodeStepBudgetExceeded, rec.ErrorCode)
	assert.Len(t, rec.ExecutionPath, 20)
	assert.Nil(t, rec.Output)
}

// --- orchestration ---

func TestRun_AgentNotFound(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	rec, err := h.engine.Run(context.Background(), RunRequest{AgentID: "missing"})
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, schema.ExecutionFailed, rec.Status)
	assert.Equal(t, schema.ErrCodeNotFound, rec.ErrorCode)
	assert.Empty(t, rec.ExecutionPath)
	assert.Empty(t, rec.StepResults)
	final, ok := h.recorder.final(rec.ID)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, final.ErrorCode)
}

func TestRun_InvalidGraph(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	agent := newAgent("broken", onSuccess(setVar(t, "a", 0, "x", 1), "nowhere"))

	rec := h.run(t, agent, nil)

	assert.Equal(t, schema.ExecutionFailed, rec.Status)
	assert.Equal(t, schema.ErrCodeInvalidGraph, rec.ErrorCode)
	assert.Contains(t, rec.ErrorMessage, "nowhere")
	assert.Empty(t, rec.ExecutionPath)
}

func TestRun_CreateFailureReturnsNoRecord(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.recorder.createErr = errors.New("disk full")

	rec, err := h.engine.Run(context.Background(), RunRequest{AgentID: "any"})
	require.Error(t, err)
	assert.Nil(t, rec)
}

func TestRun_AppendFailureIsStoreFault(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.recorder.appendErr = errors.New("write failed")

	rec := h.run(t, newAgent("append", setVar(t, "a", 0, "x", 1), setVar(t, "b", 1, "y", 2)), nil)

	assert.Equal(t, schema.ExecutionFailed, rec.Status)
	assert.Equal(t, schema.ErrCodeStore, rec.ErrorCode)
	assert.Equal(t, []string{"a"}, rec.ExecutionPath)
}

func TestRun_OutputResolvesTemplates(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	agent := newAgent("greeter", setVar(t, "noop", 0, "done", true))
	agent.Variables = []schema.Variable{
		{Name: "greeting", DefaultValue: strPtr("hello {{input.name}}")},
		{Name: "empty"},
	}

	rec := h.run(t, agent, map[string]any{"name": "bob"})

	require.Equal(t, schema.ExecutionCompleted, rec.Status)
	assert.Equal(t, map[string]any{"greeting": "hello bob", "empty": nil, "done": true}, rec.Output)
	assert.Equal(t, "hello {{input.name}}", rec.Variables["greeting"])
}

func TestRun_FallThroughFollowsOrderAndSkipsLoopBodies(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	agent := newAgent("ordering",
		setVar(t, "third", 5, "c", 3),
		setVar(t, "first", 0, "a", 1),
		mkStep(t, "loop", schema.StepTypeLoop, 1, map[string]any{
			"type": "count", "count": 2, "maxIterations": 5, "loopBody": "body",
		}),
		setVar(t, "body", 2, "b", "x"),
	)

	rec := h.run(t, agent, nil)

	assert.Equal(t, schema.ExecutionCompleted, rec.Status)
	assert.Equal(t, []string{"first", "loop", "third"}, rec.ExecutionPath)
}

func TestRun_StepResultsReferenceLatestExecution(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	agent := newAgent("latest",
		setVar(t, "a", 0, "x", "first"),
		setVar(t, "b", 1, "y", "{{stepResults.a.output.value}}"),
		mkStep(t, "c", schema.StepTypeTransformation, 2, map[string]any{
			"inputVariable":  "x",
			"transformation": "{{stepResults.a.status}}/{{stepResults.a.output.value}}",
			"outputVariable": "z",
		}),
	)

	rec := h.run(t, agent, nil)

	require.Equal(t, schema.ExecutionCompleted, rec.Status)
	assert.Equal(t, "SUCCESS/first", rec.Variables["z"])
	// Literal values are stored as given, never template-expanded.
	assert.Equal(t, "{{stepResults.a.output.value}}", rec.Variables["y"])
}

func TestRun_HandlerPanicBecomesInternal(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.engine.dispatcher.Register(schema.StepTypeWait, HandlerFunc(func(context.Context, *Node, *ExecutionContext) (schema.StepResult, error) {
		panic("boom")
	}))

	rec := h.run(t, newAgent("panics", mkStep(t, "w", schema.StepTypeWait, 0, map[string]any{"duration": 1})), nil)

	assert.Equal(t, schema.ExecutionFailed, rec.Status)
	assert.Equal(t, schema.ErrCodeInternal, rec.ErrorCode)
	assert.Contains(t, rec.ErrorMessage, "boom")
}

func TestRun_Timeout(t *testing.T) {
	h := newHarness(t, Config{RunTimeout: 50 * time.Millisecond}, nil)
	agent := newAgent("slow",
		setVar(t, "a", 0, "x", 1),
		mkStep(t, "w", schema.StepTypeWait, 1, map[string]any{"duration": 5000}),
	)

	start := time.Now()
	rec := h.run(t, agent, nil)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, schema.ExecutionFailed, rec.Status)
	assert.Equal(t, schema.ErrCodeTimeout, rec.ErrorCode)
	assert.Equal(t, float64(1), rec.Variables["x"])
}

func TestStart_CancelPreservesPartialState(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	agent := newAgent("cancel-me",
		setVar(t, "set", 0, "x", "kept"),
		mkStep(t, "wait", schema.StepTypeWait, 1, map[string]any{"duration": 10000}),
		setVar(t, "never", 2, "y", "no"),
	)
	h.agents.put(agent)

	handle, err := h.engine.Start(context.Background(), RunRequest{AgentID: agent.ID})
	require.NoError(t, err)
	require.NotEmpty(t, handle.ID)

	require.Eventually(t, func() bool {
		return slices.Contains(h.events.types(handle.ID), schema.EventStepCompleted)
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, h.engine.Cancel(handle.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assertRecordInvariants(t, agent, rec)

	assert.Equal(t, schema.ExecutionFailed, rec.Status)
	assert.Equal(t, schema.ErrCodeCancelled, rec.ErrorCode)
	assert.NotContains(t, rec.ExecutionPath, "never")
	assert.Equal(t, "kept", rec.Variables["x"])

	types := h.events.types(rec.ID)
	require.NotEmpty(t, types)
	assert.Equal(t, schema.EventExecutionCancelled, types[len(types)-1])
	assert.False(t, h.engine.Cancel(handle.ID))
}

func TestStart_CancelRightAfterStart(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	agent := newAgent("cancel-early",
		mkStep(t, "wait", schema.StepTypeWait, 0, map[string]any{"duration": 10000}),
	)
	h.agents.put(agent)

	handle, err := h.engine.Start(context.Background(), RunRequest{AgentID: agent.ID})
	require.NoError(t, err)
	assert.True(t, h.engine.Cancel(handle.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, rec.Status)
	assert.Equal(t, schema.ErrCodeCancelled, rec.ErrorCode)
	assert.NotNil(t, rec.EndTime)
	assert.Empty(t, h.engine.Running())
}

func TestStart_RunsOnPool(t *testing.T) {
	h := newHarness(t, Config{PoolSize: 2}, nil)
	agent := newAgent("bg", setVar(t, "a", 0, "x", 1))
	h.agents.put(agent)

	handles := make([]*RunHandle, 0, 4)
	for i := 0; i < 4; i++ {
		handle, err := h.engine.Start(context.Background(), RunRequest{AgentID: agent.ID})
		require.NoError(t, err)
		handles = append(handles, handle)
	}
	for _, handle := range handles {
		rec, err := handle.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, schema.ExecutionCompleted, rec.Status)
		assert.Equal(t, handle.ID, rec.ID)
	}
	h.engine.Shutdown()
	assert.Equal(t, int64(4), h.engine.Metrics().Completed)
	assert.Empty(t, h.engine.Running())
}

func TestRun_EmitsLifecycleEvents(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	rec := h.run(t, newAgent("events", setVar(t, "a", 0, "x", 1)), nil)

	assert.Equal(t, []string{
		schema.EventExecutionStarted,
		schema.EventVariableSet,
		schema.EventStepCompleted,
		schema.EventExecutionCompleted,
	}, h.events.types(rec.ID))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func newLibSQLRecorder(t *testing.T) *store.LibSQLStore {
	t.Helper()
	db, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRun_NonFiniteTransformFailsStep(t *testing.T) {
	db := newLibSQLRecorder(t)
	h := newHarness(t, Config{}, func(d *Deps) { d.Recorder = db })
	agent := newAgent("divide", mkStep(t, "t", schema.StepTypeTransformation, 0, map[string]any{
		"language": "expr", "transformation": "1/0", "inputVariable": "data", "outputVariable": "ratio",
	}))

	rec := h.run(t, agent, nil)

	assert.Equal(t, schema.ExecutionFailed, rec.Status)
	assert.Equal(t, schema.ErrCodeExecution, rec.ErrorCode)
	assert.NotContains(t, rec.Variables, "ratio")

	stored, err := db.GetExecution(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, stored.Status)
	assert.Equal(t, []string{"t"}, stored.ExecutionPath)
	require.Len(t, stored.StepResults, 1)
	assert.Equal(t, schema.StepFailure, stored.StepResults[0].Status)
	assert.NotNil(t, stored.EndTime)
}

func TestRun_UnstorableStateStillFinalizes(t *testing.T) {
	db := newLibSQLRecorder(t)
	h := newHarness(t, Config{}, func(d *Deps) { d.Recorder = db })
	h.engine.dispatcher.Register(schema.StepTypeWait, HandlerFunc(func(_ context.Context, _ *Node, ec *ExecutionContext) (schema.StepResult, error) {
		ec.SetVariable("ratio", math.Inf(1))
		return schema.StepResult{Output: "done"}, nil
	}))
	agent := newAgent("unstorable", mkStep(t, "w", schema.StepTypeWait, 0, map[string]any{"duration": 1}))

	rec := h.run(t, agent, nil)

	assert.Equal(t, schema.ExecutionFailed, rec.Status)
	assert.Equal(t, schema.ErrCodeStore, rec.ErrorCode)

	stored, err := db.GetExecution(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, stored.Status)
	assert.Equal(t, schema.ErrCodeStore, stored.ErrorCode)
	assert.NotEmpty(t, stored.ErrorMessage)
	assert.NotNil(t, stored.EndTime)
	assert.Empty(t, stored.ExecutionPath)
}
