// Package engine runs agents: it walks an agent's step graph, dispatches
// each step to its handler and records the trace as it goes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/internal/httpclient"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/provider"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/internal/tracing"
	"github.com/rendis/agentflow/internal/validation"
	"github.com/rendis/agentflow/pkg/schema"
)

// DefaultMaxSteps bounds the step executions of one run.
const DefaultMaxSteps = 10000

// AgentRepository loads agent definitions. Satisfied by store.Store.
type AgentRepository interface {
	GetAgentWithStepsAndVariables(ctx context.Context, id string) (*schema.Agent, error)
}

// Recorder persists execution records. Satisfied by store.Store.
type Recorder interface {
	CreateExecution(ctx context.Context, rec *schema.ExecutionRecord) error
	AppendStep(ctx context.Context, executionID string, step store.StepAppend) error
	FinalizeExecution(ctx context.Context, executionID string, final store.ExecutionFinal) error
}

// HTTPCaller performs API_CALL requests. Satisfied by *httpclient.Client.
type HTTPCaller interface {
	Call(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
}

// SchemaValidator checks data against a JSON Schema document.
// Satisfied by *validation.JSONSchemaValidator.
type SchemaValidator interface {
	Validate(data any, schemaDoc any) (*validation.Result, error)
}

// CredentialResolver returns a decrypted credential. Satisfied by secrets.Vault.
type CredentialResolver interface {
	Get(ctx context.Context, agentID, name string) (string, error)
}

// Config tunes the engine.
type Config struct {
	// PoolSize bounds concurrent background runs started with Start.
	PoolSize int
	// MaxSteps bounds step executions per run, loop bodies included.
	MaxSteps int
	// RunTimeout, when positive, bounds the wall time of a run.
	RunTimeout time.Duration
	// CircuitBreaker configures the per-host breakers of API_CALL steps.
	CircuitBreaker *CircuitBreakerConfig
}

// Deps are the engine's collaborators. Agents and Recorder are required.
type Deps struct {
	Agents      AgentRepository
	Recorder    Recorder
	Events      EventAppender
	Hub         streaming.EventHub
	Provider    provider.ContentProvider
	HTTP        HTTPCaller
	Validator   SchemaValidator
	Credentials CredentialResolver
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

// RunRequest identifies the agent to run and its input.
type RunRequest struct {
	AgentID string         `json:"agent_id"`
	UserID  string         `json:"user_id,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
}

// RunHandle tracks a background run started with Start.
type RunHandle struct {
	ID   string
	done chan struct{}
	rec  *schema.ExecutionRecord
	err  error
}

// Done is closed when the run has been finalized.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run ends or ctx is done.
func (h *RunHandle) Wait(ctx context.Context) (*schema.ExecutionRecord, error) {
	select {
	case <-h.done:
		return h.rec, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Engine executes agents. It is safe for concurrent use; each run owns its
// ExecutionContext.
type Engine struct {
	config     Config
	agents     AgentRepository
	recorder   Recorder
	emitter    *eventEmitter
	fsm        *RecordFSM
	dispatcher *Dispatcher
	eval       *expressions.Evaluator
	pool       *WorkerPool
	breakers   *CircuitBreakerRegistry
	logger     *slog.Logger
	tracer     trace.Tracer

	// mu guards running.
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New wires an engine and registers a handler for every step type.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Agents == nil || deps.Recorder == nil {
		return nil, errors.New("engine: agent repository and recorder are required")
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = tracing.Tracer()
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:   cfg,
		agents:   deps.Agents,
		recorder: deps.Recorder,
		emitter:  &eventEmitter{appender: deps.Events, hub: deps.Hub, logger: logger},
		eval:     expressions.NewEvaluator(logger),
		pool:     NewWorkerPool(cfg.PoolSize, logger),
		breakers: NewCircuitBreakerRegistry(cbConfig),
		logger:   logger,
		tracer:   tracer,
		running:  make(map[string]context.CancelFunc),
	}
	e.fsm = NewRecordFSM(e.emitter)

	d := NewDispatcher(logger, tracer)
	d.Register(schema.StepTypePrompt, &promptHandler{provider: deps.Provider, validator: deps.Validator, eval: e.eval})
	d.Register(schema.StepTypeAPICall, &apiCallHandler{
		client: deps.HTTP, credentials: deps.Credentials, breakers: e.breakers, eval: e.eval, events: e.emitter,
	})
	d.Register(schema.StepTypeValidation, &validationHandler{validator: deps.Validator})
	d.Register(schema.StepTypeTransformation, &transformationHandler{
		eval: e.eval, jq: expressions.NewGoJQEngine(), expr: expressions.NewExprEngine(),
	})
	d.Register(schema.StepTypeCondition, &conditionHandler{eval: e.eval, cel: celEngine, events: e.emitter})
	d.Register(schema.StepTypeLoop, &loopHandler{dispatcher: d, events: e.emitter})
	d.Register(schema.StepTypeWait, waitHandler{})
	d.Register(schema.StepTypeSetVariable, &setVariableHandler{eval: e.eval, events: e.emitter})
	d.Register(schema.StepTypeErrorHandler, &errorHandler{events: e.emitter, logger: logger})
	e.dispatcher = d

	return e, nil
}

// Breakers exposes the per-host circuit breakers for diagnostics.
func (e *Engine) Breakers() *CircuitBreakerRegistry {
	return e.breakers
}

// Run executes an agent to completion and returns its finalized record. The
// record is nil only when it could not be created; any later fault is
// reported through the record's FAILED status, with a nil error.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*schema.ExecutionRecord, error) {
	rec, err := e.create(ctx, req)
	if err != nil {
		return nil, err
	}
	runCtx, release := e.track(ctx, rec.ID)
	defer release()
	return e.execute(runCtx, rec), nil
}

// Start creates the execution record synchronously and runs the agent on
// the worker pool. It blocks while the pool is full.
func (e *Engine) Start(ctx context.Context, req RunRequest) (*RunHandle, error) {
	rec, err := e.create(ctx, req)
	if err != nil {
		return nil, err
	}

	h := &RunHandle{ID: rec.ID, done: make(chan struct{})}
	// Registered before the handle is returned so Cancel(h.ID) always finds it.
	runCtx, release := e.track(context.WithoutCancel(ctx), rec.ID)
	err = e.pool.Submit(ctx, func(context.Context) error {
		defer close(h.done)
		defer release()
		h.rec = e.execute(runCtx, rec)
		if h.rec.Status == schema.ExecutionFailed {
			return errors.New(h.rec.ErrorMessage)
		}
		return nil
	})
	if err != nil {
		release()
		// The record exists; close it out so it does not stay RUNNING.
		e.finalize(context.WithoutCancel(ctx), rec, nil, schema.NewErrorf(schema.ErrCodeCancelled, "run not scheduled: %s", err.Error()))
		return nil, err
	}
	return h, nil
}

// track registers a cancellable context for the run. release unregisters it.
func (e *Engine) track(parent context.Context, executionID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	e.mu.Lock()
	e.running[executionID] = cancel
	e.mu.Unlock()
	return ctx, func() {
		e.mu.Lock()
		delete(e.running, executionID)
		e.mu.Unlock()
		cancel()
	}
}

// Cancel stops an in-flight run at its next step boundary. It reports
// whether the run was found.
func (e *Engine) Cancel(executionID string) bool {
	e.mu.Lock()
	cancel, ok := e.running[executionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running returns the ids of in-flight runs.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown cancels every in-flight run and waits for background runs to be
// finalized.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, cancel := range e.running {
		cancel()
	}
	e.mu.Unlock()
	e.pool.Shutdown()
}

// Metrics returns the background run pool counters.
func (e *Engine) Metrics() PoolMetrics {
	return e.pool.Metrics()
}

func (e *Engine) create(ctx context.Context, req RunRequest) (*schema.ExecutionRecord, error) {
	input := req.Input
	if input == nil {
		input = map[string]any{}
	}
	rec := &schema.ExecutionRecord{
		ID:            uuid.New().String(),
		AgentID:       req.AgentID,
		UserID:        req.UserID,
		Status:        schema.ExecutionRunning,
		Input:         input,
		ExecutionPath: []string{},
		StepResults:   []schema.StepExecution{},
		Variables:     map[string]any{},
		StartTime:     time.Now().UTC(),
	}
	if err := e.recorder.CreateExecution(ctx, rec); err != nil {
		return nil, err
	}

	ctx = logging.WithIDs(ctx, rec.ID, "", rec.AgentID)
	if err := e.fsm.Transition(ctx, rec.ID, statusNew, schema.ExecutionRunning, map[string]any{
		"agent_id": rec.AgentID,
		"user_id":  rec.UserID,
	}); err != nil {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "execution_started event not recorded", "error", err)
	}
	return rec, nil
}

// execute drives a created record to a terminal state. ctx is the run's
// tracked context.
func (e *Engine) execute(ctx context.Context, rec *schema.ExecutionRecord) (out *schema.ExecutionRecord) {
	if e.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.RunTimeout)
		defer cancel()
	}

	ctx = logging.WithIDs(ctx, rec.ID, "", rec.AgentID)
	ctx, span := tracing.StartSpan(ctx, e.tracer, "agentflow.run",
		attribute.String(tracing.ExecutionIDKey, rec.ID),
		attribute.String(tracing.AgentIDKey, rec.AgentID),
		attribute.String(tracing.UserIDKey, rec.UserID),
	)
	defer span.End()
	log := logging.LogWith(ctx, e.logger)
	log.InfoContext(ctx, "run started")

	var ec *ExecutionContext
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "run panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			out = e.finalize(ctx, rec, ec, schema.NewErrorf(schema.ErrCodeInternal, "internal error: %v", r))
		}
		span.SetAttributes(attribute.String(tracing.RunStatusKey, string(out.Status)))
		if out.Status == schema.ExecutionFailed {
			tracing.SetError(span, errors.New(out.ErrorMessage), attribute.String(tracing.ErrorCodeKey, out.ErrorCode))
		}
		log.InfoContext(ctx, "run finished", "status", out.Status, "error_code", out.ErrorCode,
			"steps", len(out.ExecutionPath), "token_usage", out.TokenUsage)
	}()

	if err := ctx.Err(); err != nil {
		return e.finalize(ctx, rec, nil, contextError(err, "run stopped"))
	}
	agent, err := e.agents.GetAgentWithStepsAndVariables(ctx, rec.AgentID)
	if err != nil {
		if schema.ErrorCode(err, "") != schema.ErrCodeNotFound {
			err = schema.NewErrorf(schema.ErrCodeStore, "load agent %s: %s", rec.AgentID, errorMessage(err)).WithCause(err)
		}
		return e.finalize(ctx, rec, nil, err)
	}
	graph, err := BuildGraph(agent)
	if err != nil {
		return e.finalize(ctx, rec, nil, err)
	}
	for _, w := range graph.Warnings {
		log.DebugContext(ctx, "agent warning", "path", w.Path, "message", w.Message)
	}

	ec = NewExecutionContext(rec.ID, agent, rec.UserID, rec.Input, e.config.MaxSteps)
	ec.graph = graph
	ec.StartTime = rec.StartTime

	return e.finalize(ctx, rec, ec, e.walk(ctx, graph, ec))
}

// walk runs steps until the graph is exhausted, a step halts the run or a
// fault occurs. A nil return means the graph ran out of steps.
func (e *Engine) walk(ctx context.Context, graph *StepGraph, ec *ExecutionContext) error {
	current := graph.First()
	for current != "" {
		if err := ctx.Err(); err != nil {
			return contextError(err, "run stopped")
		}
		node, ok := graph.Node(current)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeInvalidGraph, "step %q not found", current)
		}
		if err := ec.consumeStep(); err != nil {
			return err
		}

		res := e.dispatcher.Execute(ctx, node, ec)
		entry := ec.Record(node.Step.ID, res)
		// The step already ran; persist it even if the run was cancelled meanwhile.
		if err := e.recorder.AppendStep(context.WithoutCancel(ctx), ec.ExecutionID, store.StepAppend{
			Entry:     entry,
			Path:      ec.ExecutionPath,
			Variables: ec.Variables,
			Errors:    ec.Errors,
		}); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "append step %s: %s", node.Step.ID, errorMessage(err)).WithCause(err)
		}
		e.emitter.emitBestEffort(ctx, ec.ExecutionID, node.Step.ID, stepEventType(res.Status), stepEventPayload(res))

		next, halt := graph.Next(node, res)
		if halt {
			return nil
		}
		current = next
	}
	return nil
}

// finalize closes the record. fault is an orchestration error; nil means
// the walk ended and the outcome follows from the last step result.
func (e *Engine) finalize(ctx context.Context, rec *schema.ExecutionRecord, ec *ExecutionContext, fault error) *schema.ExecutionRecord {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	if now.Before(rec.StartTime) {
		now = rec.StartTime
	}

	if ec != nil {
		rec.ExecutionPath = ec.ExecutionPath
		rec.StepResults = ec.StepResults
		rec.Variables = ec.Variables
		rec.Errors = ec.Errors
		rec.TokenUsage = ec.TokenUsage
	}

	switch {
	case fault != nil:
		rec.Status = schema.ExecutionFailed
		rec.ErrorMessage = errorMessage(fault)
		rec.ErrorCode = schema.ErrorCode(fault, schema.ErrCodeInternal)
	case ec != nil:
		if last, ok := ec.LastResult(); ok && last.Status == schema.StepFailure {
			rec.Status = schema.ExecutionFailed
			rec.ErrorMessage = last.Error
			rec.ErrorCode = last.ErrorCode
			if rec.ErrorCode == "" {
				rec.ErrorCode = schema.ErrCodeStepFailed
			}
		} else {
			rec.Status = schema.ExecutionCompleted
			rec.Output = e.eval.Resolve(ec.Variables, ec.Env())
		}
	default:
		rec.Status = schema.ExecutionFailed
		rec.ErrorCode = schema.ErrCodeInternal
		rec.ErrorMessage = "run ended without state"
	}
	rec.EndTime = &now

	log := logging.LogWith(ctx, e.logger)
	if rec.Status == schema.ExecutionFailed && fault != nil {
		log.ErrorContext(ctx, "run fault", "error_code", rec.ErrorCode, "error", rec.ErrorMessage)
	}

	if err := e.recorder.FinalizeExecution(ctx, rec.ID, store.ExecutionFinal{
		Status:       rec.Status,
		Output:       rec.Output,
		ErrorMessage: rec.ErrorMessage,
		ErrorCode:    rec.ErrorCode,
		Path:         rec.ExecutionPath,
		Variables:    rec.Variables,
		Errors:       rec.Errors,
		TokenUsage:   rec.TokenUsage,
		EndTime:      now,
	}); err != nil {
		log.ErrorContext(ctx, "finalize execution failed", "error", err)
		if schema.ErrorCode(err, "") != schema.ErrCodeConflict {
			e.finalizeStatusOnly(ctx, rec, err)
		}
	}

	payload := map[string]any{"status": string(rec.Status), "steps": len(rec.ExecutionPath)}
	if rec.ErrorCode != "" {
		payload["error_code"] = rec.ErrorCode
		payload["error"] = rec.ErrorMessage
	}
	if err := e.fsm.Transition(ctx, rec.ID, schema.ExecutionRunning, rec.Status, payload); err != nil {
		log.WarnContext(ctx, "terminal event not recorded", "error", err)
	}
	return rec
}

// finalizeStatusOnly closes a record whose final state could not be
// written, keeping whatever the last appended step stored. A run that
// completed is reported as a store failure since its result is lost.
func (e *Engine) finalizeStatusOnly(ctx context.Context, rec *schema.ExecutionRecord, cause error) {
	if rec.Status == schema.ExecutionCompleted {
		rec.Status = schema.ExecutionFailed
		rec.Output = nil
		rec.ErrorCode = schema.ErrCodeStore
		rec.ErrorMessage = "save final state: " + errorMessage(cause)
	}
	if err := e.recorder.FinalizeExecution(ctx, rec.ID, store.ExecutionFinal{
		Status:       rec.Status,
		ErrorMessage: rec.ErrorMessage,
		ErrorCode:    rec.ErrorCode,
		TokenUsage:   rec.TokenUsage,
		EndTime:      *rec.EndTime,
		StatusOnly:   true,
	}); err != nil {
		logging.LogWith(ctx, e.logger).ErrorContext(ctx, "status-only finalize failed", "error", err)
	}
}

func stepEventType(status schema.StepStatus) string {
	switch status {
	case schema.StepFailure:
		return schema.EventStepFailed
	case schema.StepSkipped:
		return schema.EventStepSkipped
	default:
		return schema.EventStepCompleted
	}
}

func stepEventPayload(res schema.StepResult) map[string]any {
	p := map[string]any{
		"status":         string(res.Status),
		"execution_time": res.ExecutionTime,
		"token_usage":    res.TokenUsage,
	}
	if res.Error != "" {
		p["error"] = res.Error
		p["error_code"] = res.ErrorCode
	}
	if res.Jump != "" {
		p["jump"] = res.Jump
	}
	if res.Halt {
		p["halt"] = true
	}
	return p
}
