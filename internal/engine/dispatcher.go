package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/tracing"
	"github.com/rendis/agentflow/pkg/schema"
)

// StepHandler executes one step type. A returned error turns the result
// into a FAILURE carrying the error's code and details; fields already set
// on the result (Output, TokenUsage, Halt) are kept.
type StepHandler interface {
	Handle(ctx context.Context, node *Node, ec *ExecutionContext) (schema.StepResult, error)
}

// HandlerFunc adapts a function to StepHandler.
type HandlerFunc func(ctx context.Context, node *Node, ec *ExecutionContext) (schema.StepResult, error)

func (f HandlerFunc) Handle(ctx context.Context, node *Node, ec *ExecutionContext) (schema.StepResult, error) {
	return f(ctx, node, ec)
}

// Dispatcher routes a step to the handler for its type.
type Dispatcher struct {
	handlers map[schema.StepType]StepHandler
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger, tracer trace.Tracer) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		handlers: make(map[schema.StepType]StepHandler),
		logger:   logger,
		tracer:   tracer,
	}
}

// Register installs the handler for a step type, replacing any previous one.
func (d *Dispatcher) Register(t schema.StepType, h StepHandler) {
	d.handlers[t] = h
}

// Execute runs one step and always returns a result: handler errors and
// panics become FAILURE. ExecutionTime is measured here.
func (d *Dispatcher) Execute(ctx context.Context, node *Node, ec *ExecutionContext) schema.StepResult {
	start := time.Now()
	ctx = logging.WithStepID(ctx, node.Step.ID)
	ctx, span := tracing.StartSpan(ctx, d.tracer, "agentflow.step",
		attribute.String(tracing.ExecutionIDKey, ec.ExecutionID),
		attribute.String(tracing.StepIDKey, node.Step.ID),
		attribute.String(tracing.StepTypeKey, string(node.Step.Type)),
	)
	defer span.End()

	res, err := d.invoke(ctx, node, ec)
	if err != nil {
		res = failWith(res, err)
		tracing.SetError(span, err, attribute.String(tracing.ErrorCodeKey, res.ErrorCode))
	}
	if res.Status == "" {
		res.Status = schema.StepSuccess
	}
	res.ExecutionTime = time.Since(start).Milliseconds()
	span.SetAttributes(attribute.String(tracing.StepStatusKey, string(res.Status)))

	log := logging.LogWith(ctx, d.logger)
	if res.Status == schema.StepFailure {
		log.WarnContext(ctx, "step failed", "type", node.Step.Type, "error_code", res.ErrorCode, "error", res.Error)
	} else {
		log.DebugContext(ctx, "step finished", "type", node.Step.Type, "status", res.Status, "duration_ms", res.ExecutionTime)
	}
	return res
}

func (d *Dispatcher) invoke(ctx context.Context, node *Node, ec *ExecutionContext) (res schema.StepResult, err error) {
	h, ok := d.handlers[node.Step.Type]
	if !ok {
		return schema.StepResult{}, schema.NewErrorf(schema.ErrCodeValidation,
			"no handler for step type %q", node.Step.Type).WithStep(node.Step.ID)
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "step handler panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			res = schema.StepResult{}
			err = schema.NewErrorf(schema.ErrCodeInternal, "step handler panicked: %v", r).WithStep(node.Step.ID)
		}
	}()
	return h.Handle(ctx, node, ec)
}

// failWith turns res into a FAILURE described by err.
func failWith(res schema.StepResult, err error) schema.StepResult {
	res.Status = schema.StepFailure
	res.Error = errorMessage(err)
	res.ErrorCode = schema.ErrorCode(err, schema.ErrCodeExecution)
	if fe, ok := schema.AsFlowError(err); ok && len(fe.Details) > 0 {
		res.ErrorDetails = fe.Details
	}
	return res
}
