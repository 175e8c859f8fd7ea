// Package tracing wires OpenTelemetry spans around runs and steps.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName is the instrumentation scope and service.name of every span.
const ServiceName = "agentflow"

// Common attribute keys.
const (
	ExecutionIDKey = "agentflow.execution.id"
	AgentIDKey     = "agentflow.agent.id"
	UserIDKey      = "agentflow.user.id"
	StepIDKey      = "agentflow.step.id"
	StepTypeKey    = "agentflow.step.type"
	StepStatusKey  = "agentflow.step.status"
	RunStatusKey   = "agentflow.execution.status"
	ErrorCodeKey   = "agentflow.error.code"
)

// Setup installs a global tracer provider exporting over OTLP/HTTP. The
// exporter reads the standard OTEL_EXPORTER_OTLP_* environment. When enabled
// is false the global no-op provider is left in place. The returned func
// flushes and stops the provider.
func Setup(ctx context.Context, enabled bool) (func(context.Context) error, error) {
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	tp, err := NewProvider(sdktrace.WithBatcher(exporter))
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))
	return tp.Shutdown, nil
}

// NewProvider builds an SDK provider carrying the agentflow resource. Extra
// options (exporters, span processors) are appended.
func NewProvider(opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(ServiceName)),
	)
	if err != nil {
		return nil, err
	}
	base := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	return sdktrace.NewTracerProvider(append(base, opts...)...), nil
}

// Tracer returns the agentflow tracer from the global provider.
//
// nolint:ireturn
func Tracer() trace.Tracer {
	return otel.Tracer(ServiceName)
}

// StartSpan starts a span on tracer, or on the global tracer when nil.
//
// nolint:ireturn,spancheck
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = Tracer()
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// SetError records err on span and marks it failed.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("error_occurred", trace.WithAttributes(attrs...))
}
