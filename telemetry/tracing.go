// OpenTelemetry tracing for kernel dispatch, agent execution and pipeline cycles.
package telemetry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with kernel-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include parameter values in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer bound to a specific provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

// SetDebug enables or disables debug mode.
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Dispatch Spans ---

// DispatchSpanOptions describes the outcome of a kernel dispatch.
type DispatchSpanOptions struct {
	Resolved string // registry key the task resolved to
	Status   string // output status
	Heavy    bool
}

// StartDispatchSpan starts the root span of a kernel dispatch.
func (t *Tracer) StartDispatchSpan(ctx context.Context, task, tenantID, requestID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "kernel.dispatch", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("kernel.task", task),
		attribute.String("kernel.tenant_id", tenantID),
	)
	if requestID != "" {
		span.SetAttributes(attribute.String("kernel.request_id", requestID))
	}
	return ctx, span
}

// EndDispatchSpan ends a dispatch span.
func (t *Tracer) EndDispatchSpan(span trace.Span, opts DispatchSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("kernel.status", opts.Status),
		attribute.Bool("kernel.heavy", opts.Heavy),
	}
	if opts.Resolved != "" {
		attrs = append(attrs, attribute.String("kernel.resolved", opts.Resolved))
	}
	span.SetAttributes(attrs...)
	endSpan(span, err)
}

// --- Agent Spans ---

// AgentSpanOptions describes an agent execution.
type AgentSpanOptions struct {
	Params map[string]any // Keys always, values only if debug=true
	Status string
}

// StartAgentSpan starts a span for one agent execution.
func (t *Tracer) StartAgentSpan(ctx context.Context, task string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "agent."+task, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("agent.task", task))
	return ctx, span
}

// EndAgentSpan ends an agent span with attributes.
func (t *Tracer) EndAgentSpan(span trace.Span, opts AgentSpanOptions, err error) {
	keys := make([]string, 0, len(opts.Params))
	for k := range opts.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	span.SetAttributes(
		attribute.StringSlice("agent.param_keys", keys),
		attribute.String("agent.status", opts.Status),
	)

	// Values only in debug mode (may contain tenant data)
	if t.debug {
		for _, k := range keys {
			span.SetAttributes(attribute.String("agent.param."+k, truncateAny(opts.Params[k], 500)))
		}
	}

	endSpan(span, err)
}

// --- Pipeline Spans ---

// PipelineSpanOptions describes a pipeline cycle decision.
type PipelineSpanOptions struct {
	Action string
	Reason string
	Status string
}

// StartPipelineSpan starts a span for one pipeline cycle of a project.
func (t *Tracer) StartPipelineSpan(ctx context.Context, projectID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "pipeline.cycle", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("pipeline.project_id", projectID))
	return ctx, span
}

// EndPipelineSpan ends a pipeline span with attributes.
func (t *Tracer) EndPipelineSpan(span trace.Span, opts PipelineSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("pipeline.action", opts.Action),
		attribute.String("pipeline.status", opts.Status),
	}
	if opts.Reason != "" {
		attrs = append(attrs, attribute.String("pipeline.reason", opts.Reason))
	}
	span.SetAttributes(attrs...)
	endSpan(span, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// TraceID returns the hex trace id carried by ctx, or "" if none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func truncateAny(v any, maxLen int) string {
	switch val := v.(type) {
	case string:
		return truncate(val, maxLen)
	case []byte:
		return truncate(string(val), maxLen)
	default:
		return truncate(fmt.Sprint(v), maxLen)
	}
}
