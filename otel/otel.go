// Package otel provides higher level APIs around Open Telemetry instrumentation.
package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/event-capture/eventcapture/log"
)

const (
	serviceName = "eventcapture"
	tracerName  = "session"
)

// ErrUnsupportedProto is returned for exporter protocols other than http.
var ErrUnsupportedProto = errors.New("unsupported protocol")

// TraceProvider is the tracer provider installed for the process. Shutdown
// flushes pending spans.
type TraceProvider interface {
	Tracer(name string, options ...trace.TracerOption) trace.Tracer
	Shutdown(ctx context.Context) error
}

type traceProvider struct {
	trace.TracerProvider

	shutdown func(ctx context.Context) error
}

// NewTraceProvider installs a provider exporting session spans over OTLP to
// endpoint.
func NewTraceProvider(ctx context.Context, proto, endpoint string, insecure bool) (TraceProvider, error) {
	if !strings.EqualFold(proto, "http") {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProto, proto)
	}
	if endpoint == "" {
		return nil, errors.New("traces endpoint is empty")
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	prov := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)
	otel.SetTracerProvider(prov)

	return &traceProvider{TracerProvider: prov, shutdown: prov.Shutdown}, nil
}

// NewNoopTraceProvider installs a provider that records nothing.
func NewNoopTraceProvider() TraceProvider {
	prov := trace.NewNoopTracerProvider()
	otel.SetTracerProvider(prov)

	return &traceProvider{TracerProvider: prov}
}

func (tp *traceProvider) Shutdown(ctx context.Context) error {
	if tp.shutdown == nil {
		return nil
	}
	return tp.shutdown(ctx)
}

// Trace generates a trace span and a context containing the generated span.
// If the input context already contains a span, the generated span will be a child of that span
// otherwise it will be a root span. Any Span that is created MUST also be ended.
func Trace(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, opts...)
}

type liveSpan struct {
	ctx  context.Context
	span trace.Span
}

var (
	liveSpansMu sync.Mutex
	liveSpans   = map[string]*liveSpan{}
)

// TraceSession starts the span of a recording session. It lives until
// EndSession is called for the same task; there is only ever one inflight
// span per task.
func TraceSession(ctx context.Context, taskID string, opts ...trace.SpanStartOption) trace.Span {
	liveSpansMu.Lock()
	defer liveSpansMu.Unlock()

	if ls := liveSpans[taskID]; ls != nil {
		ls.span.End()
	}
	ls := &liveSpan{}
	ls.ctx, ls.span = Trace(ctx, "session", opts...)
	liveSpans[taskID] = ls

	return ls.span
}

// AddEventToSession adds the given event to the live session span of taskID.
// Events for tasks without a live span are dropped with an error log.
func AddEventToSession(logger *log.Logger, taskID string, eventName string, options ...trace.EventOption) {
	liveSpansMu.Lock()
	defer liveSpansMu.Unlock()

	ls := liveSpans[taskID]
	if ls == nil {
		logger.Errorf("AddEventToSession", "missing task %q, skipping event %q", taskID, eventName)
		return
	}

	ls.span.AddEvent(eventName, options...)
}

// TraceSessionCall starts a span as a child of the live session span of
// taskID. The context is used when the task has no live span.
func TraceSessionCall(ctx context.Context, taskID string, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	liveSpansMu.Lock()
	defer liveSpansMu.Unlock()

	ls := liveSpans[taskID]
	if ls == nil {
		return otel.Tracer(tracerName).Start(ctx, spanName, opts...)
	}

	return otel.Tracer(tracerName).Start(ls.ctx, spanName, opts...)
}

// EndSession ends the live session span of taskID.
func EndSession(taskID string, opts ...trace.SpanEndOption) {
	liveSpansMu.Lock()
	defer liveSpansMu.Unlock()

	if ls := liveSpans[taskID]; ls != nil {
		ls.span.End(opts...)
		delete(liveSpans, taskID)
	}
}
