// OpenTelemetry sink: scopes become spans, log records become span events
// and, when a LoggerProvider is configured, correlated OTel log records.
package reconstruct

import (
	"context"

	"github.com/andrewh/scopetrace/pkg/frame"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer, logger and meter scope name.
const InstrumentationName = "github.com/andrewh/scopetrace"

// TracerSink forwards scopes to an OpenTelemetry tracer.
type TracerSink struct {
	tracer    trace.Tracer
	logger    log.Logger
	base      context.Context
	spanAttrs []attribute.KeyValue
}

// TracerSinkOption configures a TracerSink.
type TracerSinkOption func(*TracerSink)

// WithLoggerProvider also emits every event as an OTel log record.
func WithLoggerProvider(lp log.LoggerProvider) TracerSinkOption {
	return func(s *TracerSink) { s.logger = lp.Logger(InstrumentationName) }
}

// WithSpanAttributes adds attributes to every span the sink starts.
func WithSpanAttributes(attrs ...attribute.KeyValue) TracerSinkOption {
	return func(s *TracerSink) { s.spanAttrs = append(s.spanAttrs, attrs...) }
}

// WithBaseContext sets the context root spans are started from.
func WithBaseContext(ctx context.Context) TracerSinkOption {
	return func(s *TracerSink) { s.base = ctx }
}

// NewTracerSink creates a sink using a tracer from tp.
func NewTracerSink(tp trace.TracerProvider, opts ...TracerSinkOption) *TracerSink {
	s := &TracerSink{
		tracer: tp.Tracer(InstrumentationName),
		base:   context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// liveSpan tracks an in-flight OTel span.
type liveSpan struct {
	Span trace.Span
	Ctx  context.Context
}

// Begin starts a span as a child of parent, or as a new trace root.
func (s *TracerSink) Begin(parent Handle, name string) Handle {
	parentCtx := s.base
	if p, ok := parent.(*liveSpan); ok && p != nil {
		parentCtx = p.Ctx
	}
	ctx, span := s.tracer.Start(parentCtx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(s.spanAttrs...),
	)
	return &liveSpan{Span: span, Ctx: ctx}
}

// SetAttributes sets attributes on the span behind h.
func (s *TracerSink) SetAttributes(h Handle, attrs ...attribute.KeyValue) {
	if ls, ok := h.(*liveSpan); ok && ls != nil {
		ls.Span.SetAttributes(attrs...)
	}
}

// End ends the span behind h.
func (s *TracerSink) End(h Handle) {
	if ls, ok := h.(*liveSpan); ok && ls != nil {
		ls.Span.End()
	}
}

// Event adds a span event to scope and emits a log record if configured.
// Without a scope the message only reaches the log pipeline.
func (s *TracerSink) Event(scope Handle, level frame.Level, message string, attrs ...attribute.KeyValue) {
	ctx := s.base
	if ls, ok := scope.(*liveSpan); ok && ls != nil {
		ctx = ls.Ctx
		eventAttrs := attrs
		if level != frame.LevelUnknown {
			eventAttrs = append(eventAttrs[:len(eventAttrs):len(eventAttrs)], attribute.String("log.severity", level.String()))
		}
		ls.Span.AddEvent(message, trace.WithAttributes(eventAttrs...))
	}

	if s.logger == nil {
		return
	}
	var rec log.Record
	rec.SetSeverity(severity(level))
	rec.SetSeverityText(level.String())
	rec.SetBody(log.StringValue(message))
	for _, kv := range attrs {
		rec.AddAttributes(logKeyValue(kv))
	}
	s.logger.Emit(ctx, rec)
}

func severity(l frame.Level) log.Severity {
	switch l {
	case frame.LevelTrace:
		return log.SeverityTrace
	case frame.LevelDebug:
		return log.SeverityDebug
	case frame.LevelInfo:
		return log.SeverityInfo
	case frame.LevelWarn:
		return log.SeverityWarn
	case frame.LevelError:
		return log.SeverityError
	default:
		return log.SeverityUndefined
	}
}

// logKeyValue converts a trace attribute into a log attribute.
func logKeyValue(kv attribute.KeyValue) log.KeyValue {
	key := string(kv.Key)
	switch kv.Value.Type() {
	case attribute.BOOL:
		return log.Bool(key, kv.Value.AsBool())
	case attribute.INT64:
		return log.Int64(key, kv.Value.AsInt64())
	case attribute.FLOAT64:
		return log.Float64(key, kv.Value.AsFloat64())
	default:
		return log.String(key, kv.Value.Emit())
	}
}
