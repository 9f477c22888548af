package monitor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "code-runner-sandbox"

// Tracer starts spans named "code_runner.<op>" on the global provider.
type Tracer struct {
	tracer trace.Tracer
}

func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "code_runner."+name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

var (
	AttrExecID     = attribute.Key("code_runner.execution.id")
	AttrSession    = attribute.Key("code_runner.session")
	AttrLanguage   = attribute.Key("code_runner.language")
	AttrFile       = attribute.Key("code_runner.file")
	AttrStatus     = attribute.Key("code_runner.status")
	AttrExitCode   = attribute.Key("code_runner.exit_code")
	AttrDurationMS = attribute.Key("code_runner.duration_ms")
	AttrFindings   = attribute.Key("code_runner.findings")
)
