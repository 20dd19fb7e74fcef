package tracing

import (
	"go.opentelemetry.io/otel"
	codes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// tracerName is the default name used when acquiring a tracer instance.
const tracerName = "isovm"

// GetTracer returns a named tracer from the globally configured OpenTelemetry
// provider, falling back to the NoOp tracer when none is set. Prefer
// injecting a TracerProvider into components over relying on this.
func GetTracer() oteltrace.Tracer {
	return otel.Tracer(tracerName)
}

// RecordError records err on span, including a stack trace, and marks the
// span's status as an error. Does nothing if err or span is nil, or the span
// is not recording.
func RecordError(span oteltrace.Span, err error) {
	if err == nil || span == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err, oteltrace.WithStackTrace(true))
	span.SetStatus(codes.Error, err.Error())
}
