package resilience

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/makeavideo/api/internal/resilience"

// WithTracing wraps each call in a span named after the collaborator. With
// no global TracerProvider the noop tracer makes this a pass-through.
func WithTracing[T any](service, operation string) Middleware[T] {
	return WithTracer[T](otel.Tracer(tracerName), service, operation)
}

// WithTracer is WithTracing with an explicit tracer.
func WithTracer[T any](tracer trace.Tracer, service, operation string) Middleware[T] {
	return func(next Func[T]) Func[T] {
		return func(ctx context.Context) (T, error) {
			ctx, span := tracer.Start(ctx, "collaborator."+operation,
				trace.WithAttributes(
					attribute.String("collaborator.service", service),
					attribute.String("collaborator.operation", operation),
				),
				trace.WithSpanKind(trace.SpanKindClient),
			)
			defer span.End()

			result, err := next(ctx)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return result, err
		}
	}
}
