package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	remoteTracerName = "mailscheduler.jmap"
	dbTracerName     = "mailscheduler.database"
)

// StartRemoteSpan starts a span around one JMAP round trip. The returned
// end function records err (if any) on the span before ending it.
//
//	ctx, end := telemetry.StartRemoteSpan(ctx, "EmailSubmission/set")
//	defer func() { end(err) }()
func StartRemoteSpan(ctx context.Context, operation string) (context.Context, func(error)) {
	ctx, span := otel.Tracer(remoteTracerName).Start(ctx, operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("rpc.system", "jmap")),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// StartDBSpan starts a span for a database operation.
func StartDBSpan(ctx context.Context, operation string) (context.Context, func()) {
	ctx, span := otel.Tracer(dbTracerName).Start(ctx, operation,
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	return ctx, func() { span.End() }
}
