package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// ExecuteInsert wraps a Mongo insert with a db.insert client span, tagging
// the collection and recording the error if the write failed. Used by
// pkg/archive so call/audit writes show up in the same traces as the rest
// of a call's handling.
func ExecuteInsert(ctx context.Context, collection string, fn func() (interface{}, error)) (interface{}, error) {
	tracer := otel.Tracer("voicebridge")

	_, span := tracer.Start(ctx, "db.insert",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemKey.String("mongodb"),
			semconv.DBOperationKey.String("insert"),
			attribute.String("db.collection", collection),
		),
	)
	defer span.End()

	id, err := fn()
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("db.error", true))
	}
	return id, err
}
