package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer names used for spans started by this package.
const (
	TracerName      = "dishmatch"
	DBTracerName    = "dishmatch/db"
	CacheTracerName = "dishmatch/cache"
)

// DBOperation represents the type of database operation being traced.
type DBOperation string

// The engine only reads; writes happen in the owning services.
const (
	DBOperationQuery DBOperation = "query"
	DBOperationExec  DBOperation = "exec"
)

// StartDBSpan starts a PostgreSQL client span named "<operation> <table>".
// Call the returned function with the operation's error to end it:
//
//	ctx, endSpan := tracing.StartDBSpan(ctx, "dishes", tracing.DBOperationQuery)
//	defer func() { endSpan(err) }()
func StartDBSpan(ctx context.Context, table string, operation DBOperation) (context.Context, func(error)) {
	tracer := otel.Tracer(DBTracerName)

	spanName := string(operation)
	if table != "" {
		spanName = spanName + " " + table
	}

	ctx, span := tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", string(operation)),
		),
	)

	if table != "" {
		span.SetAttributes(attribute.String("db.sql.table", table))
	}

	return ctx, ender(span)
}

// StartCacheSpan creates a client span for a Redis command. Only the key
// prefix is recorded so per-name keys do not leak into trace attributes.
func StartCacheSpan(ctx context.Context, command, keyPrefix string) (context.Context, func(error)) {
	ctx, span := otel.Tracer(CacheTracerName).Start(ctx, "cache "+command,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.operation", command),
			attribute.String("cache.key_prefix", keyPrefix),
		),
	)
	return ctx, ender(span)
}

// StartSpan starts an internal span on the dishmatch tracer.
func StartSpan(ctx context.Context, name string) (context.Context, func(error)) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, name)
	return ctx, ender(span)
}

// ender records a non-nil error on span and ends it.
func ender(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// AddEvent records an event on the span in ctx, if any.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes annotates the span in ctx, if any.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
