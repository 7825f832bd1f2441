package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds the active trace ID to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if traceID, ok := CurrentTraceID(ctx); ok {
		return logger.With().Str("trace_id", traceID).Logger()
	}
	return logger
}

// LoggerFromContext creates a logger carrying the trace ID of ctx
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext copies the trace ID of source into target unless target
// already belongs to a scope.
func MergeContext(target, source context.Context) context.Context {
	if _, ok := CurrentTraceID(target); ok {
		return target
	}
	if traceID, ok := CurrentTraceID(source); ok {
		return WithTraceID(target, traceID)
	}
	return target
}

// Detach returns a context that keeps the trace ID of ctx but is not
// cancelled with it. Used for work that must outlive the caller, such as
// queued tasks.
func Detach(ctx context.Context) context.Context {
	return MergeContext(context.Background(), ctx)
}
