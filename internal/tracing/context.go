package tracing

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for the active trace ID
	TraceIDKey ContextKey = "trace_id"
)

// ScopeFunc is the unit of work executed inside a trace scope
type ScopeFunc func(ctx context.Context) (interface{}, error)

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID binds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from the context, or "" when none is bound
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// CurrentTraceID reports the trace ID of the enclosing scope.
// The second return value is false outside any scope.
func CurrentTraceID(ctx context.Context) (string, bool) {
	traceID := GetTraceID(ctx)
	return traceID, traceID != ""
}

// ResolveTraceID picks the ID a new scope will use: the explicit ID if
// given, else the enclosing scope's ID, else a freshly generated one.
func ResolveTraceID(ctx context.Context, explicitID string) string {
	if explicitID != "" {
		return explicitID
	}
	if traceID, ok := CurrentTraceID(ctx); ok {
		return traceID
	}
	return NewTraceID()
}

// LookupTraceID returns explicitID when set, else the ambient trace ID.
// Unlike ResolveTraceID it never synthesises an ID.
func LookupTraceID(ctx context.Context, explicitID string) (string, bool) {
	if explicitID != "" {
		return explicitID, true
	}
	return CurrentTraceID(ctx)
}

// RunInScope executes fn with a trace ID bound to its context.
//
// Every call made with the derived context, including across goroutine
// hand-offs and blocking waits that carry it, observes the same ID.
// Child scopes inherit the parent ID unless explicitID overrides it.
func RunInScope(ctx context.Context, explicitID string, fn ScopeFunc) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	traceID := ResolveTraceID(ctx, explicitID)
	ctx = WithTraceID(ctx, traceID)

	ctx, span := StartSpan(ctx, tracerName, "overwatch.scope",
		attribute.String("trace.id", traceID),
	)
	defer span.End()

	result, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return result, err
}
