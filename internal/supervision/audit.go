package supervision

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit statuses
const (
	AuditSuccess  = "success"
	AuditFailure  = "failure"
	AuditTerminal = "terminal"
)

// AuditEvent is one line of the task audit trail
type AuditEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	TraceID    string    `json:"trace_id"`
	Task       string    `json:"task,omitempty"`
	SOPID      string    `json:"sop_id,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	TokensUsed int64     `json:"tokens_used"`
	DurationMs int64     `json:"duration_ms"`
}

// AuditLog appends task outcomes as JSON lines
type AuditLog struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

// NewAuditLog writes audit events to w
func NewAuditLog(w io.Writer) *AuditLog {
	return &AuditLog{logger: zerolog.New(w)}
}

// OpenAuditLog appends audit events to the file at path, creating it and
// its directory when missing
func OpenAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &AuditLog{logger: zerolog.New(file), file: file}, nil
}

// Record writes event and mirrors it onto the active span
func (a *AuditLog) Record(ctx context.Context, event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("audit", trace.WithAttributes(
			attribute.String("audit.status", event.Status),
			attribute.String("audit.task", event.Task),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("timestamp", event.Timestamp).
		Str("trace_id", event.TraceID).
		Str("status", event.Status).
		Int64("tokens_used", event.TokensUsed).
		Int64("duration_ms", event.DurationMs)
	if event.Task != "" {
		entry.Str("task", event.Task)
	}
	if event.SOPID != "" {
		entry.Str("sop_id", event.SOPID)
	}
	if event.Error != "" {
		entry.Str("error", event.Error)
	}
	entry.Msg("")
}

// Close closes the backing file, if any
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		return err
	}
	return nil
}
