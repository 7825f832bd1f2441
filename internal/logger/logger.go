package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/overwatch/internal/metrics"
	"github.com/harun/overwatch/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Logger emits leveled, trace-tagged entries. A Logger is immutable:
// Child and the With* methods return new instances.
type Logger struct {
	logger   zerolog.Logger
	fields   map[string]interface{}
	buffer   *Buffer
	metrics  *metrics.Metrics
	redactor *Redactor
	file     *os.File
}

// Config holds logger configuration
type Config struct {
	Level     string // info, warn, error
	File      string // log file path
	Console   bool   // enable console output
	Pretty    bool   // pretty format for console
	Redaction bool   // enable sensitive data redaction
}

// New creates a new logger writing to the configured sinks
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer

	if cfg.Console {
		var consoleWriter io.Writer = os.Stdout
		if cfg.Pretty {
			consoleWriter = zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339,
			}
		}
		writers = append(writers, consoleWriter)
	}

	var file *os.File
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err = os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}

		writers = append(writers, file)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stdout
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}

	var redactor *Redactor
	if cfg.Redaction {
		redactor = NewRedactor()
		writer = redactor.Wrap(writer)
	}

	l := newLogger(writer, level)
	l.file = file
	l.redactor = redactor
	return l, nil
}

// NewWithWriter creates a JSON logger writing to w
func NewWithWriter(w io.Writer) *Logger {
	return newLogger(w, zerolog.InfoLevel)
}

func newLogger(w io.Writer, level zerolog.Level) *Logger {
	return &Logger{
		logger: zerolog.New(w).Level(level).With().Timestamp().Logger(),
		fields: map[string]interface{}{},
		buffer: sharedBuffer,
	}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = NewWithWriter(os.Stdout)
)

// Default returns the process-wide logger
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger
func SetDefault(l *Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Close closes the log file, if any
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) clone() *Logger {
	c := *l
	return &c
}

// Child returns a logger whose fixed context is the parent's plus fields.
// The parent is not modified.
func (l *Logger) Child(fields map[string]interface{}) *Logger {
	c := l.clone()
	c.fields = make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		c.fields[k] = v
	}
	for k, v := range fields {
		c.fields[k] = v
	}
	return c
}

// WithComponent is shorthand for Child with a "component" field
func (l *Logger) WithComponent(component string) *Logger {
	return l.Child(map[string]interface{}{"component": component})
}

// WithBuffer returns a logger that appends to b instead of the shared buffer
func (l *Logger) WithBuffer(b *Buffer) *Logger {
	c := l.clone()
	c.buffer = b
	return c
}

// WithMetrics returns a logger that counts entries in m
func (l *Logger) WithMetrics(m *metrics.Metrics) *Logger {
	c := l.clone()
	c.metrics = m
	return c
}

// Fields returns a copy of the fixed context
func (l *Logger) Fields() map[string]interface{} {
	out := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.logger
}

// Info logs an info message
func (l *Logger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, LevelInfo, msg, fields...)
}

// Warn logs a warning message
func (l *Logger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, LevelWarn, msg, fields...)
}

// Error logs an error message
func (l *Logger) Error(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(ctx, LevelError, msg, fields...)
}

// Log logs at an explicit level
func (l *Logger) Log(ctx context.Context, level Level, msg string, fields ...map[string]interface{}) {
	l.log(ctx, level, msg, fields...)
}

func zerologLevel(level Level) zerolog.Level {
	switch level {
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// log merges fixed fields, call fields and the ambient trace ID into one
// entry. It never panics: it sits on error paths.
func (l *Logger) log(ctx context.Context, level Level, msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	merged := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}
	if l.redactor != nil {
		merged = l.redactor.RedactFields(merged)
	}

	traceID, _ := tracing.CurrentTraceID(ctx)
	id, _ := gonanoid.New()

	entry := Entry{
		ID:        id,
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		TraceID:   traceID,
	}
	if len(merged) > 0 {
		entry.Context = merged
	}

	if l.buffer != nil {
		l.buffer.Append(entry)
	}
	l.metrics.RecordLogEntry(string(level))

	event := l.logger.WithLevel(zerologLevel(level))
	if event == nil {
		return
	}
	event = event.Fields(merged)
	if traceID != "" {
		event = event.Str("trace_id", traceID)
	}
	event.Msg(msg)
}
