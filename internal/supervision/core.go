// Package supervision composes the guard components into one facade that
// supervises agent tasks: each task runs in its own trace scope with a
// token budget, a loop detector and breaker-guarded external calls.
package supervision

import (
	"context"
	"errors"
	"time"

	"github.com/harun/overwatch/internal/breaker"
	"github.com/harun/overwatch/internal/config"
	"github.com/harun/overwatch/internal/cost"
	"github.com/harun/overwatch/internal/logger"
	"github.com/harun/overwatch/internal/loopguard"
	"github.com/harun/overwatch/internal/metrics"
	"github.com/harun/overwatch/internal/sop"
	"github.com/harun/overwatch/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "github.com/harun/overwatch/supervision"

// Task describes one unit of supervised agent work
type Task struct {
	// TraceID pins the trace; a fresh or inherited one is used when empty
	TraceID string
	// Name labels the task in logs
	Name string
	// SOPID, when set, receives the task outcome
	SOPID string
	// Budget, when positive, initialises the trace's token budget
	Budget int64
}

// StepFunc is the supervised body of a task
type StepFunc func(ctx context.Context, step *Step) (interface{}, error)

// Core owns one instance of every guard component
type Core struct {
	cfg     config.Supervision
	logger  *logger.Logger
	base    *logger.Logger
	buffer  *logger.Buffer
	metrics *metrics.Metrics
	clock   func() time.Time
	audit   *AuditLog

	breakers *breaker.Group
	costs    *cost.Controller
	sops     *sop.Registry
}

// Option customises a Core
type Option func(*Core)

// WithLogger sets the base logger. Its buffer is replaced by the core's.
func WithLogger(l *logger.Logger) Option {
	return func(c *Core) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink shared by all components
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Core) {
		c.metrics = m
	}
}

// WithClock overrides time.Now for breakers and SOP stats
func WithClock(clock func() time.Time) Option {
	return func(c *Core) {
		c.clock = clock
	}
}

// WithBuffer gives the core a private log buffer instead of the
// process-wide one
func WithBuffer(b *logger.Buffer) Option {
	return func(c *Core) {
		c.buffer = b
	}
}

// WithAudit appends every task outcome to a, an *AuditLog
func WithAudit(a *AuditLog) Option {
	return func(c *Core) {
		c.audit = a
	}
}

// New builds a Core from the supervision config section
func New(cfg config.Supervision, opts ...Option) *Core {
	c := &Core{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Default()
	}
	if c.clock == nil {
		c.clock = time.Now
	}

	if c.buffer == nil {
		c.buffer = logger.SharedBuffer()
		c.buffer.Resize(cfg.LogBuffer.Capacity)
	}
	c.base = c.logger.WithBuffer(c.buffer).WithMetrics(c.metrics)
	c.logger = c.base.WithComponent("supervisor")

	c.breakers = breaker.NewGroup(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout(),
		Clock:            c.clock,
	}, c.base, c.metrics)
	c.costs = cost.NewController(
		cost.Config{DefaultLimit: cfg.Cost.DefaultLimit},
		cost.WithLogger(c.base),
		cost.WithMetrics(c.metrics),
	)
	c.sops = sop.NewRegistry(
		sop.WithLogger(c.base),
		sop.WithMetrics(c.metrics),
		sop.WithClock(c.clock),
	)

	return c
}

// Run executes fn inside a trace scope for task. Guard errors raised by
// the step are returned unchanged so callers can match them with
// errors.Is.
func (c *Core) Run(ctx context.Context, task Task, fn StepFunc) (interface{}, error) {
	return tracing.RunInScope(ctx, task.TraceID, func(ctx context.Context) (interface{}, error) {
		traceID, _ := tracing.CurrentTraceID(ctx)

		ctx, span := tracing.StartSpan(ctx, tracerName, "overwatch.task",
			attribute.String("task.name", task.Name),
			attribute.String("trace.id", traceID),
		)
		defer span.End()

		if task.Budget > 0 {
			if err := c.costs.InitBudget(traceID, task.Budget); err != nil {
				return nil, err
			}
		}

		step := c.newStep(traceID, task)
		step.logger.Info(ctx, "task started")
		started := c.clock()

		result, err := fn(ctx, step)

		if task.SOPID != "" && c.cfg.SOP.Enabled {
			c.sops.RecordExecution(ctx, task.SOPID, err == nil)
		}

		event := AuditEvent{
			Timestamp:  c.clock(),
			TraceID:    traceID,
			Task:       task.Name,
			SOPID:      task.SOPID,
			Status:     AuditSuccess,
			TokensUsed: c.costs.GetUsage(ctx, traceID),
			DurationMs: c.clock().Sub(started).Milliseconds(),
		}
		fields := map[string]interface{}{
			"duration_ms": event.DurationMs,
			"tokens_used": event.TokensUsed,
		}
		if err != nil {
			span.RecordError(err)
			event.Status = AuditFailure
			if IsTerminal(err) {
				event.Status = AuditTerminal
			}
			event.Error = err.Error()
			c.audit.Record(ctx, event)

			fields["error"] = err.Error()
			fields["terminal"] = IsTerminal(err)
			step.logger.Error(ctx, "task failed", fields)
			return result, err
		}
		c.audit.Record(ctx, event)
		step.logger.Info(ctx, "task completed", fields)
		return result, nil
	})
}

func (c *Core) newStep(traceID string, task Task) *Step {
	s := &Step{
		core:    c,
		traceID: traceID,
		task:    task,
		logger: c.logger.Child(map[string]interface{}{
			"task": task.Name,
		}),
	}
	if c.cfg.Loop.Enabled {
		s.loops = loopguard.New(
			loopguard.WithLogger(c.base),
			loopguard.WithMetrics(c.metrics),
		)
	}
	return s
}

// IsTerminal reports whether err means the task must stop rather than
// retry: a blown budget or a detected loop
func IsTerminal(err error) bool {
	return errors.Is(err, cost.ErrCostLimitExceeded) || errors.Is(err, loopguard.ErrLoopDetected)
}

// Breakers returns the breaker group
func (c *Core) Breakers() *breaker.Group {
	return c.breakers
}

// Costs returns the cost controller
func (c *Core) Costs() *cost.Controller {
	return c.costs
}

// SOPs returns the SOP health registry
func (c *Core) SOPs() *sop.Registry {
	return c.sops
}

// Logs returns the buffer the core's components log into
func (c *Core) Logs() *logger.Buffer {
	return c.buffer
}

// Logger returns the supervisor logger
func (c *Core) Logger() *logger.Logger {
	return c.logger
}

// Metrics returns the metrics sink, possibly nil
func (c *Core) Metrics() *metrics.Metrics {
	return c.metrics
}

// Reset clears every registry and the log buffer
func (c *Core) Reset() {
	c.breakers.Reset()
	c.costs.Reset()
	c.sops.Reset()
	c.buffer.Reset()
}

// Shutdown closes the audit trail and flushes tracing
func (c *Core) Shutdown(ctx context.Context) error {
	auditErr := c.audit.Close()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		return err
	}
	return auditErr
}
