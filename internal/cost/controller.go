// Package cost tracks token spend per trace against a budget.
package cost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/overwatch/internal/logger"
	"github.com/harun/overwatch/internal/metrics"
	"github.com/harun/overwatch/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultLimit is the budget given to traces that record usage before
// a budget was initialised
const DefaultLimit int64 = 100000

// Budget is the spend of one trace
type Budget struct {
	TokensUsed int64     `json:"tokens_used"`
	Limit      int64     `json:"limit"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Remaining returns the tokens left before the limit, never below zero
func (b Budget) Remaining() int64 {
	if b.TokensUsed >= b.Limit {
		return 0
	}
	return b.Limit - b.TokensUsed
}

// Config configures a Controller
type Config struct {
	// DefaultLimit applies to lazily created budgets; DefaultLimit when <= 0
	DefaultLimit int64
}

// Controller holds one budget per trace id
type Controller struct {
	defaultLimit int64
	logger       *logger.Logger
	metrics      *metrics.Metrics

	mu      sync.Mutex
	budgets map[string]*Budget
}

// Option customises a Controller
type Option func(*Controller)

// WithLogger sets the logger used for limit violations
func WithLogger(l *logger.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// NewController creates an empty controller
func NewController(cfg Config, opts ...Option) *Controller {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}

	c := &Controller{
		defaultLimit: cfg.DefaultLimit,
		budgets:      make(map[string]*Budget),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Default()
	}
	c.logger = c.logger.WithComponent("cost_controller")
	return c
}

// DefaultLimit returns the limit used for lazily created budgets
func (c *Controller) DefaultLimit() int64 {
	return c.defaultLimit
}

// InitBudget sets the budget of traceID, discarding prior usage
func (c *Controller) InitBudget(traceID string, limit int64) error {
	if limit <= 0 {
		return fmt.Errorf("init budget for %s: %w", traceID, ErrInvalidLimit)
	}

	c.mu.Lock()
	c.budgets[traceID] = &Budget{Limit: limit, UpdatedAt: time.Now()}
	tracked := len(c.budgets)
	c.mu.Unlock()

	c.metrics.SetBudgetsTracked(tracked)
	return nil
}

// RecordUsage adds tokens to a trace's spend. An empty traceID falls back
// to the trace in ctx; with neither, the call does nothing. The increment
// is kept even when it crosses the limit, in which case a
// *LimitExceededError is returned.
func (c *Controller) RecordUsage(ctx context.Context, tokens int64, traceID string) error {
	if tokens < 0 {
		return ErrInvalidTokens
	}

	id, ok := tracing.LookupTraceID(ctx, traceID)
	if !ok {
		return nil
	}

	c.mu.Lock()
	budget, ok := c.budgets[id]
	if !ok {
		budget = &Budget{Limit: c.defaultLimit}
		c.budgets[id] = budget
	}
	budget.TokensUsed += tokens
	budget.UpdatedAt = time.Now()
	used, limit := budget.TokensUsed, budget.Limit
	tracked := len(c.budgets)
	c.mu.Unlock()

	c.metrics.RecordTokens(tokens, tracked)

	if used <= limit {
		return nil
	}

	c.metrics.RecordCostLimitExceeded()
	tracing.RecordEvent(ctx, "cost.limit_exceeded",
		attribute.String("trace.id", id),
		attribute.Int64("tokens.used", used),
		attribute.Int64("tokens.limit", limit),
	)
	c.logger.Error(ctx, "cost limit exceeded", map[string]interface{}{
		"trace_id": id,
		"used":     used,
		"limit":    limit,
	})
	return &LimitExceededError{TraceID: id, Used: used, Limit: limit}
}

// GetUsage returns the tokens spent by traceID, or by the trace in ctx
// when traceID is empty. Unknown traces report zero.
func (c *Controller) GetUsage(ctx context.Context, traceID string) int64 {
	id, ok := tracing.LookupTraceID(ctx, traceID)
	if !ok {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if budget, ok := c.budgets[id]; ok {
		return budget.TokensUsed
	}
	return 0
}

// Budget returns a copy of the budget of traceID
func (c *Controller) Budget(traceID string) (Budget, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	budget, ok := c.budgets[traceID]
	if !ok {
		return Budget{}, false
	}
	return *budget, true
}

// Clear removes the budget of traceID, or of the trace in ctx when
// traceID is empty
func (c *Controller) Clear(ctx context.Context, traceID string) {
	id, ok := tracing.LookupTraceID(ctx, traceID)
	if !ok {
		return
	}

	c.mu.Lock()
	delete(c.budgets, id)
	tracked := len(c.budgets)
	c.mu.Unlock()

	c.metrics.SetBudgetsTracked(tracked)
}

// GetAllCosts returns a snapshot of every budget keyed by trace id
func (c *Controller) GetAllCosts() map[string]Budget {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := make(map[string]Budget, len(c.budgets))
	for id, budget := range c.budgets {
		snapshot[id] = *budget
	}
	return snapshot
}

// Reset drops every budget
func (c *Controller) Reset() {
	c.mu.Lock()
	c.budgets = make(map[string]*Budget)
	c.mu.Unlock()

	c.metrics.SetBudgetsTracked(0)
}

var (
	defaultOnce       sync.Once
	defaultController *Controller
)

// Default returns the process-wide controller
func Default() *Controller {
	defaultOnce.Do(func() {
		defaultController = NewController(Config{}, WithMetrics(metrics.Default()))
	})
	return defaultController
}
