// Package breaker isolates failing operations behind a circuit breaker.
//
// State graph:
//
//	CLOSED ──[failures ≥ threshold]──► OPEN
//	OPEN ──[next call after resetTimeout]──► HALF_OPEN
//	HALF_OPEN ──[success]──► CLOSED
//	HALF_OPEN ──[failure]──► OPEN
//
// The OPEN → HALF_OPEN transition is evaluated lazily when a call
// arrives; no timer runs in the background.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/overwatch/internal/logger"
	"github.com/harun/overwatch/internal/metrics"
	"github.com/harun/overwatch/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// State is a circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// ErrCircuitOpen is matched by errors returned for short-circuited calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned when a call is rejected without running
type OpenError struct {
	Breaker    string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry after %s)", e.Breaker, e.RetryAfter)
}

// Is makes errors.Is(err, ErrCircuitOpen) hold
func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// Config configures a breaker
type Config struct {
	// FailureThreshold is the failure count that opens a closed circuit
	FailureThreshold int
	// ResetTimeout is how long an open circuit rejects calls
	ResetTimeout time.Duration
	// Clock returns the current time; time.Now when nil
	Clock func() time.Time
}

// DefaultConfig returns the default breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// Stats is a snapshot of a breaker
type Stats struct {
	Name             string     `json:"name"`
	State            string     `json:"state"`
	FailureCount     int        `json:"failure_count"`
	LastFailure      *time.Time `json:"last_failure,omitempty"`
	FailureThreshold int        `json:"failure_threshold"`
	ResetTimeout     string     `json:"reset_timeout"`
	TotalCalls       int64      `json:"total_calls"`
	TotalRejections  int64      `json:"total_rejections"`
}

// Operation is the guarded unit of work
type Operation func(ctx context.Context) (interface{}, error)

// Breaker guards one protected operation.
// Safe for concurrent use; the guarded operation runs without the lock held.
type Breaker struct {
	name    string
	config  Config
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	state        State
	failureCount int
	lastFailure  time.Time

	totalCalls      int64
	totalRejections int64
}

// Option customises a Breaker
type Option func(*Breaker)

// WithLogger sets the logger used for state transitions
func WithLogger(l *logger.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Breaker) {
		b.metrics = m
	}
}

// New creates a closed breaker
func New(name string, cfg Config, opts ...Option) *Breaker {
	defaults := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaults.ResetTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	b := &Breaker{
		name:   name,
		config: cfg,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logger.Default()
	}
	b.logger = b.logger.Child(map[string]interface{}{
		"component": "circuit_breaker",
		"breaker":   name,
	})
	b.metrics.SetBreakerState(name, int(StateClosed))

	return b
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state. It does not evaluate the reset timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current failure count
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

type transition struct {
	from, to State
}

// admit decides whether a call may run, moving OPEN to HALF_OPEN once
// the reset timeout has elapsed.
func (b *Breaker) admit() (bool, time.Duration, *transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++

	if b.state != StateOpen {
		return true, 0, nil
	}

	elapsed := b.config.Clock().Sub(b.lastFailure)
	if elapsed > b.config.ResetTimeout {
		b.state = StateHalfOpen
		return true, 0, &transition{from: StateOpen, to: StateHalfOpen}
	}

	b.totalRejections++
	return false, b.config.ResetTimeout - elapsed, nil
}

func (b *Breaker) onSuccess() *transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		return &transition{from: StateHalfOpen, to: StateClosed}
	}
	return nil
}

func (b *Breaker) onFailure() (*transition, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = b.config.Clock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		return &transition{from: StateHalfOpen, to: StateOpen}, b.failureCount
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = StateOpen
			return &transition{from: StateClosed, to: StateOpen}, b.failureCount
		}
	}
	return nil, b.failureCount
}

// Execute runs op unless the circuit is open. The operation's result and
// error are returned unchanged; a rejected call returns an *OpenError.
func (b *Breaker) Execute(ctx context.Context, op Operation) (interface{}, error) {
	allowed, retryAfter, tr := b.admit()
	b.report(ctx, tr, 0)

	if !allowed {
		b.metrics.RecordBreakerRejection(b.name)
		return nil, &OpenError{Breaker: b.name, RetryAfter: retryAfter}
	}

	result, err := op(ctx)
	if err != nil {
		tr, failures := b.onFailure()
		b.report(ctx, tr, failures)
		return result, err
	}

	b.report(ctx, b.onSuccess(), 0)
	return result, nil
}

func (b *Breaker) report(ctx context.Context, tr *transition, failures int) {
	if tr == nil {
		return
	}

	b.metrics.RecordBreakerTransition(b.name, tr.from.String(), tr.to.String(), int(tr.to))
	tracing.RecordEvent(ctx, "breaker.transition",
		attribute.String("breaker", b.name),
		attribute.String("from", tr.from.String()),
		attribute.String("to", tr.to.String()),
	)

	fields := map[string]interface{}{
		"from": tr.from.String(),
		"to":   tr.to.String(),
	}
	if tr.to == StateOpen {
		fields["failure_count"] = failures
		b.logger.Warn(ctx, "circuit opened", fields)
		return
	}
	b.logger.Info(ctx, "circuit state changed", fields)
}

// Do runs op through b and returns a typed result
func Do[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := b.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return op(ctx)
	})
	if result == nil {
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		return zero, err
	}
	return typed, err
}

// Stats returns a snapshot of the breaker
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := Stats{
		Name:             b.name,
		State:            b.state.String(),
		FailureCount:     b.failureCount,
		FailureThreshold: b.config.FailureThreshold,
		ResetTimeout:     b.config.ResetTimeout.String(),
		TotalCalls:       b.totalCalls,
		TotalRejections:  b.totalRejections,
	}
	if !b.lastFailure.IsZero() {
		last := b.lastFailure
		stats.LastFailure = &last
	}
	return stats
}

// Reset closes the circuit and clears failure bookkeeping
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.state = StateClosed
	b.failureCount = 0
	b.lastFailure = time.Time{}
	b.mu.Unlock()

	b.metrics.SetBreakerState(b.name, int(StateClosed))
}
