// Package sop tracks the health of standard operating procedures by
// their execution outcomes.
package sop

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harun/overwatch/internal/logger"
	"github.com/harun/overwatch/internal/metrics"
	"github.com/harun/overwatch/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// MinExecutions is the sample size below which an SOP is never stale
	MinExecutions = 5
	// StaleFailureRate is the failure ratio above which an SOP is stale
	StaleFailureRate = 0.2
)

// Stat is the execution record of one SOP
type Stat struct {
	SOPID       string    `json:"sop_id"`
	Executions  int       `json:"executions"`
	Failures    int       `json:"failures"`
	LastUpdated time.Time `json:"last_updated"`
	Stale       bool      `json:"stale"`
}

// FailureRate returns failures over executions, zero with no executions
func (s Stat) FailureRate() float64 {
	if s.Executions == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.Executions)
}

func isStale(s *Stat) bool {
	return s.Executions >= MinExecutions && s.FailureRate() > StaleFailureRate
}

// Registry holds one Stat per SOP id
type Registry struct {
	logger  *logger.Logger
	metrics *metrics.Metrics
	clock   func() time.Time

	mu    sync.Mutex
	stats map[string]*Stat
}

// Option customises a Registry
type Option func(*Registry)

// WithLogger sets the logger used for staleness warnings
func WithLogger(l *logger.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithClock overrides time.Now
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clock: time.Now,
		stats: make(map[string]*Stat),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.Default()
	}
	r.logger = r.logger.WithComponent("sop_health")
	return r
}

// RecordExecution records one outcome for sopID. A warning is logged when
// the outcome makes the SOP stale.
func (r *Registry) RecordExecution(ctx context.Context, sopID string, success bool) {
	r.mu.Lock()
	stat, ok := r.stats[sopID]
	if !ok {
		stat = &Stat{SOPID: sopID}
		r.stats[sopID] = stat
	}
	stat.Executions++
	if !success {
		stat.Failures++
	}
	stat.LastUpdated = r.clock()

	wasStale := stat.Stale
	stat.Stale = isStale(stat)
	snapshot := *stat
	r.mu.Unlock()

	r.metrics.RecordSOPExecution(sopID, success, snapshot.Stale)

	if snapshot.Stale && !wasStale {
		tracing.RecordEvent(ctx, "sop.stale",
			attribute.String("sop.id", sopID),
			attribute.Float64("sop.failure_rate", snapshot.FailureRate()),
		)
		r.logger.Warn(ctx, "SOP is stale", map[string]interface{}{
			"sop_id":       sopID,
			"executions":   snapshot.Executions,
			"failures":     snapshot.Failures,
			"failure_rate": snapshot.FailureRate(),
		})
	}
}

// IsStale reports whether sopID has at least MinExecutions executions and
// a failure rate above StaleFailureRate. Unknown SOPs are not stale.
func (r *Registry) IsStale(sopID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.stats[sopID]
	return ok && isStale(stat)
}

// GetStats returns a copy of the stat for sopID
func (r *Registry) GetStats(sopID string) (Stat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.stats[sopID]
	if !ok {
		return Stat{}, false
	}
	return *stat, true
}

// GetAllStats returns a snapshot of every stat keyed by SOP id
func (r *Registry) GetAllStats() map[string]Stat {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stat, len(r.stats))
	for id, stat := range r.stats {
		out[id] = *stat
	}
	return out
}

// StaleSOPs returns the ids of stale SOPs in sorted order
func (r *Registry) StaleSOPs() []string {
	r.mu.Lock()
	var stale []string
	for id, stat := range r.stats {
		if isStale(stat) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(stale)
	return stale
}

// Reset drops every stat
func (r *Registry) Reset() {
	r.mu.Lock()
	r.stats = make(map[string]*Stat)
	r.mu.Unlock()
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(WithMetrics(metrics.Default()))
	})
	return defaultRegistry
}
