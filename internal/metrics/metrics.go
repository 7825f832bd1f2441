package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the supervision core.
// Every recording method is safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Circuit breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec

	// Cost metrics
	TokensRecordedTotal prometheus.Counter
	CostLimitExceeded   prometheus.Counter
	BudgetsTracked      prometheus.Gauge

	// Loop detector metrics
	LoopDetectionsTotal prometheus.Counter

	// SOP metrics
	SOPExecutionsTotal *prometheus.CounterVec
	SOPStale           *prometheus.GaugeVec

	// Logger metrics
	LogEntriesTotal *prometheus.CounterVec

	// Queue metrics
	QueueSize    *prometheus.GaugeVec
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "overwatch_breaker_state",
				Help: "Circuit breaker state by breaker (0 closed, 1 open, 2 half-open).",
			},
			[]string{"breaker"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overwatch_breaker_transitions_total",
				Help: "Total circuit breaker state transitions.",
			},
			[]string{"breaker", "from", "to"},
		),
		BreakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overwatch_breaker_rejections_total",
				Help: "Total calls short-circuited by an open breaker.",
			},
			[]string{"breaker"},
		),

		TokensRecordedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "overwatch_tokens_recorded_total",
				Help: "Total tokens charged against trace budgets.",
			},
		),
		CostLimitExceeded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "overwatch_cost_limit_exceeded_total",
				Help: "Total usage reports that crossed a trace budget.",
			},
		),
		BudgetsTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "overwatch_budgets_tracked",
				Help: "Number of trace budgets currently tracked.",
			},
		),

		LoopDetectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "overwatch_loop_detections_total",
				Help: "Total repeated-action loops detected.",
			},
		),

		SOPExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overwatch_sop_executions_total",
				Help: "Total SOP executions by SOP and status.",
			},
			[]string{"sop", "status"},
		),
		SOPStale: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "overwatch_sop_stale",
				Help: "SOP staleness (1 stale, 0 healthy).",
			},
			[]string{"sop"},
		),

		LogEntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overwatch_log_entries_total",
				Help: "Total log entries by level.",
			},
			[]string{"level"},
		),

		QueueSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "overwatch_queue_size",
				Help: "Current queue size by lane.",
			},
			[]string{"lane"},
		),
		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overwatch_tasks_total",
				Help: "Total queued task completions by lane and status.",
			},
			[]string{"lane", "status"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "overwatch_task_duration_seconds",
				Help:    "Task execution duration in seconds by lane.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"lane"},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.BreakerState,
		m.BreakerTransitions,
		m.BreakerRejections,
		m.TokensRecordedTotal,
		m.CostLimitExceeded,
		m.BudgetsTracked,
		m.LoopDetectionsTotal,
		m.SOPExecutionsTotal,
		m.SOPStale,
		m.LogEntriesTotal,
		m.QueueSize,
		m.TasksTotal,
		m.TaskDuration,
	)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

var (
	defaultOnce sync.Once
	defaultInst *Metrics
)

// Default returns the process-wide metrics instance
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultInst = NewMetrics()
	})
	return defaultInst
}
