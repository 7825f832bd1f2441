package metrics

import "time"

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// SetBreakerState records the numeric state of a breaker
func (m *Metrics) SetBreakerState(breaker string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(breaker).Set(float64(state))
}

// RecordBreakerTransition counts a state change and updates the state gauge
func (m *Metrics) RecordBreakerTransition(breaker, from, to string, state int) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(breaker, from, to).Inc()
	m.BreakerState.WithLabelValues(breaker).Set(float64(state))
}

// RecordBreakerRejection counts a short-circuited call
func (m *Metrics) RecordBreakerRejection(breaker string) {
	if m == nil {
		return
	}
	m.BreakerRejections.WithLabelValues(breaker).Inc()
}

// RecordTokens counts charged tokens and the number of tracked budgets
func (m *Metrics) RecordTokens(tokens int64, budgets int) {
	if m == nil {
		return
	}
	m.TokensRecordedTotal.Add(float64(tokens))
	m.BudgetsTracked.Set(float64(budgets))
}

// SetBudgetsTracked updates the tracked budget gauge
func (m *Metrics) SetBudgetsTracked(budgets int) {
	if m == nil {
		return
	}
	m.BudgetsTracked.Set(float64(budgets))
}

// RecordCostLimitExceeded counts a budget violation
func (m *Metrics) RecordCostLimitExceeded() {
	if m == nil {
		return
	}
	m.CostLimitExceeded.Inc()
}

// RecordLoopDetected counts a detected loop
func (m *Metrics) RecordLoopDetected() {
	if m == nil {
		return
	}
	m.LoopDetectionsTotal.Inc()
}

// RecordSOPExecution counts an SOP execution and updates its staleness
func (m *Metrics) RecordSOPExecution(sop string, success, stale bool) {
	if m == nil {
		return
	}
	m.SOPExecutionsTotal.WithLabelValues(sop, statusLabel(success)).Inc()
	value := 0.0
	if stale {
		value = 1.0
	}
	m.SOPStale.WithLabelValues(sop).Set(value)
}

// RecordLogEntry counts a log entry
func (m *Metrics) RecordLogEntry(level string) {
	if m == nil {
		return
	}
	m.LogEntriesTotal.WithLabelValues(level).Inc()
}

// SetQueueSize updates the queue depth gauge for a lane
func (m *Metrics) SetQueueSize(lane string, size int) {
	if m == nil {
		return
	}
	m.QueueSize.WithLabelValues(lane).Set(float64(size))
}

// RecordTaskCompletion counts a finished queued task
func (m *Metrics) RecordTaskCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.TaskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.QueueSize.WithLabelValues(lane).Set(float64(queueSize))
}
