package diagnostics

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/overwatch/internal/supervision"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Reporter periodically logs a health summary through the supervisor
// logger, so degradations also land in the log buffer
type Reporter struct {
	core     *supervision.Core
	schedule string
	logger   zerolog.Logger

	mu   sync.Mutex
	cron *cron.Cron
	last *Health
}

// NewReporter creates a reporter for a standard cron schedule or descriptor
func NewReporter(core *supervision.Core, schedule string, logger zerolog.Logger) *Reporter {
	return &Reporter{
		core:     core,
		schedule: schedule,
		logger:   logger.With().Str("component", "health-reporter").Logger(),
	}
}

// Start schedules the report
func (r *Reporter) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() { r.Report(context.Background()) }); err != nil {
		return fmt.Errorf("invalid report schedule %q: %w", r.schedule, err)
	}

	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()

	c.Start()
	r.logger.Info().Str("schedule", r.schedule).Msg("Health reporter started")
	return nil
}

// Stop stops scheduling and waits for a running report to finish
func (r *Reporter) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// Report checks health once and logs it. Degraded health logs a warning.
func (r *Reporter) Report(ctx context.Context) Health {
	health := Check(r.core)

	r.mu.Lock()
	r.last = &health
	r.mu.Unlock()

	fields := map[string]interface{}{
		"status":        health.Status,
		"open_breakers": health.OpenBreakers,
		"stale_sops":    health.StaleSOPs,
		"over_budget":   health.OverBudget,
		"budgets":       health.Budgets,
	}
	l := r.core.Logger().WithComponent("health-reporter")
	if health.Status == StatusOK {
		l.Info(ctx, "health report", fields)
	} else {
		l.Warn(ctx, "health degraded", fields)
	}
	return health
}

// Last returns the most recent report, if any
func (r *Reporter) Last() (Health, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Health{}, false
	}
	return *r.last, true
}
