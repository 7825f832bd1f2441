package supervision

import (
	"context"

	"github.com/harun/overwatch/internal/breaker"
	"github.com/harun/overwatch/internal/logger"
	"github.com/harun/overwatch/internal/loopguard"
)

// Step is the handle a running task uses to reach its guards
type Step struct {
	core    *Core
	traceID string
	task    Task
	logger  *logger.Logger
	loops   *loopguard.Detector
}

// TraceID returns the task's trace id
func (s *Step) TraceID() string {
	return s.traceID
}

// Logger returns a logger tagged with the task name
func (s *Step) Logger() *logger.Logger {
	return s.logger
}

// Guard runs op as the action name with args. The action is first
// checked for repetition, then executed through the breaker for name.
func (s *Step) Guard(ctx context.Context, name string, args interface{}, op breaker.Operation) (interface{}, error) {
	if s.loops != nil {
		fingerprint, err := loopguard.Fingerprint(name, args)
		if err != nil {
			return nil, err
		}
		if err := s.loops.RecordAction(ctx, fingerprint); err != nil {
			return nil, err
		}
	}
	return s.core.breakers.Get(name).Execute(ctx, op)
}

// RecordAction feeds a caller-computed fingerprint to the loop detector
func (s *Step) RecordAction(ctx context.Context, fingerprint string) error {
	if s.loops == nil {
		return nil
	}
	return s.loops.RecordAction(ctx, fingerprint)
}

// Charge records token usage against the task's trace
func (s *Step) Charge(ctx context.Context, tokens int64) error {
	return s.core.costs.RecordUsage(ctx, tokens, s.traceID)
}

// Usage returns the tokens charged to the task's trace so far
func (s *Step) Usage(ctx context.Context) int64 {
	return s.core.costs.GetUsage(ctx, s.traceID)
}
