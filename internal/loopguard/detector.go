// Package loopguard detects an agent repeating the same action.
package loopguard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/harun/overwatch/internal/logger"
	"github.com/harun/overwatch/internal/metrics"
	"github.com/harun/overwatch/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// HistorySize is the number of recent fingerprints retained
	HistorySize = 10
	// RepeatThreshold is how many identical trailing actions make a loop
	RepeatThreshold = 3
)

// ErrLoopDetected is matched by errors returned when a loop is detected
var ErrLoopDetected = errors.New("loop detected")

// LoopDetectedError names the repeated action
type LoopDetectedError struct {
	Fingerprint string
	Repeats     int
}

func (e *LoopDetectedError) Error() string {
	return fmt.Sprintf("loop detected: action %q repeated %d times", e.Fingerprint, e.Repeats)
}

// Is makes errors.Is(err, ErrLoopDetected) hold
func (e *LoopDetectedError) Is(target error) bool {
	return target == ErrLoopDetected
}

// Detector keeps a bounded history of action fingerprints
type Detector struct {
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	history []string
}

// Option customises a Detector
type Option func(*Detector)

// WithLogger sets the logger used for detections
func WithLogger(l *logger.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) {
		d.metrics = m
	}
}

// New creates a detector with empty history
func New(opts ...Option) *Detector {
	d := &Detector{history: make([]string, 0, HistorySize)}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logger.Default()
	}
	d.logger = d.logger.WithComponent("loop_detector")
	return d
}

// RecordAction appends fingerprint to the history and returns a
// *LoopDetectedError when the last RepeatThreshold actions are identical.
// The action stays recorded either way.
func (d *Detector) RecordAction(ctx context.Context, fingerprint string) error {
	d.mu.Lock()
	d.history = append(d.history, fingerprint)
	if len(d.history) > HistorySize {
		d.history = append(d.history[:0], d.history[len(d.history)-HistorySize:]...)
	}
	looping := repeatsTail(d.history, RepeatThreshold)
	d.mu.Unlock()

	if !looping {
		return nil
	}

	d.metrics.RecordLoopDetected()
	tracing.RecordEvent(ctx, "loop.detected", attribute.String("fingerprint", fingerprint))
	d.logger.Error(ctx, "loop detected", map[string]interface{}{
		"fingerprint": fingerprint,
		"repeats":     RepeatThreshold,
	})
	return &LoopDetectedError{Fingerprint: fingerprint, Repeats: RepeatThreshold}
}

func repeatsTail(history []string, n int) bool {
	if len(history) < n {
		return false
	}
	tail := history[len(history)-n:]
	for _, fp := range tail[1:] {
		if fp != tail[0] {
			return false
		}
	}
	return true
}

// History returns the retained fingerprints, oldest first
func (d *Detector) History() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.history))
	copy(out, d.history)
	return out
}

// Clear empties the history
func (d *Detector) Clear() {
	d.mu.Lock()
	d.history = d.history[:0]
	d.mu.Unlock()
}

// Fingerprint derives a stable fingerprint for an action and its
// arguments. Map keys are sorted by encoding/json, so argument order does
// not matter.
func Fingerprint(action string, args interface{}) (string, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode action arguments: %w", err)
	}
	sum := sha256.Sum256(append([]byte(action+"\x00"), encoded...))
	return action + ":" + hex.EncodeToString(sum[:8]), nil
}
