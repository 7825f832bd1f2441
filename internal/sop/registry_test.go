package sop

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/harun/overwatch/internal/logger"
	"github.com/harun/overwatch/internal/metrics"
	"github.com/harun/overwatch/internal/tracing"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(opts ...Option) (*Registry, *metrics.Metrics, *logger.Buffer) {
	buf := logger.NewBuffer(50)
	m := metrics.NewMetrics()
	l := logger.NewWithWriter(&bytes.Buffer{}).WithBuffer(buf)
	opts = append([]Option{WithLogger(l), WithMetrics(m)}, opts...)
	return NewRegistry(opts...), m, buf
}

func record(r *Registry, sopID string, outcomes ...bool) {
	for _, ok := range outcomes {
		r.RecordExecution(context.Background(), sopID, ok)
	}
}

func TestMostlyFailingSOPIsStale(t *testing.T) {
	r, m, buf := newTestRegistry()

	record(r, "deploy", false, false, false, false, true)

	assert.True(t, r.IsStale("deploy"))
	stat, ok := r.GetStats("deploy")
	require.True(t, ok)
	assert.Equal(t, 5, stat.Executions)
	assert.Equal(t, 4, stat.Failures)
	assert.True(t, stat.Stale)
	assert.InDelta(t, 0.8, stat.FailureRate(), 1e-9)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SOPStale.WithLabelValues("deploy")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SOPExecutionsTotal.WithLabelValues("deploy", "error")))

	var warnings int
	for _, e := range buf.Entries() {
		if e.Level == logger.LevelWarn {
			warnings++
			assert.Equal(t, "deploy", e.Context["sop_id"])
		}
	}
	assert.Equal(t, 1, warnings)
}

func TestMostlySucceedingSOPIsNotStale(t *testing.T) {
	r, _, buf := newTestRegistry()

	record(r, "deploy", true, true, true, true, false)

	assert.False(t, r.IsStale("deploy"))
	assert.Empty(t, buf.Entries())
}

func TestFewExecutionsAreNeverStale(t *testing.T) {
	r, _, _ := newTestRegistry()

	record(r, "deploy", false, false, false, false)
	assert.False(t, r.IsStale("deploy"))

	record(r, "deploy", false)
	assert.True(t, r.IsStale("deploy"))
}

func TestBoundaryFailureRate(t *testing.T) {
	r, _, _ := newTestRegistry()

	record(r, "deploy", false, true, true, true, true)
	assert.False(t, r.IsStale("deploy"), "a rate of exactly 0.2 is healthy")
}

func TestUnknownSOP(t *testing.T) {
	r, _, _ := newTestRegistry()

	assert.False(t, r.IsStale("missing"))
	_, ok := r.GetStats("missing")
	assert.False(t, ok)
}

func TestStaleWarningOnlyOnTransition(t *testing.T) {
	r, _, buf := newTestRegistry()

	record(r, "deploy", false, false, false, false, false, false, false)

	var warnings int
	for _, e := range buf.Entries() {
		if e.Level == logger.LevelWarn {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
}

func TestRecoveryClearsStaleness(t *testing.T) {
	r, _, _ := newTestRegistry()

	record(r, "deploy", false, false, true, true, true)
	require.True(t, r.IsStale("deploy"))

	for i := 0; i < 5; i++ {
		record(r, "deploy", true)
	}
	assert.False(t, r.IsStale("deploy"))
}

func TestWarningCarriesTraceID(t *testing.T) {
	r, _, buf := newTestRegistry()

	tracing.RunInScope(context.Background(), "T-sop", func(ctx context.Context) (interface{}, error) {
		for i := 0; i < 5; i++ {
			r.RecordExecution(ctx, "deploy", false)
		}
		return nil, nil
	})

	entries := buf.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "T-sop", entries[0].TraceID)
}

func TestLastUpdatedUsesClock(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	r, _, _ := newTestRegistry(WithClock(func() time.Time { return now }))

	record(r, "deploy", true)
	stat, _ := r.GetStats("deploy")
	assert.Equal(t, now, stat.LastUpdated)
}

func TestAllStatsStaleSOPsAndReset(t *testing.T) {
	r, _, _ := newTestRegistry()

	record(r, "b", false, false, false, false, false)
	record(r, "a", false, false, false, false, false)
	record(r, "c", true)

	all := r.GetAllStats()
	assert.Len(t, all, 3)
	assert.Equal(t, []string{"a", "b"}, r.StaleSOPs())

	r.Reset()
	assert.Empty(t, r.GetAllStats())
	assert.Empty(t, r.StaleSOPs())
}

func TestStalenessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("stale iff executions >= 5 and failure rate > 0.2", prop.ForAll(
		func(outcomes []bool) bool {
			r := NewRegistry(WithLogger(logger.NewWithWriter(&bytes.Buffer{}).WithBuffer(logger.NewBuffer(1))))
			failures := 0
			for _, ok := range outcomes {
				r.RecordExecution(context.Background(), "s", ok)
				if !ok {
					failures++
				}
			}
			n := len(outcomes)
			want := n >= 5 && float64(failures)/float64(n) > 0.2
			return r.IsStale("s") == want
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
