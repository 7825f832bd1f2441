package breaker

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/overwatch/internal/logger"
	"github.com/harun/overwatch/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func testLogger() (*logger.Logger, *logger.Buffer) {
	buf := logger.NewBuffer(50)
	return logger.NewWithWriter(&bytes.Buffer{}).WithBuffer(buf), buf
}

func newTestBreaker(clock *fakeClock, threshold int) (*Breaker, *metrics.Metrics, *logger.Buffer) {
	l, buf := testLogger()
	m := metrics.NewMetrics()
	b := New("search", Config{
		FailureThreshold: threshold,
		ResetTimeout:     10 * time.Second,
		Clock:            clock.Now,
	}, WithLogger(l), WithMetrics(m))
	return b, m, buf
}

func fail(ctx context.Context) (interface{}, error) { return nil, errBoom }
func succeed(ctx context.Context) (interface{}, error) { return "ok", nil }

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN(9)", State(9).String())
}

func TestNewAppliesDefaults(t *testing.T) {
	b := New("defaults", Config{})
	stats := b.Stats()

	assert.Equal(t, 5, stats.FailureThreshold)
	assert.Equal(t, "1m0s", stats.ResetTimeout)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "defaults", b.Name())
}

func TestClosedSuccessPassesThrough(t *testing.T) {
	b, _, _ := newTestBreaker(newFakeClock(), 2)

	result, err := b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateClosed, b.State())
}

func TestFailureBelowThresholdStaysClosed(t *testing.T) {
	b, _, _ := newTestBreaker(newFakeClock(), 3)

	_, err := b.Execute(context.Background(), fail)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.FailureCount())

	_, err = b.Execute(context.Background(), succeed)
	require.NoError(t, err)
	assert.Equal(t, 0, b.FailureCount(), "success in CLOSED resets the failure count")
}

func TestOpensAtThresholdAndShortCircuits(t *testing.T) {
	clock := newFakeClock()
	b, m, buf := newTestBreaker(clock, 2)
	ctx := context.Background()

	_, err := b.Execute(ctx, fail)
	assert.Same(t, errBoom, err, "operation errors pass through unchanged")
	_, err = b.Execute(ctx, fail)
	assert.Same(t, errBoom, err)
	assert.Equal(t, StateOpen, b.State())

	invoked := false
	_, err = b.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		invoked = true
		return nil, nil
	})
	assert.False(t, invoked, "open circuit must not invoke the operation")
	assert.ErrorIs(t, err, ErrCircuitOpen)

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "search", openErr.Breaker)
	assert.Equal(t, 10*time.Second, openErr.RetryAfter)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerRejections.WithLabelValues("search")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerTransitions.WithLabelValues("search", "CLOSED", "OPEN")))

	var opened bool
	for _, e := range buf.Entries() {
		if e.Message == "circuit opened" {
			opened = true
			assert.Equal(t, logger.LevelWarn, e.Level)
		}
	}
	assert.True(t, opened)
}

func TestResetTimeoutMustStrictlyElapse(t *testing.T) {
	clock := newFakeClock()
	b, _, _ := newTestBreaker(clock, 1)
	ctx := context.Background()

	b.Execute(ctx, fail)
	clock.Advance(10 * time.Second)

	_, err := b.Execute(ctx, succeed)
	assert.ErrorIs(t, err, ErrCircuitOpen, "exactly resetTimeout is not enough")
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b, _, _ := newTestBreaker(clock, 2)
	ctx := context.Background()

	b.Execute(ctx, fail)
	b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(11 * time.Second)

	var stateDuringCall State
	result, err := b.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		stateDuringCall = b.State()
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, StateHalfOpen, stateDuringCall)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.FailureCount())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b, _, _ := newTestBreaker(clock, 2)
	ctx := context.Background()

	b.Execute(ctx, fail)
	b.Execute(ctx, fail)
	clock.Advance(11 * time.Second)

	_, err := b.Execute(ctx, fail)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())

	_, err = b.Execute(ctx, succeed)
	assert.ErrorIs(t, err, ErrCircuitOpen, "re-opened circuit restarts the reset timeout")
}

func TestHalfOpenSingleFailureReopensRegardlessOfThreshold(t *testing.T) {
	clock := newFakeClock()
	b, _, _ := newTestBreaker(clock, 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, b.State())

	clock.Advance(11 * time.Second)
	b.Execute(ctx, succeed)
	require.Equal(t, StateClosed, b.State())

	b.Execute(ctx, fail)
	assert.Equal(t, StateClosed, b.State(), "after closing, the threshold applies again")
}

func TestFailureCountMonotonicUntilSuccess(t *testing.T) {
	clock := newFakeClock()
	b, _, _ := newTestBreaker(clock, 100)
	ctx := context.Background()

	previous := 0
	for i := 0; i < 10; i++ {
		b.Execute(ctx, fail)
		current := b.FailureCount()
		assert.GreaterOrEqual(t, current, previous)
		previous = current
	}
}

func TestStatsAndReset(t *testing.T) {
	clock := newFakeClock()
	b, _, _ := newTestBreaker(clock, 1)
	ctx := context.Background()

	b.Execute(ctx, fail)
	b.Execute(ctx, succeed)

	stats := b.Stats()
	assert.Equal(t, "OPEN", stats.State)
	assert.Equal(t, int64(2), stats.TotalCalls)
	assert.Equal(t, int64(1), stats.TotalRejections)
	require.NotNil(t, stats.LastFailure)
	assert.Equal(t, clock.Now(), *stats.LastFailure)

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Nil(t, b.Stats().LastFailure)
}

func TestDoTyped(t *testing.T) {
	b, _, _ := newTestBreaker(newFakeClock(), 2)

	n, err := Do(context.Background(), b, func(ctx context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = Do(context.Background(), b, func(ctx context.Context) (int, error) {
		return 0, errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, n)
}

func TestGroup(t *testing.T) {
	l, _ := testLogger()
	clock := newFakeClock()
	g := NewGroup(Config{FailureThreshold: 1, ResetTimeout: time.Second, Clock: clock.Now}, l, nil)

	search := g.Get("search")
	assert.Same(t, search, g.Get("search"))

	g.Get("fetch")
	search.Execute(context.Background(), fail)

	snapshot := g.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "fetch", snapshot[0].Name)
	assert.Equal(t, "search", snapshot[1].Name)
	assert.Equal(t, []string{"search"}, g.Open())

	g.Reset()
	assert.Empty(t, g.Snapshot())
}
