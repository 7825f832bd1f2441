package cost

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

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

func newTestController() (*Controller, *metrics.Metrics, *logger.Buffer) {
	buf := logger.NewBuffer(50)
	m := metrics.NewMetrics()
	l := logger.NewWithWriter(&bytes.Buffer{}).WithBuffer(buf)
	return NewController(Config{}, WithLogger(l), WithMetrics(m)), m, buf
}

func TestInitBudget(t *testing.T) {
	c, _, _ := newTestController()

	require.NoError(t, c.InitBudget("T1", 500))
	budget, ok := c.Budget("T1")
	require.True(t, ok)
	assert.Equal(t, int64(0), budget.TokensUsed)
	assert.Equal(t, int64(500), budget.Limit)

	err := c.InitBudget("T1", 0)
	assert.ErrorIs(t, err, ErrInvalidLimit)
	err = c.InitBudget("T1", -3)
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestInitBudgetResetsUsage(t *testing.T) {
	c, _, _ := newTestController()
	ctx := context.Background()

	require.NoError(t, c.InitBudget("T1", 500))
	require.NoError(t, c.RecordUsage(ctx, 200, "T1"))
	require.NoError(t, c.InitBudget("T1", 1000))

	assert.Equal(t, int64(0), c.GetUsage(ctx, "T1"))
}

func TestRecordUsageCrossingLimit(t *testing.T) {
	c, m, buf := newTestController()
	ctx := context.Background()

	require.NoError(t, c.InitBudget("T1", 100))
	require.NoError(t, c.RecordUsage(ctx, 60, "T1"))

	err := c.RecordUsage(ctx, 50, "T1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCostLimitExceeded)

	var limitErr *LimitExceededError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, "T1", limitErr.TraceID)
	assert.Equal(t, int64(110), limitErr.Used)
	assert.Equal(t, int64(100), limitErr.Limit)

	assert.Equal(t, int64(110), c.GetUsage(ctx, "T1"), "increment is kept after overrun")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CostLimitExceeded))

	entries := buf.Entries()
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, logger.LevelError, last.Level)
	assert.Equal(t, "cost limit exceeded", last.Message)
	assert.Equal(t, "cost_controller", last.Context["component"])
}

func TestRecordUsageExactlyAtLimit(t *testing.T) {
	c, _, _ := newTestController()
	ctx := context.Background()

	require.NoError(t, c.InitBudget("T1", 100))
	assert.NoError(t, c.RecordUsage(ctx, 100, "T1"))
	assert.Error(t, c.RecordUsage(ctx, 1, "T1"))
}

func TestRecordUsageLazyDefaultBudget(t *testing.T) {
	c, _, _ := newTestController()

	require.NoError(t, c.RecordUsage(context.Background(), 10, "fresh"))
	budget, ok := c.Budget("fresh")
	require.True(t, ok)
	assert.Equal(t, DefaultLimit, budget.Limit)
	assert.Equal(t, int64(10), budget.TokensUsed)
}

func TestConfiguredDefaultLimit(t *testing.T) {
	c := NewController(Config{DefaultLimit: 5})
	assert.Equal(t, int64(5), c.DefaultLimit())

	err := c.RecordUsage(context.Background(), 6, "T")
	assert.ErrorIs(t, err, ErrCostLimitExceeded)
}

func TestRecordUsageAmbientTrace(t *testing.T) {
	c, _, _ := newTestController()

	_, err := tracing.RunInScope(context.Background(), "ambient", func(ctx context.Context) (interface{}, error) {
		return nil, c.RecordUsage(ctx, 25, "")
	})
	require.NoError(t, err)
	assert.Equal(t, int64(25), c.GetUsage(context.Background(), "ambient"))
}

func TestRecordUsageWithoutTraceIsNoop(t *testing.T) {
	c, _, _ := newTestController()

	assert.NoError(t, c.RecordUsage(context.Background(), 25, ""))
	assert.Empty(t, c.GetAllCosts())
	assert.Equal(t, int64(0), c.GetUsage(context.Background(), ""))
}

func TestRecordUsageRejectsNegativeTokens(t *testing.T) {
	c, _, _ := newTestController()
	ctx := context.Background()

	require.NoError(t, c.InitBudget("T1", 100))
	err := c.RecordUsage(ctx, -5, "T1")
	assert.ErrorIs(t, err, ErrInvalidTokens)
	assert.Equal(t, int64(0), c.GetUsage(ctx, "T1"))
}

func TestClearAndReset(t *testing.T) {
	c, _, _ := newTestController()
	ctx := context.Background()

	require.NoError(t, c.RecordUsage(ctx, 1, "a"))
	require.NoError(t, c.RecordUsage(ctx, 2, "b"))

	c.Clear(ctx, "a")
	_, ok := c.Budget("a")
	assert.False(t, ok)

	costs := c.GetAllCosts()
	require.Len(t, costs, 1)
	assert.Equal(t, int64(2), costs["b"].TokensUsed)

	c.Reset()
	assert.Empty(t, c.GetAllCosts())
}

func TestGetAllCostsIsSnapshot(t *testing.T) {
	c, _, _ := newTestController()
	ctx := context.Background()

	require.NoError(t, c.RecordUsage(ctx, 1, "a"))
	costs := c.GetAllCosts()
	require.NoError(t, c.RecordUsage(ctx, 1, "a"))

	assert.Equal(t, int64(1), costs["a"].TokensUsed)
}

func TestBudgetRemaining(t *testing.T) {
	assert.Equal(t, int64(40), Budget{TokensUsed: 60, Limit: 100}.Remaining())
	assert.Equal(t, int64(0), Budget{TokensUsed: 160, Limit: 100}.Remaining())
}

func TestConcurrentUsageIsAtomic(t *testing.T) {
	c, _, _ := newTestController()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = c.RecordUsage(ctx, 1, "shared")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), c.GetUsage(ctx, "shared"))
}

func TestOnlyCrossingCallsFailProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("usage is the full sum and errors start once the sum exceeds the limit", prop.ForAll(
		func(limit int64, usages []int64) bool {
			c := NewController(Config{}, WithLogger(logger.NewWithWriter(&bytes.Buffer{}).WithBuffer(logger.NewBuffer(1))))
			ctx := context.Background()
			if err := c.InitBudget("T", limit); err != nil {
				return false
			}

			var sum int64
			for _, tokens := range usages {
				sum += tokens
				err := c.RecordUsage(ctx, tokens, "T")
				if (sum > limit) != errors.Is(err, ErrCostLimitExceeded) {
					return false
				}
			}
			return c.GetUsage(ctx, "T") == sum
		},
		gen.Int64Range(1, 500),
		gen.SliceOf(gen.Int64Range(0, 100)),
	))

	properties.TestingRun(t)
}
