package cost

import (
	"errors"
	"fmt"
)

var (
	// ErrCostLimitExceeded is matched by errors returned when a trace
	// spends more tokens than its budget allows
	ErrCostLimitExceeded = errors.New("cost limit exceeded")

	// ErrInvalidTokens is returned for negative token counts
	ErrInvalidTokens = errors.New("token count must not be negative")

	// ErrInvalidLimit is returned when a budget limit is not positive
	ErrInvalidLimit = errors.New("budget limit must be positive")
)

// LimitExceededError carries the budget state at the moment of overrun
type LimitExceededError struct {
	TraceID string
	Used    int64
	Limit   int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("cost limit exceeded for trace %s: %d/%d tokens", e.TraceID, e.Used, e.Limit)
}

// Is makes errors.Is(err, ErrCostLimitExceeded) hold
func (e *LimitExceededError) Is(target error) bool {
	return target == ErrCostLimitExceeded
}
