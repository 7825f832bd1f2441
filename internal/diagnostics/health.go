package diagnostics

import (
	"sort"
	"time"

	"github.com/harun/overwatch/internal/supervision"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Health summarises the supervision core
type Health struct {
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	OpenBreakers []string  `json:"open_breakers"`
	StaleSOPs    []string  `json:"stale_sops"`
	OverBudget   []string  `json:"over_budget"`
	Budgets      int       `json:"budgets"`
	LogEntries   int       `json:"log_entries"`
}

// Check builds a Health from the core's registries. Any open breaker,
// stale SOP or overspent trace degrades the status.
func Check(core *supervision.Core) Health {
	h := Health{
		Status:       StatusOK,
		Timestamp:    time.Now().UTC(),
		OpenBreakers: core.Breakers().Open(),
		StaleSOPs:    core.SOPs().StaleSOPs(),
		LogEntries:   core.Logs().Len(),
	}

	costs := core.Costs().GetAllCosts()
	h.Budgets = len(costs)
	for id, budget := range costs {
		if budget.TokensUsed > budget.Limit {
			h.OverBudget = append(h.OverBudget, id)
		}
	}
	sort.Strings(h.OverBudget)

	if len(h.OpenBreakers) > 0 || len(h.StaleSOPs) > 0 || len(h.OverBudget) > 0 {
		h.Status = StatusDegraded
	}
	if h.OpenBreakers == nil {
		h.OpenBreakers = []string{}
	}
	if h.StaleSOPs == nil {
		h.StaleSOPs = []string{}
	}
	if h.OverBudget == nil {
		h.OverBudget = []string{}
	}
	return h
}
