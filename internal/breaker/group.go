package breaker

import (
	"sort"
	"sync"

	"github.com/harun/overwatch/internal/logger"
	"github.com/harun/overwatch/internal/metrics"
)

// Group hands out one breaker per operation name. Callers choose the
// granularity by choosing names.
type Group struct {
	config  Config
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates a group whose breakers share cfg
func NewGroup(cfg Config, l *logger.Logger, m *metrics.Metrics) *Group {
	return &Group{
		config:   cfg,
		logger:   l,
		metrics:  m,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use
func (g *Group) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.breakers[name]; ok {
		return b
	}
	b := New(name, g.config, WithLogger(g.logger), WithMetrics(g.metrics))
	g.breakers[name] = b
	return b
}

// Snapshot returns the stats of every breaker, sorted by name
func (g *Group) Snapshot() []Stats {
	g.mu.Lock()
	breakers := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		breakers = append(breakers, b)
	}
	g.mu.Unlock()

	stats := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Open returns the names of breakers currently open
func (g *Group) Open() []string {
	var open []string
	for _, s := range g.Snapshot() {
		if s.State == StateOpen.String() {
			open = append(open, s.Name)
		}
	}
	return open
}

// Reset drops every breaker
func (g *Group) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, b := range g.breakers {
		b.Reset()
	}
	g.breakers = make(map[string]*Breaker)
}
