package team

import (
	"sync"

	"github.com/llmcopilot/orchestrator/internal/agent"
)

// MetricsAggregator merges per-agent metrics into running team totals
// after every agent run, so a polled or cancelled execution still
// reports accurate partial metrics.
type MetricsAggregator struct {
	mu       sync.Mutex
	totals   agent.Metrics
	perAgent map[string]agent.Metrics
}

// NewMetricsAggregator creates an empty aggregator.
func NewMetricsAggregator() *MetricsAggregator {
	return &MetricsAggregator{perAgent: make(map[string]agent.Metrics)}
}

// Record folds one completed agent execution's metrics in.
func (a *MetricsAggregator) Record(agentID string, m agent.Metrics) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totals.Merge(m)
	per := a.perAgent[agentID]
	per.Merge(m)
	a.perAgent[agentID] = per
}

// TotalTokens returns the running token total for termination checks.
func (a *MetricsAggregator) TotalTokens() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals.TotalTokens
}

// Snapshot returns a copy of the current totals and breakdown.
func (a *MetricsAggregator) Snapshot() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	per := make(map[string]agent.Metrics, len(a.perAgent))
	for id, m := range a.perAgent {
		per[id] = m
	}
	return Metrics{Totals: a.totals, PerAgent: per}
}
