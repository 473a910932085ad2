package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/detection-orchestrator/internal/model"
	"github.com/sells-group/detection-orchestrator/internal/orchestrator"
	"github.com/sells-group/detection-orchestrator/internal/resilience"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Orchestrator metrics over the bounded request history.
	Metrics model.OrchestratorMetrics `json:"metrics"`

	// Endpoint probes.
	Health model.HealthStatus `json:"health"`

	// Endpoints whose breaker is not closed, as "capability@endpoint".
	TrippedBreakers []string `json:"tripped_breakers,omitempty"`

	// DLQ depth.
	DLQDepth int `json:"dlq_depth"`

	CollectedAt time.Time `json:"collected_at"`
}

// Source abstracts the orchestrator views the collector reads.
type Source interface {
	GetMetrics() model.OrchestratorMetrics
	GetHealthStatus(ctx context.Context) model.HealthStatus
	BreakerStates() []orchestrator.BreakerState
}

// DLQCounter reports the dead letter queue depth.
type DLQCounter interface {
	CountDLQ(ctx context.Context) (int, error)
}

// Collector gathers metrics from the orchestrator and the store.
type Collector struct {
	source Source
	dlq    DLQCounter
}

// NewCollector creates a new metrics collector. dlq may be nil.
func NewCollector(source Source, dlq DLQCounter) *Collector {
	return &Collector{source: source, dlq: dlq}
}

// Collect gathers a snapshot of system metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		Metrics:     c.source.GetMetrics(),
		Health:      c.source.GetHealthStatus(ctx),
		CollectedAt: time.Now().UTC(),
	}

	for _, b := range c.source.BreakerStates() {
		if b.State != resilience.CircuitClosed.String() {
			snap.TrippedBreakers = append(snap.TrippedBreakers, string(b.Capability)+"@"+b.Endpoint)
		}
	}

	if c.dlq != nil {
		n, err := c.dlq.CountDLQ(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: count dlq")
		}
		snap.DLQDepth = n
	}

	return snap, nil
}
