package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/detection-orchestrator/internal/model"
	"github.com/sells-group/detection-orchestrator/internal/resilience"
)

// ErrNoAvailableEndpoints is returned when every endpoint's breaker is open.
var ErrNoAvailableEndpoints = eris.New("no available endpoints")

// Balancer spreads predictions for one capability across redundant engine
// clients in round-robin order, skipping clients whose breaker is open.
type Balancer struct {
	capability model.CapabilityType
	clients    []*Client

	mu     sync.Mutex
	cursor int
}

// NewBalancer creates a balancer over clients, which must all serve capability.
func NewBalancer(capability model.CapabilityType, clients ...*Client) *Balancer {
	return &Balancer{
		capability: capability,
		clients:    clients,
	}
}

// Capability returns the capability served by the balancer.
func (b *Balancer) Capability() model.CapabilityType {
	return b.capability
}

// Clients returns the owned clients in rotation order.
func (b *Balancer) Clients() []*Client {
	out := make([]*Client, len(b.clients))
	copy(out, b.clients)
	return out
}

// Select picks the next usable client, advancing the rotation cursor past
// it. It returns ErrNoAvailableEndpoints without any network call when no
// client can attempt.
func (b *Balancer) Select() (*Client, error) {
	return b.SelectFor("")
}

// SelectFor is Select restricted to clients serving endpoint. An empty
// endpoint, or one no client serves, rotates over every client.
func (b *Balancer) SelectFor(endpoint string) (*Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pinned := endpoint != "" && b.serves(endpoint)
	n := len(b.clients)
	for i := 0; i < n; i++ {
		idx := (b.cursor + i) % n
		c := b.clients[idx]
		if pinned && c.Endpoint() != endpoint {
			continue
		}
		if c.CanAttempt() {
			b.cursor = (idx + 1) % n
			return c, nil
		}
	}
	if pinned {
		return nil, eris.Wrapf(ErrNoAvailableEndpoints, "engine: %s at %s", b.capability, endpoint)
	}
	return nil, eris.Wrapf(ErrNoAvailableEndpoints, "engine: %s", b.capability)
}

func (b *Balancer) serves(endpoint string) bool {
	for _, c := range b.clients {
		if c.Endpoint() == endpoint {
			return true
		}
	}
	return false
}

// Predict runs a prediction on the next usable client.
func (b *Balancer) Predict(ctx context.Context, photoURL string, metadata map[string]any, modelVersion string) model.EngineResult {
	return b.predict(ctx, "", photoURL, metadata, modelVersion)
}

// PredictFor runs a prediction for mv, routed to mv.Endpoint when one of
// the clients serves it.
func (b *Balancer) PredictFor(ctx context.Context, mv model.ModelVersion, photoURL string, metadata map[string]any) model.EngineResult {
	return b.predict(ctx, mv.Endpoint, photoURL, metadata, mv.Key())
}

func (b *Balancer) predict(ctx context.Context, endpoint, photoURL string, metadata map[string]any, modelVersion string) model.EngineResult {
	start := time.Now()
	client, err := b.SelectFor(endpoint)
	if err != nil {
		res := model.FailedResult(b.capability, modelVersion, err.Error(), time.Since(start))
		res.ErrorType = resilience.ClassifyError(err)
		return res
	}
	return client.Predict(ctx, photoURL, metadata, modelVersion)
}

// HealthCheckAll probes every client concurrently and returns all results
// in client order.
func (b *Balancer) HealthCheckAll(ctx context.Context) []model.EngineHealth {
	results := make([]model.EngineHealth, len(b.clients))

	var g errgroup.Group
	for i, c := range b.clients {
		g.Go(func() error {
			results[i] = c.HealthCheck(ctx)
			return nil
		})
	}
	_ = g.Wait() // probes never fail the group

	return results
}
