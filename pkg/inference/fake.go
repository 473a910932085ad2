package inference

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

var (
	damageTypes = []string{"crack", "dent", "scratch", "water_damage", "rust"}
	severities  = []string{"minor", "moderate", "severe"}
	materials   = []struct{ name, brand, unit string }{
		{"drywall", "USG", "sheets"},
		{"lumber", "", "boards"},
		{"insulation", "Owens Corning", "rolls"},
		{"concrete_block", "", "blocks"},
		{"roofing_shingle", "GAF", "bundles"},
	}
)

// Fake is a deterministic, seedable engine for tests and local runs. Two
// fakes built with the same seed and options produce the same sequence of
// responses.
type Fake struct {
	endpoint   string
	capability string

	mu         sync.Mutex
	rng        *rand.Rand
	latency    time.Duration
	script     []error
	failAlways error
	confidence float64
	healthErr  error
	calls      int
	probes     int
}

// FakeOption configures a Fake.
type FakeOption func(*Fake)

// FakeWithLatency delays every prediction by d, honoring context cancellation.
func FakeWithLatency(d time.Duration) FakeOption {
	return func(f *Fake) { f.latency = d }
}

// FakeWithErrors scripts the outcome of the next predictions in order. A nil
// entry succeeds; once the script is consumed, predictions succeed.
func FakeWithErrors(errs ...error) FakeOption {
	return func(f *Fake) { f.script = append(f.script, errs...) }
}

// FakeAlwaysFail makes every prediction return err.
func FakeAlwaysFail(err error) FakeOption {
	return func(f *Fake) { f.failAlways = err }
}

// FakeWithConfidence pins the reported confidence instead of drawing it.
func FakeWithConfidence(c float64) FakeOption {
	return func(f *Fake) { f.confidence = c }
}

// FakeUnhealthy makes health probes fail with err.
func FakeUnhealthy(err error) FakeOption {
	return func(f *Fake) { f.healthErr = err }
}

// NewFake creates a fake engine for capability ("damage", "material" or
// "volume") served at endpoint.
func NewFake(capability, endpoint string, seed uint64, opts ...FakeOption) *Fake {
	f := &Fake{
		endpoint:   endpoint,
		capability: capability,
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		confidence: -1,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Endpoint returns the endpoint the fake pretends to serve.
func (f *Fake) Endpoint() string {
	return f.endpoint
}

// Calls returns how many predictions were attempted.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Probes returns how many health probes were made.
func (f *Fake) Probes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

// Predict returns a capability-shaped payload or a scripted error.
func (f *Fake) Predict(ctx context.Context, req PredictRequest) (*PredictResponse, error) {
	f.mu.Lock()
	f.calls++
	var scripted error
	hasScript := len(f.script) > 0
	if hasScript {
		scripted = f.script[0]
		f.script = f.script[1:]
	}
	latency := f.latency
	f.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, eris.Wrap(ctx.Err(), "inference: send request")
		case <-timer.C:
		}
	}

	if f.failAlways != nil {
		return nil, f.failAlways
	}
	if hasScript && scripted != nil {
		return nil, scripted
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	confidence := f.confidence
	if confidence < 0 {
		confidence = 0.5 + f.rng.Float64()*0.5
	}
	version := req.ModelVersion
	if version == "" {
		version = f.capability + "-fake:1.0.0"
	}

	return &PredictResponse{
		ModelVersion: version,
		Confidence:   confidence,
		Results:      f.payload(confidence),
	}, nil
}

// Health fails when the fake was built with FakeUnhealthy.
func (f *Fake) Health(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.healthErr
}

func (f *Fake) payload(confidence float64) map[string]any {
	switch f.capability {
	case "damage":
		hasDamage := f.rng.Float64() < 0.6
		out := map[string]any{
			"has_damage": hasDamage,
			"severity":   "none",
			"confidence": confidence,
		}
		if hasDamage {
			out["damage_type"] = damageTypes[f.rng.IntN(len(damageTypes))]
			out["severity"] = severities[f.rng.IntN(len(severities))]
			areas := make([]any, 0, 2)
			for i := 0; i < 1+f.rng.IntN(2); i++ {
				areas = append(areas, map[string]any{
					"x":          f.rng.Float64(),
					"y":          f.rng.Float64(),
					"width":      0.1 + f.rng.Float64()*0.3,
					"height":     0.1 + f.rng.Float64()*0.3,
					"confidence": confidence,
				})
			}
			out["damage_areas"] = areas
		}
		return out
	case "material":
		n := 1 + f.rng.IntN(3)
		items := make([]any, 0, n)
		for _, idx := range f.rng.Perm(len(materials))[:n] {
			m := materials[idx]
			items = append(items, map[string]any{
				"name":       m.name,
				"brand":      m.brand,
				"quantity":   1 + f.rng.IntN(20),
				"unit":       m.unit,
				"confidence": confidence,
			})
		}
		return map[string]any{
			"materials":   items,
			"total_items": n,
		}
	case "volume":
		l, w, h := 1+f.rng.Float64()*4, 1+f.rng.Float64()*3, 0.5+f.rng.Float64()*2
		return map[string]any{
			"estimated_volume": l * w * h,
			"unit":             "cubic_meters",
			"dimensions": map[string]any{
				"length": l,
				"width":  w,
				"height": h,
			},
			"confidence": confidence,
		}
	default:
		return map[string]any{}
	}
}
