package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/detection-orchestrator/internal/engine"
	"github.com/sells-group/detection-orchestrator/internal/model"
	"github.com/sells-group/detection-orchestrator/internal/registry"
	"github.com/sells-group/detection-orchestrator/internal/resilience"
	"github.com/sells-group/detection-orchestrator/pkg/inference"
)

func engineConfig() engine.Config {
	return engine.Config{
		PredictTimeout: 50 * time.Millisecond,
		HealthTimeout:  50 * time.Millisecond,
		Retry: resilience.RetryPolicy{
			MaxRetries: 3,
			BaseDelay:  time.Millisecond,
			MaxDelay:   2 * time.Millisecond,
		},
	}
}

func fakeBalancer(capability model.CapabilityType, opts ...inference.FakeOption) (*engine.Balancer, *inference.Fake) {
	f := inference.NewFake(string(capability), "fake://"+string(capability), 7, opts...)
	c := engine.NewClient(capability, f, nil, engineConfig())
	return engine.NewBalancer(capability, c), f
}

func seededRegistry(t *testing.T, caps ...model.CapabilityType) *registry.Registry {
	t.Helper()
	r := registry.New()
	for _, c := range caps {
		require.NoError(t, r.Register(model.ModelVersion{
			Name:       string(c) + "-detector",
			Version:    "1.0.0",
			Capability: c,
			Enabled:    true,
		}))
	}
	return r
}

func request(caps ...model.CapabilityType) model.DetectionRequest {
	return model.DetectionRequest{
		PhotoID:      "photo-1",
		PhotoURL:     "https://cdn.example.com/photo-1.jpg",
		Capabilities: caps,
		Priority:     model.PriorityNormal,
	}
}

func TestProcess_AllSucceed(t *testing.T) {
	damage, _ := fakeBalancer(model.CapabilityDamage, inference.FakeWithConfidence(0.9))
	material, _ := fakeBalancer(model.CapabilityMaterial, inference.FakeWithConfidence(0.85))
	o := New(seededRegistry(t, model.CapabilityDamage, model.CapabilityMaterial),
		[]*engine.Balancer{damage, material}, Config{})

	resp, err := o.ProcessDetectionRequest(context.Background(),
		request(model.CapabilityDamage, model.CapabilityMaterial), "corr-abc")
	require.NoError(t, err)

	assert.Equal(t, model.DetectionStatusCompleted, resp.Status)
	assert.Empty(t, resp.Error)
	require.Len(t, resp.Results, 2)
	assert.Empty(t, resp.Results[model.CapabilityDamage].Error)
	assert.Empty(t, resp.Results[model.CapabilityMaterial].Error)
	assert.InDelta(t, 0.9, resp.Results[model.CapabilityDamage].Confidence, 0.0001)
	assert.InDelta(t, 0.85, resp.Results[model.CapabilityMaterial].Confidence, 0.0001)
	assert.Equal(t, "damage-detector:1.0.0", resp.ModelVersions[model.CapabilityDamage])
	assert.Equal(t, "material-detector:1.0.0", resp.ModelVersions[model.CapabilityMaterial])
	assert.Equal(t, "corr-abc", resp.CorrelationID)
	assert.Equal(t, "photo-1", resp.PhotoID)
	assert.NotEmpty(t, resp.RequestID)
	assert.NotEmpty(t, resp.DetectionID)
	assert.NotEqual(t, resp.RequestID, resp.DetectionID)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestProcess_PartialWhenOneCapabilityTimesOut(t *testing.T) {
	damage, damageFake := fakeBalancer(model.CapabilityDamage, inference.FakeWithLatency(time.Second))
	material, _ := fakeBalancer(model.CapabilityMaterial, inference.FakeWithConfidence(0.85))
	o := New(seededRegistry(t, model.CapabilityDamage, model.CapabilityMaterial),
		[]*engine.Balancer{damage, material}, Config{})

	resp, err := o.ProcessDetectionRequest(context.Background(),
		request(model.CapabilityDamage, model.CapabilityMaterial), "")
	require.NoError(t, err)

	assert.Equal(t, model.DetectionStatusPartial, resp.Status)
	assert.NotEmpty(t, resp.Results[model.CapabilityDamage].Error)
	assert.Zero(t, resp.Results[model.CapabilityDamage].Confidence)
	assert.Empty(t, resp.Results[model.CapabilityMaterial].Error)
	assert.Equal(t, 3, damageFake.Calls())
	assert.Equal(t, "corr-"+resp.RequestID, resp.CorrelationID)
}

func TestProcess_FailedWhenNoClientConfigured(t *testing.T) {
	o := New(seededRegistry(t, model.CapabilityVolume), nil, Config{})

	resp, err := o.ProcessDetectionRequest(context.Background(), request(model.CapabilityVolume), "")
	require.NoError(t, err)

	assert.Equal(t, model.DetectionStatusFailed, resp.Status)
	assert.NotEmpty(t, resp.Error)
	require.Len(t, resp.Results, 1)
	res := resp.Results[model.CapabilityVolume]
	assert.Contains(t, res.Error, "no client configured")
	assert.Equal(t, "volume-detector:1.0.0", res.ModelVersion)
	assert.Empty(t, res.Results)
}

func TestProcess_FailedWhenNoModel(t *testing.T) {
	volume, f := fakeBalancer(model.CapabilityVolume)
	o := New(registry.New(), []*engine.Balancer{volume}, Config{})

	resp, err := o.ProcessDetectionRequest(context.Background(), request(model.CapabilityVolume), "")
	require.NoError(t, err)

	assert.Equal(t, model.DetectionStatusFailed, resp.Status)
	assert.Contains(t, resp.Results[model.CapabilityVolume].Error, "no enabled model")
	assert.Equal(t, 0, f.Calls())
}

func TestProcess_AllEnginesFail(t *testing.T) {
	damage, _ := fakeBalancer(model.CapabilityDamage, inference.FakeAlwaysFail(errors.New("503 service unavailable")))
	material, _ := fakeBalancer(model.CapabilityMaterial, inference.FakeAlwaysFail(errors.New("validation failed")))
	o := New(seededRegistry(t, model.CapabilityDamage, model.CapabilityMaterial),
		[]*engine.Balancer{damage, material}, Config{})

	resp, err := o.ProcessDetectionRequest(context.Background(),
		request(model.CapabilityDamage, model.CapabilityMaterial), "")
	require.NoError(t, err)

	assert.Equal(t, model.DetectionStatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "all 2 requested capabilities failed")
}

func TestProcess_InvalidRequest(t *testing.T) {
	o := New(registry.New(), nil, Config{})

	tests := []struct {
		name string
		req  model.DetectionRequest
	}{
		{"no capabilities", model.DetectionRequest{PhotoID: "p", PhotoURL: "u"}},
		{"unknown capability", model.DetectionRequest{PhotoID: "p", PhotoURL: "u", Capabilities: []model.CapabilityType{"color"}}},
		{"missing photo id", model.DetectionRequest{PhotoURL: "u", Capabilities: []model.CapabilityType{model.CapabilityDamage}}},
		{"missing photo url", model.DetectionRequest{PhotoID: "p", Capabilities: []model.CapabilityType{model.CapabilityDamage}}},
		{"bad priority", model.DetectionRequest{PhotoID: "p", PhotoURL: "u", Capabilities: []model.CapabilityType{model.CapabilityDamage}, Priority: "urgent"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := o.ProcessDetectionRequest(context.Background(), tt.req, "")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRequest))
			assert.Nil(t, resp)
		})
	}
	assert.Empty(t, o.History())
}

func TestProcess_DuplicateCapabilitiesCollapse(t *testing.T) {
	damage, f := fakeBalancer(model.CapabilityDamage)
	o := New(seededRegistry(t, model.CapabilityDamage), []*engine.Balancer{damage}, Config{})

	resp, err := o.ProcessDetectionRequest(context.Background(),
		request(model.CapabilityDamage, model.CapabilityDamage), "")
	require.NoError(t, err)

	assert.Len(t, resp.Results, 1)
	assert.Equal(t, 1, f.Calls())
}

func TestProcess_CallsRunConcurrently(t *testing.T) {
	var balancers []*engine.Balancer
	for _, c := range model.Capabilities {
		b, _ := fakeBalancer(c, inference.FakeWithLatency(30*time.Millisecond))
		balancers = append(balancers, b)
	}
	o := New(seededRegistry(t, model.Capabilities...), balancers, Config{})

	start := time.Now()
	resp, err := o.ProcessDetectionRequest(context.Background(), request(model.Capabilities...), "")
	require.NoError(t, err)

	assert.Equal(t, model.DetectionStatusCompleted, resp.Status)
	assert.Less(t, time.Since(start), 80*time.Millisecond)
}

type panickingResolver struct {
	inner *registry.Registry
	bad   model.CapabilityType
}

func (p panickingResolver) GetModelForRequest(c model.CapabilityType, id string) (model.ModelVersion, bool) {
	if c == p.bad {
		panic("boom")
	}
	return p.inner.GetModelForRequest(c, id)
}

func TestProcess_PanicContainedToCapability(t *testing.T) {
	damage, _ := fakeBalancer(model.CapabilityDamage)
	material, _ := fakeBalancer(model.CapabilityMaterial)
	resolver := panickingResolver{
		inner: seededRegistry(t, model.CapabilityDamage, model.CapabilityMaterial),
		bad:   model.CapabilityMaterial,
	}
	o := New(resolver, []*engine.Balancer{damage, material}, Config{})

	resp, err := o.ProcessDetectionRequest(context.Background(),
		request(model.CapabilityDamage, model.CapabilityMaterial), "")
	require.NoError(t, err)

	assert.Equal(t, model.DetectionStatusPartial, resp.Status)
	assert.Contains(t, resp.Results[model.CapabilityMaterial].Error, "panicked: boom")
	assert.Empty(t, resp.Results[model.CapabilityDamage].Error)
}

func TestProcess_ABRoutingSendsChosenVersion(t *testing.T) {
	damage, _ := fakeBalancer(model.CapabilityDamage)
	reg := seededRegistry(t, model.CapabilityDamage)
	require.NoError(t, reg.RegisterExperiment(model.ABTestConfig{
		ExperimentID: "exp",
		ModelA:       model.ModelVersion{Name: "damage-detector", Version: "2.0.0", Capability: model.CapabilityDamage, Enabled: true},
		ModelB:       model.ModelVersion{Name: "damage-detector", Version: "1.0.0", Capability: model.CapabilityDamage, Enabled: true},
		TrafficSplit: 1,
		Enabled:      true,
	}))
	o := New(reg, []*engine.Balancer{damage}, Config{})

	resp, err := o.ProcessDetectionRequest(context.Background(), request(model.CapabilityDamage), "")
	require.NoError(t, err)
	assert.Equal(t, "damage-detector:2.0.0", resp.ModelVersions[model.CapabilityDamage])
}

func TestProcess_ABRoutingUsesModelEndpoint(t *testing.T) {
	fakeA := inference.NewFake("damage", "fake://model-a", 1)
	fakeB := inference.NewFake("damage", "fake://model-b", 2)
	damage := engine.NewBalancer(model.CapabilityDamage,
		engine.NewClient(model.CapabilityDamage, fakeA, nil, engineConfig()),
		engine.NewClient(model.CapabilityDamage, fakeB, nil, engineConfig()),
	)
	reg := registry.New()
	require.NoError(t, reg.RegisterExperiment(model.ABTestConfig{
		ExperimentID: "exp",
		ModelA:       model.ModelVersion{Name: "damage-a", Version: "1.0.0", Capability: model.CapabilityDamage, Endpoint: "fake://model-a", Enabled: true},
		ModelB:       model.ModelVersion{Name: "damage-b", Version: "1.0.0", Capability: model.CapabilityDamage, Endpoint: "fake://model-b", Enabled: true},
		TrafficSplit: 1,
		Enabled:      true,
	}))
	o := New(reg, []*engine.Balancer{damage}, Config{})

	for i := 0; i < 10; i++ {
		resp, err := o.ProcessDetectionRequest(context.Background(), request(model.CapabilityDamage), "")
		require.NoError(t, err)
		res := resp.Results[model.CapabilityDamage]
		assert.Equal(t, "fake://model-a", res.Endpoint)
		assert.Equal(t, "damage-a:1.0.0", res.ModelVersion)
	}
	assert.Equal(t, 10, fakeA.Calls())
	assert.Equal(t, 0, fakeB.Calls())
}

func TestProcess_MarksResultsBelowThreshold(t *testing.T) {
	damage, _ := fakeBalancer(model.CapabilityDamage, inference.FakeWithConfidence(0.4))
	material, _ := fakeBalancer(model.CapabilityMaterial, inference.FakeWithConfidence(0.9))
	reg := registry.New()
	for _, c := range []model.CapabilityType{model.CapabilityDamage, model.CapabilityMaterial} {
		require.NoError(t, reg.Register(model.ModelVersion{
			Name:                string(c) + "-detector",
			Version:             "1.0.0",
			Capability:          c,
			ConfidenceThreshold: 0.6,
			Enabled:             true,
		}))
	}
	o := New(reg, []*engine.Balancer{damage, material}, Config{})

	resp, err := o.ProcessDetectionRequest(context.Background(), request(model.CapabilityDamage, model.CapabilityMaterial), "")
	require.NoError(t, err)
	assert.Equal(t, model.DetectionStatusCompleted, resp.Status)
	assert.True(t, resp.Results[model.CapabilityDamage].BelowThreshold)
	assert.False(t, resp.Results[model.CapabilityMaterial].BelowThreshold)
}

func TestProcess_HistoryBounded(t *testing.T) {
	damage, _ := fakeBalancer(model.CapabilityDamage)
	o := New(seededRegistry(t, model.CapabilityDamage), []*engine.Balancer{damage}, Config{HistorySize: 3})

	var ids []string
	for i := 0; i < 5; i++ {
		resp, err := o.ProcessDetectionRequest(context.Background(), request(model.CapabilityDamage), "")
		require.NoError(t, err)
		ids = append(ids, resp.RequestID)
	}

	h := o.History()
	require.Len(t, h, 3)
	assert.Equal(t, ids[2:], []string{h[0].RequestID, h[1].RequestID, h[2].RequestID})
}

func TestProcess_ConcurrentRequests(t *testing.T) {
	damage, f := fakeBalancer(model.CapabilityDamage)
	o := New(seededRegistry(t, model.CapabilityDamage), []*engine.Balancer{damage}, Config{HistorySize: 10})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = o.ProcessDetectionRequest(context.Background(), request(model.CapabilityDamage), fmt.Sprintf("c-%d", i))
		}()
	}
	wg.Wait()

	assert.Len(t, o.History(), 10)
	assert.Equal(t, 50, f.Calls())
}

func TestGetHealthStatus(t *testing.T) {
	damage, _ := fakeBalancer(model.CapabilityDamage)
	material, _ := fakeBalancer(model.CapabilityMaterial, inference.FakeUnhealthy(errors.New("down")))
	o := New(registry.New(), []*engine.Balancer{damage, material}, Config{})

	h := o.GetHealthStatus(context.Background())
	assert.Equal(t, model.HealthStatusDegraded, h.Status)
	assert.Equal(t, 1, h.HealthyEndpoints)
	assert.Equal(t, 2, h.TotalEndpoints)
	require.Len(t, h.Engines[model.CapabilityMaterial], 1)
	assert.False(t, h.Engines[model.CapabilityMaterial][0].Healthy)

	healthy := New(registry.New(), []*engine.Balancer{damage}, Config{})
	assert.Equal(t, model.HealthStatusHealthy, healthy.GetHealthStatus(context.Background()).Status)

	empty := New(registry.New(), nil, Config{})
	assert.Equal(t, model.HealthStatusDegraded, empty.GetHealthStatus(context.Background()).Status)
}

func TestBreakerStates(t *testing.T) {
	damage, _ := fakeBalancer(model.CapabilityDamage, inference.FakeAlwaysFail(errors.New("connection refused")))
	o := New(seededRegistry(t, model.CapabilityDamage), []*engine.Balancer{damage}, Config{})

	_, err := o.ProcessDetectionRequest(context.Background(), request(model.CapabilityDamage), "")
	require.NoError(t, err)

	states := o.BreakerStates()
	require.Len(t, states, 1)
	assert.Equal(t, model.CapabilityDamage, states[0].Capability)
	assert.Equal(t, "fake://damage", states[0].Endpoint)
	assert.Equal(t, "closed", states[0].State)
	assert.Equal(t, 1, states[0].ConsecutiveFailures)
}
