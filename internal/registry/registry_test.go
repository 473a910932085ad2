package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/detection-orchestrator/internal/model"
)

func mv(name, version string, capability model.CapabilityType, enabled bool) model.ModelVersion {
	return model.ModelVersion{
		Name:                name,
		Version:             version,
		Capability:          capability,
		Endpoint:            "http://" + name,
		ConfidenceThreshold: 0.5,
		Enabled:             enabled,
	}
}

func TestRegistry_GetActiveModel(t *testing.T) {
	r := New()

	_, ok := r.GetActiveModel(model.CapabilityDamage)
	assert.False(t, ok)

	require.NoError(t, r.Register(mv("damage", "1.0.0", model.CapabilityDamage, true)))
	require.NoError(t, r.Register(mv("damage", "1.1.0", model.CapabilityDamage, true)))
	require.NoError(t, r.Register(mv("damage", "2.0.0-rc", model.CapabilityDamage, false)))

	active, ok := r.GetActiveModel(model.CapabilityDamage)
	require.True(t, ok)
	assert.Equal(t, "1.1.0", active.Version)
	assert.False(t, active.RegisteredAt.IsZero())

	_, ok = r.GetActiveModel(model.CapabilityVolume)
	assert.False(t, ok)

	assert.Len(t, r.Models(model.CapabilityDamage), 3)
}

func TestRegistry_NoEnabledModel(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(mv("volume", "1.0.0", model.CapabilityVolume, false)))

	_, ok := r.GetActiveModel(model.CapabilityVolume)
	assert.False(t, ok)
	_, ok = r.GetModelForRequest(model.CapabilityVolume, "req-1")
	assert.False(t, ok)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		m    model.ModelVersion
	}{
		{"missing name", model.ModelVersion{Version: "1", Capability: model.CapabilityDamage}},
		{"missing version", model.ModelVersion{Name: "d", Capability: model.CapabilityDamage}},
		{"unknown capability", model.ModelVersion{Name: "d", Version: "1", Capability: "color"}},
		{"bad threshold", model.ModelVersion{Name: "d", Version: "1", Capability: model.CapabilityDamage, ConfidenceThreshold: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New().Register(tt.m)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidModel))
		})
	}
}

func TestRegistry_GetModelForRequest_FallsBackToActive(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(mv("material", "1.0.0", model.CapabilityMaterial, true)))

	got, ok := r.GetModelForRequest(model.CapabilityMaterial, "anything")
	require.True(t, ok)
	assert.Equal(t, "material:1.0.0", got.Key())
}

func TestRegistry_GetModelForRequest_SplitExtremes(t *testing.T) {
	a := mv("damage", "1.0.0", model.CapabilityDamage, true)
	b := mv("damage", "2.0.0", model.CapabilityDamage, true)

	tests := []struct {
		name  string
		split float64
		want  string
	}{
		{"all to A", 1.0, a.Key()},
		{"all to B", 0.0, b.Key()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			require.NoError(t, r.RegisterExperiment(model.ABTestConfig{
				ExperimentID: "exp", ModelA: a, ModelB: b, TrafficSplit: tt.split, Enabled: true,
			}))
			for i := 0; i < 200; i++ {
				got, ok := r.GetModelForRequest(model.CapabilityDamage, fmt.Sprintf("req-%d", i))
				require.True(t, ok)
				assert.Equal(t, tt.want, got.Key())
			}
		})
	}
}

func TestRegistry_GetModelForRequest_Deterministic(t *testing.T) {
	r := New()
	a := mv("damage", "1.0.0", model.CapabilityDamage, true)
	b := mv("damage", "2.0.0", model.CapabilityDamage, true)
	require.NoError(t, r.RegisterExperiment(model.ABTestConfig{
		ExperimentID: "exp", ModelA: a, ModelB: b, TrafficSplit: 0.5, Enabled: true,
	}))

	var toA int
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("req-%d", i)
		first, _ := r.GetModelForRequest(model.CapabilityDamage, id)
		second, _ := r.GetModelForRequest(model.CapabilityDamage, id)
		require.Equal(t, first.Key(), second.Key(), "request %s", id)

		wantA := Bucket(id) < 50
		assert.Equal(t, wantA, first.Key() == a.Key(), "request %s", id)
		if wantA {
			toA++
		}
	}
	assert.InDelta(t, 500, toA, 100)
}

func TestRegistry_ExperimentOnlyAppliesToItsCapability(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(mv("volume", "1.0.0", model.CapabilityVolume, true)))
	require.NoError(t, r.RegisterExperiment(model.ABTestConfig{
		ExperimentID: "exp",
		ModelA:       mv("damage", "1.0.0", model.CapabilityDamage, true),
		ModelB:       mv("damage", "2.0.0", model.CapabilityDamage, true),
		TrafficSplit: 1,
		Enabled:      true,
	}))

	got, ok := r.GetModelForRequest(model.CapabilityVolume, "req-1")
	require.True(t, ok)
	assert.Equal(t, "volume:1.0.0", got.Key())
}

func TestRegistry_RegisterExperiment_Conflict(t *testing.T) {
	r := New()
	a := mv("damage", "1.0.0", model.CapabilityDamage, true)
	b := mv("damage", "2.0.0", model.CapabilityDamage, true)

	require.NoError(t, r.RegisterExperiment(model.ABTestConfig{ExperimentID: "one", ModelA: a, ModelB: b, TrafficSplit: 0.5, Enabled: true}))

	err := r.RegisterExperiment(model.ABTestConfig{ExperimentID: "two", ModelA: a, ModelB: b, TrafficSplit: 0.2, Enabled: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExperimentConflict))

	// A disabled experiment on the same capability is fine.
	require.NoError(t, r.RegisterExperiment(model.ABTestConfig{ExperimentID: "three", ModelA: a, ModelB: b, TrafficSplit: 0.2}))

	// Re-registering the active experiment replaces it.
	require.NoError(t, r.RegisterExperiment(model.ABTestConfig{ExperimentID: "one", ModelA: a, ModelB: b, TrafficSplit: 0.9, Enabled: true}))

	// Once disabled, the capability is free again.
	require.NoError(t, r.DisableExperiment("one"))
	require.NoError(t, r.RegisterExperiment(model.ABTestConfig{ExperimentID: "two", ModelA: a, ModelB: b, TrafficSplit: 0.2, Enabled: true}))

	exps := r.Experiments()
	require.Len(t, exps, 3)
	assert.Equal(t, []string{"one", "three", "two"}, []string{exps[0].ExperimentID, exps[1].ExperimentID, exps[2].ExperimentID})
	assert.False(t, exps[0].Enabled)
}

func TestRegistry_RegisterExperiment_Validation(t *testing.T) {
	d := mv("damage", "1.0.0", model.CapabilityDamage, true)
	m := mv("material", "1.0.0", model.CapabilityMaterial, true)

	tests := []struct {
		name string
		exp  model.ABTestConfig
	}{
		{"missing id", model.ABTestConfig{ModelA: d, ModelB: d, TrafficSplit: 0.5}},
		{"mixed capabilities", model.ABTestConfig{ExperimentID: "x", ModelA: d, ModelB: m, TrafficSplit: 0.5}},
		{"split above one", model.ABTestConfig{ExperimentID: "x", ModelA: d, ModelB: d, TrafficSplit: 1.2}},
		{"negative split", model.ABTestConfig{ExperimentID: "x", ModelA: d, ModelB: d, TrafficSplit: -0.1}},
		{"invalid arm", model.ABTestConfig{ExperimentID: "x", ModelA: d, ModelB: model.ModelVersion{}, TrafficSplit: 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New().RegisterExperiment(tt.exp)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidModel))
		})
	}
}

func TestRegistry_DisableExperiment(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(mv("damage", "1.0.0", model.CapabilityDamage, true)))
	require.NoError(t, r.RegisterExperiment(model.ABTestConfig{
		ExperimentID: "exp",
		ModelA:       mv("damage", "9.0.0", model.CapabilityDamage, true),
		ModelB:       mv("damage", "9.1.0", model.CapabilityDamage, true),
		TrafficSplit: 1,
		Enabled:      true,
	}))

	got, _ := r.GetModelForRequest(model.CapabilityDamage, "req")
	assert.Equal(t, "9.0.0", got.Version)

	require.NoError(t, r.DisableExperiment("exp"))
	got, _ = r.GetModelForRequest(model.CapabilityDamage, "req")
	assert.Equal(t, "1.0.0", got.Version)

	err := r.DisableExperiment("missing")
	assert.True(t, errors.Is(err, ErrUnknownExperiment))
}

func TestRegistry_LoadFile(t *testing.T) {
	seed := `
models:
  - name: damage-detector
    version: 1.0.0
    capability: damage
    endpoint: http://damage:8001
    confidence_threshold: 0.7
    enabled: true
  - name: material-detector
    version: 1.2.0
    capability: material
    endpoint: http://material:8002
    confidence_threshold: 0.6
    enabled: true
experiments:
  - experiment_id: damage-v2
    traffic_split: 0.25
    enabled: true
    model_a:
      name: damage-detector
      version: 2.0.0
      capability: damage
      endpoint: http://damage:8001
      enabled: true
    model_b:
      name: damage-detector
      version: 1.0.0
      capability: damage
      endpoint: http://damage:8001
      enabled: true
`
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	r := New()
	require.NoError(t, r.LoadFile(path))

	active, ok := r.GetActiveModel(model.CapabilityMaterial)
	require.True(t, ok)
	assert.Equal(t, "material-detector:1.2.0", active.Key())
	assert.InDelta(t, 0.6, active.ConfidenceThreshold, 0.0001)

	exps := r.Experiments()
	require.Len(t, exps, 1)
	assert.Equal(t, model.CapabilityDamage, exps[0].Capability())
	assert.InDelta(t, 0.25, exps[0].TrafficSplit, 0.0001)
}

func TestRegistry_LoadFileErrors(t *testing.T) {
	r := New()
	assert.Error(t, r.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, r.Load([]byte("models: [not: {valid")))
	assert.Error(t, r.Load([]byte("models:\n  - name: x\n    version: 1\n    capability: color\n")))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Register(mv("damage", fmt.Sprintf("1.%d.0", i), model.CapabilityDamage, true))
		}()
		go func() {
			defer wg.Done()
			r.GetModelForRequest(model.CapabilityDamage, fmt.Sprintf("req-%d", i))
		}()
	}
	wg.Wait()
	assert.Len(t, r.Models(model.CapabilityDamage), 20)
}
