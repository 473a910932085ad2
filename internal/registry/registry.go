// Package registry tracks model versions and A/B experiments per capability
// and resolves which model serves a given request.
package registry

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/detection-orchestrator/internal/model"
)

var (
	// ErrExperimentConflict is returned when an enabled experiment already
	// targets the capability of the experiment being registered.
	ErrExperimentConflict = eris.New("registry: capability already has an enabled experiment")
	// ErrUnknownExperiment is returned by DisableExperiment for an unknown id.
	ErrUnknownExperiment = eris.New("registry: unknown experiment")
	// ErrInvalidModel is returned when a model or experiment fails validation.
	ErrInvalidModel = eris.New("registry: invalid model")
)

// Registry holds append-only model version history per capability and the
// set of A/B experiments keyed by experiment id. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	models      map[model.CapabilityType][]model.ModelVersion
	experiments map[string]model.ABTestConfig
	nowFunc     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		models:      make(map[model.CapabilityType][]model.ModelVersion),
		experiments: make(map[string]model.ABTestConfig),
		nowFunc:     time.Now,
	}
}

// Register appends a model version to its capability's history.
func (r *Registry) Register(m model.ModelVersion) error {
	if err := validateModel(m); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m.RegisteredAt.IsZero() {
		m.RegisteredAt = r.nowFunc().UTC()
	}
	r.models[m.Capability] = append(r.models[m.Capability], m)

	zap.L().Info("registry: model registered",
		zap.String("capability", string(m.Capability)),
		zap.String("model", m.Key()),
		zap.Bool("enabled", m.Enabled),
	)
	return nil
}

// GetActiveModel returns the last enabled model registered for capability.
func (r *Registry) GetActiveModel(capability model.CapabilityType) (model.ModelVersion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked(capability)
}

func (r *Registry) activeLocked(capability model.CapabilityType) (model.ModelVersion, bool) {
	versions := r.models[capability]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Enabled {
			return versions[i], true
		}
	}
	return model.ModelVersion{}, false
}

// GetModelForRequest resolves the model serving requestID. When an enabled
// experiment targets capability, the request id's bucket (0-99) picks model
// A below TrafficSplit*100 and model B otherwise. The same id always maps to
// the same model for a fixed experiment set.
func (r *Registry) GetModelForRequest(capability model.CapabilityType, requestID string) (model.ModelVersion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if exp, ok := r.experimentLocked(capability); ok {
		if float64(Bucket(requestID)) < exp.TrafficSplit*100 {
			return exp.ModelA, true
		}
		return exp.ModelB, true
	}
	return r.activeLocked(capability)
}

// Bucket maps a request id onto [0, 100).
func Bucket(requestID string) uint64 {
	return xxhash.Sum64String(requestID) % 100
}

func (r *Registry) experimentLocked(capability model.CapabilityType) (model.ABTestConfig, bool) {
	for _, exp := range r.experiments {
		if exp.Enabled && exp.Capability() == capability {
			return exp, true
		}
	}
	return model.ABTestConfig{}, false
}

// RegisterExperiment adds or replaces an experiment. Both arms must belong to
// the same capability, and at most one enabled experiment may target a
// capability at a time.
func (r *Registry) RegisterExperiment(exp model.ABTestConfig) error {
	if exp.ExperimentID == "" {
		return eris.Wrap(ErrInvalidModel, "experiment id is required")
	}
	if err := validateModel(exp.ModelA); err != nil {
		return eris.Wrapf(err, "experiment %s: model a", exp.ExperimentID)
	}
	if err := validateModel(exp.ModelB); err != nil {
		return eris.Wrapf(err, "experiment %s: model b", exp.ExperimentID)
	}
	if exp.ModelA.Capability != exp.ModelB.Capability {
		return eris.Wrapf(ErrInvalidModel, "experiment %s: arms target %s and %s",
			exp.ExperimentID, exp.ModelA.Capability, exp.ModelB.Capability)
	}
	if exp.TrafficSplit < 0 || exp.TrafficSplit > 1 {
		return eris.Wrapf(ErrInvalidModel, "experiment %s: traffic split %.2f outside [0,1]",
			exp.ExperimentID, exp.TrafficSplit)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if exp.Enabled {
		for id, other := range r.experiments {
			if id != exp.ExperimentID && other.Enabled && other.Capability() == exp.Capability() {
				return eris.Wrapf(ErrExperimentConflict, "%s conflicts with %s on %s",
					exp.ExperimentID, id, exp.Capability())
			}
		}
	}
	r.experiments[exp.ExperimentID] = exp

	zap.L().Info("registry: experiment registered",
		zap.String("experiment_id", exp.ExperimentID),
		zap.String("capability", string(exp.Capability())),
		zap.String("model_a", exp.ModelA.Key()),
		zap.String("model_b", exp.ModelB.Key()),
		zap.Float64("traffic_split", exp.TrafficSplit),
		zap.Bool("enabled", exp.Enabled),
	)
	return nil
}

// DisableExperiment stops routing traffic through the experiment.
func (r *Registry) DisableExperiment(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exp, ok := r.experiments[id]
	if !ok {
		return eris.Wrapf(ErrUnknownExperiment, "%s", id)
	}
	exp.Enabled = false
	r.experiments[id] = exp
	zap.L().Info("registry: experiment disabled", zap.String("experiment_id", id))
	return nil
}

// Models returns the version history for capability in registration order.
func (r *Registry) Models(capability model.CapabilityType) []model.ModelVersion {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.ModelVersion, len(r.models[capability]))
	copy(out, r.models[capability])
	return out
}

// Experiments returns all experiments sorted by id.
func (r *Registry) Experiments() []model.ABTestConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.ABTestConfig, 0, len(r.experiments))
	for _, exp := range r.experiments {
		out = append(out, exp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExperimentID < out[j].ExperimentID })
	return out
}

// Seed is the on-disk registry format.
type Seed struct {
	Models      []model.ModelVersion `yaml:"models"`
	Experiments []model.ABTestConfig `yaml:"experiments"`
}

// LoadFile registers every model and experiment in the YAML seed at path.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "registry: read seed %s", path)
	}
	return r.Load(data)
}

// Load registers every model and experiment in a YAML seed document.
func (r *Registry) Load(data []byte) error {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return eris.Wrap(err, "registry: parse seed")
	}
	for _, m := range seed.Models {
		if err := r.Register(m); err != nil {
			return eris.Wrapf(err, "registry: seed model %s", m.Key())
		}
	}
	for _, exp := range seed.Experiments {
		if err := r.RegisterExperiment(exp); err != nil {
			return eris.Wrapf(err, "registry: seed experiment %s", exp.ExperimentID)
		}
	}
	return nil
}

func validateModel(m model.ModelVersion) error {
	if m.Name == "" || m.Version == "" {
		return eris.Wrap(ErrInvalidModel, "name and version are required")
	}
	if !m.Capability.Valid() {
		return eris.Wrapf(ErrInvalidModel, "unknown capability %q", m.Capability)
	}
	if m.ConfidenceThreshold < 0 || m.ConfidenceThreshold > 1 {
		return eris.Wrapf(ErrInvalidModel, "confidence threshold %.2f outside [0,1]", m.ConfidenceThreshold)
	}
	return nil
}
