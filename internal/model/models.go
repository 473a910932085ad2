package model

import "time"

// ModelVersion describes one deployable model for a capability.
type ModelVersion struct {
	Name                string         `json:"name" yaml:"name"`
	Version             string         `json:"version" yaml:"version"`
	Capability          CapabilityType `json:"capability" yaml:"capability"`
	Endpoint            string         `json:"endpoint" yaml:"endpoint"`
	ConfidenceThreshold float64        `json:"confidence_threshold" yaml:"confidence_threshold"`
	Enabled             bool           `json:"enabled" yaml:"enabled"`
	RegisteredAt        time.Time      `json:"registered_at" yaml:"-"`
}

// Key returns the name:version identifier used for lookups and logs.
func (m ModelVersion) Key() string {
	return m.Name + ":" + m.Version
}

// ABTestConfig routes a fraction of requests for one capability to an
// alternate model. TrafficSplit is the fraction sent to ModelA.
type ABTestConfig struct {
	ExperimentID string       `json:"experiment_id" yaml:"experiment_id"`
	ModelA       ModelVersion `json:"model_a" yaml:"model_a"`
	ModelB       ModelVersion `json:"model_b" yaml:"model_b"`
	TrafficSplit float64      `json:"traffic_split" yaml:"traffic_split"`
	Enabled      bool         `json:"enabled" yaml:"enabled"`
}

// Capability returns the capability the experiment applies to.
func (c ABTestConfig) Capability() CapabilityType {
	return c.ModelA.Capability
}
