// Package model defines the detection request, response and record types
// shared across the orchestrator.
package model

import (
	"time"
)

// CapabilityType identifies a detection domain that can be requested
// independently for a photo.
type CapabilityType string

const (
	CapabilityDamage   CapabilityType = "damage"
	CapabilityMaterial CapabilityType = "material"
	CapabilityVolume   CapabilityType = "volume"
)

// Capabilities lists every known capability in a stable order.
var Capabilities = []CapabilityType{CapabilityDamage, CapabilityMaterial, CapabilityVolume}

// Valid reports whether c is a known capability type.
func (c CapabilityType) Valid() bool {
	switch c {
	case CapabilityDamage, CapabilityMaterial, CapabilityVolume:
		return true
	default:
		return false
	}
}

// Priority is the scheduling hint attached to a request.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority. The empty priority is
// accepted and treated as normal.
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// DetectionStatus is the overall state of a detection request.
type DetectionStatus string

const (
	DetectionStatusProcessing DetectionStatus = "processing"
	DetectionStatusCompleted  DetectionStatus = "completed"
	DetectionStatusPartial    DetectionStatus = "partial"
	DetectionStatusFailed     DetectionStatus = "failed"
)

// DetectionRequest asks for one photo to be analyzed against a set of
// capabilities. It is not modified after construction.
type DetectionRequest struct {
	PhotoID      string           `json:"photo_id"`
	PhotoURL     string           `json:"photo_url"`
	Capabilities []CapabilityType `json:"capabilities"`
	Priority     Priority         `json:"priority,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
}

// DetectionResponse is the outcome of one orchestrated request.
type DetectionResponse struct {
	RequestID        string                          `json:"request_id"`
	DetectionID      string                          `json:"detection_id"`
	PhotoID          string                          `json:"photo_id"`
	Status           DetectionStatus                 `json:"status"`
	Results          map[CapabilityType]EngineResult `json:"results"`
	ModelVersions    map[CapabilityType]string       `json:"model_versions"`
	ProcessingTimeMS int64                           `json:"processing_time_ms"`
	Error            string                          `json:"error,omitempty"`
	CorrelationID    string                          `json:"correlation_id"`
	Timestamp        time.Time                       `json:"timestamp"`
}

// Succeeded returns the capabilities whose result carries no error.
func (r *DetectionResponse) Succeeded() []CapabilityType {
	var out []CapabilityType
	for _, c := range Capabilities {
		if res, ok := r.Results[c]; ok && res.Error == "" {
			out = append(out, c)
		}
	}
	return out
}

// EngineResult is a single capability outcome. A non-empty Error means
// Confidence is 0 and Results is empty. ErrorType, when set, is the
// "transient" or "permanent" classification of the underlying error.
// BelowThreshold marks a successful result whose confidence fell under the
// serving model's threshold.
type EngineResult struct {
	Capability       CapabilityType `json:"capability"`
	ModelVersion     string         `json:"model_version"`
	Confidence       float64        `json:"confidence"`
	Results          map[string]any `json:"results"`
	ProcessingTimeMS int64          `json:"processing_time_ms"`
	Endpoint         string         `json:"endpoint,omitempty"`
	Error            string         `json:"error,omitempty"`
	ErrorType        string         `json:"error_type,omitempty"`
	BelowThreshold   bool           `json:"below_threshold,omitempty"`
}

// FailedResult builds an EngineResult carrying only an error.
func FailedResult(capability CapabilityType, modelVersion, errMsg string, elapsed time.Duration) EngineResult {
	return EngineResult{
		Capability:       capability,
		ModelVersion:     modelVersion,
		Confidence:       0,
		Results:          map[string]any{},
		ProcessingTimeMS: elapsed.Milliseconds(),
		Error:            errMsg,
	}
}

// EngineHealth is the outcome of one liveness probe.
type EngineHealth struct {
	Capability          CapabilityType `json:"capability"`
	Endpoint            string         `json:"endpoint"`
	Healthy             bool           `json:"healthy"`
	LastCheck           time.Time      `json:"last_check"`
	ResponseTimeMS      int64          `json:"response_time_ms"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	CircuitState        string         `json:"circuit_state,omitempty"`
	Error               string         `json:"error,omitempty"`
}
