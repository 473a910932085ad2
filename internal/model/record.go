package model

import "time"

// ConfirmationStatus tracks whether a user has reviewed a record.
type ConfirmationStatus string

const (
	ConfirmationPending   ConfirmationStatus = "pending"
	ConfirmationConfirmed ConfirmationStatus = "confirmed"
	ConfirmationRejected  ConfirmationStatus = "rejected"
)

// Tag is a label derived from detection results.
type Tag struct {
	Name       string         `json:"name"`
	Source     CapabilityType `json:"source,omitempty"`
	Confidence float64        `json:"confidence"`
}

// Summary is the cross-capability digest of a detection record.
type Summary struct {
	HasDamage       bool   `json:"has_damage"`
	DamageSeverity  string `json:"damage_severity,omitempty"`
	MaterialCount   int    `json:"material_count"`
	VolumeEstimated bool   `json:"volume_estimated"`
}

// UserConfirmation marks a record as awaiting or having received review.
type UserConfirmation struct {
	Status    ConfirmationStatus `json:"status"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// DetectionRecord is the unified, persisted view of one detection.
type DetectionRecord struct {
	ID               string                          `json:"id"`
	RequestID        string                          `json:"request_id"`
	PhotoID          string                          `json:"photo_id"`
	Status           DetectionStatus                 `json:"status"`
	Results          map[CapabilityType]EngineResult `json:"results"`
	ModelVersions    map[CapabilityType]string       `json:"model_versions"`
	ProcessingTimeMS int64                           `json:"processing_time_ms"`
	Tags             []Tag                           `json:"tags"`
	Summary          Summary                         `json:"summary"`
	Confirmation     UserConfirmation                `json:"confirmation"`
	CorrelationID    string                          `json:"correlation_id"`
	CreatedAt        time.Time                       `json:"created_at"`
}

// TagNames returns the tag names in record order.
func (r *DetectionRecord) TagNames() []string {
	names := make([]string, 0, len(r.Tags))
	for _, t := range r.Tags {
		names = append(names, t.Name)
	}
	return names
}
