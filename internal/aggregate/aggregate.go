// Package aggregate combines per-capability engine results into one
// detection record with derived tags and a summary.
package aggregate

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/detection-orchestrator/internal/model"
)

// Confidence thresholds used by the tag rules.
const (
	HighConfidence        = 0.9
	VolumeHighConfidence  = 0.8
	VolumeMinConfidence   = 0.5
	BulkQuantityThreshold = 10
)

// Aggregate builds the unified record for resp. Capabilities whose result
// carries an error contribute nothing but are kept in Results. Results
// below their model's confidence threshold add only a low_confidence tag
// and requires_review. The confirmation marker is always a fresh pending one.
func Aggregate(resp *model.DetectionResponse, now time.Time) model.DetectionRecord {
	rec := model.DetectionRecord{
		ID:            resp.DetectionID,
		RequestID:     resp.RequestID,
		PhotoID:       resp.PhotoID,
		Status:        resp.Status,
		Results:       resp.Results,
		ModelVersions: make(map[model.CapabilityType]string),
		Tags:          []model.Tag{},
		Confirmation: model.UserConfirmation{
			Status:    model.ConfirmationPending,
			UpdatedAt: now.UTC(),
		},
		CorrelationID: resp.CorrelationID,
		CreatedAt:     now.UTC(),
	}

	tb := &tagBuilder{seen: make(map[string]bool)}
	var contributing []model.EngineResult

	for _, c := range model.Capabilities {
		res, ok := resp.Results[c]
		if !ok || res.Error != "" {
			continue
		}
		rec.ModelVersions[c] = res.ModelVersion
		rec.ProcessingTimeMS += res.ProcessingTimeMS
		if res.BelowThreshold {
			tb.add("low_confidence:"+string(c), c, res.Confidence)
			tb.add("requires_review", c, res.Confidence)
			continue
		}
		contributing = append(contributing, res)

		var err error
		switch c {
		case model.CapabilityDamage:
			err = damageTags(tb, res, &rec.Summary)
		case model.CapabilityMaterial:
			err = materialTags(tb, res, &rec.Summary)
		case model.CapabilityVolume:
			err = volumeTags(tb, res, &rec.Summary)
		}
		if err != nil {
			zap.L().Warn("aggregate: skipping malformed payload",
				zap.String("detection_id", resp.DetectionID),
				zap.String("capability", string(c)),
				zap.Error(err),
			)
		}
	}

	crossTags(tb, contributing)
	rec.Tags = tb.tags
	return rec
}

type tagBuilder struct {
	tags []model.Tag
	seen map[string]bool
}

func (b *tagBuilder) add(name string, source model.CapabilityType, confidence float64) {
	if name == "" || b.seen[name] {
		return
	}
	b.seen[name] = true
	b.tags = append(b.tags, model.Tag{Name: name, Source: source, Confidence: confidence})
}

func damageTags(tb *tagBuilder, res model.EngineResult, s *model.Summary) error {
	var p DamagePayload
	if err := decode(res.Results, &p); err != nil {
		return err
	}

	s.HasDamage = p.HasDamage
	if !p.HasDamage {
		s.DamageSeverity = ""
		tb.add("no_damage", model.CapabilityDamage, res.Confidence)
		return nil
	}

	severity := slug(p.Severity)
	s.DamageSeverity = severity
	tb.add("damage_detected", model.CapabilityDamage, res.Confidence)
	if p.DamageType != "" {
		tb.add("damage:"+slug(p.DamageType), model.CapabilityDamage, res.Confidence)
	}
	if severity != "" {
		tb.add("severity:"+severity, model.CapabilityDamage, res.Confidence)
	}
	if severity == "moderate" || severity == "severe" {
		tb.add("requires_review", model.CapabilityDamage, res.Confidence)
	}
	return nil
}

func materialTags(tb *tagBuilder, res model.EngineResult, s *model.Summary) error {
	var p MaterialPayload
	if err := decode(res.Results, &p); err != nil {
		return err
	}

	s.MaterialCount = len(p.Materials)
	var quantity float64
	names := make(map[string]bool)
	for _, m := range p.Materials {
		conf := m.Confidence
		if conf == 0 {
			conf = res.Confidence
		}
		if name := slug(m.Name); name != "" {
			names[name] = true
			tb.add("material:"+name, model.CapabilityMaterial, conf)
		}
		if m.Brand != "" {
			tb.add("brand:"+slug(m.Brand), model.CapabilityMaterial, conf)
		}
		quantity += m.Quantity
	}
	if quantity >= BulkQuantityThreshold {
		tb.add("bulk_quantity", model.CapabilityMaterial, res.Confidence)
	}
	if len(names) > 1 {
		tb.add("multiple_materials", model.CapabilityMaterial, res.Confidence)
	}
	return nil
}

func volumeTags(tb *tagBuilder, res model.EngineResult, s *model.Summary) error {
	var p VolumePayload
	if err := decode(res.Results, &p); err != nil {
		return err
	}

	s.VolumeEstimated = p.EstimatedVolume > 0
	switch {
	case res.Confidence >= VolumeHighConfidence:
		tb.add("volume_high_confidence", model.CapabilityVolume, res.Confidence)
	case res.Confidence >= VolumeMinConfidence:
		tb.add("volume_estimated", model.CapabilityVolume, res.Confidence)
	default:
		tb.add("volume_low_confidence", model.CapabilityVolume, res.Confidence)
	}
	return nil
}

func crossTags(tb *tagBuilder, contributing []model.EngineResult) {
	if len(contributing) >= 2 {
		tb.add("multi_capability", "", minConfidence(contributing))
	}
	if len(contributing) > 0 && minConfidence(contributing) >= HighConfidence {
		tb.add("high_confidence", "", minConfidence(contributing))
	}
}

// slug lowercases s and joins words with underscores.
func slug(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "_")
}

func minConfidence(results []model.EngineResult) float64 {
	low := 1.0
	for _, r := range results {
		if r.Confidence < low {
			low = r.Confidence
		}
	}
	return low
}
