package aggregate

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/rotisserie/eris"
)

// DamagePayload is the damage engine's result shape.
type DamagePayload struct {
	HasDamage   bool    `mapstructure:"has_damage"`
	Severity    string  `mapstructure:"severity"`
	DamageType  string  `mapstructure:"damage_type"`
	Confidence  float64 `mapstructure:"confidence"`
	DamageAreas []any   `mapstructure:"damage_areas"`
}

// MaterialItem is one detected material line.
type MaterialItem struct {
	Name       string  `mapstructure:"name"`
	Brand      string  `mapstructure:"brand"`
	Quantity   float64 `mapstructure:"quantity"`
	Unit       string  `mapstructure:"unit"`
	Confidence float64 `mapstructure:"confidence"`
}

// MaterialPayload is the material engine's result shape.
type MaterialPayload struct {
	Materials  []MaterialItem `mapstructure:"materials"`
	TotalItems int            `mapstructure:"total_items"`
}

// VolumePayload is the volume engine's result shape.
type VolumePayload struct {
	EstimatedVolume float64            `mapstructure:"estimated_volume"`
	Unit            string             `mapstructure:"unit"`
	Dimensions      map[string]float64 `mapstructure:"dimensions"`
	Confidence      float64            `mapstructure:"confidence"`
}

// decode maps an opaque engine payload onto out. Numeric strings and ints
// are coerced so engines may report quantities either way.
func decode(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return eris.Wrap(err, "aggregate: build decoder")
	}
	if err := dec.Decode(in); err != nil {
		return eris.Wrap(err, "aggregate: decode payload")
	}
	return nil
}
