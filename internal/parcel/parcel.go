package parcel

import (
	"fmt"

	"gitlab.ozon.dev/qwestard/marketplace/internal/apperr"
)

type TemplateType string

const (
	TemplateEnvelope TemplateType = "envelope"
	TemplateSmallBox TemplateType = "small_box"
	TemplateLargeBox TemplateType = "large_box"
)

// Dimensions are what the carrier expects for a single parcel.
type Dimensions struct {
	LengthCM    float64 `json:"length"`
	WidthCM     float64 `json:"width"`
	HeightCM    float64 `json:"height"`
	WeightGrams int64   `json:"weight"`
}

type Template interface {
	Validate(weightGrams int64) error
	Dimensions(weightGrams int64) Dimensions
	Type() TemplateType
}

type EnvelopeTemplate struct{}

func (EnvelopeTemplate) Validate(weight int64) error {
	if weight > 500 {
		return fmt.Errorf("envelope holds up to 500 g, item weighs %d g", weight)
	}
	return nil
}

func (EnvelopeTemplate) Dimensions(weight int64) Dimensions {
	return Dimensions{LengthCM: 35, WidthCM: 25, HeightCM: 2, WeightGrams: weight}
}

func (EnvelopeTemplate) Type() TemplateType {
	return TemplateEnvelope
}

type SmallBoxTemplate struct{}

func (SmallBoxTemplate) Validate(weight int64) error {
	if weight > 5000 {
		return fmt.Errorf("small box holds up to 5 kg, item weighs %d g", weight)
	}
	return nil
}

func (SmallBoxTemplate) Dimensions(weight int64) Dimensions {
	return Dimensions{LengthCM: 30, WidthCM: 20, HeightCM: 15, WeightGrams: weight}
}

func (SmallBoxTemplate) Type() TemplateType {
	return TemplateSmallBox
}

type LargeBoxTemplate struct{}

func (LargeBoxTemplate) Validate(weight int64) error {
	if weight > 30000 {
		return fmt.Errorf("large box holds up to 30 kg, item weighs %d g", weight)
	}
	return nil
}

func (LargeBoxTemplate) Dimensions(weight int64) Dimensions {
	return Dimensions{LengthCM: 60, WidthCM: 40, HeightCM: 40, WeightGrams: weight}
}

func (LargeBoxTemplate) Type() TemplateType {
	return TemplateLargeBox
}

type Catalog interface {
	Resolve(tt string, weightGrams int64) (Dimensions, error)
	List() []TemplateType
}

type catalog struct {
	types map[TemplateType]Template
}

func NewCatalog() Catalog {
	return &catalog{
		types: map[TemplateType]Template{
			TemplateEnvelope: EnvelopeTemplate{},
			TemplateSmallBox: SmallBoxTemplate{},
			TemplateLargeBox: LargeBoxTemplate{},
		},
	}
}

// Resolve turns an item's template name and weight into carrier dimensions.
// Any gap in the profile is reported as dimensions_missing.
func (c *catalog) Resolve(tt string, weight int64) (Dimensions, error) {
	if tt == "" || weight <= 0 {
		return Dimensions{}, apperr.Validation(apperr.ReasonDimensionsMissing, "item has no parcel profile")
	}
	t, ok := c.types[TemplateType(tt)]
	if !ok {
		return Dimensions{}, apperr.Validation(apperr.ReasonDimensionsMissing, fmt.Sprintf("unknown parcel template: %s", tt))
	}
	if err := t.Validate(weight); err != nil {
		return Dimensions{}, apperr.Validation(apperr.ReasonDimensionsMissing, err.Error())
	}
	return t.Dimensions(weight), nil
}

func (c *catalog) List() []TemplateType {
	var list []TemplateType
	for k := range c.types {
		list = append(list, k)
	}
	return list
}
