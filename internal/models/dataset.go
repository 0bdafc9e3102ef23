// Package models defines the core domain entities for the segmentation and gap-investigation engine.
// These models describe loaded datasets (dimensions, measures, records), the share breakdown computed
// from them, and the findings produced by an investigation.
// Models that cross package boundaries carry a Validate method so bad values are caught early.
//
// Terminology:
//   - Dimension: a categorical column (brand, channel, province, period...).
//   - Measure: a numeric column (amount, quantity, share, distribution rate...).
//   - Segmentation: the two-level share breakdown of one measure across two dimensions.
//   - Finding: a "scissors gap", a notable divergence in share or growth between comparable entities.
package models

import (
	"errors"
	"strings"
)

// DimensionType is the semantic type inferred from a dimension's label.
type DimensionType string

const (
	DimensionBrand    DimensionType = "brand"
	DimensionChannel  DimensionType = "channel"
	DimensionRegion   DimensionType = "region"
	DimensionPeriod   DimensionType = "period"
	DimensionCategory DimensionType = "category"
)

// MeasureKind is the semantic kind inferred from a measure's label.
type MeasureKind string

const (
	MeasureAmount   MeasureKind = "amount"
	MeasureQuantity MeasureKind = "quantity"
	MeasureShare    MeasureKind = "share"
	MeasureRate     MeasureKind = "rate"
)

// DimensionDescriptor describes one categorical column of a loaded dataset.
// Descriptors are created once at load time and never modified afterwards.
type DimensionDescriptor struct {
	Key          string        `json:"key"`
	Label        string        `json:"label"`
	InferredType DimensionType `json:"inferred_type"`
}

// MeasureDescriptor describes one numeric column of a loaded dataset.
type MeasureDescriptor struct {
	Key   string      `json:"key"`
	Label string      `json:"label"`
	Kind  MeasureKind `json:"kind"`
}

// Validate checks that the descriptor has a key and a label
func (d *DimensionDescriptor) Validate() error {
	if d.Key == "" {
		return errors.New("dimension key must not be empty")
	}
	if strings.TrimSpace(d.Label) == "" {
		return errors.New("dimension label must not be empty")
	}
	switch d.InferredType {
	case DimensionBrand, DimensionChannel, DimensionRegion, DimensionPeriod, DimensionCategory:
	default:
		return errors.New("dimension inferred type is unknown")
	}
	return nil
}

// Record is one data row: a primary measure plus named categorical and numeric fields.
// Dimension values are owned by the store; callers read them through Value so that
// empty and translation-suffixed values are treated as absent.
type Record struct {
	ID         string             `json:"id"`
	Measure    float64            `json:"measure"`
	Dimensions map[string]string  `json:"dimensions"`
	Measures   map[string]float64 `json:"measures,omitempty"`
	Province   string             `json:"province,omitempty"`

	// markers lists the reserved suffixes that mark a value as a translation artifact.
	markers []string
}

// DefaultTranslationMarkers are the suffixes that mark a column or value as a duplicate-language copy.
var DefaultTranslationMarkers = []string{"_translation", "(translation)", "（翻译）", "(翻译)", "翻译"}

// NewRecord creates a Record that treats values ending in any of markers as absent.
// A nil markers slice means DefaultTranslationMarkers.
func NewRecord(id string, measure float64, dims map[string]string, measures map[string]float64, markers []string) Record {
	if markers == nil {
		markers = DefaultTranslationMarkers
	}
	if dims == nil {
		dims = make(map[string]string)
	}
	return Record{
		ID:         id,
		Measure:    measure,
		Dimensions: dims,
		Measures:   measures,
		markers:    markers,
	}
}

// Value returns the trimmed value of a dimension and whether it is a valid category.
func (r Record) Value(key string) (string, bool) {
	raw, ok := r.Dimensions[key]
	if !ok {
		return "", false
	}
	v := strings.TrimSpace(raw)
	if v == "" || HasTranslationMarker(v, r.markerSet()) {
		return "", false
	}
	return v, true
}

// MeasureValue returns a named numeric field, or the primary measure when key is empty.
func (r Record) MeasureValue(key string) (float64, bool) {
	if key == "" {
		return r.Measure, true
	}
	v, ok := r.Measures[key]
	return v, ok
}

func (r Record) markerSet() []string {
	if r.markers == nil {
		return DefaultTranslationMarkers
	}
	return r.markers
}

// HasTranslationMarker reports whether s ends with one of the reserved translation markers.
func HasTranslationMarker(s string, markers []string) bool {
	lower := strings.ToLower(strings.TrimSpace(s))
	for _, m := range markers {
		if m != "" && strings.HasSuffix(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// Validate checks that the record's measure is usable
func (r *Record) Validate() error {
	if r.Measure < 0 {
		return errors.New("record measure must not be negative")
	}
	return nil
}
