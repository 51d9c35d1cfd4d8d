// Package model defines the core domain models used throughout the application.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidBox is wrapped by every BoxError.
var ErrInvalidBox = errors.New("invalid bounding box")

// BoundingBox is an axis-aligned rectangle in pixel coordinates.
//
// Detections carry a Confidence; human corrections usually do not. Label is
// serialized as "name" because that is the key the detector and the review
// API exchange.
type BoundingBox struct {
	Confidence *float64 `json:"confidence,omitempty"`
	Class      *int     `json:"class,omitempty"`
	Label      string   `json:"name"`
	XMin       float64  `json:"xmin"`
	YMin       float64  `json:"ymin"`
	XMax       float64  `json:"xmax"`
	YMax       float64  `json:"ymax"`
}

// Width returns xmax - xmin. It is negative for inverted boxes.
func (b BoundingBox) Width() float64 {
	return b.XMax - b.XMin
}

// Height returns ymax - ymin. It is negative for inverted boxes.
func (b BoundingBox) Height() float64 {
	return b.YMax - b.YMin
}

// Area returns the box area, or 0 for degenerate boxes.
func (b BoundingBox) Area() float64 {
	if b.IsDegenerate() {
		return 0
	}
	return b.Width() * b.Height()
}

// Center returns the center point of the box.
func (b BoundingBox) Center() (float64, float64) {
	return (b.XMin + b.XMax) / 2, (b.YMin + b.YMax) / 2
}

// IsDegenerate reports whether the box has no positive width or height.
func (b BoundingBox) IsDegenerate() bool {
	return b.XMax <= b.XMin || b.YMax <= b.YMin
}

// ConfidenceValue returns the confidence, or 0 when absent.
func (b BoundingBox) ConfidenceValue() float64 {
	if b.Confidence == nil {
		return 0
	}
	return *b.Confidence
}

// WithConfidence returns a copy of the box with the given confidence.
func (b BoundingBox) WithConfidence(c float64) BoundingBox {
	b.Confidence = &c
	return b
}

// BoxError identifies a malformed box in a detection or correction set.
type BoxError struct {
	Set    string
	Field  string
	Reason string
	Index  int
}

func (e *BoxError) Error() string {
	return fmt.Sprintf("%s box %d: field %q %s", e.Set, e.Index, e.Field, e.Reason)
}

func (e *BoxError) Unwrap() error {
	return ErrInvalidBox
}

// Set names used in BoxError.
const (
	SetDetection  = "detection"
	SetCorrection = "correction"
)

// rawBox mirrors BoundingBox with every field optional so that missing and
// non-numeric values can be told apart from zero.
type rawBox struct {
	XMin       json.RawMessage `json:"xmin"`
	YMin       json.RawMessage `json:"ymin"`
	XMax       json.RawMessage `json:"xmax"`
	YMax       json.RawMessage `json:"ymax"`
	Label      json.RawMessage `json:"name"`
	Confidence json.RawMessage `json:"confidence"`
	Class      json.RawMessage `json:"class"`
}

// ParseBoxes decodes a JSON array of boxes, failing on the first box with a
// missing or non-numeric coordinate. A JSON null decodes to an empty set.
func ParseBoxes(data []byte, set string) ([]BoundingBox, error) {
	var raws []rawBox
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: %s set is not a JSON array of objects: %v", ErrInvalidBox, set, err)
	}

	boxes := make([]BoundingBox, 0, len(raws))
	for i, raw := range raws {
		box, err := raw.toBox(set, i)
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, box)
	}

	return boxes, ValidateBoxes(boxes, set)
}

func (r rawBox) toBox(set string, index int) (BoundingBox, error) {
	var box BoundingBox

	coords := []struct {
		dst  *float64
		name string
		raw  json.RawMessage
	}{
		{&box.XMin, "xmin", r.XMin},
		{&box.YMin, "ymin", r.YMin},
		{&box.XMax, "xmax", r.XMax},
		{&box.YMax, "ymax", r.YMax},
	}
	for _, c := range coords {
		if isAbsent(c.raw) {
			return box, &BoxError{Set: set, Index: index, Field: c.name, Reason: "is missing"}
		}
		if err := json.Unmarshal(c.raw, c.dst); err != nil {
			return box, &BoxError{Set: set, Index: index, Field: c.name, Reason: "is not a number"}
		}
	}

	if !isAbsent(r.Label) {
		if err := json.Unmarshal(r.Label, &box.Label); err != nil {
			return box, &BoxError{Set: set, Index: index, Field: "name", Reason: "is not a string"}
		}
	}

	if !isAbsent(r.Confidence) {
		var c float64
		if err := json.Unmarshal(r.Confidence, &c); err != nil {
			return box, &BoxError{Set: set, Index: index, Field: "confidence", Reason: "is not a number"}
		}
		box.Confidence = &c
	}

	if !isAbsent(r.Class) {
		var c int
		if err := json.Unmarshal(r.Class, &c); err != nil {
			return box, &BoxError{Set: set, Index: index, Field: "class", Reason: "is not an integer"}
		}
		box.Class = &c
	}

	return box, nil
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// ValidateBoxes checks coordinates are finite and confidences lie in [0,1].
// Degenerate geometry is allowed.
func ValidateBoxes(boxes []BoundingBox, set string) error {
	for i, b := range boxes {
		for _, c := range []struct {
			name  string
			value float64
		}{
			{"xmin", b.XMin}, {"ymin", b.YMin}, {"xmax", b.XMax}, {"ymax", b.YMax},
		} {
			if math.IsNaN(c.value) || math.IsInf(c.value, 0) {
				return &BoxError{Set: set, Index: i, Field: c.name, Reason: "is not finite"}
			}
		}
		if b.Confidence != nil {
			c := *b.Confidence
			if math.IsNaN(c) || c < 0 || c > 1 {
				return &BoxError{Set: set, Index: i, Field: "confidence", Reason: "must be between 0 and 1"}
			}
		}
	}
	return nil
}
