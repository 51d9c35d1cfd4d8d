// Package geometry provides overlap and distance metrics for bounding boxes.
package geometry

import (
	"math"

	"github.com/Veraticus/derma-loop/internal/model"
)

// aspectScale is 4/pi^2, which maps the arctangent difference onto [0,1].
var aspectScale = 4 / (math.Pi * math.Pi)

// IoU returns the intersection-over-union of a and b in [0,1].
func IoU(a, b model.BoundingBox) float64 {
	interW := math.Max(0, math.Min(a.XMax, b.XMax)-math.Max(a.XMin, b.XMin))
	interH := math.Max(0, math.Min(a.YMax, b.YMax)-math.Max(a.YMin, b.YMin))
	intersection := interW * interH
	if intersection <= 0 {
		return 0
	}

	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// CIoU scores a and b with IoU minus a normalized center-distance penalty
// and an aspect-ratio penalty. The result can be negative, which lets
// callers rank pairs that do not overlap at all.
//
// The distance term is not clamped. It is 0 when the enclosing box has a
// zero diagonal.
func CIoU(a, b model.BoundingBox) model.Score {
	iou := IoU(a, b)

	ax, ay := a.Center()
	bx, by := b.Center()
	centerDist := (ax-bx)*(ax-bx) + (ay-by)*(ay-by)

	encW := math.Max(a.XMax, b.XMax) - math.Min(a.XMin, b.XMin)
	encH := math.Max(a.YMax, b.YMax) - math.Min(a.YMin, b.YMin)
	diagonal := encW*encW + encH*encH

	var distance float64
	if diagonal > 0 {
		distance = centerDist / diagonal
	}

	diff := aspectAngle(a) - aspectAngle(b)
	v := aspectScale * diff * diff

	var alpha float64
	if iou < 1 {
		if denom := 1 - iou + v; denom > 0 {
			alpha = v / denom
		}
	}
	aspect := alpha * v

	return model.Score{
		IoU:             iou,
		DistanceTerm:    distance,
		AspectRatioTerm: aspect,
		CIoU:            iou - distance - aspect,
	}
}

// aspectAngle is atan(w/h), or 0 for boxes without positive height.
func aspectAngle(b model.BoundingBox) float64 {
	h := b.Height()
	if h <= 0 {
		return 0
	}
	return math.Atan(b.Width() / h)
}
