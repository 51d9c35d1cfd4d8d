// Package dataset turns reviewed feedback into a YOLO training dataset.
package dataset

import (
	"fmt"
	"strings"

	"github.com/Veraticus/derma-loop/internal/model"
)

// Label is one line of a YOLO label file. Coordinates are normalized to
// the image size.
type Label struct {
	Class   int
	CenterX float64
	CenterY float64
	Width   float64
	Height  float64
}

func (l Label) String() string {
	return fmt.Sprintf("%d %.6f %.6f %.6f %.6f", l.Class, l.CenterX, l.CenterY, l.Width, l.Height)
}

// ToYOLO converts a pixel box into normalized center/size form, clamping
// every value into [0, 1].
func ToYOLO(box model.BoundingBox, width, height int, class int) (Label, error) {
	if width <= 0 || height <= 0 {
		return Label{}, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	w, h := float64(width), float64(height)

	return Label{
		Class:   class,
		CenterX: clamp01((box.XMin + box.XMax) / (2 * w)),
		CenterY: clamp01((box.YMin + box.YMax) / (2 * h)),
		Width:   clamp01((box.XMax - box.XMin) / w),
		Height:  clamp01((box.YMax - box.YMin) / h),
	}, nil
}

func clamp01(v float64) float64 {
	return max(0, min(v, 1))
}

// ClassID resolves the class of a box: its explicit class when set, else
// the position of its label in classes (case-insensitive), else 0.
func ClassID(box model.BoundingBox, classes []string) int {
	if box.Class != nil {
		return *box.Class
	}
	for i, name := range classes {
		if strings.EqualFold(name, box.Label) {
			return i
		}
	}
	return 0
}

// Split decides which of n items go to training. The first round(ratio*n)
// items train and the rest validate; with two or more items each side gets
// at least one.
func Split(n int, ratio float64) (train int) {
	if n <= 0 {
		return 0
	}
	train = int(ratio*float64(n) + 0.5)
	if n == 1 {
		return 1
	}
	return max(1, min(train, n-1))
}
