// Package matching pairs detector boxes with reviewer boxes.
//
// Pairs are chosen greedily: the highest-scoring remaining cell of the CIoU
// matrix is taken first, its row and column are zeroed, and the scan repeats
// until no positive score is left. This is not an optimal assignment; a
// Hungarian solver can produce a different pairing when scores compete. The
// greedy order is kept so results stay comparable with stored history.
package matching

import (
	"github.com/Veraticus/derma-loop/internal/geometry"
	"github.com/Veraticus/derma-loop/internal/model"
)

// DefaultThreshold is the CIoU below which a match is a significant difference.
const DefaultThreshold = 0.5

// Result is the matcher's partition of the two box sets.
type Result struct {
	Matches                []model.Match
	SignificantDifferences []model.Match
	MissedDetections       []model.BoundingBox
	FalsePositives         []model.BoundingBox
	NeedsReview            bool
}

// Compare matches detections against corrections.
//
// Every detection ends up either in a match or in FalsePositives, and every
// correction either in a match or in MissedDetections. NeedsReview is true
// when a significant difference or a missed detection exists; false
// positives alone do not set it.
func Compare(detections, corrections []model.BoundingBox, threshold float64) Result {
	res := Result{
		Matches:                []model.Match{},
		SignificantDifferences: []model.Match{},
	}

	matchedDet := make([]bool, len(detections))
	matchedCorr := make([]bool, len(corrections))

	if len(detections) > 0 && len(corrections) > 0 {
		scores := newMatrix(detections, corrections)

		for remaining := min(len(detections), len(corrections)); remaining > 0; remaining-- {
			i, j := scores.argmax()
			best := scores.values[i][j]
			if best <= 0 {
				break
			}

			match := model.Match{
				Detection:       detections[i],
				Correction:      corrections[j],
				Score:           scores.breakdown[i][j],
				DetectionIndex:  i,
				CorrectionIndex: j,
			}
			res.Matches = append(res.Matches, match)
			if best < threshold {
				res.SignificantDifferences = append(res.SignificantDifferences, match)
			}

			matchedDet[i] = true
			matchedCorr[j] = true
			scores.clear(i, j)
		}
	}

	res.FalsePositives = unmatched(detections, matchedDet)
	res.MissedDetections = unmatched(corrections, matchedCorr)
	res.NeedsReview = len(res.SignificantDifferences) > 0 || len(res.MissedDetections) > 0

	return res
}

func unmatched(boxes []model.BoundingBox, matched []bool) []model.BoundingBox {
	out := make([]model.BoundingBox, 0, len(boxes))
	for i, b := range boxes {
		if !matched[i] {
			out = append(out, b)
		}
	}
	return out
}

// matrix holds the CIoU scores for every detection/correction pair.
// Rows and columns are zeroed, never removed, so indices stay stable.
type matrix struct {
	values    [][]float64
	breakdown [][]model.Score
}

func newMatrix(detections, corrections []model.BoundingBox) *matrix {
	m := &matrix{
		values:    make([][]float64, len(detections)),
		breakdown: make([][]model.Score, len(detections)),
	}
	for i, d := range detections {
		m.values[i] = make([]float64, len(corrections))
		m.breakdown[i] = make([]model.Score, len(corrections))
		for j, c := range corrections {
			score := geometry.CIoU(d, c)
			m.values[i][j] = score.CIoU
			m.breakdown[i][j] = score
		}
	}
	return m
}

// argmax scans row-major and returns the first cell holding the maximum.
func (m *matrix) argmax() (int, int) {
	bestI, bestJ := 0, 0
	best := m.values[0][0]
	for i, row := range m.values {
		for j, v := range row {
			if v > best {
				best, bestI, bestJ = v, i, j
			}
		}
	}
	return bestI, bestJ
}

func (m *matrix) clear(row, col int) {
	for j := range m.values[row] {
		m.values[row][j] = 0
	}
	for i := range m.values {
		m.values[i][col] = 0
	}
}
