// Package review decides whether a reconciled case needs human attention.
package review

import (
	"strings"

	"github.com/Veraticus/derma-loop/internal/matching"
	"github.com/Veraticus/derma-loop/internal/model"
)

// Options configures Evaluate.
type Options struct {
	// Threshold is the CIoU below which a match counts as a significant difference.
	Threshold float64
	// ConfidenceThreshold is the detector confidence at or above which a
	// removed detection forces review.
	ConfidenceThreshold float64
}

// DefaultOptions returns the default thresholds.
func DefaultOptions() Options {
	return Options{
		Threshold:           matching.DefaultThreshold,
		ConfidenceThreshold: 0.75,
	}
}

// Evaluate reconciles detections with corrections.
//
// On top of the matcher's partition it flags label disagreements among
// matches and confident detections the reviewer removed. NeedsReview is set
// by significant differences, missed detections, classification differences
// or high-confidence removals. Ordinary false positives never set it.
func Evaluate(detections, corrections []model.BoundingBox, opts Options) (*model.Reconciliation, error) {
	if err := model.ValidateBoxes(detections, model.SetDetection); err != nil {
		return nil, err
	}
	if err := model.ValidateBoxes(corrections, model.SetCorrection); err != nil {
		return nil, err
	}

	matched := matching.Compare(detections, corrections, opts.Threshold)

	rec := model.NewReconciliation()
	rec.Matches = matched.Matches
	rec.SignificantDifferences = matched.SignificantDifferences
	rec.MissedDetections = matched.MissedDetections
	rec.FalsePositives = matched.FalsePositives
	rec.ClassificationDifferences = classificationDifferences(matched.Matches)
	rec.HighConfidenceRemovals = highConfidenceRemovals(matched.FalsePositives, opts.ConfidenceThreshold)

	rec.NeedsReview = len(rec.SignificantDifferences) > 0 ||
		len(rec.MissedDetections) > 0 ||
		len(rec.ClassificationDifferences) > 0 ||
		len(rec.HighConfidenceRemovals) > 0

	rec.Summary = Summarize(rec, len(detections), len(corrections))

	return rec, nil
}

// Summarize counts the lists of rec.
func Summarize(rec *model.Reconciliation, detections, corrections int) model.Summary {
	return model.Summary{
		AIPredictionCount:             detections,
		FeedbackPredictionCount:       corrections,
		MatchCount:                    len(rec.Matches),
		SignificantDifferenceCount:    len(rec.SignificantDifferences),
		MissedDetectionCount:          len(rec.MissedDetections),
		FalsePositiveCount:            len(rec.FalsePositives),
		ClassificationDifferenceCount: len(rec.ClassificationDifferences),
		HighConfidenceRemovalCount:    len(rec.HighConfidenceRemovals),
	}
}

func classificationDifferences(matches []model.Match) []model.ClassificationDifference {
	diffs := []model.ClassificationDifference{}
	for _, m := range matches {
		detLabel := strings.ToLower(m.Detection.Label)
		corrLabel := strings.ToLower(m.Correction.Label)
		if detLabel == corrLabel {
			continue
		}
		diffs = append(diffs, model.ClassificationDifference{
			Detection:       m.Detection,
			Correction:      m.Correction,
			DetectionLabel:  detLabel,
			CorrectionLabel: corrLabel,
		})
	}
	return diffs
}

func highConfidenceRemovals(falsePositives []model.BoundingBox, threshold float64) []model.HighConfidenceRemoval {
	removals := []model.HighConfidenceRemoval{}
	for _, fp := range falsePositives {
		c := fp.ConfidenceValue()
		if c >= threshold {
			removals = append(removals, model.HighConfidenceRemoval{
				Detection:  fp,
				Confidence: c,
			})
		}
	}
	return removals
}
