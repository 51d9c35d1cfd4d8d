package model

import "fmt"

// Score is the CIoU breakdown for one detection/correction pair.
type Score struct {
	IoU             float64 `json:"iou"`
	DistanceTerm    float64 `json:"distance_term"`
	AspectRatioTerm float64 `json:"aspect_ratio_term"`
	CIoU            float64 `json:"ciou"`
}

// Match pairs exactly one detection with exactly one correction.
type Match struct {
	Detection       BoundingBox `json:"ai_prediction"`
	Correction      BoundingBox `json:"feedback_prediction"`
	Score           Score       `json:"ciou"`
	DetectionIndex  int         `json:"ai_index"`
	CorrectionIndex int         `json:"feedback_index"`
}

// ClassificationDifference is a geometric match whose labels disagree.
type ClassificationDifference struct {
	Detection       BoundingBox `json:"ai_prediction"`
	Correction      BoundingBox `json:"feedback_prediction"`
	DetectionLabel  string      `json:"ai_label"`
	CorrectionLabel string      `json:"feedback_label"`
}

// HighConfidenceRemoval is a confident detection the reviewer deleted.
type HighConfidenceRemoval struct {
	Detection  BoundingBox `json:"ai_prediction"`
	Confidence float64     `json:"confidence"`
}

// Summary holds the counts reported with every reconciliation.
type Summary struct {
	AIPredictionCount             int `json:"ai_prediction_count"`
	FeedbackPredictionCount       int `json:"feedback_prediction_count"`
	MatchCount                    int `json:"match_count"`
	SignificantDifferenceCount    int `json:"significant_difference_count"`
	MissedDetectionCount          int `json:"missed_detection_count"`
	FalsePositiveCount            int `json:"false_positive_count"`
	ClassificationDifferenceCount int `json:"classification_difference_count"`
	HighConfidenceRemovalCount    int `json:"high_confidence_removal_count"`
}

// ReviewReason returns a short explanation for the review queue.
func (s Summary) ReviewReason() string {
	switch {
	case s.MissedDetectionCount > 0:
		return fmt.Sprintf("Missed detections: %d", s.MissedDetectionCount)
	case s.FalsePositiveCount > 0:
		return fmt.Sprintf("False positives: %d", s.FalsePositiveCount)
	case s.ClassificationDifferenceCount > 0:
		return fmt.Sprintf("Classification differences: %d", s.ClassificationDifferenceCount)
	case s.SignificantDifferenceCount > 0:
		return fmt.Sprintf("Significant differences: %d", s.SignificantDifferenceCount)
	default:
		return "Manual review needed"
	}
}

// Reconciliation is the outcome of comparing one detection set with one
// correction set. It is computed once and stored as-is.
type Reconciliation struct {
	Matches                   []Match                    `json:"matches"`
	SignificantDifferences    []Match                    `json:"significant_differences"`
	MissedDetections          []BoundingBox              `json:"missed_detections"`
	FalsePositives            []BoundingBox              `json:"false_positives"`
	ClassificationDifferences []ClassificationDifference `json:"classification_differences"`
	HighConfidenceRemovals    []HighConfidenceRemoval    `json:"high_confidence_removals"`
	Summary                   Summary                    `json:"summary"`
	NeedsReview               bool                       `json:"needs_review"`
}

// NewReconciliation returns a result with every list initialized so that
// it serializes with [] rather than null.
func NewReconciliation() *Reconciliation {
	return &Reconciliation{
		Matches:                   []Match{},
		SignificantDifferences:    []Match{},
		MissedDetections:          []BoundingBox{},
		FalsePositives:            []BoundingBox{},
		ClassificationDifferences: []ClassificationDifference{},
		HighConfidenceRemovals:    []HighConfidenceRemoval{},
	}
}
