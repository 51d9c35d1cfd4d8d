package model

import (
	"fmt"
	"time"
)

// DefaultBucket is the bucket uploaded images are stored in.
const DefaultBucket = "skinimages"

// Image is an uploaded, preprocessed image held in the blob store.
type Image struct {
	ProcessedAt      time.Time `json:"processed_at"`
	OriginalFilename string    `json:"original_filename"`
	Bucket           string    `json:"bucket_name"`
	Object           string    `json:"object_name"`
	ID               int64     `json:"id"`
}

// StoragePath returns "bucket/object", or "" when the image has no object.
func (i Image) StoragePath() string {
	if i.Bucket == "" || i.Object == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s", i.Bucket, i.Object)
}

// Analysis is the detector output for one image.
type Analysis struct {
	AnalyzedAt   time.Time     `json:"analyzed_at"`
	ResultBucket string        `json:"result_bucket_name,omitempty"`
	ResultObject string        `json:"result_object_name,omitempty"`
	Predictions  []BoundingBox `json:"analysis_results"`
	ID           int64         `json:"id"`
	ImageID      int64         `json:"preprocessed_image_id"`
}

// FeedbackStatus tracks a feedback record through review.
type FeedbackStatus string

// Feedback status constants.
const (
	FeedbackPending  FeedbackStatus = "pending"
	FeedbackReviewed FeedbackStatus = "reviewed"
)

// Valid reports whether s is a known status.
func (s FeedbackStatus) Valid() bool {
	return s == FeedbackPending || s == FeedbackReviewed
}

// Feedback is a human correction for one image together with its
// reconciliation against the detector output.
type Feedback struct {
	GivenAt        time.Time       `json:"feedback_given_at"`
	ReviewedAt     *time.Time      `json:"reviewed_at,omitempty"`
	AnalysisID     *int64          `json:"analyzed_image_id,omitempty"`
	Comparison     *Reconciliation `json:"comparison_data,omitempty"`
	Text           string          `json:"feedback_text,omitempty"`
	ReviewNotes    string          `json:"review_notes,omitempty"`
	ReconcileError string          `json:"reconcile_error,omitempty"`
	Status         FeedbackStatus  `json:"status"`
	Corrections    []BoundingBox   `json:"feedback_data"`
	ID             int64           `json:"id"`
	ImageID        int64           `json:"preprocessed_image_id"`
	NeedsReview    bool            `json:"needs_review"`
	Retrained      bool            `json:"retrained"`
}

// ReviewReason explains why the record is in the review queue.
func (f Feedback) ReviewReason() string {
	if f.ReconcileError != "" {
		return "Reconciliation failed: " + f.ReconcileError
	}
	if f.Comparison == nil {
		return "Manual review needed"
	}
	return f.Comparison.Summary.ReviewReason()
}

// TrainingRunStatus is the lifecycle state of a retraining run.
type TrainingRunStatus string

// Training run status constants.
const (
	RunRunning   TrainingRunStatus = "running"
	RunSucceeded TrainingRunStatus = "succeeded"
	RunFailed    TrainingRunStatus = "failed"
)

// TrainingRun records one execution of the external training job.
type TrainingRun struct {
	StartedAt     time.Time          `json:"started_at"`
	FinishedAt    *time.Time         `json:"finished_at,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	Status        TrainingRunStatus  `json:"status"`
	DatasetDir    string             `json:"dataset_dir"`
	Error         string             `json:"error,omitempty"`
	Artifacts     []string           `json:"artifacts,omitempty"`
	ID            int64              `json:"id"`
	FeedbackCount int                `json:"feedback_count"`
	TrainCount    int                `json:"train_count"`
	ValCount      int                `json:"val_count"`
	ExitCode      int                `json:"exit_code"`
}

// Duration returns how long the run took, or 0 if it has not finished.
func (r TrainingRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
