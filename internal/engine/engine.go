// Package engine implements the feedback workflow: registering and analyzing
// images, reconciling reviewer corrections with detector output and
// resolving the review queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/derma-loop/internal/blob"
	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/Veraticus/derma-loop/internal/review"
	"github.com/Veraticus/derma-loop/internal/service"
)

// FeedbackEngine orchestrates the feedback loop.
type FeedbackEngine struct {
	storage   service.Storage
	blobs     blob.Store
	detector  Detector
	logger    *slog.Logger
	reconcile func(detections, corrections []model.BoundingBox, opts review.Options) (*model.Reconciliation, error)
	options   review.Options
	bucket    string
}

// Config holds configuration options for the feedback engine.
type Config struct {
	Bucket string
	Review review.Options
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Bucket: model.DefaultBucket,
		Review: review.DefaultOptions(),
	}
}

// New creates an engine with the default configuration.
func New(storage service.Storage, blobs blob.Store, detector Detector, logger *slog.Logger) *FeedbackEngine {
	return NewWithConfig(storage, blobs, detector, logger, DefaultConfig())
}

// NewWithConfig creates an engine with custom configuration. The detector
// may be nil for callers that never analyze images.
func NewWithConfig(storage service.Storage, blobs blob.Store, detector Detector, logger *slog.Logger, config Config) *FeedbackEngine {
	if config.Bucket == "" {
		config.Bucket = model.DefaultBucket
	}
	return &FeedbackEngine{
		storage:   storage,
		blobs:     blobs,
		detector:  detector,
		logger:    common.OrDefault(logger),
		reconcile: Reconcile,
		options:   config.Review,
		bucket:    config.Bucket,
	}
}

// Prepare makes sure the image bucket exists.
func (e *FeedbackEngine) Prepare(ctx context.Context) error {
	if err := e.blobs.EnsureBucket(ctx, e.bucket); err != nil {
		return fmt.Errorf("failed to prepare bucket %s: %w", e.bucket, err)
	}
	return nil
}

// Reconcile compares detections with corrections. When the detector found
// nothing but the reviewer drew boxes, every correction is a missed
// detection and the case always goes to review.
func Reconcile(detections, corrections []model.BoundingBox, opts review.Options) (*model.Reconciliation, error) {
	if len(detections) == 0 && len(corrections) > 0 {
		if err := model.ValidateBoxes(corrections, model.SetCorrection); err != nil {
			return nil, err
		}
		rec := model.NewReconciliation()
		rec.MissedDetections = append(rec.MissedDetections, corrections...)
		rec.NeedsReview = true
		rec.Summary = review.Summarize(rec, 0, len(corrections))
		return rec, nil
	}
	return review.Evaluate(detections, corrections, opts)
}

// Submission is a reviewer's correction of one image.
type Submission struct {
	// AnalysisID selects the analysis to compare against; nil means the
	// latest analysis of the image.
	AnalysisID  *int64
	Text        string
	Corrections []model.BoundingBox
	ImageID     int64
}

// Outcome reports what ProcessFeedback stored.
type Outcome struct {
	Feedback       *model.Feedback
	Summary        *model.Summary
	ReconcileError string
	NeedsReview    bool
}

// ProcessFeedback reconciles a submission with the detector output and
// appends a feedback record. A failed reconciliation is stored with the
// error and sent to review instead of aborting.
func (e *FeedbackEngine) ProcessFeedback(ctx context.Context, sub Submission) (*Outcome, error) {
	e.logger.Info("processing feedback",
		"image_id", sub.ImageID,
		"analysis_id", sub.AnalysisID,
		"corrections", len(sub.Corrections))

	if err := model.ValidateBoxes(sub.Corrections, model.SetCorrection); err != nil {
		return nil, err
	}

	image, err := e.storage.GetImage(ctx, sub.ImageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}

	analysis, err := e.loadAnalysis(ctx, image.ID, sub.AnalysisID)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("loaded analysis",
		"image_id", image.ID,
		"analysis_id", analysis.ID,
		"detections", len(analysis.Predictions))

	corrections := sub.Corrections
	if corrections == nil {
		corrections = []model.BoundingBox{}
	}

	feedback := &model.Feedback{
		ImageID:     image.ID,
		AnalysisID:  &analysis.ID,
		Corrections: corrections,
		Text:        sub.Text,
	}

	rec, err := e.reconcile(analysis.Predictions, corrections, e.options)
	if err != nil {
		e.logger.Error("reconciliation failed",
			"image_id", image.ID,
			"analysis_id", analysis.ID,
			"error", err)
		feedback.ReconcileError = err.Error()
		feedback.NeedsReview = true
	} else {
		feedback.Comparison = rec
		feedback.NeedsReview = rec.NeedsReview
		e.logger.Info("reconciled predictions",
			"image_id", image.ID,
			"matches", rec.Summary.MatchCount,
			"missed_detections", rec.Summary.MissedDetectionCount,
			"false_positives", rec.Summary.FalsePositiveCount,
			"classification_differences", rec.Summary.ClassificationDifferenceCount,
			"needs_review", rec.NeedsReview)
	}

	feedback.Status = model.FeedbackReviewed
	if feedback.NeedsReview {
		feedback.Status = model.FeedbackPending
		e.logger.Warn("feedback flagged for review",
			"image_id", image.ID,
			"reason", feedback.ReviewReason())
	}

	if err := e.storage.CreateFeedback(ctx, feedback); err != nil {
		return nil, fmt.Errorf("failed to store feedback: %w", err)
	}
	e.logger.Info("stored feedback",
		"feedback_id", feedback.ID,
		"status", feedback.Status)

	outcome := &Outcome{
		Feedback:       feedback,
		NeedsReview:    feedback.NeedsReview,
		ReconcileError: feedback.ReconcileError,
	}
	if rec != nil {
		summary := rec.Summary
		outcome.Summary = &summary
	}
	return outcome, nil
}

func (e *FeedbackEngine) loadAnalysis(ctx context.Context, imageID int64, analysisID *int64) (*model.Analysis, error) {
	if analysisID == nil {
		analysis, err := e.storage.GetLatestAnalysis(ctx, imageID)
		if errors.Is(err, common.ErrNotFound) {
			return nil, fmt.Errorf("%w: image %d", common.ErrNotAnalyzed, imageID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load analysis: %w", err)
		}
		return analysis, nil
	}

	analysis, err := e.storage.GetAnalysis(ctx, *analysisID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, fmt.Errorf("%w: analysis %d does not exist", common.ErrNotAnalyzed, *analysisID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load analysis: %w", err)
	}
	if analysis.ImageID != imageID {
		return nil, fmt.Errorf("analysis %d belongs to image %d, not %d", analysis.ID, analysis.ImageID, imageID)
	}
	return analysis, nil
}

// RegisterImage stores raw image bytes under a generated object name and
// records the image.
func (e *FeedbackEngine) RegisterImage(ctx context.Context, filename string, data []byte) (*model.Image, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return nil, fmt.Errorf("image filename is required")
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("image %s is empty", filename)
	}

	key := blob.Key{Bucket: e.bucket, Object: blob.NewObjectName(filename)}
	if err := e.blobs.Put(ctx, key, data, blob.ContentType(filename)); err != nil {
		return nil, fmt.Errorf("failed to upload image: %w", err)
	}

	image := &model.Image{
		OriginalFilename: filename,
		Bucket:           key.Bucket,
		Object:           key.Object,
	}
	if err := e.storage.CreateImage(ctx, image); err != nil {
		return nil, fmt.Errorf("failed to record image: %w", err)
	}

	e.logger.Info("registered image",
		"image_id", image.ID,
		"filename", filename,
		"path", image.StoragePath(),
		"bytes", len(data))
	return image, nil
}

// AnalyzeImage runs the detector on a stored image and records the result.
// The annotated result image, when returned, is uploaded next to the original;
// a failed upload is logged and does not fail the analysis.
func (e *FeedbackEngine) AnalyzeImage(ctx context.Context, imageID int64) (*model.Analysis, error) {
	if e.detector == nil {
		return nil, fmt.Errorf("%w: no detector configured", common.ErrDetectorUnavailable)
	}

	image, err := e.storage.GetImage(ctx, imageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	e.logger.Info("analyzing image", "image_id", image.ID, "path", image.StoragePath())

	data, err := e.blobs.Get(ctx, blob.Key{Bucket: image.Bucket, Object: image.Object})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve image %s: %w", image.StoragePath(), err)
	}

	resp, err := e.detector.Detect(ctx, image.OriginalFilename, data)
	if err != nil {
		return nil, fmt.Errorf("analysis failed: %w", err)
	}

	analysis := &model.Analysis{
		ImageID:     image.ID,
		Predictions: resp.Predictions,
	}
	if analysis.Predictions == nil {
		analysis.Predictions = []model.BoundingBox{}
	}

	if len(resp.ResultImage) > 0 {
		key := blob.Key{Bucket: image.Bucket, Object: blob.ResultObjectName(image.Object)}
		if err := e.blobs.Put(ctx, key, resp.ResultImage, blob.ContentType(key.Object)); err != nil {
			e.logger.Warn("failed to upload result image", "image_id", image.ID, "error", err)
		} else {
			analysis.ResultBucket = key.Bucket
			analysis.ResultObject = key.Object
		}
	}

	if err := e.storage.CreateAnalysis(ctx, analysis); err != nil {
		return nil, fmt.Errorf("failed to store analysis: %w", err)
	}

	e.logger.Info("stored analysis",
		"image_id", image.ID,
		"analysis_id", analysis.ID,
		"predictions", len(analysis.Predictions))
	return analysis, nil
}

// ReviewUpdate is a reviewer's resolution of a queued case.
type ReviewUpdate struct {
	Corrections []model.BoundingBox
	Notes       string
	// Status defaults to reviewed.
	Status model.FeedbackStatus
}

// SubmitReview replaces the corrections and notes of a feedback record and
// sets its status. The stored comparison stays as originally computed.
func (e *FeedbackEngine) SubmitReview(ctx context.Context, feedbackID int64, update ReviewUpdate) (*model.Feedback, error) {
	if update.Status == "" {
		update.Status = model.FeedbackReviewed
	}
	if !update.Status.Valid() {
		return nil, fmt.Errorf("unknown review status %q", update.Status)
	}
	if err := model.ValidateBoxes(update.Corrections, model.SetCorrection); err != nil {
		return nil, err
	}

	err := e.storage.UpdateFeedbackReview(ctx, feedbackID, service.FeedbackReview{
		Corrections: update.Corrections,
		Notes:       update.Notes,
		Status:      update.Status,
		ReviewedAt:  time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit review: %w", err)
	}

	feedback, err := e.storage.GetFeedback(ctx, feedbackID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload feedback: %w", err)
	}

	e.logger.Info("review submitted",
		"feedback_id", feedbackID,
		"status", feedback.Status,
		"corrections", len(feedback.Corrections))
	return feedback, nil
}

// ReviewQueue returns one page of feedback that needs review.
func (e *FeedbackEngine) ReviewQueue(ctx context.Context, filter service.ReviewFilter) (*service.ReviewPage, error) {
	page, err := e.storage.ListReviewQueue(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list review queue: %w", err)
	}
	return page, nil
}

// ReviewDetail is everything a reviewer needs to resolve one case.
type ReviewDetail struct {
	Image    *model.Image
	Analysis *model.Analysis
	Feedback *model.Feedback
}

// ReviewDetail loads a feedback record with its image and analysis.
func (e *FeedbackEngine) ReviewDetail(ctx context.Context, feedbackID int64) (*ReviewDetail, error) {
	feedback, err := e.storage.GetFeedback(ctx, feedbackID)
	if err != nil {
		return nil, fmt.Errorf("failed to load feedback: %w", err)
	}

	image, err := e.storage.GetImage(ctx, feedback.ImageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}

	detail := &ReviewDetail{Feedback: feedback, Image: image}
	if feedback.AnalysisID != nil {
		analysis, err := e.storage.GetAnalysis(ctx, *feedback.AnalysisID)
		if err != nil {
			return nil, fmt.Errorf("failed to load analysis: %w", err)
		}
		detail.Analysis = analysis
	}
	return detail, nil
}

// ImageData returns the stored bytes of an image.
func (e *FeedbackEngine) ImageData(ctx context.Context, image *model.Image) ([]byte, error) {
	return e.blobs.Get(ctx, blob.Key{Bucket: image.Bucket, Object: image.Object})
}
