package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/Veraticus/derma-loop/internal/service"
)

// Validation errors.
var (
	ErrNilContext         = errors.New("context cannot be nil")
	ErrEmptyString        = errors.New("string parameter cannot be empty")
	ErrNilParameter       = errors.New("parameter cannot be nil")
	ErrEmptySlice         = errors.New("slice cannot be empty")
	ErrInvalidID          = errors.New("id must be positive")
	ErrInvalidStatus      = errors.New("invalid feedback status")
	ErrInvalidImage       = errors.New("invalid image")
	ErrInvalidAnalysis    = errors.New("invalid analysis")
	ErrInvalidFeedback    = errors.New("invalid feedback")
	ErrInvalidTrainingRun = errors.New("invalid training run")
)

func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

func validateID(id int64, paramName string) error {
	if id <= 0 {
		return fmt.Errorf("%w: %s=%d", ErrInvalidID, paramName, id)
	}
	return nil
}

func validateImage(image *model.Image) error {
	if image == nil {
		return fmt.Errorf("%w: image", ErrNilParameter)
	}
	if strings.TrimSpace(image.OriginalFilename) == "" {
		return fmt.Errorf("%w: missing original filename", ErrInvalidImage)
	}
	if strings.TrimSpace(image.Bucket) == "" {
		return fmt.Errorf("%w: missing bucket", ErrInvalidImage)
	}
	if strings.TrimSpace(image.Object) == "" {
		return fmt.Errorf("%w: missing object name", ErrInvalidImage)
	}
	return nil
}

func validateAnalysis(analysis *model.Analysis) error {
	if analysis == nil {
		return fmt.Errorf("%w: analysis", ErrNilParameter)
	}
	if analysis.ImageID <= 0 {
		return fmt.Errorf("%w: missing image id", ErrInvalidAnalysis)
	}
	if err := model.ValidateBoxes(analysis.Predictions, model.SetDetection); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAnalysis, err)
	}
	return nil
}

func validateFeedback(feedback *model.Feedback) error {
	if feedback == nil {
		return fmt.Errorf("%w: feedback", ErrNilParameter)
	}
	if feedback.ImageID <= 0 {
		return fmt.Errorf("%w: missing image id", ErrInvalidFeedback)
	}
	if !feedback.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, feedback.Status)
	}
	if err := model.ValidateBoxes(feedback.Corrections, model.SetCorrection); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFeedback, err)
	}
	return nil
}

func validateReview(review service.FeedbackReview) error {
	if !review.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, review.Status)
	}
	if review.ReviewedAt.IsZero() {
		return fmt.Errorf("%w: missing reviewed_at", ErrInvalidFeedback)
	}
	if err := model.ValidateBoxes(review.Corrections, model.SetCorrection); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFeedback, err)
	}
	return nil
}

func validateTrainingRun(run *model.TrainingRun) error {
	if run == nil {
		return fmt.Errorf("%w: training run", ErrNilParameter)
	}
	switch run.Status {
	case model.RunRunning, model.RunSucceeded, model.RunFailed:
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidTrainingRun, run.Status)
	}
	if strings.TrimSpace(run.DatasetDir) == "" {
		return fmt.Errorf("%w: missing dataset dir", ErrInvalidTrainingRun)
	}
	return nil
}
