package engine

import (
	"context"
	"fmt"

	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/Veraticus/derma-loop/internal/queue"
)

// AnalyzeResult is the task output of an analysis.
type AnalyzeResult struct {
	AnalysisID  int64 `json:"analysis_id"`
	Predictions int   `json:"predictions"`
}

// FeedbackResult is the task output of a processed submission.
type FeedbackResult struct {
	Summary        *model.Summary `json:"comparison_summary"`
	ReconcileError string         `json:"reconcile_error,omitempty"`
	FeedbackID     int64          `json:"feedback_id"`
	NeedsReview    bool           `json:"needs_review"`
}

// RegisterTasks installs the engine's task handlers on d.
func (e *FeedbackEngine) RegisterTasks(d *queue.Dispatcher) {
	d.Handle(queue.TaskAnalyzeImage, e.handleAnalyze)
	d.Handle(queue.TaskProcessFeedback, e.handleFeedback)
}

func (e *FeedbackEngine) handleAnalyze(ctx context.Context, task queue.Task) (any, error) {
	var payload queue.AnalyzePayload
	if err := task.Decode(&payload); err != nil {
		return nil, err
	}

	analysis, err := e.AnalyzeImage(ctx, payload.ImageID)
	if err != nil {
		return nil, err
	}
	return AnalyzeResult{AnalysisID: analysis.ID, Predictions: len(analysis.Predictions)}, nil
}

func (e *FeedbackEngine) handleFeedback(ctx context.Context, task queue.Task) (any, error) {
	var payload queue.FeedbackPayload
	if err := task.Decode(&payload); err != nil {
		return nil, err
	}

	corrections := []model.BoundingBox{}
	if len(payload.Corrections) > 0 {
		parsed, err := model.ParseBoxes(payload.Corrections, model.SetCorrection)
		if err != nil {
			return nil, fmt.Errorf("invalid corrections: %w", err)
		}
		corrections = parsed
	}

	outcome, err := e.ProcessFeedback(ctx, Submission{
		ImageID:     payload.ImageID,
		AnalysisID:  payload.AnalysisID,
		Corrections: corrections,
		Text:        payload.Text,
	})
	if err != nil {
		return nil, err
	}

	return FeedbackResult{
		FeedbackID:     outcome.Feedback.ID,
		NeedsReview:    outcome.NeedsReview,
		Summary:        outcome.Summary,
		ReconcileError: outcome.ReconcileError,
	}, nil
}
