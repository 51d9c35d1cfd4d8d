package tui

import (
	"context"
	"time"

	"github.com/Veraticus/derma-loop/internal/engine"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/Veraticus/derma-loop/internal/service"
	tea "github.com/charmbracelet/bubbletea"
)

const loadTimeout = 30 * time.Second

// loadQueue fetches one page of the review queue.
func (m Model) loadQueue(page int) tea.Cmd {
	reviewer, ctx, filter := m.reviewer, m.ctx, m.config.Filter
	filter.Page = page
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, loadTimeout)
		defer cancel()

		result, err := reviewer.ReviewQueue(ctx, filter)
		return queueLoadedMsg{page: result, err: err}
	}
}

// loadDetail fetches the image, analysis and feedback of one case.
func (m Model) loadDetail(id int64) tea.Cmd {
	reviewer, ctx := m.reviewer, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, loadTimeout)
		defer cancel()

		detail, err := reviewer.ReviewDetail(ctx, id)
		return detailLoadedMsg{id: id, detail: detail, err: err}
	}
}

// accept marks a case reviewed, keeping its corrections and notes.
func (m Model) accept(feedback model.Feedback) tea.Cmd {
	reviewer, ctx := m.reviewer, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, loadTimeout)
		defer cancel()

		updated, err := reviewer.SubmitReview(ctx, feedback.ID, engine.ReviewUpdate{
			Corrections: feedback.Corrections,
			Notes:       feedback.ReviewNotes,
			Status:      model.FeedbackReviewed,
		})
		return reviewSubmittedMsg{id: feedback.ID, feedback: updated, err: err}
	}
}

// Reviewer is the part of the feedback engine the browser needs.
type Reviewer interface {
	ReviewQueue(ctx context.Context, filter service.ReviewFilter) (*service.ReviewPage, error)
	ReviewDetail(ctx context.Context, feedbackID int64) (*engine.ReviewDetail, error)
	SubmitReview(ctx context.Context, feedbackID int64, update engine.ReviewUpdate) (*model.Feedback, error)
}
