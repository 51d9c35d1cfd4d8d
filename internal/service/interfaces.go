// Package service defines the interfaces for all application services.
package service

import (
	"context"
	"time"

	"github.com/Veraticus/derma-loop/internal/model"
)

// ReviewSort orders the review queue.
type ReviewSort string

// Review queue orderings.
const (
	SortNewest ReviewSort = "newest"
	SortOldest ReviewSort = "oldest"
)

// Review queue paging defaults.
const (
	DefaultPage     = 1
	DefaultPageSize = 8
	MaxPageSize     = 100
)

// ReviewFilter selects feedback that needs review.
type ReviewFilter struct {
	Status   model.FeedbackStatus
	Sort     ReviewSort
	Page     int
	PageSize int
}

// Normalize fills defaults and clamps the page size.
func (f ReviewFilter) Normalize() ReviewFilter {
	if f.Sort != SortOldest {
		f.Sort = SortNewest
	}
	if f.Page < 1 {
		f.Page = DefaultPage
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

// ReviewPage is one page of the review queue.
type ReviewPage struct {
	Items      []model.Feedback
	Page       int
	PageSize   int
	TotalItems int
	TotalPages int
}

// HasNext reports whether a later page exists.
func (p ReviewPage) HasNext() bool {
	return p.Page < p.TotalPages
}

// HasPrevious reports whether an earlier page exists.
func (p ReviewPage) HasPrevious() bool {
	return p.Page > 1
}

// FeedbackReview is a reviewer's resolution of a queued feedback record.
type FeedbackReview struct {
	ReviewedAt  time.Time
	Corrections []model.BoundingBox
	Notes       string
	Status      model.FeedbackStatus
}

// Storage defines the contract for our persistence layer.
type Storage interface {
	// Image operations
	CreateImage(ctx context.Context, image *model.Image) error
	GetImage(ctx context.Context, id int64) (*model.Image, error)
	ListImages(ctx context.Context, limit int) ([]model.Image, error)

	// Analysis operations
	CreateAnalysis(ctx context.Context, analysis *model.Analysis) error
	GetAnalysis(ctx context.Context, id int64) (*model.Analysis, error)
	GetLatestAnalysis(ctx context.Context, imageID int64) (*model.Analysis, error)

	// Feedback operations
	CreateFeedback(ctx context.Context, feedback *model.Feedback) error
	GetFeedback(ctx context.Context, id int64) (*model.Feedback, error)
	UpdateFeedbackReview(ctx context.Context, id int64, review FeedbackReview) error
	ListReviewQueue(ctx context.Context, filter ReviewFilter) (*ReviewPage, error)
	GetTrainableFeedback(ctx context.Context) ([]model.Feedback, error)
	MarkRetrained(ctx context.Context, ids []int64) error

	// Training run operations
	CreateTrainingRun(ctx context.Context, run *model.TrainingRun) error
	UpdateTrainingRun(ctx context.Context, run *model.TrainingRun) error
	ListTrainingRuns(ctx context.Context, limit int) ([]model.TrainingRun, error)

	// Database management
	Migrate(ctx context.Context) error
	Close() error
}

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}
