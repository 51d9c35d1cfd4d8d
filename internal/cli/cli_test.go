package cli

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/Veraticus/derma-loop/internal/engine"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/Veraticus/derma-loop/internal/review"
	"github.com/Veraticus/derma-loop/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func conf(v float64) *float64 { return &v }

func TestFormatBox(t *testing.T) {
	assert.Equal(t, "nevus [10,20 → 30,40]", FormatBox(model.BoundingBox{XMin: 10, YMin: 20, XMax: 30, YMax: 40, Label: "nevus"}))
	assert.Equal(t, "lesion [0,0 → 5,5] 0.93", FormatBox(model.BoundingBox{XMax: 5, YMax: 5, Confidence: conf(0.93)}))
}

func TestWriteReconciliation(t *testing.T) {
	detections := []model.BoundingBox{
		{XMin: 0, YMin: 0, XMax: 10, YMax: 10, Label: "nevus", Confidence: conf(0.8)},
		{XMin: 100, YMin: 100, XMax: 120, YMax: 120, Label: "nevus", Confidence: conf(0.95)},
	}
	corrections := []model.BoundingBox{{XMin: 0, YMin: 0, XMax: 10, YMax: 10, Label: "melanoma"}}

	rec, err := review.Evaluate(detections, corrections, review.DefaultOptions())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteReconciliation(&buf, rec))
	out := buf.String()

	assert.Contains(t, out, "Needs review: False positives: 1")
	assert.Contains(t, out, "Matches:")
	assert.Contains(t, out, "False positives:")
	assert.Contains(t, out, "nevus [100,100 → 120,120] 0.95")
	assert.Contains(t, out, "Label changed: nevus → melanoma")
	assert.Contains(t, out, "Removed confident detection")
}

func TestWriteReviewPage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReviewPage(&buf, &service.ReviewPage{Page: 1, TotalPages: 1}))
	assert.Contains(t, buf.String(), "Review queue is empty")

	buf.Reset()
	page := &service.ReviewPage{
		Items: []model.Feedback{{
			ID:             7,
			ImageID:        3,
			Status:         model.FeedbackPending,
			NeedsReview:    true,
			ReconcileError: "boom",
			GivenAt:        time.Now(),
		}},
		Page:       2,
		PageSize:   1,
		TotalItems: 4,
		TotalPages: 4,
	}
	require.NoError(t, WriteReviewPage(&buf, page))
	out := buf.String()
	assert.Contains(t, out, "Reconciliation failed: boom")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "Page 2 of 4 (4 items)")
}

func TestWriteRuns(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRuns(&buf, nil))
	assert.Contains(t, buf.String(), "No training runs yet")

	buf.Reset()
	started := time.Now()
	finished := started.Add(95 * time.Second)
	runs := []model.TrainingRun{
		{ID: 2, Status: model.RunSucceeded, FeedbackCount: 5, TrainCount: 4, ValCount: 1, StartedAt: started, FinishedAt: &finished,
			Metrics: map[string]float64{"recall": 0.5, "map50": 0.25}},
		{ID: 1, Status: model.RunFailed, StartedAt: started},
	}
	require.NoError(t, WriteRuns(&buf, runs))
	out := buf.String()
	assert.Contains(t, out, "1m35s")
	assert.Contains(t, out, "4/1")
	assert.Contains(t, out, "map50=0.250 recall=0.500")
	assert.Contains(t, out, ErrorIcon+" failed")
}

func TestWriteReviewDetail(t *testing.T) {
	analysisID := int64(4)
	detail := &engine.ReviewDetail{
		Image:    &model.Image{ID: 1, OriginalFilename: "arm.jpg", Bucket: "skinimages", Object: "abc.jpg"},
		Analysis: &model.Analysis{ID: analysisID, Predictions: []model.BoundingBox{{XMax: 10, YMax: 10, Label: "nevus", Confidence: conf(0.5)}}},
		Feedback: &model.Feedback{
			ID:          9,
			AnalysisID:  &analysisID,
			Status:      model.FeedbackPending,
			Text:        "missed one",
			Corrections: []model.BoundingBox{{XMax: 12, YMax: 12, Label: "nevus"}},
			GivenAt:     time.Now(),
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteReviewDetail(&buf, detail))
	out := buf.String()
	assert.Contains(t, out, "Feedback 9")
	assert.Contains(t, out, "skinimages/abc.jpg")
	assert.Contains(t, out, "missed one")
	assert.Contains(t, out, "Detections (analysis 4)")
	assert.Contains(t, out, "nevus [0,0 → 12,12]")
}

func TestLineReader_ReadLine(t *testing.T) {
	r := NewLineReader(strings.NewReader("  first  \nlast"))
	ctx := context.Background()

	line, err := r.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", line)

	line, err = r.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "last", line)

	_, err = r.ReadLine(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineReader_Canceled(t *testing.T) {
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()

	r := NewLineReader(pr)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.ReadLine(ctx)
	assert.ErrorIs(t, err, ErrInputCancelled)
}

func TestLineReader_KeepsLineAfterCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()

	r := NewLineReader(pr)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.ReadLine(ctx)
	require.ErrorIs(t, err, ErrInputCancelled)

	go func() { _, _ = pw.Write([]byte("late answer\n")) }()

	line, err := r.ReadLine(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late answer", line)
}

func TestInterruptHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewInterruptHandler(&buf, "Worker stopping", "Queued tasks stay in the queue")

	ctx, stop := h.HandleInterrupts(context.Background())
	assert.NoError(t, ctx.Err())
	assert.False(t, h.WasInterrupted())

	h.Interrupt()
	h.Interrupt()
	assert.True(t, h.WasInterrupted())
	assert.Equal(t, 1, strings.Count(buf.String(), "Worker stopping"))
	assert.Contains(t, buf.String(), "Queued tasks stay in the queue")

	stop()
	assert.Error(t, ctx.Err())
}

type mockReviewer struct {
	mock.Mock
}

func (m *mockReviewer) ReviewQueue(ctx context.Context, filter service.ReviewFilter) (*service.ReviewPage, error) {
	args := m.Called(ctx, filter)
	page, _ := args.Get(0).(*service.ReviewPage)
	return page, args.Error(1)
}

func (m *mockReviewer) ReviewDetail(ctx context.Context, id int64) (*engine.ReviewDetail, error) {
	args := m.Called(ctx, id)
	detail, _ := args.Get(0).(*engine.ReviewDetail)
	return detail, args.Error(1)
}

func (m *mockReviewer) SubmitReview(ctx context.Context, id int64, update engine.ReviewUpdate) (*model.Feedback, error) {
	args := m.Called(ctx, id, update)
	feedback, _ := args.Get(0).(*model.Feedback)
	return feedback, args.Error(1)
}

func pendingDetail(id int64) *engine.ReviewDetail {
	return &engine.ReviewDetail{
		Image: &model.Image{ID: id, OriginalFilename: "lesion.jpg", Bucket: "skinimages", Object: "x.jpg"},
		Feedback: &model.Feedback{
			ID:          id,
			ImageID:     id,
			Status:      model.FeedbackPending,
			NeedsReview: true,
			Corrections: []model.BoundingBox{{XMax: 5, YMax: 5, Label: "nevus"}},
		},
	}
}

func newMockReviewer(ids ...int64) *mockReviewer {
	m := &mockReviewer{}
	items := make([]model.Feedback, 0, len(ids))
	for _, id := range ids {
		items = append(items, *pendingDetail(id).Feedback)
		m.On("ReviewDetail", mock.Anything, id).Return(pendingDetail(id), nil)
	}
	m.On("ReviewQueue", mock.Anything, mock.MatchedBy(func(f service.ReviewFilter) bool {
		return f.Status == model.FeedbackPending && f.Sort == service.SortOldest && f.Page == 1
	})).Return(&service.ReviewPage{Items: items, Page: 1, TotalPages: 1, TotalItems: len(items)}, nil)
	return m
}

func TestReviewPrompter_AcceptAndSkip(t *testing.T) {
	reviewer := newMockReviewer(1, 2, 3)
	reviewer.On("SubmitReview", mock.Anything, int64(1), mock.MatchedBy(func(u engine.ReviewUpdate) bool {
		return u.Status == model.FeedbackReviewed && u.Notes == "" && len(u.Corrections) == 1
	})).Return(&model.Feedback{ID: 1}, nil)
	reviewer.On("SubmitReview", mock.Anything, int64(3), mock.MatchedBy(func(u engine.ReviewUpdate) bool {
		return u.Notes == "border is fine"
	})).Return(&model.Feedback{ID: 3}, nil)

	var out bytes.Buffer
	input := "a\nx\ns\nn\nborder is fine\n"
	stats, err := NewReviewPrompter(reviewer, strings.NewReader(input), &out).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ReviewStats{Total: 3, Accepted: 2, Skipped: 1}, stats)
	assert.Contains(t, out.String(), "Invalid choice")
	assert.Contains(t, out.String(), "Feedback 3 marked reviewed")
	reviewer.AssertExpectations(t)
}

func TestReviewPrompter_QuitAndEOF(t *testing.T) {
	t.Run("quit", func(t *testing.T) {
		reviewer := newMockReviewer(1, 2)
		stats, err := NewReviewPrompter(reviewer, strings.NewReader("q\n"), io.Discard).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ReviewStats{Total: 2}, stats)
		reviewer.AssertNotCalled(t, "SubmitReview", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("end of input", func(t *testing.T) {
		reviewer := newMockReviewer(1)
		stats, err := NewReviewPrompter(reviewer, strings.NewReader(""), io.Discard).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Accepted)
	})
}

func TestReviewPrompter_EmptyQueue(t *testing.T) {
	reviewer := newMockReviewer()
	var out bytes.Buffer
	stats, err := NewReviewPrompter(reviewer, strings.NewReader(""), &out).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Contains(t, out.String(), "Review queue is empty")
}
