package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Veraticus/derma-loop/internal/engine"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/Veraticus/derma-loop/internal/service"
	"github.com/schollz/progressbar/v3"
)

// Reviewer is the part of the feedback engine the review walk needs.
type Reviewer interface {
	ReviewQueue(ctx context.Context, filter service.ReviewFilter) (*service.ReviewPage, error)
	ReviewDetail(ctx context.Context, feedbackID int64) (*engine.ReviewDetail, error)
	SubmitReview(ctx context.Context, feedbackID int64, update engine.ReviewUpdate) (*model.Feedback, error)
}

// ReviewStats counts what happened during a review walk.
type ReviewStats struct {
	Total    int
	Accepted int
	Skipped  int
}

// ReviewPrompter walks the pending review queue oldest first and asks the
// reviewer to accept or skip each case.
type ReviewPrompter struct {
	reviewer    Reviewer
	writer      io.Writer
	reader      *LineReader
	progressBar *progressbar.ProgressBar
	stats       ReviewStats
}

// NewReviewPrompter creates a prompter reading from reader and writing to writer.
func NewReviewPrompter(reviewer Reviewer, reader io.Reader, writer io.Writer) *ReviewPrompter {
	if reader == nil {
		reader = os.Stdin
	}
	if writer == nil {
		writer = os.Stdout
	}
	return &ReviewPrompter{
		reviewer: reviewer,
		reader:   NewLineReader(reader),
		writer:   writer,
	}
}

// Run reviews every pending case until the queue is exhausted or the user
// quits. End of input is treated as quit.
func (p *ReviewPrompter) Run(ctx context.Context) (ReviewStats, error) {
	ids, err := p.pendingIDs(ctx)
	if err != nil {
		return p.stats, err
	}
	p.stats.Total = len(ids)
	if len(ids) == 0 {
		_, err := fmt.Fprintln(p.writer, FormatSuccess("Review queue is empty"))
		return p.stats, err
	}

	p.progressBar = NewProgressBar(p.writer, len(ids), "Reviewing feedback...")

	for _, id := range ids {
		quit, err := p.reviewOne(ctx, id)
		if err != nil {
			return p.stats, err
		}
		if quit {
			break
		}
		if err := p.progressBar.Add(1); err != nil {
			slog.Warn("Failed to update progress bar", "error", err)
		}
	}

	summary := fmt.Sprintf("  • Accepted: %d\n  • Skipped: %d\n  • Remaining: %d",
		p.stats.Accepted, p.stats.Skipped, p.stats.Total-p.stats.Accepted-p.stats.Skipped)
	if _, err := fmt.Fprintln(p.writer, RenderBox(ReviewIcon+" Review Complete", summary)); err != nil {
		return p.stats, fmt.Errorf("failed to write summary: %w", err)
	}
	return p.stats, nil
}

func (p *ReviewPrompter) pendingIDs(ctx context.Context) ([]int64, error) {
	filter := service.ReviewFilter{
		Status:   model.FeedbackPending,
		Sort:     service.SortOldest,
		Page:     1,
		PageSize: service.MaxPageSize,
	}

	var ids []int64
	for {
		page, err := p.reviewer.ReviewQueue(ctx, filter)
		if err != nil {
			return nil, err
		}
		for _, f := range page.Items {
			ids = append(ids, f.ID)
		}
		if !page.HasNext() {
			return ids, nil
		}
		filter.Page++
	}
}

func (p *ReviewPrompter) reviewOne(ctx context.Context, id int64) (bool, error) {
	detail, err := p.reviewer.ReviewDetail(ctx, id)
	if err != nil {
		return false, err
	}

	if _, err := fmt.Fprintln(p.writer); err != nil {
		return false, err
	}
	if err := WriteReviewDetail(p.writer, detail); err != nil {
		return false, fmt.Errorf("failed to write feedback %d: %w", id, err)
	}
	if _, err := fmt.Fprintln(p.writer, "\n  [A] Accept corrections\n  [N] Accept with a note\n  [S] Skip\n  [Q] Quit"); err != nil {
		return false, err
	}

	choice, err := p.promptChoice(ctx, "Choice", []string{"a", "n", "s", "q"})
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	switch choice {
	case "q":
		return true, nil
	case "s":
		p.stats.Skipped++
		return false, nil
	}

	update := engine.ReviewUpdate{Corrections: detail.Feedback.Corrections, Status: model.FeedbackReviewed}
	if choice == "n" {
		note, err := p.prompt(ctx, "Note")
		if err != nil && !errors.Is(err, io.EOF) {
			return false, err
		}
		update.Notes = note
	}

	if _, err := p.reviewer.SubmitReview(ctx, id, update); err != nil {
		return false, err
	}
	p.stats.Accepted++
	if _, err := fmt.Fprintln(p.writer, FormatSuccess(fmt.Sprintf("Feedback %d marked reviewed", id))); err != nil {
		return false, err
	}
	return false, nil
}

func (p *ReviewPrompter) prompt(ctx context.Context, label string) (string, error) {
	if _, err := fmt.Fprint(p.writer, FormatPrompt(label)); err != nil {
		return "", err
	}
	return p.reader.ReadLine(ctx)
}

func (p *ReviewPrompter) promptChoice(ctx context.Context, label string, valid []string) (string, error) {
	for {
		answer, err := p.prompt(ctx, label)
		if err != nil {
			return "", err
		}
		answer = strings.ToLower(answer)
		for _, v := range valid {
			if answer == v {
				return answer, nil
			}
		}
		if _, err := fmt.Fprintln(p.writer, FormatError("Invalid choice, try again")); err != nil {
			return "", err
		}
	}
}
