package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/Veraticus/derma-loop/internal/service"
)

const feedbackColumns = `id, image_id, analysis_id, corrections, feedback_text, comparison,
	reconcile_error, needs_review, status, review_notes, reviewed_at, retrained, given_at`

// CreateFeedback appends a feedback record and sets its ID. The referenced
// image, and the analysis when set, must exist.
func (s *SQLiteStorage) CreateFeedback(ctx context.Context, feedback *model.Feedback) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateFeedback(feedback); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireImage(ctx, tx, feedback.ImageID); err != nil {
			return err
		}
		if feedback.AnalysisID != nil {
			if err := requireAnalysis(ctx, tx, *feedback.AnalysisID); err != nil {
				return err
			}
		}
		return s.createFeedbackTx(ctx, tx, feedback)
	})
}

func (s *SQLiteStorage) createFeedbackTx(ctx context.Context, q queryable, feedback *model.Feedback) error {
	if feedback.GivenAt.IsZero() {
		feedback.GivenAt = time.Now().UTC()
	}
	if feedback.Corrections == nil {
		feedback.Corrections = []model.BoundingBox{}
	}

	corrections, err := json.Marshal(feedback.Corrections)
	if err != nil {
		return fmt.Errorf("failed to encode corrections: %w", err)
	}

	var comparison sql.NullString
	if feedback.Comparison != nil {
		data, marshalErr := json.Marshal(feedback.Comparison)
		if marshalErr != nil {
			return fmt.Errorf("failed to encode comparison: %w", marshalErr)
		}
		comparison = sql.NullString{String: string(data), Valid: true}
	}

	var analysisID sql.NullInt64
	if feedback.AnalysisID != nil {
		analysisID = sql.NullInt64{Int64: *feedback.AnalysisID, Valid: true}
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO feedback (
			image_id, analysis_id, corrections, feedback_text, comparison,
			reconcile_error, needs_review, status, review_notes, reviewed_at,
			retrained, given_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		feedback.ImageID,
		analysisID,
		string(corrections),
		nullString(feedback.Text),
		comparison,
		nullString(feedback.ReconcileError),
		feedback.NeedsReview,
		string(feedback.Status),
		nullString(feedback.ReviewNotes),
		nullTime(feedback.ReviewedAt),
		feedback.Retrained,
		feedback.GivenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create feedback: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get feedback id: %w", err)
	}
	feedback.ID = id
	return nil
}

// GetFeedback retrieves a feedback record by ID.
func (s *SQLiteStorage) GetFeedback(ctx context.Context, id int64) (*model.Feedback, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateID(id, "id"); err != nil {
		return nil, err
	}
	return s.getFeedbackTx(ctx, s.db, id)
}

func (s *SQLiteStorage) getFeedbackTx(ctx context.Context, q queryable, id int64) (*model.Feedback, error) {
	row := q.QueryRowContext(ctx, `SELECT `+feedbackColumns+` FROM feedback WHERE id = ?`, id)
	feedback, err := scanFeedback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: feedback %d", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feedback: %w", err)
	}
	return feedback, nil
}

// UpdateFeedbackReview records a reviewer's resolution. Corrections and
// notes are replaced; the stored comparison is left as computed.
func (s *SQLiteStorage) UpdateFeedbackReview(ctx context.Context, id int64, review service.FeedbackReview) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateID(id, "id"); err != nil {
		return err
	}
	if err := validateReview(review); err != nil {
		return err
	}

	corrections := review.Corrections
	if corrections == nil {
		corrections = []model.BoundingBox{}
	}
	data, err := json.Marshal(corrections)
	if err != nil {
		return fmt.Errorf("failed to encode corrections: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE feedback
		SET corrections = ?, review_notes = ?, status = ?, reviewed_at = ?
		WHERE id = ?
	`, string(data), nullString(review.Notes), string(review.Status), review.ReviewedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update feedback review: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check updated rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: feedback %d", common.ErrNotFound, id)
	}
	return nil
}

// ListReviewQueue returns one page of feedback flagged for review.
// An out-of-range page is clamped to the last page.
func (s *SQLiteStorage) ListReviewQueue(ctx context.Context, filter service.ReviewFilter) (*service.ReviewPage, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	filter = filter.Normalize()
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, filter.Status)
	}

	where := []string{"needs_review = 1"}
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	// #nosec G202 - whereClause is built from constant fragments
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feedback WHERE `+whereClause, args...,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count review queue: %w", err)
	}

	totalPages := max(1, (total+filter.PageSize-1)/filter.PageSize)
	page := min(filter.Page, totalPages)

	order := "DESC"
	if filter.Sort == service.SortOldest {
		order = "ASC"
	}

	// #nosec G202 - whereClause and order are built from constant fragments
	query := `SELECT ` + feedbackColumns + ` FROM feedback WHERE ` + whereClause +
		` ORDER BY given_at ` + order + `, id ` + order + ` LIMIT ? OFFSET ?`
	args = append(args, filter.PageSize, (page-1)*filter.PageSize)

	items, err := queryFeedback(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query review queue: %w", err)
	}

	return &service.ReviewPage{
		Items:      items,
		Page:       page,
		PageSize:   filter.PageSize,
		TotalItems: total,
		TotalPages: totalPages,
	}, nil
}

// GetTrainableFeedback returns reviewed feedback that has not been used for
// retraining yet, oldest first.
func (s *SQLiteStorage) GetTrainableFeedback(ctx context.Context) ([]model.Feedback, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	items, err := queryFeedback(ctx, s.db, `
		SELECT `+feedbackColumns+`
		FROM feedback
		WHERE status = ? AND retrained = 0
		ORDER BY given_at ASC, id ASC
	`, string(model.FeedbackReviewed))
	if err != nil {
		return nil, fmt.Errorf("failed to query trainable feedback: %w", err)
	}
	return items, nil
}

// MarkRetrained flags the given feedback records as used for training.
func (s *SQLiteStorage) MarkRetrained(ctx context.Context, ids []int64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: ids", ErrEmptySlice)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE feedback SET retrained = 1 WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, id := range ids {
			res, err := stmt.ExecContext(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to mark feedback %d retrained: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: feedback %d", common.ErrNotFound, id)
			}
		}
		return nil
	})
}

func queryFeedback(ctx context.Context, q queryable, query string, args ...any) ([]model.Feedback, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items := []model.Feedback{}
	for rows.Next() {
		feedback, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *feedback)
	}
	return items, rows.Err()
}

func scanFeedback(row scanner) (*model.Feedback, error) {
	var (
		feedback       model.Feedback
		analysisID     sql.NullInt64
		corrections    string
		text           sql.NullString
		comparison     sql.NullString
		reconcileError sql.NullString
		status         string
		notes          sql.NullString
		reviewedAt     sql.NullTime
	)
	if err := row.Scan(
		&feedback.ID,
		&feedback.ImageID,
		&analysisID,
		&corrections,
		&text,
		&comparison,
		&reconcileError,
		&feedback.NeedsReview,
		&status,
		&notes,
		&reviewedAt,
		&feedback.Retrained,
		&feedback.GivenAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(corrections), &feedback.Corrections); err != nil {
		return nil, fmt.Errorf("%w: feedback %d corrections: %w", common.ErrDatabaseCorrupted, feedback.ID, err)
	}
	if feedback.Corrections == nil {
		feedback.Corrections = []model.BoundingBox{}
	}
	if comparison.Valid {
		var rec model.Reconciliation
		if err := json.Unmarshal([]byte(comparison.String), &rec); err != nil {
			return nil, fmt.Errorf("%w: feedback %d comparison: %w", common.ErrDatabaseCorrupted, feedback.ID, err)
		}
		feedback.Comparison = &rec
	}
	if analysisID.Valid {
		id := analysisID.Int64
		feedback.AnalysisID = &id
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		feedback.ReviewedAt = &t
	}

	feedback.Text = text.String
	feedback.ReconcileError = reconcileError.String
	feedback.Status = model.FeedbackStatus(status)
	feedback.ReviewNotes = notes.String
	return &feedback, nil
}

func requireAnalysis(ctx context.Context, q queryable, analysisID int64) error {
	var exists bool
	if err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM analyses WHERE id = ?)`, analysisID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check analysis existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: analysis %d", common.ErrNotFound, analysisID)
	}
	return nil
}
