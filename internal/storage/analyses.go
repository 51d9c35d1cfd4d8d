package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/model"
)

const analysisColumns = `id, image_id, predictions, result_bucket_name, result_object_name, analyzed_at`

// CreateAnalysis stores detector output for an existing image and sets its ID.
func (s *SQLiteStorage) CreateAnalysis(ctx context.Context, analysis *model.Analysis) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateAnalysis(analysis); err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireImage(ctx, tx, analysis.ImageID); err != nil {
			return err
		}
		return s.createAnalysisTx(ctx, tx, analysis)
	})
}

func (s *SQLiteStorage) createAnalysisTx(ctx context.Context, q queryable, analysis *model.Analysis) error {
	if analysis.AnalyzedAt.IsZero() {
		analysis.AnalyzedAt = time.Now().UTC()
	}
	if analysis.Predictions == nil {
		analysis.Predictions = []model.BoundingBox{}
	}

	predictions, err := json.Marshal(analysis.Predictions)
	if err != nil {
		return fmt.Errorf("failed to encode predictions: %w", err)
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO analyses (image_id, predictions, result_bucket_name, result_object_name, analyzed_at)
		VALUES (?, ?, ?, ?, ?)
	`, analysis.ImageID, string(predictions),
		nullString(analysis.ResultBucket), nullString(analysis.ResultObject),
		analysis.AnalyzedAt)
	if err != nil {
		return fmt.Errorf("failed to create analysis: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get analysis id: %w", err)
	}
	analysis.ID = id
	return nil
}

// GetAnalysis retrieves an analysis by ID.
func (s *SQLiteStorage) GetAnalysis(ctx context.Context, id int64) (*model.Analysis, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateID(id, "id"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = ?`, id)
	analysis, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: analysis %d", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}
	return analysis, nil
}

// GetLatestAnalysis returns the most recent analysis of an image.
// It returns common.ErrNotFound when the image was never analyzed.
func (s *SQLiteStorage) GetLatestAnalysis(ctx context.Context, imageID int64) (*model.Analysis, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateID(imageID, "imageID"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+analysisColumns+`
		FROM analyses
		WHERE image_id = ?
		ORDER BY analyzed_at DESC, id DESC
		LIMIT 1
	`, imageID)

	analysis, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: analysis for image %d", common.ErrNotFound, imageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest analysis: %w", err)
	}
	return analysis, nil
}

func scanAnalysis(row scanner) (*model.Analysis, error) {
	var (
		analysis     model.Analysis
		predictions  string
		resultBucket sql.NullString
		resultObject sql.NullString
	)
	if err := row.Scan(
		&analysis.ID,
		&analysis.ImageID,
		&predictions,
		&resultBucket,
		&resultObject,
		&analysis.AnalyzedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(predictions), &analysis.Predictions); err != nil {
		return nil, fmt.Errorf("%w: analysis %d predictions: %w", common.ErrDatabaseCorrupted, analysis.ID, err)
	}
	if analysis.Predictions == nil {
		analysis.Predictions = []model.BoundingBox{}
	}
	analysis.ResultBucket = resultBucket.String
	analysis.ResultObject = resultObject.String
	return &analysis, nil
}

func requireImage(ctx context.Context, q queryable, imageID int64) error {
	var exists bool
	if err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM images WHERE id = ?)`, imageID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check image existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: image %d", common.ErrNotFound, imageID)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
