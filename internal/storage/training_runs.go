package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/model"
)

// CreateTrainingRun inserts a run and sets its ID.
func (s *SQLiteStorage) CreateTrainingRun(ctx context.Context, run *model.TrainingRun) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateTrainingRun(run); err != nil {
		return err
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	artifacts, metrics, err := encodeRunDetails(run)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO training_runs (
			status, dataset_dir, feedback_count, train_count, val_count,
			exit_code, artifacts, metrics, error, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(run.Status), run.DatasetDir, run.FeedbackCount, run.TrainCount, run.ValCount,
		run.ExitCode, artifacts, metrics, nullString(run.Error), run.StartedAt, nullTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create training run: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get training run id: %w", err)
	}
	run.ID = id
	return nil
}

// UpdateTrainingRun overwrites the mutable fields of an existing run.
func (s *SQLiteStorage) UpdateTrainingRun(ctx context.Context, run *model.TrainingRun) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateTrainingRun(run); err != nil {
		return err
	}
	if err := validateID(run.ID, "run.ID"); err != nil {
		return err
	}

	artifacts, metrics, err := encodeRunDetails(run)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE training_runs
		SET status = ?, dataset_dir = ?, feedback_count = ?, train_count = ?, val_count = ?,
			exit_code = ?, artifacts = ?, metrics = ?, error = ?, finished_at = ?
		WHERE id = ?
	`,
		string(run.Status), run.DatasetDir, run.FeedbackCount, run.TrainCount, run.ValCount,
		run.ExitCode, artifacts, metrics, nullString(run.Error), nullTime(run.FinishedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update training run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check updated rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: training run %d", common.ErrNotFound, run.ID)
	}
	return nil
}

// ListTrainingRuns returns the most recent runs, newest first.
// A limit <= 0 returns all runs.
func (s *SQLiteStorage) ListTrainingRuns(ctx context.Context, limit int) ([]model.TrainingRun, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, dataset_dir, feedback_count, train_count, val_count,
			exit_code, artifacts, metrics, error, started_at, finished_at
		FROM training_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query training runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []model.TrainingRun
	for rows.Next() {
		var (
			run        model.TrainingRun
			status     string
			artifacts  sql.NullString
			metrics    sql.NullString
			runErr     sql.NullString
			finishedAt sql.NullTime
		)
		if err := rows.Scan(
			&run.ID, &status, &run.DatasetDir, &run.FeedbackCount, &run.TrainCount, &run.ValCount,
			&run.ExitCode, &artifacts, &metrics, &runErr, &run.StartedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan training run: %w", err)
		}

		run.Status = model.TrainingRunStatus(status)
		run.Error = runErr.String
		if finishedAt.Valid {
			t := finishedAt.Time
			run.FinishedAt = &t
		}
		if artifacts.Valid {
			if err := json.Unmarshal([]byte(artifacts.String), &run.Artifacts); err != nil {
				return nil, fmt.Errorf("%w: training run %d artifacts: %w", common.ErrDatabaseCorrupted, run.ID, err)
			}
		}
		if metrics.Valid {
			if err := json.Unmarshal([]byte(metrics.String), &run.Metrics); err != nil {
				return nil, fmt.Errorf("%w: training run %d metrics: %w", common.ErrDatabaseCorrupted, run.ID, err)
			}
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func encodeRunDetails(run *model.TrainingRun) (sql.NullString, sql.NullString, error) {
	var artifacts, metrics sql.NullString
	if len(run.Artifacts) > 0 {
		data, err := json.Marshal(run.Artifacts)
		if err != nil {
			return artifacts, metrics, fmt.Errorf("failed to encode artifacts: %w", err)
		}
		artifacts = sql.NullString{String: string(data), Valid: true}
	}
	if len(run.Metrics) > 0 {
		data, err := json.Marshal(run.Metrics)
		if err != nil {
			return artifacts, metrics, fmt.Errorf("failed to encode metrics: %w", err)
		}
		metrics = sql.NullString{String: string(data), Valid: true}
	}
	return artifacts, metrics, nil
}
