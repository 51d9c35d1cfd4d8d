package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 4

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS images (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					original_filename TEXT NOT NULL,
					bucket_name TEXT NOT NULL,
					object_name TEXT NOT NULL,
					processed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE UNIQUE INDEX idx_images_object ON images(bucket_name, object_name)`,

				`CREATE TABLE IF NOT EXISTS analyses (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					image_id INTEGER NOT NULL,
					predictions TEXT NOT NULL,
					result_bucket_name TEXT,
					result_object_name TEXT,
					analyzed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					FOREIGN KEY (image_id) REFERENCES images(id)
				)`,
				`CREATE INDEX idx_analyses_image ON analyses(image_id, analyzed_at)`,

				`CREATE TABLE IF NOT EXISTS feedback (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					image_id INTEGER NOT NULL,
					analysis_id INTEGER,
					corrections TEXT NOT NULL,
					feedback_text TEXT,
					comparison TEXT,
					reconcile_error TEXT,
					needs_review BOOLEAN NOT NULL DEFAULT 0,
					status TEXT NOT NULL DEFAULT 'pending',
					review_notes TEXT,
					reviewed_at DATETIME,
					retrained BOOLEAN NOT NULL DEFAULT 0,
					given_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					FOREIGN KEY (image_id) REFERENCES images(id),
					FOREIGN KEY (analysis_id) REFERENCES analyses(id)
				)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query: %w", err)
				}
			}
			return nil
		},
	},
	{
		Version:     2,
		Description: "Index the review queue and training selection",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE INDEX IF NOT EXISTS idx_feedback_review ON feedback(needs_review, status, given_at)`,
				`CREATE INDEX IF NOT EXISTS idx_feedback_trainable ON feedback(status, retrained)`,
				`CREATE INDEX IF NOT EXISTS idx_feedback_image ON feedback(image_id)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query '%s': %w", query, err)
				}
			}
			return nil
		},
	},
	{
		Version:     3,
		Description: "Add training runs",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS training_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					status TEXT NOT NULL,
					dataset_dir TEXT NOT NULL,
					feedback_count INTEGER NOT NULL DEFAULT 0,
					train_count INTEGER NOT NULL DEFAULT 0,
					val_count INTEGER NOT NULL DEFAULT 0,
					exit_code INTEGER NOT NULL DEFAULT 0,
					artifacts TEXT,
					metrics TEXT,
					error TEXT,
					started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					finished_at DATETIME
				)`,
				`CREATE INDEX idx_training_runs_started ON training_runs(started_at)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query '%s': %w", query, err)
				}
			}
			return nil
		},
	},
	{
		Version:     4,
		Description: "Add checkpoint metadata",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS checkpoint_metadata (
					id TEXT PRIMARY KEY,
					created_at DATETIME NOT NULL,
					description TEXT,
					file_size INTEGER,
					row_counts TEXT,
					schema_version INTEGER,
					is_auto BOOLEAN DEFAULT 0,
					parent_checkpoint TEXT
				)
			`)
			return err
		},
	},
}

// Migrate applies all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Debug("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	var finalVersion int
	err = s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}

// SchemaVersion returns the current PRAGMA user_version.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}
