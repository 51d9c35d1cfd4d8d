package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/model"
)

// CreateImage inserts an image record and sets its ID.
func (s *SQLiteStorage) CreateImage(ctx context.Context, image *model.Image) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateImage(image); err != nil {
		return err
	}
	return s.createImageTx(ctx, s.db, image)
}

func (s *SQLiteStorage) createImageTx(ctx context.Context, q queryable, image *model.Image) error {
	if image.ProcessedAt.IsZero() {
		image.ProcessedAt = time.Now().UTC()
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO images (original_filename, bucket_name, object_name, processed_at)
		VALUES (?, ?, ?, ?)
	`, image.OriginalFilename, image.Bucket, image.Object, image.ProcessedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: image %s", common.ErrDuplicateEntry, image.StoragePath())
		}
		return fmt.Errorf("failed to create image: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get image id: %w", err)
	}
	image.ID = id
	return nil
}

// GetImage retrieves an image by ID.
func (s *SQLiteStorage) GetImage(ctx context.Context, id int64) (*model.Image, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateID(id, "id"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, original_filename, bucket_name, object_name, processed_at
		FROM images
		WHERE id = ?
	`, id)

	image, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: image %d", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return image, nil
}

// ListImages returns the most recently processed images, newest first.
// A limit <= 0 returns all images.
func (s *SQLiteStorage) ListImages(ctx context.Context, limit int) ([]model.Image, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_filename, bucket_name, object_name, processed_at
		FROM images
		ORDER BY processed_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query images: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var images []model.Image
	for rows.Next() {
		image, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		images = append(images, *image)
	}

	return images, rows.Err()
}

func scanImage(row scanner) (*model.Image, error) {
	var image model.Image
	if err := row.Scan(
		&image.ID,
		&image.OriginalFilename,
		&image.Bucket,
		&image.Object,
		&image.ProcessedAt,
	); err != nil {
		return nil, err
	}
	return &image, nil
}
