package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/service"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds connection settings for an S3-compatible endpoint.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}

// MinioStore keeps objects in MinIO or any S3-compatible service.
type MinioStore struct {
	client *minio.Client
	logger *slog.Logger
	retry  service.RetryOptions
}

var _ Store = (*MinioStore)(nil)

// NewMinioStore creates a client. No request is made until first use.
func NewMinioStore(cfg MinioConfig, logger *slog.Logger) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: minio endpoint is empty", common.ErrInvalidConfig)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioStore{
		client: client,
		logger: common.OrDefault(logger),
		retry:  service.RetryOptions{MaxAttempts: 3},
	}, nil
}

// Get downloads an object.
func (s *MinioStore) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var data []byte
	err := common.WithRetryLogger(ctx, s.logger, func() error {
		obj, err := s.client.GetObject(ctx, key.Bucket, key.Object, minio.GetObjectOptions{})
		if err != nil {
			return classify(err)
		}
		defer func() { _ = obj.Close() }()

		data, err = io.ReadAll(obj)
		return classify(err)
	}, s.retry)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, nil
}

// Put uploads an object.
func (s *MinioStore) Put(ctx context.Context, key Key, data []byte, contentType string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if contentType == "" {
		contentType = ContentType(key.Object)
	}

	err := common.WithRetryLogger(ctx, s.logger, func() error {
		_, err := s.client.PutObject(ctx, key.Bucket, key.Object,
			bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: contentType})
		return classify(err)
	}, s.retry)
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}

	s.logger.Debug("stored object", "bucket", key.Bucket, "object", key.Object, "bytes", len(data))
	return nil
}

// Exists stats an object.
func (s *MinioStore) Exists(ctx context.Context, key Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}

	_, err := s.client.StatObject(ctx, key.Bucket, key.Object, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", key, err)
}

// EnsureBucket creates the bucket when it is missing.
func (s *MinioStore) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if exists {
		s.logger.Debug("bucket already exists", "bucket", bucket)
		return nil
	}

	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	s.logger.Info("created bucket", "bucket", bucket)
	return nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound ||
		resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}

// classify maps minio errors onto the retry and not-found conventions.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return common.Permanent(fmt.Errorf("%w: %w", common.ErrBlobNotFound, err))
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError &&
		resp.StatusCode != http.StatusTooManyRequests {
		return common.Permanent(err)
	}
	return err
}
