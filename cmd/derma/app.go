package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/derma-loop/internal/blob"
	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/config"
	"github.com/Veraticus/derma-loop/internal/dataset"
	"github.com/Veraticus/derma-loop/internal/detector"
	"github.com/Veraticus/derma-loop/internal/engine"
	"github.com/Veraticus/derma-loop/internal/queue"
	"github.com/Veraticus/derma-loop/internal/review"
	"github.com/Veraticus/derma-loop/internal/service"
	"github.com/Veraticus/derma-loop/internal/storage"
	"github.com/Veraticus/derma-loop/internal/tracking"
	"github.com/Veraticus/derma-loop/internal/training"
	"github.com/spf13/viper"
)

// app bundles the services a command needs. Fields are filled on demand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	storage  *storage.SQLiteStorage
	blobs    blob.Store
	detector *detector.Client
	engine   *engine.FeedbackEngine
}

// newApp opens the database and runs migrations.
func newApp(ctx context.Context) (*app, error) {
	if appConfig == nil {
		return nil, fmt.Errorf("%w: configuration not loaded", common.ErrMissingConfig)
	}
	a := &app{cfg: appConfig, logger: slog.Default()}

	store, err := storage.NewSQLiteStorage(a.cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	a.storage = store
	return a, nil
}

func (a *app) Close() {
	if a.storage != nil {
		_ = a.storage.Close()
	}
}

// withEngine builds the blob store and the feedback engine. The detector
// client is attached only when needed.
func (a *app) withEngine(ctx context.Context, needDetector bool) (*engine.FeedbackEngine, error) {
	blobs, err := newBlobStore(a.cfg.Blob, a.logger)
	if err != nil {
		return nil, err
	}
	a.blobs = blobs

	var det engine.Detector
	if needDetector {
		client, err := newDetector(a.cfg.Detector, a.logger)
		if err != nil {
			return nil, err
		}
		a.detector = client
		det = client
	}

	a.engine = engine.NewWithConfig(a.storage, blobs, det, a.logger, engine.Config{
		Bucket: a.cfg.Blob.Bucket,
		Review: reviewOptions(a.cfg.Review),
	})
	if err := a.engine.Prepare(ctx); err != nil {
		return nil, err
	}
	return a.engine, nil
}

func reviewOptions(cfg config.ReviewConfig) review.Options {
	return review.Options{
		Threshold:           cfg.Threshold,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
	}
}

func newBlobStore(cfg config.BlobConfig, logger *slog.Logger) (blob.Store, error) {
	switch cfg.Backend {
	case config.BlobMinio:
		return blob.NewMinioStore(blob.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Secure:    cfg.Minio.Secure,
		}, logger)
	default:
		return blob.NewFSStore(cfg.Root)
	}
}

func newDetector(cfg config.DetectorConfig, logger *slog.Logger) (*detector.Client, error) {
	return detector.NewClient(detector.Config{
		BaseURL: cfg.URL,
		Timeout: cfg.Timeout,
		Retry: service.RetryOptions{
			MaxAttempts:  max(1, cfg.Retries),
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
	}, logger)
}

// newQueue opens the configured queue. The memory queue only lives as long
// as the process.
func newQueue(cfg config.QueueConfig) (queue.Queue, error) {
	switch cfg.Backend {
	case config.QueueRedis:
		q, err := queue.NewRedisQueue(queue.NewRedisPool(cfg.RedisAddr, cfg.Workers), cfg.Name)
		if err != nil {
			return nil, err
		}
		if cfg.ResultTTL > 0 {
			q.SetResultTTL(cfg.ResultTTL)
		}
		return q, nil
	default:
		return queue.NewMemoryQueue(cfg.Workers * 4), nil
	}
}

func newSink(ctx context.Context, cfg config.TrackingConfig, logger *slog.Logger) (tracking.Sink, error) {
	switch cfg.Backend {
	case config.TrackingFile:
		return tracking.NewFileSink(cfg.File, logger)
	case config.TrackingSheet:
		sheetsCfg, err := config.LoadSheetsConfig(viper.GetViper())
		if err != nil {
			return nil, err
		}
		return tracking.NewSheetsSink(ctx, *sheetsCfg, logger)
	default:
		return tracking.NopSink{}, nil
	}
}

// newRetrainer wires export, training command, tracking, checkpoints and
// the detector reload together.
func (a *app) newRetrainer(ctx context.Context) (*training.Retrainer, error) {
	if _, err := a.withEngine(ctx, false); err != nil {
		return nil, err
	}

	runner, err := training.NewCommandRunner(a.cfg.Training.Command, a.cfg.Training.Args, a.logger)
	if err != nil {
		return nil, err
	}

	sink, err := newSink(ctx, a.cfg.Tracking, a.logger)
	if err != nil {
		return nil, err
	}

	opts := []training.Option{training.WithSink(sink)}
	if checkpoints, err := a.storage.NewCheckpointManager(); err == nil {
		opts = append(opts, training.WithCheckpointer(checkpoints))
	} else {
		a.logger.Warn("checkpoints disabled", "error", err)
	}
	if client, err := newDetector(a.cfg.Detector, a.logger); err == nil {
		opts = append(opts, training.WithReloader(client))
	}

	exporter := dataset.NewExporter(a.storage, a.blobs, a.logger)
	return training.NewRetrainer(a.storage, exporter, runner, training.Config{
		DatasetDir:   a.cfg.Training.DatasetDir,
		ArtifactGlob: a.cfg.Training.ArtifactGlob,
		Classes:      a.cfg.Training.Classes,
		SplitRatio:   a.cfg.Training.SplitRatio,
	}, a.logger, opts...), nil
}
