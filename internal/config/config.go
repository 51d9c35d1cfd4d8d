// Package config loads derma settings from flags, environment and config files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. DERMA_DATABASE_PATH.
const EnvPrefix = "DERMA"

// Backend names.
const (
	BlobFS        = "fs"
	BlobMinio     = "minio"
	QueueMemory   = "memory"
	QueueRedis    = "redis"
	TrackingNone  = "none"
	TrackingFile  = "file"
	TrackingSheet = "sheets"
)

// Config is the typed view of the application's settings.
type Config struct {
	Logging  LoggingConfig
	Database DatabaseConfig
	Review   ReviewConfig
	Blob     BlobConfig
	Detector DetectorConfig
	Queue    QueueConfig
	Training TrainingConfig
	Tracking TrackingConfig
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string
	Format string
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string
}

// ReviewConfig holds the reconciliation thresholds.
type ReviewConfig struct {
	Threshold           float64
	ConfidenceThreshold float64
}

// BlobConfig selects and configures the object store.
type BlobConfig struct {
	Backend string
	Root    string
	Bucket  string
	Minio   MinioConfig
}

// MinioConfig configures an S3-compatible endpoint.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}

// DetectorConfig points at the detection service.
type DetectorConfig struct {
	URL     string
	Timeout time.Duration
	Retries int
}

// QueueConfig selects the task queue.
type QueueConfig struct {
	Backend   string
	RedisAddr string
	Name      string
	Workers   int
	ResultTTL time.Duration
}

// TrainingConfig describes the external training job.
type TrainingConfig struct {
	Command      string
	Args         []string
	DatasetDir   string
	ArtifactGlob string
	Classes      []string
	SplitRatio   float64
}

// TrackingConfig selects where training runs are reported.
type TrackingConfig struct {
	Backend string
	File    string
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("database.path", "~/.local/share/derma/derma.db")

	v.SetDefault("review.threshold", 0.5)
	v.SetDefault("review.confidence_threshold", 0.75)

	v.SetDefault("blob.backend", BlobFS)
	v.SetDefault("blob.root", "~/.local/share/derma/blobs")
	v.SetDefault("blob.bucket", model.DefaultBucket)
	v.SetDefault("blob.minio.endpoint", "localhost:9000")
	v.SetDefault("blob.minio.secure", false)

	v.SetDefault("detector.url", "http://localhost:8001")
	v.SetDefault("detector.timeout", 60*time.Second)
	v.SetDefault("detector.retries", 3)

	v.SetDefault("queue.backend", QueueMemory)
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.name", "derma:tasks")
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.result_ttl", time.Hour)

	v.SetDefault("training.command", "yolo")
	v.SetDefault("training.args", []string{"detect", "train", "data={data}", "project={output}"})
	v.SetDefault("training.dataset_dir", "~/.local/share/derma/datasets")
	v.SetDefault("training.artifact_glob", "**/weights/*.pt")
	v.SetDefault("training.classes", []string{"lesion"})
	v.SetDefault("training.split_ratio", 0.8)

	v.SetDefault("tracking.backend", TrackingNone)
	v.SetDefault("tracking.file", "~/.local/share/derma/runs.jsonl")
	v.SetDefault("tracking.sheets.sheet_name", "Training Runs")
}

// Load maps v onto a Config, expands paths and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	cfg := &Config{
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
		Database: DatabaseConfig{
			Path: ExpandPath(v.GetString("database.path")),
		},
		Review: ReviewConfig{
			Threshold:           v.GetFloat64("review.threshold"),
			ConfidenceThreshold: v.GetFloat64("review.confidence_threshold"),
		},
		Blob: BlobConfig{
			Backend: strings.ToLower(v.GetString("blob.backend")),
			Root:    ExpandPath(v.GetString("blob.root")),
			Bucket:  v.GetString("blob.bucket"),
			Minio: MinioConfig{
				Endpoint:  v.GetString("blob.minio.endpoint"),
				AccessKey: v.GetString("blob.minio.access_key"),
				SecretKey: v.GetString("blob.minio.secret_key"),
				Secure:    v.GetBool("blob.minio.secure"),
			},
		},
		Detector: DetectorConfig{
			URL:     strings.TrimRight(v.GetString("detector.url"), "/"),
			Timeout: v.GetDuration("detector.timeout"),
			Retries: v.GetInt("detector.retries"),
		},
		Queue: QueueConfig{
			Backend:   strings.ToLower(v.GetString("queue.backend")),
			RedisAddr: v.GetString("queue.redis.addr"),
			Name:      v.GetString("queue.name"),
			Workers:   v.GetInt("queue.workers"),
			ResultTTL: v.GetDuration("queue.result_ttl"),
		},
		Training: TrainingConfig{
			Command:      v.GetString("training.command"),
			Args:         v.GetStringSlice("training.args"),
			DatasetDir:   ExpandPath(v.GetString("training.dataset_dir")),
			ArtifactGlob: v.GetString("training.artifact_glob"),
			Classes:      v.GetStringSlice("training.classes"),
			SplitRatio:   v.GetFloat64("training.split_ratio"),
		},
		Tracking: TrackingConfig{
			Backend: strings.ToLower(v.GetString("tracking.backend")),
			File:    ExpandPath(v.GetString("tracking.file")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting, wrapping common.ErrInvalidConfig.
func (c *Config) Validate() error {
	invalid := func(key string, format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", common.ErrInvalidConfig, key, fmt.Sprintf(format, args...))
	}

	if _, err := common.ParseLevel(c.Logging.Level); err != nil {
		return invalid("logging.level", "unknown level %q", c.Logging.Level)
	}
	if c.Database.Path == "" {
		return invalid("database.path", "must not be empty")
	}
	if c.Review.Threshold < 0 || c.Review.Threshold > 1 {
		return invalid("review.threshold", "must be between 0 and 1, got %v", c.Review.Threshold)
	}
	if c.Review.ConfidenceThreshold < 0 || c.Review.ConfidenceThreshold > 1 {
		return invalid("review.confidence_threshold", "must be between 0 and 1, got %v", c.Review.ConfidenceThreshold)
	}

	switch c.Blob.Backend {
	case BlobFS:
		if c.Blob.Root == "" {
			return invalid("blob.root", "required for the fs backend")
		}
	case BlobMinio:
		if c.Blob.Minio.Endpoint == "" {
			return invalid("blob.minio.endpoint", "required for the minio backend")
		}
	default:
		return invalid("blob.backend", "unknown backend %q", c.Blob.Backend)
	}
	if c.Blob.Bucket == "" {
		return invalid("blob.bucket", "must not be empty")
	}

	if c.Detector.Timeout < 0 {
		return invalid("detector.timeout", "cannot be negative")
	}
	if c.Detector.Retries < 0 {
		return invalid("detector.retries", "cannot be negative")
	}

	switch c.Queue.Backend {
	case QueueMemory:
	case QueueRedis:
		if c.Queue.RedisAddr == "" {
			return invalid("queue.redis.addr", "required for the redis backend")
		}
	default:
		return invalid("queue.backend", "unknown backend %q", c.Queue.Backend)
	}
	if c.Queue.Workers < 1 {
		return invalid("queue.workers", "must be at least 1")
	}

	if c.Training.SplitRatio <= 0 || c.Training.SplitRatio > 1 {
		return invalid("training.split_ratio", "must be in (0, 1], got %v", c.Training.SplitRatio)
	}

	switch c.Tracking.Backend {
	case TrackingNone, TrackingSheet:
	case TrackingFile:
		if c.Tracking.File == "" {
			return invalid("tracking.file", "required for the file backend")
		}
	default:
		return invalid("tracking.backend", "unknown backend %q", c.Tracking.Backend)
	}

	return nil
}
