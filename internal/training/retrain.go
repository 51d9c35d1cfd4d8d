package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/dataset"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/Veraticus/derma-loop/internal/service"
	"github.com/Veraticus/derma-loop/internal/tracking"
)

// ErrTrainingFailed is returned when the job exits non-zero or produces no
// artifacts.
var ErrTrainingFailed = errors.New("training failed")

// DefaultArtifactGlob finds YOLO weight files under the output directory.
const DefaultArtifactGlob = "**/weights/*.pt"

// Checkpointer snapshots the database before feedback is consumed.
type Checkpointer interface {
	AutoCheckpoint(ctx context.Context, prefix string) error
}

// Reloader tells the detector to pick up new weights.
type Reloader interface {
	ReloadModel(ctx context.Context) error
}

// Config configures a Retrainer.
type Config struct {
	DatasetDir   string
	ArtifactGlob string
	Classes      []string
	SplitRatio   float64
}

// Retrainer exports reviewed feedback, runs the training job and records
// the run.
type Retrainer struct {
	storage      service.Storage
	exporter     *dataset.Exporter
	runner       Runner
	sink         tracking.Sink
	checkpointer Checkpointer
	reloader     Reloader
	logger       *slog.Logger
	now          func() time.Time
	config       Config
}

// Option customizes a Retrainer.
type Option func(*Retrainer)

// WithCheckpointer snapshots the database before each run.
func WithCheckpointer(c Checkpointer) Option {
	return func(r *Retrainer) { r.checkpointer = c }
}

// WithReloader asks the detector to reload after a successful run.
func WithReloader(rl Reloader) Option {
	return func(r *Retrainer) { r.reloader = rl }
}

// WithSink reports runs to an experiment tracker.
func WithSink(s tracking.Sink) Option {
	return func(r *Retrainer) { r.sink = s }
}

// NewRetrainer creates a retrainer.
func NewRetrainer(storage service.Storage, exporter *dataset.Exporter, runner Runner, config Config, logger *slog.Logger, opts ...Option) *Retrainer {
	if config.ArtifactGlob == "" {
		config.ArtifactGlob = DefaultArtifactGlob
	}
	r := &Retrainer{
		storage:  storage,
		exporter: exporter,
		runner:   runner,
		sink:     tracking.NopSink{},
		logger:   common.OrDefault(logger),
		now:      func() time.Time { return time.Now().UTC() },
		config:   config,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrain runs one retraining cycle. It returns common.ErrNoTrainingData
// without recording a run when nothing is ready. Feedback is marked
// retrained only when the job succeeds.
func (r *Retrainer) Retrain(ctx context.Context) (*model.TrainingRun, error) {
	started := r.now()
	name := "feedback_train_" + started.Format("20060102_150405")
	runDir := filepath.Join(r.config.DatasetDir, name)

	if r.checkpointer != nil {
		if err := r.checkpointer.AutoCheckpoint(ctx, "retrain"); err != nil {
			r.logger.Warn("auto-checkpoint failed", "error", err)
		}
	}

	exported, err := r.exporter.Export(ctx, runDir, dataset.Options{
		Classes:    r.config.Classes,
		SplitRatio: r.config.SplitRatio,
	})
	if err != nil {
		return nil, err
	}

	run := &model.TrainingRun{
		Status:        model.RunRunning,
		DatasetDir:    exported.Dir,
		FeedbackCount: len(exported.FeedbackIDs),
		TrainCount:    exported.Train,
		ValCount:      exported.Val,
		StartedAt:     started,
	}
	if err := r.storage.CreateTrainingRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record training run: %w", err)
	}
	r.logger.Info("training run started",
		"run_id", run.ID,
		"feedback", run.FeedbackCount,
		"train", run.TrainCount,
		"val", run.ValCount)

	outputDir := filepath.Join(runDir, "runs")
	runErr := r.execute(ctx, run, Job{Name: name, DataYAML: exported.Manifest, OutputDir: outputDir})

	finished := r.now()
	run.FinishedAt = &finished
	// The run row is finalized even when ctx was canceled.
	if err := r.storage.UpdateTrainingRun(context.WithoutCancel(ctx), run); err != nil {
		return run, errors.Join(runErr, fmt.Errorf("failed to update training run: %w", err))
	}

	if err := r.sink.LogRun(ctx, *run); err != nil {
		r.logger.Warn("failed to report training run", "run_id", run.ID, "error", err)
	}

	if runErr != nil {
		r.logger.Error("training run failed", "run_id", run.ID, "error", runErr)
		return run, runErr
	}

	if err := r.storage.MarkRetrained(ctx, exported.FeedbackIDs); err != nil {
		return run, fmt.Errorf("failed to mark feedback retrained: %w", err)
	}

	if r.reloader != nil {
		if err := r.reloader.ReloadModel(ctx); err != nil {
			r.logger.Warn("detector did not reload the model", "error", err)
		}
	}

	r.logger.Info("training run succeeded",
		"run_id", run.ID,
		"artifacts", len(run.Artifacts),
		"duration", run.Duration())
	return run, nil
}

// execute runs the job and fills the outcome fields of run.
func (r *Retrainer) execute(ctx context.Context, run *model.TrainingRun, job Job) error {
	result, err := r.runner.Run(ctx, job)
	if err != nil {
		run.Status = model.RunFailed
		run.ExitCode = -1
		run.Error = err.Error()
		return fmt.Errorf("%w: %w", ErrTrainingFailed, err)
	}

	run.ExitCode = result.ExitCode
	if result.ExitCode != 0 {
		run.Status = model.RunFailed
		run.Error = fmt.Sprintf("exit code %d: %s", result.ExitCode, lastLine(result.Output))
		return fmt.Errorf("%w: %s", ErrTrainingFailed, run.Error)
	}

	artifacts, err := FindArtifacts(job.OutputDir, r.config.ArtifactGlob)
	if err != nil {
		run.Status = model.RunFailed
		run.Error = err.Error()
		return fmt.Errorf("%w: %w", ErrTrainingFailed, err)
	}
	if len(artifacts) == 0 {
		run.Status = model.RunFailed
		run.Error = fmt.Sprintf("no artifacts matching %s", r.config.ArtifactGlob)
		return fmt.Errorf("%w: %s", ErrTrainingFailed, run.Error)
	}
	run.Artifacts = artifacts

	if tables, err := FindArtifacts(job.OutputDir, "**/"+MetricsFile); err == nil && len(tables) > 0 {
		metrics, err := ReadMetrics(tables[len(tables)-1])
		if err != nil {
			r.logger.Warn("failed to read training metrics", "error", err)
		} else {
			run.Metrics = metrics
		}
	}

	run.Status = model.RunSucceeded
	return nil
}

func lastLine(output string) string {
	for i := len(output) - 1; i >= 0; i-- {
		if output[i] == '\n' {
			return output[i+1:]
		}
	}
	return output
}
