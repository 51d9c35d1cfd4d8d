// Package tracking records retraining runs with an experiment tracker.
package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/model"
)

// Sink receives finished training runs.
type Sink interface {
	LogRun(ctx context.Context, run model.TrainingRun) error
}

// NopSink discards every run.
type NopSink struct{}

// LogRun implements Sink.
func (NopSink) LogRun(context.Context, model.TrainingRun) error { return nil }

// FileSink appends one JSON object per run to a file.
type FileSink struct {
	logger *slog.Logger
	path   string
	mu     sync.Mutex
}

// NewFileSink creates a sink writing JSON lines to path.
func NewFileSink(path string, logger *slog.Logger) (*FileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: tracking file path is empty", common.ErrInvalidConfig)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create tracking directory: %w", err)
	}
	return &FileSink{path: path, logger: common.OrDefault(logger)}, nil
}

// LogRun implements Sink.
func (s *FileSink) LogRun(_ context.Context, run model.TrainingRun) error {
	line, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode training run: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to open tracking file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to write tracking record: %w", err)
	}

	s.logger.Debug("logged training run", "run_id", run.ID, "path", s.path)
	return nil
}

// ReadRuns loads every run recorded in a FileSink file.
func ReadRuns(path string) ([]model.TrainingRun, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, err
	}

	var runs []model.TrainingRun
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var run model.TrainingRun
		if err := dec.Decode(&run); err != nil {
			return nil, fmt.Errorf("failed to decode tracking record %d: %w", len(runs), err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// MultiSink fans a run out to several sinks and joins their errors.
type MultiSink []Sink

// LogRun implements Sink.
func (m MultiSink) LogRun(ctx context.Context, run model.TrainingRun) error {
	var errs []error
	for _, s := range m {
		if err := s.LogRun(ctx, run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
