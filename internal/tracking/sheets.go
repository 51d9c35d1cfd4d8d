package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/Veraticus/derma-loop/internal/service"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// runHeader is the first row of the runs sheet.
var runHeader = []any{
	"Run", "Started", "Finished", "Status", "Feedback", "Train", "Val",
	"Exit Code", "Duration (s)", "Artifacts", "Metrics", "Error",
}

// SheetsSink appends one row per training run to a Google Sheet.
type SheetsSink struct {
	service    *sheets.Service
	logger     *slog.Logger
	config     SheetsConfig
	headerOnce sync.Once
	headerErr  error
}

// NewSheetsSink authenticates and creates a sink.
func NewSheetsSink(ctx context.Context, config SheetsConfig, logger *slog.Logger) (*SheetsSink, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: sheets: %w", common.ErrInvalidConfig, err)
	}

	ts, err := tokenSource(ctx, config)
	if err != nil {
		return nil, err
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))
	if err != nil {
		return nil, fmt.Errorf("unable to create sheets service: %w", err)
	}

	return NewSheetsSinkWithService(srv, config, logger), nil
}

// NewSheetsSinkWithService creates a sink around an existing service.
func NewSheetsSinkWithService(srv *sheets.Service, config SheetsConfig, logger *slog.Logger) *SheetsSink {
	return &SheetsSink{
		service: srv,
		config:  config,
		logger:  common.OrDefault(logger),
	}
}

// LogRun implements Sink.
func (s *SheetsSink) LogRun(ctx context.Context, run model.TrainingRun) error {
	retryOpts := service.RetryOptions{
		MaxAttempts:  s.config.RetryAttempts,
		InitialDelay: s.config.RetryDelay,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}

	s.headerOnce.Do(func() {
		s.headerErr = common.WithRetryLogger(ctx, s.logger, func() error {
			return s.ensureHeader(ctx)
		}, retryOpts)
	})
	if s.headerErr != nil {
		return fmt.Errorf("failed to write sheet header: %w", s.headerErr)
	}

	row := runRow(run)
	err := common.WithRetryLogger(ctx, s.logger, func() error {
		_, err := s.service.Spreadsheets.Values.Append(s.config.SpreadsheetID, s.sheetRange("A:L"), &sheets.ValueRange{
			Values: [][]any{row},
		}).ValueInputOption("USER_ENTERED").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
		return err
	}, retryOpts)
	if err != nil {
		return fmt.Errorf("failed to append training run: %w", err)
	}

	s.logger.Info("logged training run to sheet",
		"spreadsheet_id", s.config.SpreadsheetID,
		"run_id", run.ID)
	return nil
}

func (s *SheetsSink) ensureHeader(ctx context.Context) error {
	existing, err := s.service.Spreadsheets.Values.Get(s.config.SpreadsheetID, s.sheetRange("A1:L1")).Context(ctx).Do()
	if err != nil {
		return err
	}
	if len(existing.Values) > 0 {
		return nil
	}

	_, err = s.service.Spreadsheets.Values.Update(s.config.SpreadsheetID, s.sheetRange("A1"), &sheets.ValueRange{
		Values: [][]any{runHeader},
	}).ValueInputOption("USER_ENTERED").Context(ctx).Do()
	return err
}

func (s *SheetsSink) sheetRange(cells string) string {
	return fmt.Sprintf("'%s'!%s", s.config.SheetName, cells)
}

func runRow(run model.TrainingRun) []any {
	finished := ""
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC().Format(time.RFC3339)
	}

	metrics := ""
	if len(run.Metrics) > 0 {
		keys := make([]string, 0, len(run.Metrics))
		for k := range run.Metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make([]string, 0, len(keys))
		for _, k := range keys {
			v, _ := json.Marshal(run.Metrics[k])
			ordered = append(ordered, fmt.Sprintf("%s=%s", k, v))
		}
		metrics = strings.Join(ordered, " ")
	}

	return []any{
		run.ID,
		run.StartedAt.UTC().Format(time.RFC3339),
		finished,
		string(run.Status),
		run.FeedbackCount,
		run.TrainCount,
		run.ValCount,
		run.ExitCode,
		int64(run.Duration().Seconds()),
		strings.Join(run.Artifacts, "\n"),
		metrics,
		run.Error,
	}
}
