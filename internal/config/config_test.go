package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.InDelta(t, 0.5, cfg.Review.Threshold, 1e-9)
	assert.InDelta(t, 0.75, cfg.Review.ConfidenceThreshold, 1e-9)
	assert.Equal(t, BlobFS, cfg.Blob.Backend)
	assert.Equal(t, "skinimages", cfg.Blob.Bucket)
	assert.Equal(t, "http://localhost:8001", cfg.Detector.URL)
	assert.Equal(t, 60*time.Second, cfg.Detector.Timeout)
	assert.Equal(t, QueueMemory, cfg.Queue.Backend)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, time.Hour, cfg.Queue.ResultTTL)
	assert.InDelta(t, 0.8, cfg.Training.SplitRatio, 1e-9)
	assert.Equal(t, []string{"lesion"}, cfg.Training.Classes)
	assert.Equal(t, TrackingNone, cfg.Tracking.Backend)
	assert.False(t, strings.HasPrefix(cfg.Database.Path, "~"), "path is expanded")
}

func TestLoad_Overrides(t *testing.T) {
	v := viper.New()
	v.Set("review.threshold", 0.3)
	v.Set("detector.url", "http://detector:9000/")
	v.Set("queue.backend", "REDIS")
	v.Set("training.classes", []string{"nevus", "melanoma"})

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, cfg.Review.Threshold, 1e-9)
	assert.Equal(t, "http://detector:9000", cfg.Detector.URL)
	assert.Equal(t, QueueRedis, cfg.Queue.Backend)
	assert.Equal(t, []string{"nevus", "melanoma"}, cfg.Training.Classes)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		value any
		key   string
	}{
		{key: "review.threshold", value: 1.5},
		{key: "review.confidence_threshold", value: -0.1},
		{key: "blob.backend", value: "s3"},
		{key: "queue.backend", value: "kafka"},
		{key: "queue.workers", value: 0},
		{key: "training.split_ratio", value: 0.0},
		{key: "tracking.backend", value: "mlflow"},
		{key: "logging.level", value: "loud"},
		{key: "detector.retries", value: -1},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			v := viper.New()
			v.Set(tt.key, tt.value)

			_, err := Load(v)
			require.Error(t, err)
			assert.ErrorIs(t, err, common.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoadSheetsConfig(t *testing.T) {
	t.Setenv("GOOGLE_SHEETS_SPREADSHEET_ID", "env-sheet")
	t.Setenv("GOOGLE_SHEETS_SERVICE_ACCOUNT_PATH", "")

	v := viper.New()
	v.Set("tracking.sheets.service_account_path", "/keys/sa.json")

	cfg, err := LoadSheetsConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "/keys/sa.json", cfg.ServiceAccountPath)
	assert.Equal(t, "env-sheet", cfg.SpreadsheetID)
	assert.Equal(t, "Training Runs", cfg.SheetName)

	v.Set("tracking.sheets.spreadsheet_id", "viper-sheet")
	cfg, err = LoadSheetsConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "viper-sheet", cfg.SpreadsheetID, "viper wins over the environment")
}

func TestLoadSheetsConfig_NoAuth(t *testing.T) {
	for _, name := range []string{
		"GOOGLE_SHEETS_SERVICE_ACCOUNT_PATH", "GOOGLE_SHEETS_CLIENT_ID",
		"GOOGLE_SHEETS_CLIENT_SECRET", "GOOGLE_SHEETS_REFRESH_TOKEN",
	} {
		t.Setenv(name, "")
	}
	v := viper.New()
	v.Set("tracking.sheets.spreadsheet_id", "x")

	_, err := LoadSheetsConfig(v)
	assert.Error(t, err)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	t.Setenv("DERMA_TEST_DIR", "/data")

	assert.Equal(t, "", ExpandPath(""))
	assert.Equal(t, home, ExpandPath("~"))
	assert.Equal(t, filepath.Join(home, "derma.db"), ExpandPath("~/derma.db"))
	assert.Equal(t, "/data/derma.db", ExpandPath("$DERMA_TEST_DIR/derma.db"))
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DERMA_DOTENV_TEST=from-file\n"), 0600))
	t.Setenv("DERMA_DOTENV_TEST", "")
	require.NoError(t, os.Unsetenv("DERMA_DOTENV_TEST"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("DERMA_DOTENV_TEST"))
}
