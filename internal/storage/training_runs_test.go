package storage

import (
	"context"
	"testing"
	"time"

	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainingRuns(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	started := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

	run := &model.TrainingRun{
		Status:        model.RunRunning,
		DatasetDir:    "/data/run-1",
		FeedbackCount: 12,
		TrainCount:    9,
		ValCount:      3,
		StartedAt:     started,
	}
	require.NoError(t, store.CreateTrainingRun(ctx, run))
	require.Positive(t, run.ID)

	finished := started.Add(30 * time.Minute)
	run.Status = model.RunSucceeded
	run.FinishedAt = &finished
	run.Artifacts = []string{"/data/run-1/weights/best.pt"}
	run.Metrics = map[string]float64{"map50": 0.71}
	require.NoError(t, store.UpdateTrainingRun(ctx, run))

	second := &model.TrainingRun{Status: model.RunFailed, DatasetDir: "/data/run-2", StartedAt: started.Add(time.Hour), Error: "exit status 2", ExitCode: 2}
	require.NoError(t, store.CreateTrainingRun(ctx, second))

	runs, err := store.ListTrainingRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID, "newest first")
	assert.Equal(t, "exit status 2", runs[0].Error)
	assert.Equal(t, 2, runs[0].ExitCode)
	assert.Nil(t, runs[0].FinishedAt)

	got := runs[1]
	assert.Equal(t, model.RunSucceeded, got.Status)
	assert.Equal(t, run.Artifacts, got.Artifacts)
	assert.Equal(t, run.Metrics, got.Metrics)
	assert.Equal(t, 9, got.TrainCount)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, 30*time.Minute, got.Duration())

	runs, err = store.ListTrainingRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestTrainingRuns_Validation(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	assert.ErrorIs(t, store.CreateTrainingRun(ctx, nil), ErrNilParameter)
	assert.ErrorIs(t, store.CreateTrainingRun(ctx, &model.TrainingRun{Status: "paused", DatasetDir: "x"}), ErrInvalidTrainingRun)
	assert.ErrorIs(t, store.CreateTrainingRun(ctx, &model.TrainingRun{Status: model.RunRunning}), ErrInvalidTrainingRun)

	missing := &model.TrainingRun{ID: 77, Status: model.RunFailed, DatasetDir: "x"}
	assert.ErrorIs(t, store.UpdateTrainingRun(ctx, missing), common.ErrNotFound)
}
