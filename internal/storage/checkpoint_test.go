package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createFileStorage(t *testing.T) (*SQLiteStorage, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "derma.db")
	store, err := NewSQLiteStorage(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	return store, dbPath
}

func TestCheckpointManager_CreateListDelete(t *testing.T) {
	store, _ := createFileStorage(t)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	createTestImage(t, store, "a.jpg")
	createTestImage(t, store, "b.jpg")

	manager, err := store.NewCheckpointManager()
	require.NoError(t, err)

	info, err := manager.Create(ctx, "before-retrain", "manual snapshot")
	require.NoError(t, err)
	assert.Equal(t, "before-retrain", info.ID)
	assert.Equal(t, 2, info.Images)
	assert.Equal(t, 0, info.Feedback)
	assert.Equal(t, ExpectedSchemaVersion, info.SchemaVersion)
	assert.Positive(t, info.FileSize)

	_, err = manager.Create(ctx, "before-retrain", "again")
	assert.ErrorIs(t, err, ErrCheckpointExists)

	_, err = manager.Create(ctx, "../escape", "")
	assert.ErrorIs(t, err, ErrInvalidCheckpoint)

	list, err := manager.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "manual snapshot", list[0].Description)

	require.NoError(t, manager.Delete(ctx, "before-retrain"))
	assert.ErrorIs(t, manager.Delete(ctx, "before-retrain"), ErrCheckpointNotFound)

	list, err = manager.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCheckpointManager_Restore(t *testing.T) {
	store, dbPath := createFileStorage(t)
	ctx := context.Background()

	createTestImage(t, store, "kept.jpg")

	manager, err := store.NewCheckpointManager()
	require.NoError(t, err)
	_, err = manager.Create(ctx, "snap", "")
	require.NoError(t, err)

	createTestImage(t, store, "lost.jpg")

	require.NoError(t, manager.Restore(ctx, "snap"))

	reopened, err := NewSQLiteStorage(dbPath)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	images, err := reopened.ListImages(ctx, 0)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "kept.jpg", images[0].OriginalFilename)
}

func TestCheckpointManager_AutoCheckpoint(t *testing.T) {
	store, _ := createFileStorage(t)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	manager, err := store.NewCheckpointManager()
	require.NoError(t, err)

	require.NoError(t, manager.AutoCheckpoint(ctx, "retrain"))

	list, err := manager.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsAuto)
	assert.Contains(t, list[0].ID, "auto-retrain-")
}

func TestNewCheckpointManager_InMemory(t *testing.T) {
	store := createTestStorage(t)
	_, err := store.NewCheckpointManager()
	assert.Error(t, err)
}

func TestCheckpointManager_GetInfo(t *testing.T) {
	store, _ := createFileStorage(t)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	image := createTestImage(t, store, "a.jpg")
	require.NoError(t, store.CreateFeedback(ctx, &model.Feedback{ImageID: image.ID, Status: model.FeedbackPending}))

	manager, err := store.NewCheckpointManager()
	require.NoError(t, err)
	_, err = manager.Create(ctx, "one", "")
	require.NoError(t, err)

	info, err := manager.GetCheckpointInfo(ctx, "one")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Feedback)

	_, err = manager.GetCheckpointInfo(ctx, "missing")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}
