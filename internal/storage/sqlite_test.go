package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()

	store, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestImage(t *testing.T, store *SQLiteStorage, name string) *model.Image {
	t.Helper()

	image := &model.Image{
		OriginalFilename: name,
		Bucket:           model.DefaultBucket,
		Object:           "processed/" + name,
	}
	require.NoError(t, store.CreateImage(context.Background(), image))
	return image
}

func createTestAnalysis(t *testing.T, store *SQLiteStorage, imageID int64, at time.Time, boxes ...model.BoundingBox) *model.Analysis {
	t.Helper()

	analysis := &model.Analysis{
		ImageID:     imageID,
		Predictions: boxes,
		AnalyzedAt:  at,
	}
	require.NoError(t, store.CreateAnalysis(context.Background(), analysis))
	return analysis
}

func ptr[T any](v T) *T {
	return &v
}

func TestNewSQLiteStorage_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "derma.db")

	store, err := NewSQLiteStorage(dbPath)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.NoError(t, store.Migrate(context.Background()))
	assert.FileExists(t, dbPath)
	assert.Equal(t, dbPath, store.Path())
}

func TestNewSQLiteStorage_EmptyPath(t *testing.T) {
	_, err := NewSQLiteStorage("  ")
	assert.ErrorIs(t, err, ErrEmptyString)
}

func TestMigrate_Idempotent(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	require.NoError(t, store.Migrate(ctx))

	version, err := store.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExpectedSchemaVersion, version)

	for _, table := range []string{"images", "analyses", "feedback", "training_runs", "checkpoint_metadata"} {
		var count int
		err := store.db.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, table)
	}
}

func TestMigrate_NilContext(t *testing.T) {
	store := createTestStorage(t)
	//nolint:staticcheck // nil context is the case under test
	assert.ErrorIs(t, store.Migrate(nil), ErrNilContext)
}

func TestImages(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	first := createTestImage(t, store, "a.jpg")
	second := createTestImage(t, store, "b.jpg")
	assert.Positive(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.False(t, first.ProcessedAt.IsZero())

	got, err := store.GetImage(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.jpg", got.OriginalFilename)
	assert.Equal(t, "skinimages/processed/a.jpg", got.StoragePath())

	_, err = store.GetImage(ctx, 999)
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = store.GetImage(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidID)

	images, err := store.ListImages(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, images, 2)

	images, err = store.ListImages(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, images, 1)
}

func TestCreateImage_Validation(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()

	tests := []struct {
		image *model.Image
		want  error
		name  string
	}{
		{name: "nil", image: nil, want: ErrNilParameter},
		{name: "no filename", image: &model.Image{Bucket: "b", Object: "o"}, want: ErrInvalidImage},
		{name: "no bucket", image: &model.Image{OriginalFilename: "f", Object: "o"}, want: ErrInvalidImage},
		{name: "no object", image: &model.Image{OriginalFilename: "f", Bucket: "b"}, want: ErrInvalidImage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, store.CreateImage(ctx, tt.image), tt.want)
		})
	}
}

func TestCreateImage_Duplicate(t *testing.T) {
	store := createTestStorage(t)
	createTestImage(t, store, "a.jpg")

	err := store.CreateImage(context.Background(), &model.Image{
		OriginalFilename: "again.jpg",
		Bucket:           model.DefaultBucket,
		Object:           "processed/a.jpg",
	})
	assert.ErrorIs(t, err, common.ErrDuplicateEntry)
}

func TestAnalyses(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	image := createTestImage(t, store, "a.jpg")
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mole := model.BoundingBox{XMin: 1, YMin: 2, XMax: 30, YMax: 40, Label: "mole"}.WithConfidence(0.87)
	older := createTestAnalysis(t, store, image.ID, base, mole)
	newer := createTestAnalysis(t, store, image.ID, base.Add(time.Hour))

	got, err := store.GetAnalysis(ctx, older.ID)
	require.NoError(t, err)
	require.Len(t, got.Predictions, 1)
	assert.Equal(t, mole, got.Predictions[0])
	assert.True(t, got.AnalyzedAt.Equal(base))

	latest, err := store.GetLatestAnalysis(ctx, image.ID)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)
	assert.NotNil(t, latest.Predictions)
	assert.Empty(t, latest.Predictions)

	other := createTestImage(t, store, "b.jpg")
	_, err = store.GetLatestAnalysis(ctx, other.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCreateAnalysis_UnknownImage(t *testing.T) {
	store := createTestStorage(t)

	err := store.CreateAnalysis(context.Background(), &model.Analysis{ImageID: 42})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCreateAnalysis_RejectsInvalidBoxes(t *testing.T) {
	store := createTestStorage(t)
	image := createTestImage(t, store, "a.jpg")

	err := store.CreateAnalysis(context.Background(), &model.Analysis{
		ImageID:     image.ID,
		Predictions: []model.BoundingBox{{XMax: 1, YMax: 1, Confidence: ptr(2.0)}},
	})
	assert.ErrorIs(t, err, ErrInvalidAnalysis)
	assert.ErrorIs(t, err, model.ErrInvalidBox)
}

func TestAnalysis_ResultImage(t *testing.T) {
	store := createTestStorage(t)
	ctx := context.Background()
	image := createTestImage(t, store, "a.jpg")

	analysis := &model.Analysis{
		ImageID:      image.ID,
		ResultBucket: "results",
		ResultObject: fmt.Sprintf("analysis/%d.jpg", image.ID),
	}
	require.NoError(t, store.CreateAnalysis(ctx, analysis))

	got, err := store.GetAnalysis(ctx, analysis.ID)
	require.NoError(t, err)
	assert.Equal(t, "results", got.ResultBucket)
	assert.Equal(t, analysis.ResultObject, got.ResultObject)
}
