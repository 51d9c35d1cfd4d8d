package dataset

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Veraticus/derma-loop/internal/blob"
	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToYOLO(t *testing.T) {
	label, err := ToYOLO(model.BoundingBox{XMin: 10, YMin: 20, XMax: 30, YMax: 60}, 100, 200, 2)
	require.NoError(t, err)

	assert.Equal(t, 2, label.Class)
	assert.InDelta(t, 0.2, label.CenterX, 1e-9)
	assert.InDelta(t, 0.2, label.CenterY, 1e-9)
	assert.InDelta(t, 0.2, label.Width, 1e-9)
	assert.InDelta(t, 0.2, label.Height, 1e-9)
	assert.Equal(t, "2 0.200000 0.200000 0.200000 0.200000", label.String())
}

func TestToYOLO_Clamps(t *testing.T) {
	label, err := ToYOLO(model.BoundingBox{XMin: -50, YMin: 0, XMax: 250, YMax: 10}, 100, 100, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, label.CenterX, 1e-9)
	assert.InDelta(t, 1.0, label.Width, 1e-9)

	degenerate, err := ToYOLO(model.BoundingBox{XMin: 50, YMin: 50, XMax: 40, YMax: 40}, 100, 100, 0)
	require.NoError(t, err)
	assert.Zero(t, degenerate.Width)
	assert.Zero(t, degenerate.Height)

	_, err = ToYOLO(model.BoundingBox{}, 0, 10, 0)
	assert.Error(t, err)
}

func TestClassID(t *testing.T) {
	classes := []string{"nevus", "melanoma"}
	explicit := 5

	assert.Equal(t, 1, ClassID(model.BoundingBox{Label: "Melanoma"}, classes))
	assert.Equal(t, 0, ClassID(model.BoundingBox{Label: "unknown"}, classes))
	assert.Equal(t, 5, ClassID(model.BoundingBox{Label: "nevus", Class: &explicit}, classes))
}

func TestSplit(t *testing.T) {
	tests := []struct {
		n     int
		ratio float64
		want  int
	}{
		{n: 0, ratio: 0.8, want: 0},
		{n: 1, ratio: 0.8, want: 1},
		{n: 2, ratio: 0.8, want: 1},
		{n: 5, ratio: 0.8, want: 4},
		{n: 10, ratio: 0.8, want: 8},
		{n: 10, ratio: 1.0, want: 9},
		{n: 3, ratio: 0.1, want: 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d@%.1f", tt.n, tt.ratio), func(t *testing.T) {
			assert.Equal(t, tt.want, Split(tt.n, tt.ratio))
		})
	}
}

type fakeSource struct {
	images   map[int64]*model.Image
	feedback []model.Feedback
}

func (f *fakeSource) GetTrainableFeedback(context.Context) ([]model.Feedback, error) {
	return f.feedback, nil
}

func (f *fakeSource) GetImage(_ context.Context, id int64) (*model.Image, error) {
	img, ok := f.images[id]
	if !ok {
		return nil, fmt.Errorf("%w: image %d", common.ErrNotFound, id)
	}
	return img, nil
}

type countingProgress struct{ n int }

func (c *countingProgress) Add(n int) error {
	c.n += n
	return nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, w, h)), imaging.PNG))
	return buf.Bytes()
}

func newFixture(t *testing.T, count int) (*fakeSource, *blob.FSStore) {
	t.Helper()
	ctx := context.Background()

	store, err := blob.NewFSStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	require.NoError(t, store.EnsureBucket(ctx, "skinimages"))

	source := &fakeSource{images: make(map[int64]*model.Image)}
	for i := 1; i <= count; i++ {
		id := int64(i)
		object := fmt.Sprintf("img-%d.png", i)
		require.NoError(t, store.Put(ctx, blob.Key{Bucket: "skinimages", Object: object}, pngBytes(t, 200, 100), "image/png"))
		source.images[id] = &model.Image{ID: id, Bucket: "skinimages", Object: object, OriginalFilename: object}
		source.feedback = append(source.feedback, model.Feedback{
			ID:          id * 10,
			ImageID:     id,
			Status:      model.FeedbackReviewed,
			Corrections: []model.BoundingBox{{XMin: 50, YMin: 25, XMax: 150, YMax: 75, Label: "melanoma"}},
		})
	}
	return source, store
}

func TestExport(t *testing.T) {
	source, store := newFixture(t, 5)
	dir := filepath.Join(t.TempDir(), "dataset")
	progress := &countingProgress{}

	result, err := NewExporter(source, store, nil).Export(context.Background(), dir, Options{
		Classes:    []string{"nevus", "melanoma"},
		SplitRatio: 0.8,
		Progress:   progress,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, result.Train)
	assert.Equal(t, 1, result.Val)
	assert.Zero(t, result.Skipped)
	assert.Equal(t, []int64{10, 20, 30, 40, 50}, result.FeedbackIDs)
	assert.Equal(t, 5, progress.n)

	labels, err := os.ReadFile(filepath.Join(dir, "labels", "train", "10.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1 0.500000 0.500000 0.500000 0.500000\n", string(labels))

	img, err := imaging.Open(filepath.Join(dir, "images", "val", "50.jpg"))
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())

	manifest, err := ReadManifest(result.Manifest)
	require.NoError(t, err)
	assert.Equal(t, result.Dir, manifest.Path)
	assert.Equal(t, "images/val", manifest.Val)
	assert.Equal(t, 2, manifest.NC)
	assert.Equal(t, []string{"nevus", "melanoma"}, manifest.Names)

	records, err := ReadRecords(filepath.Join(dir, RecordsFile))
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, "img-1.png", records[0].Object)
}

func TestExport_SkipsUnusableRecords(t *testing.T) {
	source, store := newFixture(t, 3)
	source.feedback[0].Corrections = []model.BoundingBox{}
	require.NoError(t, store.Put(context.Background(),
		blob.Key{Bucket: "skinimages", Object: "img-2.png"}, []byte("not an image"), ""))

	result, err := NewExporter(source, store, nil).Export(context.Background(), t.TempDir(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, 0, result.Train)
	assert.Equal(t, 1, result.Val)
	assert.Equal(t, []int64{30}, result.FeedbackIDs)
	assert.Equal(t, []string{"melanoma"}, result.Classes, "classes derived from labels")
}

func TestExport_SingleRecordValidatesOnTrainingImages(t *testing.T) {
	source, store := newFixture(t, 1)

	result, err := NewExporter(source, store, nil).Export(context.Background(), t.TempDir(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Train)

	manifest, err := ReadManifest(result.Manifest)
	require.NoError(t, err)
	assert.Equal(t, "images/train", manifest.Val)
}

func TestExport_NoTrainingData(t *testing.T) {
	source, store := newFixture(t, 0)
	_, err := NewExporter(source, store, nil).Export(context.Background(), t.TempDir(), Options{})
	assert.ErrorIs(t, err, common.ErrNoTrainingData)

	source, store = newFixture(t, 1)
	source.feedback[0].Corrections = nil
	_, err = NewExporter(source, store, nil).Export(context.Background(), t.TempDir(), Options{})
	assert.ErrorIs(t, err, common.ErrNoTrainingData)
}

func TestManifestYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), ManifestFile)
	require.NoError(t, writeManifest(path, Manifest{Path: "/data", Train: "images/train", Val: "images/val", NC: 1, Names: []string{"lesion"}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "names:\n    - lesion"), string(data))
	assert.Contains(t, string(data), "nc: 1")
}
