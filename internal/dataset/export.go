package dataset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Veraticus/derma-loop/internal/blob"
	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/disintegration/imaging"
	"gopkg.in/yaml.v3"
)

// Dataset layout inside the export directory.
const (
	RecordsFile  = "raw/feedback_images.json"
	ManifestFile = "data.yaml"
	splitTrain   = "train"
	splitVal     = "val"
)

// DefaultSplitRatio is the share of records used for training.
const DefaultSplitRatio = 0.8

// Source provides reviewed feedback and the images it refers to.
type Source interface {
	GetTrainableFeedback(ctx context.Context) ([]model.Feedback, error)
	GetImage(ctx context.Context, id int64) (*model.Image, error)
}

// Progress is advanced once per processed record.
type Progress interface {
	Add(n int) error
}

// Record is one collected feedback row as written to RecordsFile.
type Record struct {
	Bucket           string               `json:"bucket_name"`
	Object           string               `json:"object_name"`
	OriginalFilename string               `json:"original_filename"`
	Status           model.FeedbackStatus `json:"status"`
	Corrections      []model.BoundingBox  `json:"feedback_data"`
	ID               int64                `json:"id"`
	ImageID          int64                `json:"preprocessed_image_id"`
	Retrained        bool                 `json:"retrained"`
}

// Options configures an export.
type Options struct {
	Progress   Progress
	Classes    []string
	SplitRatio float64
}

// Result summarizes an export.
type Result struct {
	Dir         string
	Manifest    string
	Classes     []string
	FeedbackIDs []int64 // records that made it into the dataset
	Train       int
	Val         int
	Skipped     int
}

// Total is the number of exported images.
func (r Result) Total() int {
	return r.Train + r.Val
}

// Manifest is the data.yaml read by the trainer.
type Manifest struct {
	Path  string   `yaml:"path"`
	Train string   `yaml:"train"`
	Val   string   `yaml:"val"`
	Names []string `yaml:"names"`
	NC    int      `yaml:"nc"`
}

// Exporter writes datasets from a Source and a blob store.
type Exporter struct {
	source Source
	blobs  blob.Store
	logger *slog.Logger
}

// NewExporter creates an exporter.
func NewExporter(source Source, blobs blob.Store, logger *slog.Logger) *Exporter {
	return &Exporter{source: source, blobs: blobs, logger: common.OrDefault(logger)}
}

// Collect gathers reviewed feedback that was not used for training yet.
// It returns common.ErrNoTrainingData when there is none.
func (e *Exporter) Collect(ctx context.Context) ([]Record, error) {
	feedback, err := e.source.GetTrainableFeedback(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load trainable feedback: %w", err)
	}
	if len(feedback) == 0 {
		return nil, common.ErrNoTrainingData
	}

	records := make([]Record, 0, len(feedback))
	for _, f := range feedback {
		image, err := e.source.GetImage(ctx, f.ImageID)
		if err != nil {
			return nil, fmt.Errorf("failed to load image for feedback %d: %w", f.ID, err)
		}
		records = append(records, Record{
			ID:               f.ID,
			ImageID:          image.ID,
			Bucket:           image.Bucket,
			Object:           image.Object,
			OriginalFilename: image.OriginalFilename,
			Corrections:      f.Corrections,
			Status:           f.Status,
			Retrained:        f.Retrained,
		})
	}

	e.logger.Info("collected training data", "records", len(records))
	return records, nil
}

// Export collects trainable feedback and writes a YOLO dataset to dir:
// images/{train,val}, labels/{train,val}, the collected records and a
// data.yaml manifest. Records without corrections or with unreadable
// images are skipped.
func (e *Exporter) Export(ctx context.Context, dir string, opts Options) (*Result, error) {
	records, err := e.Collect(ctx)
	if err != nil {
		return nil, err
	}
	return e.Write(ctx, dir, records, opts)
}

// Write lays out records as a YOLO dataset in dir.
func (e *Exporter) Write(ctx context.Context, dir string, records []Record, opts Options) (*Result, error) {
	if opts.SplitRatio <= 0 || opts.SplitRatio > 1 {
		opts.SplitRatio = DefaultSplitRatio
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve dataset dir: %w", err)
	}

	for _, sub := range []string{"raw", "images/train", "images/val", "labels/train", "labels/val"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0750); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", sub, err)
		}
	}
	if err := WriteRecords(filepath.Join(dir, RecordsFile), records); err != nil {
		return nil, err
	}

	sorted := append([]Record(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	usable := make([]Record, 0, len(sorted))
	result := &Result{Dir: dir, Classes: classNames(opts.Classes, sorted)}
	for _, r := range sorted {
		if len(r.Corrections) == 0 {
			e.logger.Warn("no corrections for feedback, skipping", "feedback_id", r.ID)
			result.Skipped++
			e.advance(opts.Progress)
			continue
		}
		usable = append(usable, r)
	}

	trainCount := Split(len(usable), opts.SplitRatio)
	for i, r := range usable {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		split := splitTrain
		if i >= trainCount {
			split = splitVal
		}

		if err := e.writeSample(ctx, dir, split, r, result.Classes); err != nil {
			e.logger.Warn("failed to export feedback, skipping", "feedback_id", r.ID, "error", err)
			result.Skipped++
			e.advance(opts.Progress)
			continue
		}

		if split == splitTrain {
			result.Train++
		} else {
			result.Val++
		}
		result.FeedbackIDs = append(result.FeedbackIDs, r.ID)
		e.advance(opts.Progress)
	}

	if result.Total() == 0 {
		return nil, fmt.Errorf("%w: none of %d records could be exported", common.ErrNoTrainingData, len(records))
	}

	manifest := Manifest{
		Path:  dir,
		Train: "images/train",
		Val:   "images/val",
		NC:    len(result.Classes),
		Names: result.Classes,
	}
	if result.Val == 0 {
		manifest.Val = manifest.Train
	}
	result.Manifest = filepath.Join(dir, ManifestFile)
	if err := writeManifest(result.Manifest, manifest); err != nil {
		return nil, err
	}

	e.logger.Info("exported dataset",
		"dir", dir,
		"train", result.Train,
		"val", result.Val,
		"skipped", result.Skipped,
		"classes", result.Classes)
	return result, nil
}

func (e *Exporter) advance(p Progress) {
	if p != nil {
		_ = p.Add(1)
	}
}

// writeSample stores the oriented image as JPEG and its label file.
func (e *Exporter) writeSample(ctx context.Context, dir, split string, r Record, classes []string) error {
	data, err := e.blobs.Get(ctx, blob.Key{Bucket: r.Bucket, Object: r.Object})
	if err != nil {
		return err
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("failed to decode image %s/%s: %w", r.Bucket, r.Object, err)
	}
	bounds := img.Bounds()

	lines := make([]string, 0, len(r.Corrections))
	for _, box := range r.Corrections {
		label, err := ToYOLO(box, bounds.Dx(), bounds.Dy(), ClassID(box, classes))
		if err != nil {
			return err
		}
		lines = append(lines, label.String())
	}

	name := fmt.Sprintf("%d", r.ID)
	if err := imaging.Save(img, filepath.Join(dir, "images", split, name+".jpg"), imaging.JPEGQuality(95)); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	labelPath := filepath.Join(dir, "labels", split, name+".txt")
	if err := os.WriteFile(labelPath, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write labels: %w", err)
	}
	return nil
}

// classNames returns the configured classes, or the sorted distinct labels
// of records when none are configured.
func classNames(configured []string, records []Record) []string {
	if len(configured) > 0 {
		return append([]string(nil), configured...)
	}

	seen := make(map[string]bool)
	var names []string
	for _, r := range records {
		for _, box := range r.Corrections {
			name := strings.ToLower(strings.TrimSpace(box.Label))
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		names = []string{"lesion"}
	}
	return names
}

// WriteRecords writes records as indented JSON.
func WriteRecords(path string, records []Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create records directory: %w", err)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}
	return nil
}

// ReadRecords loads records written by WriteRecords.
func ReadRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is the dataset directory chosen by the user
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	return records, nil
}

func writeManifest(path string, m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a data.yaml.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is the dataset directory chosen by the user
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}
