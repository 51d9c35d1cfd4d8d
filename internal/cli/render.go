package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Veraticus/derma-loop/internal/engine"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/Veraticus/derma-loop/internal/service"
)

const timeLayout = "2006-01-02 15:04"

// printer remembers the first write error so tables can be written
// without checking every line.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *printer) println(s string) {
	p.printf("%s\n", s)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func flush(tw *tabwriter.Writer, p *printer) error {
	if p.err != nil {
		return p.err
	}
	return tw.Flush()
}

// FormatBox renders a box as "label [xmin,ymin → xmax,ymax] conf".
func FormatBox(b model.BoundingBox) string {
	label := b.Label
	if label == "" {
		label = "lesion"
	}
	s := fmt.Sprintf("%s [%.0f,%.0f → %.0f,%.0f]", label, b.XMin, b.YMin, b.XMax, b.YMax)
	if b.Confidence != nil {
		s += fmt.Sprintf(" %.2f", *b.Confidence)
	}
	return s
}

// WriteSummary prints the counts of a reconciliation.
func WriteSummary(w io.Writer, s model.Summary) error {
	tw := newTable(w)
	p := &printer{w: tw}
	p.printf("Detections:\t%d\n", s.AIPredictionCount)
	p.printf("Corrections:\t%d\n", s.FeedbackPredictionCount)
	p.printf("Matches:\t%d\n", s.MatchCount)
	p.printf("Significant differences:\t%d\n", s.SignificantDifferenceCount)
	p.printf("Missed detections:\t%d\n", s.MissedDetectionCount)
	p.printf("False positives:\t%d\n", s.FalsePositiveCount)
	p.printf("Classification differences:\t%d\n", s.ClassificationDifferenceCount)
	p.printf("High-confidence removals:\t%d\n", s.HighConfidenceRemovalCount)
	return flush(tw, p)
}

// WriteReconciliation prints the summary followed by every finding.
func WriteReconciliation(w io.Writer, rec *model.Reconciliation) error {
	p := &printer{w: w}
	verdict := FormatSuccess("No review needed")
	if rec.NeedsReview {
		verdict = FormatWarning("Needs review: " + rec.Summary.ReviewReason())
	}
	p.println(verdict)
	p.println("")
	if p.err != nil {
		return p.err
	}
	if err := WriteSummary(w, rec.Summary); err != nil {
		return err
	}

	if len(rec.Matches) > 0 {
		tw := newTable(w)
		tp := &printer{w: tw}
		tp.printf("\nDETECTION\tCORRECTION\tIOU\tCIOU\n")
		for _, m := range rec.Matches {
			tp.printf("%s\t%s\t%.3f\t%.3f\n", FormatBox(m.Detection), FormatBox(m.Correction), m.Score.IoU, m.Score.CIoU)
		}
		if err := flush(tw, tp); err != nil {
			return err
		}
	}

	writeBoxes(p, "Missed detections", rec.MissedDetections)
	writeBoxes(p, "False positives", rec.FalsePositives)
	for _, d := range rec.ClassificationDifferences {
		p.printf("Label changed: %s → %s\n", d.DetectionLabel, d.CorrectionLabel)
	}
	for _, r := range rec.HighConfidenceRemovals {
		p.printf("Removed confident detection: %s\n", FormatBox(r.Detection))
	}
	return p.err
}

func writeBoxes(p *printer, title string, boxes []model.BoundingBox) {
	if len(boxes) == 0 {
		return
	}
	p.printf("\n%s:\n", title)
	for _, b := range boxes {
		p.printf("  %s\n", FormatBox(b))
	}
}

// WriteReviewPage prints one page of the review queue.
func WriteReviewPage(w io.Writer, page *service.ReviewPage) error {
	if len(page.Items) == 0 {
		_, err := fmt.Fprintln(w, FormatSuccess("Review queue is empty"))
		return err
	}

	tw := newTable(w)
	p := &printer{w: tw}
	p.printf("ID\tIMAGE\tSTATUS\tGIVEN\tREASON\n")
	for _, f := range page.Items {
		p.printf("%d\t%d\t%s\t%s\t%s\n", f.ID, f.ImageID, f.Status, f.GivenAt.Local().Format(timeLayout), f.ReviewReason())
	}
	if err := flush(tw, p); err != nil {
		return err
	}

	_, err := fmt.Fprintln(w, SubtleStyle.Render(fmt.Sprintf(
		"\nPage %d of %d (%d items)", page.Page, page.TotalPages, page.TotalItems)))
	return err
}

// WriteReviewDetail prints a feedback record with its image and analysis.
func WriteReviewDetail(w io.Writer, detail *engine.ReviewDetail) error {
	f := detail.Feedback
	p := &printer{w: w}

	p.println(FormatTitle(fmt.Sprintf("Feedback %d", f.ID)))
	p.printf("Image:     %d (%s)\n", detail.Image.ID, detail.Image.OriginalFilename)
	p.printf("Stored at: %s\n", detail.Image.StoragePath())
	p.printf("Status:    %s\n", f.Status)
	p.printf("Given:     %s\n", f.GivenAt.Local().Format(timeLayout))
	if f.ReviewedAt != nil {
		p.printf("Reviewed:  %s\n", f.ReviewedAt.Local().Format(timeLayout))
	}
	if f.NeedsReview {
		p.printf("Reason:    %s\n", f.ReviewReason())
	}
	if f.Text != "" {
		p.printf("Comment:   %s\n", f.Text)
	}
	if f.ReviewNotes != "" {
		p.printf("Notes:     %s\n", f.ReviewNotes)
	}
	if detail.Analysis != nil {
		writeBoxes(p, fmt.Sprintf("Detections (analysis %d)", detail.Analysis.ID), detail.Analysis.Predictions)
	}
	writeBoxes(p, "Corrections", f.Corrections)
	if p.err != nil {
		return p.err
	}

	if f.Comparison != nil {
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
		return WriteReconciliation(w, f.Comparison)
	}
	return nil
}

// WriteImages prints registered images.
func WriteImages(w io.Writer, images []model.Image) error {
	tw := newTable(w)
	p := &printer{w: tw}
	p.printf("ID\tFILENAME\tOBJECT\tREGISTERED\n")
	for _, img := range images {
		p.printf("%d\t%s\t%s\t%s\n", img.ID, img.OriginalFilename, img.StoragePath(), img.ProcessedAt.Local().Format(timeLayout))
	}
	return flush(tw, p)
}

// WriteRuns prints training runs, newest first as given.
func WriteRuns(w io.Writer, runs []model.TrainingRun) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, FormatInfo("No training runs yet"))
		return err
	}

	tw := newTable(w)
	p := &printer{w: tw}
	p.printf("ID\tSTARTED\tSTATUS\tFEEDBACK\tTRAIN/VAL\tDURATION\tMETRICS\n")
	for _, r := range runs {
		p.printf("%d\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			r.ID,
			r.StartedAt.Local().Format(timeLayout),
			statusText(r.Status),
			r.FeedbackCount,
			r.TrainCount, r.ValCount,
			r.Duration().Round(time.Second),
			formatMetrics(r.Metrics))
	}
	return flush(tw, p)
}

func statusText(s model.TrainingRunStatus) string {
	switch s {
	case model.RunSucceeded:
		return SuccessIcon + " " + string(s)
	case model.RunFailed:
		return ErrorIcon + " " + string(s)
	default:
		return string(s)
	}
}

func formatMetrics(metrics map[string]float64) string {
	if len(metrics) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%.3f", k, metrics[k]))
	}
	return strings.Join(parts, " ")
}
