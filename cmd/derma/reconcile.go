package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/Veraticus/derma-loop/internal/cli"
	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/Veraticus/derma-loop/internal/review"
	"github.com/spf13/cobra"
)

func reconcileCmd() *cobra.Command {
	var (
		detectionsPath  string
		correctionsPath string
		format          string
		threshold       float64
		confidence      float64
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare detector boxes with corrected boxes",
		Long: `Match two JSON arrays of boxes ({"xmin","ymin","xmax","ymax","name","confidence"})
and report matches, significant differences, missed detections, false positives,
label changes and removed high-confidence detections.`,
		Example: `  derma reconcile --detections ai.json --corrections reviewer.json
  derma reconcile -d ai.json -c reviewer.json --format text`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := reviewOptions(appConfig.Review)
			if cmd.Flags().Changed("threshold") {
				opts.Threshold = threshold
			}
			if cmd.Flags().Changed("confidence-threshold") {
				opts.ConfidenceThreshold = confidence
			}
			return runReconcile(cmd.OutOrStdout(), detectionsPath, correctionsPath, format, opts)
		},
	}

	cmd.Flags().StringVarP(&detectionsPath, "detections", "d", "", "JSON file with detector boxes")
	cmd.Flags().StringVarP(&correctionsPath, "corrections", "c", "", "JSON file with corrected boxes")
	cmd.Flags().StringVar(&format, "format", "json", "output format (json, text)")
	cmd.Flags().Float64Var(&threshold, "threshold", review.DefaultOptions().Threshold, "CIoU below which a match is a significant difference")
	cmd.Flags().Float64Var(&confidence, "confidence-threshold", review.DefaultOptions().ConfidenceThreshold, "confidence at which a removed detection needs review")
	_ = cmd.MarkFlagRequired("detections")
	_ = cmd.MarkFlagRequired("corrections")

	return cmd
}

func runReconcile(w io.Writer, detectionsPath, correctionsPath, format string, opts review.Options) error {
	detections, err := readBoxes(detectionsPath, model.SetDetection)
	if err != nil {
		return err
	}
	corrections, err := readBoxes(correctionsPath, model.SetCorrection)
	if err != nil {
		return err
	}

	rec, err := review.Evaluate(detections, corrections, opts)
	if err != nil {
		return err
	}

	switch format {
	case "text":
		return cli.WriteReconciliation(w, rec)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	default:
		return common.NewUserError(fmt.Sprintf("unknown format %q, use json or text", format), nil)
	}
}

// readBoxes loads a JSON array of boxes from path.
func readBoxes(path, set string) ([]model.BoundingBox, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is supplied by the user
	if err != nil {
		return nil, fmt.Errorf("failed to read %s boxes: %w", set, err)
	}
	boxes, err := model.ParseBoxes(data, set)
	if err != nil {
		return nil, common.NewUserError(fmt.Sprintf("%s is not a valid %s set", path, set), err)
	}
	return boxes, nil
}
