package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Veraticus/derma-loop/internal/cli"
	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/dataset"
	"github.com/spf13/cobra"
)

func exportCmd() *cobra.Command {
	var (
		dir        string
		splitRatio float64
		classes    []string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write reviewed feedback as a YOLO dataset",
		Long: `Collect reviewed feedback that has not been used for training, convert the
corrected boxes to YOLO labels and write images/, labels/, raw/ and data.yaml.
Feedback is not marked retrained; use "derma retrain" for that.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.withEngine(ctx, false); err != nil {
				return err
			}

			if dir == "" {
				dir = filepath.Join(a.cfg.Training.DatasetDir, "export_"+time.Now().Format("20060102_150405"))
			}
			if !cmd.Flags().Changed("split-ratio") {
				splitRatio = a.cfg.Training.SplitRatio
			}
			if !cmd.Flags().Changed("classes") {
				classes = a.cfg.Training.Classes
			}

			exporter := dataset.NewExporter(a.storage, a.blobs, a.logger)
			records, err := exporter.Collect(ctx)
			if errors.Is(err, common.ErrNoTrainingData) {
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo("No reviewed feedback is waiting for training"))
				return nil
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			bar := cli.NewProgressBar(out, len(records), "Exporting feedback...")
			result, err := exporter.Write(ctx, dir, records, dataset.Options{
				Progress:   bar,
				Classes:    classes,
				SplitRatio: splitRatio,
			})
			if err != nil {
				return err
			}

			summary := fmt.Sprintf("  • Train images: %d\n  • Val images: %d\n  • Skipped: %d\n  • Classes: %v\n  • Manifest: %s",
				result.Train, result.Val, result.Skipped, result.Classes, result.Manifest)
			fmt.Fprintln(out, cli.RenderBox(cli.ChartIcon+" Dataset exported", summary))
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "o", "", "output directory (default: a new directory under training.dataset_dir)")
	cmd.Flags().Float64Var(&splitRatio, "split-ratio", dataset.DefaultSplitRatio, "fraction of images used for training")
	cmd.Flags().StringSliceVar(&classes, "classes", nil, "class names in id order")
	return cmd
}
