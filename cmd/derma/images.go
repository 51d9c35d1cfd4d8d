package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Veraticus/derma-loop/internal/cli"
	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/spf13/cobra"
)

func imagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "images",
		Short: "Register and list lesion images",
	}
	cmd.AddCommand(addImagesCmd())
	cmd.AddCommand(listImagesCmd())
	return cmd
}

func addImagesCmd() *cobra.Command {
	var analyze bool

	cmd := &cobra.Command{
		Use:   "add <file>...",
		Short: "Upload images to the blob store and register them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			eng, err := a.withEngine(ctx, analyze)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, path := range args {
				data, err := os.ReadFile(path) // #nosec G304 - paths are supplied by the user
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}

				image, err := eng.RegisterImage(ctx, filepath.Base(path), data)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Registered %s as image %d (%s)", path, image.ID, image.StoragePath())))

				if !analyze {
					continue
				}
				analysis, err := eng.AnalyzeImage(ctx, image.ID)
				if err != nil {
					fmt.Fprintln(out, cli.FormatError(fmt.Sprintf("Analysis of image %d failed: %v", image.ID, err)))
					continue
				}
				fmt.Fprintln(out, cli.FormatInfo(fmt.Sprintf("Analysis %d: %d detections", analysis.ID, len(analysis.Predictions))))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&analyze, "analyze", false, "run the detector on each image after upload")
	return cmd
}

func listImagesCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered images, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			images, err := a.storage.ListImages(ctx, limit)
			if err != nil {
				return err
			}
			return cli.WriteImages(cmd.OutOrStdout(), images)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of images (0 for all)")
	return cmd
}

func analyzeCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "analyze <image-id>",
		Short: "Run the detector on a registered image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			imageID, err := parseID(args[0], "image id")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			eng, err := a.withEngine(ctx, true)
			if err != nil {
				return err
			}

			analysis, err := eng.AnalyzeImage(ctx, imageID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if format == "json" {
				return writeJSON(out, analysis)
			}
			fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Analysis %d of image %d", analysis.ID, imageID)))
			for _, b := range analysis.Predictions {
				fmt.Fprintf(out, "  %s\n", cli.FormatBox(b))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "output format (text, json)")
	return cmd
}

func parseID(s, name string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, common.NewUserError(fmt.Sprintf("%s must be a positive integer, got %q", name, s), err)
	}
	return id, nil
}
