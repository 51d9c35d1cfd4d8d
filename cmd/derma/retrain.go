package main

import (
	"errors"
	"fmt"
	"slices"

	"github.com/Veraticus/derma-loop/internal/cli"
	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/Veraticus/derma-loop/internal/tracking"
	"github.com/spf13/cobra"
)

func retrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retrain",
		Short: "Export reviewed feedback, run the training command and record the run",
		Long: `Snapshot the database, export reviewed feedback as a YOLO dataset, run
training.command with training.args ({data}, {output} and {name} are replaced),
collect artifacts matching training.artifact_glob and report the run to the
tracking backend. Feedback is marked retrained only when the run succeeds.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			retrainer, err := a.newRetrainer(ctx)
			if err != nil {
				return err
			}

			handler := cli.NewInterruptHandler(cmd.ErrOrStderr(), "Training interrupted!", "Feedback stays trainable for the next run.")
			ctx, stop := handler.HandleInterrupts(ctx)
			defer stop()

			out := cmd.OutOrStdout()
			run, err := retrainer.Retrain(ctx)
			if errors.Is(err, common.ErrNoTrainingData) {
				fmt.Fprintln(out, cli.FormatInfo("No reviewed feedback is waiting for training"))
				return nil
			}
			if run != nil {
				if werr := cli.WriteRuns(out, []model.TrainingRun{*run}); werr != nil {
					return errors.Join(err, werr)
				}
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("Run %d succeeded with %d artifacts", run.ID, len(run.Artifacts))))
			return nil
		},
	}
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect training runs",
	}

	var (
		limit   int
		tracked bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List training runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tracked {
				if appConfig.Tracking.File == "" {
					return common.NewUserError("tracking.file is not set", nil)
				}
				runs, err := tracking.ReadRuns(appConfig.Tracking.File)
				if err != nil {
					return fmt.Errorf("failed to read tracked runs: %w", err)
				}
				slices.Reverse(runs)
				if limit > 0 && len(runs) > limit {
					runs = runs[:limit]
				}
				return cli.WriteRuns(cmd.OutOrStdout(), runs)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.storage.ListTrainingRuns(ctx, limit)
			if err != nil {
				return err
			}
			return cli.WriteRuns(cmd.OutOrStdout(), runs)
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs (0 for all)")
	list.Flags().BoolVar(&tracked, "tracked", false, "read runs from the tracking.file log instead of the database")

	cmd.AddCommand(list)
	return cmd
}
