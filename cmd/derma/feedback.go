package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/Veraticus/derma-loop/internal/cli"
	"github.com/Veraticus/derma-loop/internal/engine"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/spf13/cobra"
)

func feedbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Submit and inspect reviewer corrections",
	}
	cmd.AddCommand(submitFeedbackCmd())
	cmd.AddCommand(showFeedbackCmd())
	return cmd
}

func submitFeedbackCmd() *cobra.Command {
	var (
		imageID         int64
		analysisID      int64
		text            string
		correctionsPath string
		format          string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Reconcile corrected boxes with the latest analysis and store the feedback",
		Example: `  derma feedback submit --image 12 --corrections fixed.json --text "missed a nevus"
  derma feedback submit --image 12 --analysis 40 --corrections fixed.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			corrections := []model.BoundingBox{}
			if correctionsPath != "" {
				parsed, err := readBoxes(correctionsPath, model.SetCorrection)
				if err != nil {
					return err
				}
				corrections = parsed
			}

			sub := engine.Submission{ImageID: imageID, Text: text, Corrections: corrections}
			if cmd.Flags().Changed("analysis") {
				sub.AnalysisID = &analysisID
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			eng, err := a.withEngine(ctx, false)
			if err != nil {
				return err
			}

			outcome, err := eng.ProcessFeedback(ctx, sub)
			if err != nil {
				return err
			}
			return writeOutcome(cmd.OutOrStdout(), outcome, format)
		},
	}

	cmd.Flags().Int64Var(&imageID, "image", 0, "image id")
	cmd.Flags().Int64Var(&analysisID, "analysis", 0, "analysis id (default: latest analysis of the image)")
	cmd.Flags().StringVar(&text, "text", "", "free-text comment")
	cmd.Flags().StringVarP(&correctionsPath, "corrections", "c", "", "JSON file with corrected boxes (empty set when omitted)")
	cmd.Flags().StringVar(&format, "format", "text", "output format (text, json)")
	_ = cmd.MarkFlagRequired("image")

	return cmd
}

func writeOutcome(w io.Writer, outcome *engine.Outcome, format string) error {
	if format == "json" {
		return writeJSON(w, engine.FeedbackResult{
			FeedbackID:     outcome.Feedback.ID,
			NeedsReview:    outcome.NeedsReview,
			ReconcileError: outcome.ReconcileError,
			Summary:        outcome.Summary,
		})
	}

	fmt.Fprintln(w, cli.FormatSuccess(fmt.Sprintf("Stored feedback %d", outcome.Feedback.ID)))
	if outcome.ReconcileError != "" {
		fmt.Fprintln(w, cli.FormatWarning("Reconciliation failed, queued for review: "+outcome.ReconcileError))
		return nil
	}
	if outcome.NeedsReview {
		fmt.Fprintln(w, cli.FormatWarning("Queued for review: "+outcome.Feedback.ReviewReason()))
	}
	if outcome.Summary != nil {
		return cli.WriteSummary(w, *outcome.Summary)
	}
	return nil
}

func showFeedbackCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show <feedback-id>",
		Short: "Show a feedback record with its image and analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showFeedback(cmd, args[0], format)
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "output format (text, json)")
	return cmd
}

func showFeedback(cmd *cobra.Command, arg, format string) error {
	id, err := parseID(arg, "feedback id")
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	eng, err := a.withEngine(ctx, false)
	if err != nil {
		return err
	}

	detail, err := eng.ReviewDetail(ctx, id)
	if err != nil {
		return err
	}
	if format == "json" {
		return writeJSON(cmd.OutOrStdout(), detail)
	}
	return cli.WriteReviewDetail(cmd.OutOrStdout(), detail)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
