package main

import (
	"fmt"

	"github.com/Veraticus/derma-loop/internal/cli"
	"github.com/Veraticus/derma-loop/internal/engine"
	"github.com/Veraticus/derma-loop/internal/model"
	"github.com/Veraticus/derma-loop/internal/service"
	"github.com/Veraticus/derma-loop/internal/tui"
	"github.com/spf13/cobra"
)

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Work through feedback that needs review",
		Example: `  # Newest pending cases
  derma review list --status pending

  # Accept a case with a note
  derma review resolve 42 --notes "border confirmed"

  # Walk the pending queue one case at a time
  derma review resolve --interactive

  # Browse the queue in a full-screen UI
  derma review browse`,
	}

	cmd.AddCommand(listReviewCmd())
	cmd.AddCommand(showReviewCmd())
	cmd.AddCommand(resolveReviewCmd())
	cmd.AddCommand(browseReviewCmd())
	return cmd
}

// reviewFilterFlags registers the queue filter flags shared by list and browse.
func reviewFilterFlags(cmd *cobra.Command, status, sort *string, pageSize *int, defaultStatus model.FeedbackStatus) {
	cmd.Flags().StringVar(status, "status", string(defaultStatus), "filter by status (pending, reviewed)")
	cmd.Flags().StringVar(sort, "sort", string(service.SortNewest), "order by submission time (newest, oldest)")
	cmd.Flags().IntVar(pageSize, "page-size", service.DefaultPageSize, "items per page")
}

func buildFilter(status, sort string, page, pageSize int) (service.ReviewFilter, error) {
	filter := service.ReviewFilter{
		Status:   model.FeedbackStatus(status),
		Sort:     service.ReviewSort(sort),
		Page:     page,
		PageSize: pageSize,
	}
	if status != "" && !filter.Status.Valid() {
		return filter, fmt.Errorf("unknown status %q, use pending or reviewed", status)
	}
	if sort != string(service.SortNewest) && sort != string(service.SortOldest) {
		return filter, fmt.Errorf("unknown sort %q, use newest or oldest", sort)
	}
	return filter.Normalize(), nil
}

func listReviewCmd() *cobra.Command {
	var (
		status   string
		sort     string
		page     int
		pageSize int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List feedback flagged for review",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := buildFilter(status, sort, page, pageSize)
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

			result, err := eng.ReviewQueue(ctx, filter)
			if err != nil {
				return err
			}
			return cli.WriteReviewPage(cmd.OutOrStdout(), result)
		},
	}

	reviewFilterFlags(cmd, &status, &sort, &pageSize, "")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	return cmd
}

func showReviewCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show <feedback-id>",
		Short: "Show one review case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showFeedback(cmd, args[0], format)
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "output format (text, json)")
	return cmd
}

func resolveReviewCmd() *cobra.Command {
	var (
		correctionsPath string
		notes           string
		status          string
		interactive     bool
	)

	cmd := &cobra.Command{
		Use:   "resolve [feedback-id]",
		Short: "Record a reviewer's resolution",
		Long: `Replace the corrections and notes of a feedback record and mark it reviewed.
Without --corrections the stored corrections are kept. With --interactive every
pending case is shown in turn.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !interactive && len(args) == 0 {
				return fmt.Errorf("feedback id is required unless --interactive is set")
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

			if interactive {
				handler := cli.NewInterruptHandler(cmd.OutOrStdout(), "Review interrupted!", "Unresolved cases stay in the queue.")
				ctx, stop := handler.HandleInterrupts(ctx)
				defer stop()

				_, err := cli.NewReviewPrompter(eng, cmd.InOrStdin(), cmd.OutOrStdout()).Run(ctx)
				if handler.WasInterrupted() {
					return nil
				}
				return err
			}

			id, err := parseID(args[0], "feedback id")
			if err != nil {
				return err
			}

			update := engine.ReviewUpdate{Notes: notes, Status: model.FeedbackStatus(status)}
			if correctionsPath != "" {
				update.Corrections, err = readBoxes(correctionsPath, model.SetCorrection)
				if err != nil {
					return err
				}
			} else {
				current, err := a.storage.GetFeedback(ctx, id)
				if err != nil {
					return err
				}
				update.Corrections = current.Corrections
				if !cmd.Flags().Changed("notes") {
					update.Notes = current.ReviewNotes
				}
			}

			feedback, err := eng.SubmitReview(ctx, id, update)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf(
				"Feedback %d is %s with %d corrections", feedback.ID, feedback.Status, len(feedback.Corrections))))
			return nil
		},
	}

	cmd.Flags().StringVarP(&correctionsPath, "corrections", "c", "", "JSON file with the final boxes")
	cmd.Flags().StringVar(&notes, "notes", "", "reviewer notes")
	cmd.Flags().StringVar(&status, "status", string(model.FeedbackReviewed), "new status (reviewed, pending)")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "walk the pending queue")
	return cmd
}

func browseReviewCmd() *cobra.Command {
	var (
		status   string
		sort     string
		pageSize int
	)

	cmd := &cobra.Command{
		Use:   "browse",
		Short: "Browse and accept review cases in a full-screen UI",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := buildFilter(status, sort, 1, pageSize)
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
			return tui.Run(ctx, eng, tui.WithFilter(filter))
		},
	}

	reviewFilterFlags(cmd, &status, &sort, &pageSize, model.FeedbackPending)
	return cmd
}
