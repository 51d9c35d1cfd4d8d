package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Veraticus/derma-loop/internal/cli"
	"github.com/Veraticus/derma-loop/internal/storage"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage database checkpoints",
		Long: `Create, list, restore, and delete database checkpoints.

Retraining takes an automatic checkpoint before it exports a dataset, so a
bad run can be rolled back together with the feedback it consumed.`,
		Example: `  # Snapshot before a bulk review session
  derma checkpoint create --tag pre-review

  # List all checkpoints
  derma checkpoint list

  # Roll back
  derma checkpoint restore pre-review`,
	}

	cmd.AddCommand(createCheckpointCmd())
	cmd.AddCommand(listCheckpointsCmd())
	cmd.AddCommand(restoreCheckpointCmd())
	cmd.AddCommand(deleteCheckpointCmd())

	return cmd
}

// withCheckpoints opens the database and hands fn a checkpoint manager.
func withCheckpoints(ctx context.Context, fn func(*storage.CheckpointManager) error) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	manager, err := a.storage.NewCheckpointManager()
	if err != nil {
		return fmt.Errorf("failed to create checkpoint manager: %w", err)
	}
	return fn(manager)
}

func createCheckpointCmd() *cobra.Command {
	var tag string
	var description string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new checkpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCheckpoints(cmd.Context(), func(manager *storage.CheckpointManager) error {
				info, err := manager.Create(cmd.Context(), tag, description)
				if err != nil {
					return fmt.Errorf("failed to create checkpoint: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s Created checkpoint %s (%s)\n",
					cli.SuccessStyle.Render(cli.SuccessIcon),
					cli.InfoStyle.Render(info.ID),
					formatFileSize(info.FileSize))
				if info.Description != "" {
					fmt.Fprintf(out, "  Description: %s\n", info.Description)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&tag, "tag", "t", "", "checkpoint name (generated when empty)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "description of the checkpoint")

	return cmd
}

func listCheckpointsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all checkpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCheckpoints(cmd.Context(), func(manager *storage.CheckpointManager) error {
				checkpoints, err := manager.List(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to list checkpoints: %w", err)
				}
				return writeCheckpoints(cmd.OutOrStdout(), checkpoints, time.Now())
			})
		},
	}
}

func writeCheckpoints(out io.Writer, checkpoints []storage.CheckpointInfo, now time.Time) error {
	if len(checkpoints) == 0 {
		fmt.Fprintln(out, cli.SubtleStyle.Render("No checkpoints found."))
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("4"))
	fmt.Fprintln(w, strings.Join([]string{
		headerStyle.Render("NAME"),
		headerStyle.Render("CREATED"),
		headerStyle.Render("SIZE"),
		headerStyle.Render("IMAGES"),
		headerStyle.Render("FEEDBACK"),
		headerStyle.Render("RUNS"),
		headerStyle.Render("TYPE"),
	}, "\t"))

	for _, cp := range checkpoints {
		typeLabel := "manual"
		if cp.IsAuto {
			typeLabel = "auto"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			cli.InfoStyle.Render(cp.ID),
			formatRelativeTime(cp.CreatedAt, now),
			formatFileSize(cp.FileSize),
			cp.Images,
			cp.Feedback,
			cp.TrainingRuns,
			cli.SubtleStyle.Render(typeLabel),
		)
	}
	return w.Flush()
}

func restoreCheckpointCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <checkpoint-id>",
		Short: "Restore database from a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			checkpointID := args[0]
			out := cmd.OutOrStdout()

			return withCheckpoints(cmd.Context(), func(manager *storage.CheckpointManager) error {
				info, err := manager.GetCheckpointInfo(cmd.Context(), checkpointID)
				if err != nil {
					return fmt.Errorf("failed to get checkpoint info: %w", err)
				}

				if !force {
					fmt.Fprintf(out, "%s This will replace your current database with checkpoint %s.\n",
						cli.WarningStyle.Render(cli.WarningIcon),
						cli.InfoStyle.Render(checkpointID))
					fmt.Fprintf(out, "  Created: %s\n", info.CreatedAt.Format("2006-01-02 15:04:05"))
					if info.Description != "" {
						fmt.Fprintf(out, "  Description: %s\n", info.Description)
					}
					if !confirm(cmd.InOrStdin(), out, "\nContinue? (y/N) ") {
						fmt.Fprintln(out, cli.SubtleStyle.Render("Restore cancelled."))
						return nil
					}
				}

				// Restore closes the manager's connection.
				if err := manager.Restore(cmd.Context(), checkpointID); err != nil {
					return fmt.Errorf("failed to restore checkpoint: %w", err)
				}

				fmt.Fprintf(out, "%s Restored from checkpoint %s\n",
					cli.SuccessStyle.Render(cli.SuccessIcon),
					cli.InfoStyle.Render(checkpointID))
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip confirmation prompt")
	return cmd
}

func deleteCheckpointCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <checkpoint-id>",
		Short: "Delete a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			checkpointID := args[0]
			out := cmd.OutOrStdout()

			return withCheckpoints(cmd.Context(), func(manager *storage.CheckpointManager) error {
				if _, err := manager.GetCheckpointInfo(cmd.Context(), checkpointID); err != nil {
					return fmt.Errorf("failed to get checkpoint info: %w", err)
				}

				if !force && !confirm(cmd.InOrStdin(), out, fmt.Sprintf("Delete checkpoint %s? (y/N) ", checkpointID)) {
					fmt.Fprintln(out, cli.SubtleStyle.Render("Delete cancelled."))
					return nil
				}

				if err := manager.Delete(cmd.Context(), checkpointID); err != nil {
					return fmt.Errorf("failed to delete checkpoint: %w", err)
				}

				fmt.Fprintf(out, "%s Deleted checkpoint %s\n",
					cli.SuccessStyle.Render(cli.SuccessIcon),
					cli.InfoStyle.Render(checkpointID))
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip confirmation prompt")
	return cmd
}

// confirm prints prompt and reports whether the answer starts with "y".
func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	response, _ := bufio.NewReader(in).ReadString('\n')
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(response)), "y")
}

func formatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

func formatRelativeTime(t, now time.Time) string {
	duration := now.Sub(t)

	switch {
	case duration < time.Minute:
		return "just now"
	case duration < time.Hour:
		minutes := int(duration.Minutes())
		if minutes == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", minutes)
	case duration < 24*time.Hour:
		hours := int(duration.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	case duration < 7*24*time.Hour:
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "yesterday"
		}
		return fmt.Sprintf("%d days ago", days)
	default:
		return t.Format("2006-01-02 15:04")
	}
}
