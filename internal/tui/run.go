package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
)

// Run opens the review browser and blocks until the user quits or ctx is
// canceled.
func Run(ctx context.Context, reviewer Reviewer, opts ...Option) error {
	if reviewer == nil {
		return fmt.Errorf("reviewer is required")
	}

	program := tea.NewProgram(
		NewModel(ctx, reviewer, opts...),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	if _, err := program.Run(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("review browser failed: %w", err)
	}
	return nil
}
