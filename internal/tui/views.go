package tui

import (
	"fmt"
	"strings"

	"github.com/Veraticus/derma-loop/internal/cli"
	"github.com/Veraticus/derma-loop/internal/engine"
	"github.com/charmbracelet/lipgloss"
)

// View renders the browser.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	theme := m.config.Theme
	header := theme.Title.Render(fmt.Sprintf("%s Review queue (%s)", cli.ReviewIcon, m.config.Filter.Status))

	var body string
	switch {
	case m.loading && len(m.items) == 0:
		body = theme.Subtle.Render("Loading...")
	case len(m.items) == 0:
		body = theme.StatusSuccess.Render(cli.SuccessIcon + " Nothing to review")
	default:
		list := theme.Pane.Width(listWidth).Render(m.renderList())
		detail := theme.Pane.Render(m.viewport.View())
		body = lipgloss.JoinHorizontal(lipgloss.Top, list, detail)
	}

	footer := []string{m.renderStatus(), m.help.View(m.keymap)}
	return lipgloss.JoinVertical(lipgloss.Left, header, body, strings.Join(footer, "\n"))
}

func (m Model) renderList() string {
	theme := m.config.Theme
	lines := make([]string, 0, len(m.items)+2)
	for i, f := range m.items {
		reason := f.ReviewReason()
		if len(reason) > listWidth-12 {
			reason = reason[:listWidth-15] + "..."
		}
		line := fmt.Sprintf("#%-5d %s", f.ID, reason)
		if i == m.cursor {
			lines = append(lines, theme.Selected.Render("> "+line))
		} else {
			lines = append(lines, theme.Normal.Render("  "+line))
		}
	}
	lines = append(lines, "", theme.Subtle.Render(fmt.Sprintf("Page %d of %d (%d items)", m.page, m.totalPages, m.totalItems)))
	return strings.Join(lines, "\n")
}

func (m Model) renderStatus() string {
	theme := m.config.Theme
	switch {
	case m.lastError != nil:
		return theme.StatusError.Render(cli.ErrorIcon + " " + m.lastError.Error())
	case m.status != "":
		return theme.StatusSuccess.Render(cli.SuccessIcon + " " + m.status)
	default:
		return ""
	}
}

func renderDetail(detail *engine.ReviewDetail) string {
	var b strings.Builder
	if err := cli.WriteReviewDetail(&b, detail); err != nil {
		return err.Error()
	}
	return b.String()
}
