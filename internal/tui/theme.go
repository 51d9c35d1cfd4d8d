package tui

import "github.com/charmbracelet/lipgloss"

// Theme defines the visual style of the review browser.
type Theme struct {
	Title         lipgloss.Style
	Subtle        lipgloss.Style
	Selected      lipgloss.Style
	Normal        lipgloss.Style
	Pane          lipgloss.Style
	StatusSuccess lipgloss.Style
	StatusWarning lipgloss.Style
	StatusError   lipgloss.Style
}

// DefaultTheme matches the cli palette.
var DefaultTheme = Theme{
	Title: lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#fafafa")).
		MarginBottom(1),
	Subtle: lipgloss.NewStyle().
		Foreground(lipgloss.Color("#6C757D")),
	Selected: lipgloss.NewStyle().
		Background(lipgloss.Color("#B5838D")).
		Foreground(lipgloss.Color("#fafafa")).
		Bold(true),
	Normal: lipgloss.NewStyle().
		Foreground(lipgloss.Color("#fafafa")),
	Pane: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#404040")).
		Padding(0, 1),
	StatusSuccess: lipgloss.NewStyle().
		Foreground(lipgloss.Color("#52B788")).
		Bold(true),
	StatusWarning: lipgloss.NewStyle().
		Foreground(lipgloss.Color("#F4A261")).
		Bold(true),
	StatusError: lipgloss.NewStyle().
		Foreground(lipgloss.Color("#E63946")).
		Bold(true),
}
