// Package cli renders derma terminal output and interactive review prompts.
package cli

import "github.com/charmbracelet/lipgloss"

// Palette.
var (
	AccentColor  = lipgloss.Color("#B5838D")
	SuccessColor = lipgloss.Color("#52B788")
	WarningColor = lipgloss.Color("#F4A261")
	ErrorColor   = lipgloss.Color("#E63946")
	InfoColor    = lipgloss.Color("#8ECAE6")
	SubtleColor  = lipgloss.Color("#6C757D")
)

var (
	TitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(AccentColor).MarginBottom(1)
	SuccessStyle = lipgloss.NewStyle().Foreground(SuccessColor)
	WarningStyle = lipgloss.NewStyle().Foreground(WarningColor)
	ErrorStyle   = lipgloss.NewStyle().Foreground(ErrorColor)
	InfoStyle    = lipgloss.NewStyle().Foreground(InfoColor)
	SubtleStyle  = lipgloss.NewStyle().Foreground(SubtleColor)
	PromptStyle  = lipgloss.NewStyle().Bold(true).Foreground(AccentColor)

	// BoxStyle frames summaries such as review statistics.
	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(SubtleColor).
			Padding(1, 2)
)

const (
	SuccessIcon = "✓"
	ErrorIcon   = "✗"
	WarningIcon = "⚠️"
	InfoIcon    = "ℹ️"
	LesionIcon  = "🔬"
	ReviewIcon  = "🩺"
	ChartIcon   = "📊"
)

func withIcon(style lipgloss.Style, icon, message string) string {
	return style.Render(icon + " " + message)
}

// FormatSuccess renders a completed action.
func FormatSuccess(message string) string { return withIcon(SuccessStyle, SuccessIcon, message) }

// FormatError renders a failed action.
func FormatError(message string) string { return withIcon(ErrorStyle, ErrorIcon, message) }

// FormatWarning renders something the user should look at.
func FormatWarning(message string) string { return withIcon(WarningStyle, WarningIcon, message) }

// FormatInfo renders a neutral status line.
func FormatInfo(message string) string { return withIcon(InfoStyle, InfoIcon, message) }

// FormatTitle renders a section heading.
func FormatTitle(title string) string { return withIcon(TitleStyle, LesionIcon, title) }

// FormatPrompt renders an input prompt.
func FormatPrompt(prompt string) string {
	return PromptStyle.Render(prompt + " → ")
}

// RenderBox frames content under a title.
func RenderBox(title, content string) string {
	heading := TitleStyle.UnsetMargins().Render(title)
	return BoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, heading, content))
}
