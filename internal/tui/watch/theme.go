// Package watch renders a live terminal view of a pipeline run, fed either
// by the in-process event hub or by the /events stream of a running server.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch view.
type Theme struct {
	Passed  lipgloss.Style
	Running lipgloss.Style
	Failed  lipgloss.Style
	Skipped lipgloss.Style
	Pending lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		Passed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Running: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		Failed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Skipped: lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
		Pending: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		TickerActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// ForStatus picks the style for a job outcome or stage verdict.
func (t Theme) ForStatus(status string) lipgloss.Style {
	switch status {
	case "passed":
		return t.Passed
	case "failed", "errored":
		return t.Failed
	case "running":
		return t.Running
	case "skipped":
		return t.Skipped
	default:
		return t.Pending
	}
}
