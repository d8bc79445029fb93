package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/stagehand/internal/events"
)

const visibleEvents = 8

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= visibleEvents {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	style := theme.Dim
	switch {
	case strings.HasSuffix(e.Type, ".started"):
		style = theme.Running
	case strings.HasSuffix(e.Type, ".completed"):
		style = theme.Passed
	}
	desc, status := describeEvent(e)
	if status != "" {
		style = theme.ForStatus(status)
	}

	return fmt.Sprintf("%s %s %s", ts, style.Render(fmt.Sprintf("%-16s", e.Type)), desc)
}

// describeEvent returns a one-line summary and the outcome or verdict, if any.
func describeEvent(e events.Event) (string, string) {
	switch e.Type {
	case events.RunStarted, events.RunCompleted:
		var p events.RunPayload
		if err := e.Decode(&p); err == nil {
			desc := fmt.Sprintf("[%s]", shortID(p.RunID))
			if p.Branch != "" {
				desc += " " + p.Branch
			}
			return desc, p.Verdict
		}
	case events.StageStarted, events.StageCompleted:
		var p events.StagePayload
		if err := e.Decode(&p); err == nil {
			return fmt.Sprintf("[%s] %s (%d jobs)", shortID(p.RunID), p.Stage, p.Jobs), p.Verdict
		}
	case events.JobStarted, events.JobCompleted:
		var p events.JobPayload
		if err := e.Decode(&p); err == nil {
			desc := fmt.Sprintf("[%s] %s", shortID(p.RunID), p.Coordinate)
			if p.Host != "" {
				desc += " @ " + p.Host
			}
			return desc, p.Outcome
		}
	}

	raw := string(e.Data)
	if len(raw) > 60 {
		raw = raw[:60] + "..."
	}
	return raw, ""
}
