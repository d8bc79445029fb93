package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

func renderHeader(m Model, width int) string {
	innerWidth := width - 4
	theme := m.theme

	status := theme.Passed.Render("CONNECTED")
	if !m.connected {
		status = theme.Failed.Render("CONNECTING")
	}

	title := fmt.Sprintf(" STAGEHAND WATCH %s", theme.Highlight.Render(m.ticker.Current()))
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	runLine := " Run: " + theme.Dim.Render("waiting for a run to start")
	if r := m.tracker.Current; r != nil {
		verdict := theme.Running.Render("running")
		if r.Finished() {
			verdict = theme.ForStatus(r.Verdict).Render(r.Verdict)
		}
		branch := r.Branch
		if branch == "" {
			branch = "<none>"
		}
		runLine = fmt.Sprintf(" Run: %s  Branch: %s  Jobs: %d/%d  %s",
			shortID(r.ID), branch, r.Completed, r.Total, verdict)
	}

	statsLine := fmt.Sprintf(" %s  Last event: %s %s", status, lastEventAgo(m.spinner), m.spinner.Render(theme))
	if h := m.health; h != nil {
		statsLine += fmt.Sprintf("  ⏱ %s  Queued: %d  Hosts: %d/%d busy",
			formatDuration(time.Duration(h.UptimeSeconds)*time.Second), h.QueuedRuns, h.HostsBusy, h.HostsTotal)
	}

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, runLine, statsLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func renderStages(r *RunState, theme Theme, width int) string {
	if r == nil || len(r.Stages) == 0 {
		return ""
	}
	var cells []string
	for _, s := range r.Stages {
		status := s.Verdict
		switch {
		case status != "":
		case s.Jobs > 0 || s.Done > 0:
			status = "running"
		default:
			status = "pending"
		}
		label := fmt.Sprintf("%s %d/%d", s.Name, s.Done, s.Jobs)
		if s.BestEffort {
			label += "*"
		}
		cells = append(cells, theme.ForStatus(status).Render(label))
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("STAGES"),
		" "+strings.Join(cells, theme.Dim.Render(" → ")),
	)
	return theme.Border.Width(width - 4).Render(content)
}

func jobColumns(width int) []table.Column {
	job := width - 2 - 10 - 16 - 10 - 8
	if job < 20 {
		job = 20
	}
	return []table.Column{
		{Title: "ST", Width: 2},
		{Title: "Job", Width: job},
		{Title: "Status", Width: 10},
		{Title: "Host", Width: 16},
		{Title: "Duration", Width: 10},
	}
}

func jobRows(r *RunState, theme Theme) []table.Row {
	if r == nil {
		return nil
	}
	rows := make([]table.Row, 0, len(r.Jobs))
	for _, j := range r.Jobs {
		status := j.Status
		if j.Diagnostic != "" {
			status += ": " + j.Diagnostic
		}
		dur := ""
		switch {
		case j.Duration > 0:
			dur = formatDuration(j.Duration)
		case j.Status == "running" && !j.StartedAt.IsZero():
			dur = formatDuration(time.Since(j.StartedAt))
		}
		rows = append(rows, table.Row{statusIcon(j.Status), j.Coordinate.String(), status, j.Host, dur})
	}
	return rows
}

func statusIcon(status string) string {
	switch status {
	case "passed":
		return "✓"
	case "failed":
		return "✗"
	case "errored":
		return "!"
	case "skipped":
		return "-"
	case "running":
		return "▶"
	default:
		return "·"
	}
}

func lastEventAgo(s Spinner) string {
	if s.LastEvent().IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s ago", time.Since(s.LastEvent()).Round(time.Second))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
