package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/stagehand/internal/events"
)

const eventLogSize = 50

// Options tune a watch session.
type Options struct {
	// RunID pins the view to one run. Empty follows the latest run.
	RunID string
	// ExitWhenDone quits once the followed run completes.
	ExitWhenDone bool
}

// Model is the BubbleTea model for the watch view.
type Model struct {
	ctx    context.Context
	source Source
	opts   Options

	width  int
	height int

	tracker  *Tracker
	eventLog []events.Event
	health   *healthMsg

	ticker  Ticker
	spinner Spinner
	theme   Theme
	jobs    table.Model

	incoming chan events.Event

	connected   bool
	interrupted bool
	lastError   string
}

// New creates a watch model reading from src. Streaming stops when ctx ends.
func New(ctx context.Context, src Source, opts Options) Model {
	t := table.New(
		table.WithColumns(jobColumns(80)),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{
		ctx:      ctx,
		source:   src,
		opts:     opts,
		tracker:  NewTracker(opts.RunID),
		ticker:   NewTicker(),
		theme:    NewDefaultTheme(),
		jobs:     t,
		incoming: make(chan events.Event, 100),
	}
}

// Interrupted reports whether the user quit before the run completed.
func (m Model) Interrupted() bool { return m.interrupted }

// Run returns the followed run, or nil before one has started.
func (m Model) Run() *RunState { return m.tracker.Current }

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		streamEvents(m.ctx, m.source, m.incoming),
		receiveNextEvent(m.incoming),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
	}
	if hs, ok := m.source.(healthSource); ok {
		cmds = append(cmds, fetchHealth(m.ctx, hs))
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.interrupted = !m.tracker.Current.Finished()
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.jobs.SetWidth(m.width - 6)
		m.jobs.SetColumns(jobColumns(m.width - 6))
		if h := m.height - 20; h > 5 {
			m.jobs.SetHeight(h)
		}

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.connected = true
		m.lastError = ""
		m.spinner.OnEvent(time.Now())

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}

		if m.tracker.Apply(e) {
			m.jobs.SetRows(jobRows(m.tracker.Current, m.theme))
			if m.opts.ExitWhenDone && m.tracker.Current.Finished() {
				return m, tea.Quit
			}
		}
		return m, receiveNextEvent(m.incoming)

	case healthMsg:
		m.health = &msg
		m.connected = true
		if hs, ok := m.source.(healthSource); ok {
			return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
				return fetchHealth(m.ctx, hs)()
			})
		}
		return m, nil

	case disconnectedMsg:
		m.connected = false
		if m.ctx.Err() != nil {
			return m, nil
		}
		if msg.err != nil {
			m.lastError = fmt.Sprintf("stream disconnected: %v; reconnecting", msg.err)
		} else {
			m.lastError = "stream disconnected; reconnecting"
		}
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, streamEvents(m.ctx, m.source, m.incoming)

	case errMsg:
		m.lastError = msg.Error()
		return m, nil
	}

	var cmd tea.Cmd
	m.jobs, cmd = m.jobs.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Waiting for terminal size..."
	}

	parts := []string{
		renderHeader(m, m.width),
		renderStages(m.tracker.Current, m.theme, m.width),
		m.theme.Border.Width(m.width - 4).Render(m.jobs.View()),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.Failed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Scroll jobs"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
