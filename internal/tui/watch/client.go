package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/stagehand/internal/api"
	"github.com/mattjoyce/stagehand/internal/events"
)

// Source delivers events into ch until ctx ends or the connection drops.
type Source interface {
	Stream(ctx context.Context, ch chan<- events.Event) error
}

// HubSource streams from an in-process hub.
type HubSource struct {
	Hub   *events.Hub
	// RunID limits the stream to one run when set.
	RunID string
}

// Stream replays the hub's backlog before following live events.
func (s HubSource) Stream(ctx context.Context, ch chan<- events.Event) error {
	sub := s.Hub.Follow(0, s.RunID)
	defer sub.Close()

	send := func(ev events.Event) error {
		select {
		case ch <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, ev := range sub.Backlog {
		if err := send(ev); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := send(ev); err != nil {
				return err
			}
		}
	}
}

// HTTPSource streams from the /events endpoint of a stagehand server.
type HTTPSource struct {
	URL    string
	Token  string
	RunID  string
	Client *http.Client

	lastID int64
}

func (s *HTTPSource) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

func (s *HTTPSource) Stream(ctx context.Context, ch chan<- events.Event) error {
	target := strings.TrimRight(s.URL, "/") + "/events"
	if s.RunID != "" {
		target += "?run=" + url.QueryEscape(s.RunID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.Token)
	if s.lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(s.lastID, 10))
	}

	resp, err := s.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("events stream: %s", resp.Status)
	}

	return readSSE(ctx, bufio.NewScanner(resp.Body), func(ev events.Event) {
		s.lastID = ev.ID
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	})
}

// readSSE parses id/event/data frames separated by blank lines.
func readSSE(ctx context.Context, scanner *bufio.Scanner, emit func(events.Event)) error {
	var cur events.Event
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		switch {
		case line == "":
			if len(cur.Data) > 0 {
				cur.At = time.Now()
				emit(cur)
			}
			cur = events.Event{}
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			cur.Data = []byte(line[6:])
		}
	}
	return scanner.Err()
}

// Health fetches /healthz.
func (s *HTTPSource) Health(ctx context.Context) (api.HealthzResponse, error) {
	var h api.HealthzResponse
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(s.URL, "/")+"/healthz", nil)
	if err != nil {
		return h, err
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, err
	}
	return h, nil
}

// --- Message types ---

type eventMsg events.Event

type healthMsg api.HealthzResponse

type tickMsg time.Time

type errMsg error

type disconnectedMsg struct{ err error }
type reconnectMsg struct{}

// --- Commands ---

func streamEvents(ctx context.Context, src Source, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		return disconnectedMsg{err: src.Stream(ctx, ch)}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

type healthSource interface {
	Health(ctx context.Context) (api.HealthzResponse, error)
}

func fetchHealth(ctx context.Context, src healthSource) tea.Cmd {
	return func() tea.Msg {
		h, err := src.Health(ctx)
		if err != nil {
			return errMsg(err)
		}
		return healthMsg(h)
	}
}
