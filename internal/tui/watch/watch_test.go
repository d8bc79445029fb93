package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stagehand/internal/events"
	"github.com/mattjoyce/stagehand/internal/matrix"
)

func ev(t *testing.T, id int64, typ string, payload any) events.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return events.Event{ID: id, Type: typ, At: time.Now(), Data: data}
}

func runEvents(t *testing.T, runID string) []events.Event {
	coord := matrix.Coordinate{Stage: "build", Substage: "compile", Arch: "x86_64", Distribution: "debian"}
	return []events.Event{
		ev(t, 1, events.RunStarted, events.RunPayload{RunID: runID, Branch: "main", Stages: []string{"build", "test"}, Jobs: 1}),
		ev(t, 2, events.StageStarted, events.StagePayload{RunID: runID, Stage: "build", Jobs: 1}),
		ev(t, 3, events.JobStarted, events.JobPayload{RunID: runID, Coordinate: coord, Host: "b1"}),
		ev(t, 4, events.JobCompleted, events.JobPayload{RunID: runID, Coordinate: coord, Host: "b1", Outcome: "passed", Duration: 2 * time.Second}),
		ev(t, 5, events.StageCompleted, events.StagePayload{RunID: runID, Stage: "build", Jobs: 1, Verdict: "passed"}),
		ev(t, 6, events.RunCompleted, events.RunPayload{RunID: runID, Jobs: 1, Verdict: "passed"}),
	}
}

func TestTrackerFoldsRun(t *testing.T) {
	tr := NewTracker("")
	for _, e := range runEvents(t, "r1") {
		assert.True(t, tr.Apply(e), e.Type)
	}

	r := tr.Current
	require.NotNil(t, r)
	assert.Equal(t, "main", r.Branch)
	assert.True(t, r.Finished())
	assert.Equal(t, 1, r.Completed)

	require.Len(t, r.Stages, 2)
	assert.Equal(t, "passed", r.Stages[0].Verdict)
	assert.Equal(t, 1, r.Stages[0].Done)
	assert.Equal(t, "", r.Stages[1].Verdict)

	require.Len(t, r.Jobs, 1)
	assert.Equal(t, "passed", r.Jobs[0].Status)
	assert.Equal(t, "b1", r.Jobs[0].Host)
	assert.Equal(t, 2*time.Second, r.Jobs[0].Duration)
}

func TestTrackerPinnedIgnoresOtherRuns(t *testing.T) {
	tr := NewTracker("mine")
	for _, e := range runEvents(t, "other") {
		assert.False(t, tr.Apply(e))
	}
	assert.Nil(t, tr.Current)

	assert.True(t, tr.Apply(runEvents(t, "mine")[0]))
	assert.Equal(t, "mine", tr.Current.ID)
}

func TestTrackerFollowsLatestRun(t *testing.T) {
	tr := NewTracker("")
	tr.Apply(runEvents(t, "first")[0])
	tr.Apply(runEvents(t, "second")[0])
	assert.Equal(t, "second", tr.Current.ID)
	assert.False(t, tr.Apply(runEvents(t, "first")[1]), "stale run events are dropped")
}

func TestModelQuitsWhenRunDone(t *testing.T) {
	var m tea.Model = New(context.Background(), HubSource{Hub: events.NewHub(8)}, Options{RunID: "r1", ExitWhenDone: true})
	m, _ = m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})

	var cmd tea.Cmd
	for _, e := range runEvents(t, "r1") {
		m, cmd = m.Update(eventMsg(e))
	}
	require.NotNil(t, cmd)
	_, quit := cmd().(tea.QuitMsg)
	assert.True(t, quit)

	final := m.(Model)
	assert.False(t, final.Interrupted())
	assert.Equal(t, "passed", final.Run().Verdict)
	assert.Contains(t, final.View(), "STAGEHAND WATCH")
	assert.Contains(t, final.View(), "build/compile/x86_64/debian")
}

func TestModelQuitBeforeDoneIsInterrupted(t *testing.T) {
	var m tea.Model = New(context.Background(), HubSource{Hub: events.NewHub(8)}, Options{})
	m, _ = m.Update(eventMsg(runEvents(t, "r1")[0]))
	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.True(t, m.(Model).Interrupted())
}

func TestHubSourceStreams(t *testing.T) {
	hub := events.NewHub(8)
	ch := make(chan events.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- HubSource{Hub: hub}.Stream(ctx, ch) }()

	require.Eventually(t, func() bool {
		hub.Publish(events.RunStarted, events.RunPayload{RunID: "x"})
		select {
		case got := <-ch:
			return got.Type == events.RunStarted
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestReadSSE(t *testing.T) {
	stream := "id: 7\nevent: run.started\ndata: {\"run_id\":\"a\"}\n\n: keep-alive\n\nid: 8\nevent: run.completed\ndata: {\"run_id\":\"a\",\"verdict\":\"failed\"}\n\n"
	var got []events.Event
	err := readSSE(context.Background(), bufio.NewScanner(strings.NewReader(stream)), func(e events.Event) {
		got = append(got, e)
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, events.RunCompleted, got[1].Type)
	assert.JSONEq(t, `{"run_id":"a","verdict":"failed"}`, string(got[1].Data))
}

func TestHTTPSourceHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"ok","uptime_seconds":5,"queued_runs":2,"hosts_total":4,"hosts_busy":1}`))
	}))
	defer srv.Close()

	src := &HTTPSource{URL: srv.URL + "/"}
	h, err := src.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, h.QueuedRuns)
	assert.Equal(t, 4, h.HostsTotal)
}

func TestSpinnerDecay(t *testing.T) {
	var s Spinner
	now := time.Now()
	s.OnEvent(now)
	s.Decay(now.Add(3 * time.Second))
	assert.Equal(t, 4, s.dots)
	s.Decay(now.Add(30 * time.Second))
	assert.Equal(t, 0, s.dots)
}
