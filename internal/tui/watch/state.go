package watch

import (
	"time"

	"github.com/mattjoyce/stagehand/internal/events"
	"github.com/mattjoyce/stagehand/internal/matrix"
)

// JobState tracks one job seen on the stream.
type JobState struct {
	matrix.Coordinate
	Status     string // running, or the final outcome
	Host       string
	Diagnostic string
	Duration   time.Duration
	StartedAt  time.Time
}

// StageState tracks one stage seen on the stream.
type StageState struct {
	Name       string
	BestEffort bool
	Jobs       int
	Done       int
	Verdict    string // empty while running
}

// RunState is everything the view knows about the followed run.
type RunState struct {
	ID          string
	Branch      string
	Fingerprint string
	Verdict     string
	Total       int
	Completed   int

	Stages []*StageState
	Jobs   []*JobState

	stageIdx map[string]*StageState
	jobIdx   map[string]*JobState
}

func newRunState(p events.RunPayload) *RunState {
	return &RunState{
		ID:          p.RunID,
		Branch:      p.Branch,
		Fingerprint: p.Fingerprint,
		Total:       p.Jobs,
		stageIdx:    make(map[string]*StageState),
		jobIdx:      make(map[string]*JobState),
	}
}

// Finished reports whether run.completed has been seen.
func (r *RunState) Finished() bool {
	return r != nil && r.Verdict != ""
}

func (r *RunState) stage(name string) *StageState {
	s, ok := r.stageIdx[name]
	if !ok {
		s = &StageState{Name: name}
		r.stageIdx[name] = s
		r.Stages = append(r.Stages, s)
	}
	return s
}

func (r *RunState) job(c matrix.Coordinate) *JobState {
	key := c.String()
	j, ok := r.jobIdx[key]
	if !ok {
		j = &JobState{Coordinate: c}
		r.jobIdx[key] = j
		r.Jobs = append(r.Jobs, j)
	}
	return j
}

// Tracker follows one run on a shared stream. With a pinned id only that
// run is followed; otherwise each new run.started replaces the current run.
type Tracker struct {
	pinned  string
	Current *RunState
}

func NewTracker(runID string) *Tracker {
	return &Tracker{pinned: runID}
}

// Apply folds e into the followed run and reports whether it belonged to it.
func (t *Tracker) Apply(e events.Event) bool {
	var head struct {
		RunID string `json:"run_id"`
	}
	if err := e.Decode(&head); err != nil || head.RunID == "" {
		return false
	}
	if t.pinned != "" && head.RunID != t.pinned {
		return false
	}

	if e.Type == events.RunStarted {
		var p events.RunPayload
		if err := e.Decode(&p); err != nil {
			return false
		}
		t.Current = newRunState(p)
		for _, name := range p.Stages {
			t.Current.stage(name)
		}
		return true
	}

	r := t.Current
	if r == nil || r.ID != head.RunID {
		return false
	}

	switch e.Type {
	case events.StageStarted, events.StageCompleted:
		var p events.StagePayload
		if err := e.Decode(&p); err != nil {
			return false
		}
		s := r.stage(p.Stage)
		s.BestEffort = p.BestEffort
		s.Jobs = p.Jobs
		if e.Type == events.StageCompleted {
			s.Verdict = p.Verdict
		}

	case events.JobStarted, events.JobCompleted:
		var p events.JobPayload
		if err := e.Decode(&p); err != nil {
			return false
		}
		j := r.job(p.Coordinate)
		if p.Host != "" {
			j.Host = p.Host
		}
		if e.Type == events.JobStarted {
			j.Status = "running"
			j.StartedAt = e.At
			break
		}
		j.Status = p.Outcome
		j.Diagnostic = p.Diagnostic
		j.Duration = p.Duration
		r.Completed++
		r.stage(p.Stage).Done++

	case events.RunCompleted:
		var p events.RunPayload
		if err := e.Decode(&p); err != nil {
			return false
		}
		r.Verdict = p.Verdict

	default:
		return false
	}
	return true
}
