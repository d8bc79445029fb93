package events

import (
	"time"

	"github.com/mattjoyce/stagehand/internal/matrix"
)

// Event types published during a run.
const (
	RunStarted     = "run.started"
	StageStarted   = "stage.started"
	JobStarted     = "job.started"
	JobCompleted   = "job.completed"
	StageCompleted = "stage.completed"
	RunCompleted   = "run.completed"
)

// RunPayload accompanies run.started and run.completed.
type RunPayload struct {
	RunID       string   `json:"run_id"`
	Branch      string   `json:"branch,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	Stages      []string `json:"stages,omitempty"`
	Jobs        int      `json:"jobs,omitempty"`
	Verdict     string   `json:"verdict,omitempty"`
}

// StagePayload accompanies stage.started and stage.completed.
type StagePayload struct {
	RunID      string `json:"run_id"`
	Stage      string `json:"stage"`
	BestEffort bool   `json:"best_effort,omitempty"`
	Jobs       int    `json:"jobs"`
	Verdict    string `json:"verdict,omitempty"`
}

// JobPayload accompanies job.started and job.completed.
type JobPayload struct {
	RunID string `json:"run_id"`
	matrix.Coordinate
	Host       string        `json:"host,omitempty"`
	Outcome    string        `json:"outcome,omitempty"`
	Diagnostic string        `json:"diagnostic,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
}

func (p RunPayload) runID() string   { return p.RunID }
func (p StagePayload) runID() string { return p.RunID }
func (p JobPayload) runID() string   { return p.RunID }
