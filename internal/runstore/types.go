package runstore

import (
	"errors"
	"time"

	"github.com/mattjoyce/stagehand/internal/run"
)

// Status is the lifecycle state of a stored run.
type Status string

const (
	StatusRunning     Status = "running"
	StatusFinished    Status = "finished"
	StatusInterrupted Status = "interrupted"
)

// DiagnosticInterrupted marks jobs of a run whose process died mid-run.
const DiagnosticInterrupted = "interrupted"

var ErrRunNotFound = errors.New("run not found")

// Summary is a lightweight projection for run listings.
type Summary struct {
	ID         string      `json:"id"`
	Branch     string      `json:"branch,omitempty"`
	Status     Status      `json:"status"`
	Verdict    run.Verdict `json:"verdict,omitempty"`
	Jobs       int         `json:"jobs"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// ListFilter narrows List.
type ListFilter struct {
	Branch string
	Limit  int
}
