// Package run holds the outcome model of a pipeline run.
package run

import (
	"time"

	"github.com/mattjoyce/stagehand/internal/matrix"
)

// Outcome is the terminal state of a job.
type Outcome string

const (
	Passed  Outcome = "passed"
	Failed  Outcome = "failed"
	Skipped Outcome = "skipped"
	Errored Outcome = "errored"
	NotRun  Outcome = "not-run"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case Passed, Failed, Skipped, Errored, NotRun:
		return true
	}
	return false
}

// Verdict is the aggregate state of a stage or pipeline.
type Verdict string

const (
	VerdictPassed Verdict = "passed"
	VerdictFailed Verdict = "failed"
	VerdictNotRun Verdict = "not-run"
)

// Diagnostics attached to errored jobs by the scheduler.
const (
	DiagnosticCancelled = "cancelled"
	DiagnosticTimeout   = "timeout"
)

// JobResult is the outcome of one expanded job.
type JobResult struct {
	matrix.Coordinate
	Outcome    Outcome   `json:"outcome"`
	Diagnostic string    `json:"diagnostic,omitempty"`
	Host       string    `json:"host,omitempty"`
	Command    string    `json:"command,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Duration is the wall time the job held a host.
func (j JobResult) Duration() time.Duration {
	if j.StartedAt.IsZero() || j.FinishedAt.IsZero() {
		return 0
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

// StageResult groups the jobs of one stage in expansion order.
type StageResult struct {
	Name       string      `json:"name"`
	BestEffort bool        `json:"best_effort,omitempty"`
	Verdict    Verdict     `json:"verdict"`
	Jobs       []JobResult `json:"jobs"`
}

// Counts tallies job outcomes.
func (s StageResult) Counts() map[Outcome]int {
	out := make(map[Outcome]int)
	for _, j := range s.Jobs {
		out[j.Outcome]++
	}
	return out
}

// Result is the report of a whole run.
type Result struct {
	ID             string        `json:"id"`
	Branch         string        `json:"branch,omitempty"`
	ChangeSet      []string      `json:"change_set"`
	Fingerprint    string        `json:"descriptor_fingerprint"`
	Verdict        Verdict       `json:"verdict"`
	ReleaseTargets []string      `json:"release_targets,omitempty"`
	Stages         []StageResult `json:"stages"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
}

// Jobs flattens every job result in report order.
func (r *Result) Jobs() []JobResult {
	var out []JobResult
	for _, s := range r.Stages {
		out = append(out, s.Jobs...)
	}
	return out
}

// StageVerdict is passed iff every job that was not skipped passed. A stage
// whose jobs never started is not-run.
func StageVerdict(jobs []JobResult) Verdict {
	verdict := VerdictPassed
	for _, j := range jobs {
		switch j.Outcome {
		case Failed, Errored:
			return VerdictFailed
		case NotRun:
			verdict = VerdictNotRun
		}
	}
	return verdict
}

// PipelineVerdict is the worst verdict across blocking stages. Best-effort
// stages are ignored. A blocking stage that never ran fails the pipeline.
func PipelineVerdict(stages []StageResult) Verdict {
	for _, s := range stages {
		if s.BestEffort {
			continue
		}
		if s.Verdict != VerdictPassed {
			return VerdictFailed
		}
	}
	return VerdictPassed
}
