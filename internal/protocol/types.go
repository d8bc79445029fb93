package protocol

import "time"

// Version is the only job-runner protocol version spoken.
const Version = 1

// Response status values.
const (
	StatusPassed = "passed"
	StatusFailed = "failed"
)

// Request is the envelope written to the runner's stdin, one per job.
type Request struct {
	Protocol     int       `json:"protocol"`
	RunID        string    `json:"run_id"`
	JobID        string    `json:"job_id"` // stage/substage/arch/distribution
	Command      string    `json:"command"`
	Stage        string    `json:"stage"`
	Substage     string    `json:"substage"`
	Arch         string    `json:"arch"`
	Distribution string    `json:"distribution"`
	Host         Host      `json:"host"`
	DeadlineAt   time.Time `json:"deadline_at,omitzero"`
}

// Host is the build host allocated to the job.
type Host struct {
	Name          string            `json:"name"`
	Arch          string            `json:"arch"`
	Distributions []string          `json:"distributions,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// Response is read from the runner's stdout.
type Response struct {
	Status     string     `json:"status"` // passed | failed
	Diagnostic string     `json:"diagnostic,omitempty"`
	Logs       []LogEntry `json:"logs,omitempty"`
}

// LogEntry represents a log message from the runner.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// Passed reports whether the runner judged the job successful.
func (r *Response) Passed() bool {
	return r != nil && r.Status == StatusPassed
}
