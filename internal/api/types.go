package api

import (
	"github.com/mattjoyce/stagehand/internal/runstore"
)

// SubmitRunRequest is the JSON body for POST /runs
type SubmitRunRequest struct {
	Branch       string   `json:"branch"`
	ChangedFiles []string `json:"changed_files"`
}

// SubmitRunResponse is returned when a run is queued
type SubmitRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// RunListResponse is returned by GET /runs
type RunListResponse struct {
	Runs []runstore.Summary `json:"runs"`
}

// PushHookRequest is the subset of a forge push payload stagehand reads.
type PushHookRequest struct {
	Ref          string   `json:"ref"`
	ChangedFiles []string `json:"changed_files"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueuedRuns    int    `json:"queued_runs"`
	HostsTotal    int    `json:"hosts_total"`
	HostsBusy     int    `json:"hosts_busy"`
}
