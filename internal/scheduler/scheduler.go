// Package scheduler runs a loaded pipeline: stages strictly in order with a
// barrier between them, and a bounded worker pool inside each stage.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/stagehand/internal/changeset"
	"github.com/mattjoyce/stagehand/internal/condition"
	"github.com/mattjoyce/stagehand/internal/descriptor"
	"github.com/mattjoyce/stagehand/internal/events"
	"github.com/mattjoyce/stagehand/internal/hosts"
	"github.com/mattjoyce/stagehand/internal/matrix"
	"github.com/mattjoyce/stagehand/internal/metrics"
	"github.com/mattjoyce/stagehand/internal/run"
	"github.com/mattjoyce/stagehand/internal/runner"
	"github.com/mattjoyce/stagehand/internal/script"
)

// Failure policies.
const (
	PolicyHalt     = "halt"
	PolicyContinue = "continue"
)

// Options tune a Scheduler.
type Options struct {
	MaxParallel   int           // per-stage worker bound; <= 0 means pool size
	JobTimeout    time.Duration // host wait plus runner, when a substage sets none; 0 means no limit
	FailurePolicy string        // halt (default) or continue
	DefaultScript string        // template for substages without a script
}

// RunRequest is the input of one run.
type RunRequest struct {
	RunID     string
	Branch    string
	ChangeSet []string
}

// Scheduler manages pipeline runs against a host pool.
type Scheduler struct {
	opts     Options
	pool     HostPool
	runner   JobRunner
	recorder Recorder
	events   *events.Hub
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Scheduler. hub may be nil.
func New(opts Options, pool HostPool, jr JobRunner, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = PolicyHalt
	}
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Scheduler{
		opts:   opts,
		pool:   pool,
		runner: jr,
		events: hub,
		logger: logger.With("component", "scheduler"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetRecorder attaches run persistence.
func (s *Scheduler) SetRecorder(r Recorder) { s.recorder = r }

// SetMetrics attaches Prometheus collectors.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// Events returns the hub the scheduler publishes to.
func (s *Scheduler) Events() *events.Hub { return s.events }

func (s *Scheduler) maxParallel() int {
	n := s.opts.MaxParallel
	if n <= 0 && s.pool != nil {
		n = s.pool.Size()
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Run executes p to completion or until ctx ends. Every expanded job appears
// exactly once in the result, in expansion order. The error is non-nil only
// when the run could not start or could not be recorded; job failures are
// reported through the result.
func (s *Scheduler) Run(ctx context.Context, p *descriptor.Pipeline, req RunRequest) (*run.Result, error) {
	if p == nil {
		return nil, errors.New("scheduler: nil pipeline")
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	res := &run.Result{
		ID:          req.RunID,
		Branch:      req.Branch,
		ChangeSet:   changeset.Normalize(req.ChangeSet),
		Fingerprint: p.Fingerprint,
		StartedAt:   s.now(),
		Stages:      make([]run.StageResult, len(p.Stages)),
	}
	total := 0
	stageNames := make([]string, 0, len(p.Stages))
	for i, stage := range p.Stages {
		coords := stage.Coordinates()
		jobs := make([]run.JobResult, len(coords))
		for j, c := range coords {
			jobs[j] = run.JobResult{Coordinate: c, Outcome: run.NotRun}
		}
		res.Stages[i] = run.StageResult{
			Name:       stage.Name,
			BestEffort: stage.BestEffort,
			Verdict:    run.VerdictNotRun,
			Jobs:       jobs,
		}
		total += len(jobs)
		stageNames = append(stageNames, stage.Name)
	}

	logger := s.logger.With("run_id", res.ID)

	if s.recorder != nil {
		if err := s.recorder.Begin(ctx, res); err != nil {
			return nil, fmt.Errorf("record run start: %w", err)
		}
	}

	logger.Info("run started", "branch", req.Branch, "stages", len(p.Stages), "jobs", total, "changes", len(res.ChangeSet))
	s.events.Publish(events.RunStarted, events.RunPayload{
		RunID:       res.ID,
		Branch:      res.Branch,
		Fingerprint: res.Fingerprint,
		Stages:      stageNames,
		Jobs:        total,
	})

	halted := false
	for i := range p.Stages {
		out := &res.Stages[i]
		switch {
		case ctx.Err() != nil:
			s.cancelPending(res.ID, out)
		case halted:
			logger.Info("stage not run", "stage", out.Name)
		default:
			s.runStage(ctx, res.ID, p.Stages[i], out, res.ChangeSet)
			if out.Verdict == run.VerdictFailed && !out.BestEffort && s.opts.FailurePolicy != PolicyContinue {
				logger.Warn("blocking stage failed, halting", "stage", out.Name)
				halted = true
			}
		}
	}

	res.Verdict = run.PipelineVerdict(res.Stages)
	if res.Verdict == run.VerdictPassed {
		if targets, ok := p.ReleaseBranches.Targets(req.Branch); ok {
			res.ReleaseTargets = targets
		}
	}
	res.FinishedAt = s.now()

	logger.Info("run completed", "verdict", res.Verdict, "release_targets", res.ReleaseTargets, "duration", res.FinishedAt.Sub(res.StartedAt))
	s.events.Publish(events.RunCompleted, events.RunPayload{
		RunID:   res.ID,
		Branch:  res.Branch,
		Jobs:    total,
		Verdict: string(res.Verdict),
	})
	s.metrics.RunFinished(string(res.Verdict), res.FinishedAt.Sub(res.StartedAt))

	if s.recorder != nil {
		// The run's own context may already be cancelled; the final state is
		// still written.
		if err := s.recorder.Finish(context.WithoutCancel(ctx), res); err != nil {
			return res, fmt.Errorf("record run finish: %w", err)
		}
	}
	return res, nil
}

// cancelPending marks every non-terminal job of a stage errored "cancelled".
func (s *Scheduler) cancelPending(runID string, out *run.StageResult) {
	for i := range out.Jobs {
		if out.Jobs[i].Outcome == run.NotRun {
			out.Jobs[i].Outcome = run.Errored
			out.Jobs[i].Diagnostic = run.DiagnosticCancelled
			s.jobDone(runID, out.Jobs[i], false)
		}
	}
	out.Verdict = run.StageVerdict(out.Jobs)
	s.metrics.StageFinished(out.Name, string(out.Verdict))
}

func (s *Scheduler) runStage(ctx context.Context, runID string, stage descriptor.Stage, out *run.StageResult, changes []string) {
	logger := s.logger.With("run_id", runID, "stage", stage.Name)
	logger.Info("stage started", "jobs", len(out.Jobs), "best_effort", stage.BestEffort)
	s.events.Publish(events.StageStarted, events.StagePayload{
		RunID:      runID,
		Stage:      stage.Name,
		BestEffort: stage.BestEffort,
		Jobs:       len(out.Jobs),
	})

	sem := make(chan struct{}, s.maxParallel())
	var wg sync.WaitGroup

	idx := 0
	for si := range stage.Substages {
		sub := &stage.Substages[si]
		runnable := condition.Evaluate(sub.RunIf, changes)
		for _, coord := range matrix.Expand(stage.Name, sub.Name, sub.Axes) {
			i := idx
			idx++

			if !runnable {
				out.Jobs[i] = run.JobResult{Coordinate: coord, Outcome: run.Skipped, Diagnostic: "no matching changes"}
				s.jobDone(runID, out.Jobs[i], false)
				continue
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				out.Jobs[i] = run.JobResult{Coordinate: coord, Outcome: run.Errored, Diagnostic: run.DiagnosticCancelled}
				s.jobDone(runID, out.Jobs[i], false)
				continue
			}

			wg.Add(1)
			go func(coord matrix.Coordinate) {
				defer wg.Done()
				defer func() { <-sem }()
				out.Jobs[i] = s.runJob(ctx, runID, coord, sub)
			}(coord)
		}
	}
	wg.Wait()

	out.Verdict = run.StageVerdict(out.Jobs)
	counts := out.Counts()
	logger.Info("stage completed",
		"verdict", out.Verdict,
		"passed", counts[run.Passed],
		"failed", counts[run.Failed],
		"errored", counts[run.Errored],
		"skipped", counts[run.Skipped],
	)
	s.events.Publish(events.StageCompleted, events.StagePayload{
		RunID:      runID,
		Stage:      stage.Name,
		BestEffort: stage.BestEffort,
		Jobs:       len(out.Jobs),
		Verdict:    string(out.Verdict),
	})
	s.metrics.StageFinished(out.Name, string(out.Verdict))
}

// runJob takes one job from script resolution to host release.
func (s *Scheduler) runJob(ctx context.Context, runID string, coord matrix.Coordinate, sub *descriptor.Substage) run.JobResult {
	res := run.JobResult{Coordinate: coord}
	logger := s.logger.With("run_id", runID, "job", coord.String())
	if ctx.Err() != nil {
		return s.errored(runID, res, run.DiagnosticCancelled)
	}

	template := sub.Script
	if template == "" {
		template = s.opts.DefaultScript
	}
	command, err := script.ForJob(template, coord)
	if err != nil {
		logger.Error("script resolution failed", "error", err)
		return s.errored(runID, res, err.Error())
	}
	res.Command = command

	// The deadline covers host wait as well as the runner.
	timeout := sub.Timeout
	if timeout <= 0 {
		timeout = s.opts.JobTimeout
	}
	jobCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	waitStart := time.Now()
	host, err := s.pool.Acquire(jobCtx, sub.Requirements, coord)
	if err != nil {
		var unsat *hosts.UnsatisfiableRequirementError
		switch {
		case errors.As(err, &unsat):
			logger.Error("no host satisfies job", "requirements", sub.Requirements.String(), "error", err)
			return s.errored(runID, res, err.Error())
		case ctx.Err() == nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded):
			logger.Warn("job timed out waiting for a host", "timeout", timeout)
			return s.errored(runID, res, run.DiagnosticTimeout)
		}
		return s.errored(runID, res, run.DiagnosticCancelled)
	}
	defer func() {
		s.pool.Release(host.Name)
		s.metrics.SetHosts(s.pool.Busy(), s.pool.Size())
	}()
	s.metrics.SetHosts(s.pool.Busy(), s.pool.Size())
	s.metrics.JobStarted(time.Since(waitStart))

	res.Host = host.Name
	res.StartedAt = s.now()
	logger.Info("job started", "host", host.Name, "command", command)
	s.events.Publish(events.JobStarted, events.JobPayload{RunID: runID, Coordinate: coord, Host: host.Name})

	report, err := s.runner.Run(jobCtx, runner.Job{
		RunID:   runID,
		Coord:   coord,
		Command: command,
		Host:    host,
	})
	res.FinishedAt = s.now()

	switch {
	case err == nil && report != nil && report.Passed:
		res.Outcome = run.Passed
	case err == nil && report != nil:
		res.Outcome = run.Failed
		res.Diagnostic = report.Diagnostic
	case ctx.Err() != nil:
		res.Outcome = run.Errored
		res.Diagnostic = run.DiagnosticCancelled
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		res.Outcome = run.Errored
		res.Diagnostic = run.DiagnosticTimeout
	case err != nil:
		res.Outcome = run.Errored
		res.Diagnostic = "runner: " + err.Error()
	default:
		res.Outcome = run.Errored
		res.Diagnostic = "runner returned no report"
	}

	if res.Outcome == run.Passed {
		logger.Info("job completed", "outcome", res.Outcome, "duration", res.Duration())
	} else {
		logger.Warn("job completed", "outcome", res.Outcome, "diagnostic", res.Diagnostic, "duration", res.Duration())
	}
	s.jobDone(runID, res, true)
	return res
}

func (s *Scheduler) errored(runID string, res run.JobResult, diagnostic string) run.JobResult {
	res.Outcome = run.Errored
	res.Diagnostic = diagnostic
	s.jobDone(runID, res, false)
	return res
}

// jobDone publishes a terminal job. ran is true when the job held a host.
func (s *Scheduler) jobDone(runID string, res run.JobResult, ran bool) {
	s.events.Publish(events.JobCompleted, events.JobPayload{
		RunID:      runID,
		Coordinate: res.Coordinate,
		Host:       res.Host,
		Outcome:    string(res.Outcome),
		Diagnostic: res.Diagnostic,
		Duration:   res.Duration(),
	})
	s.metrics.JobFinished(res.Stage, string(res.Outcome), res.Duration(), ran)
}
