package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/stagehand/internal/hosts"
	"github.com/mattjoyce/stagehand/internal/log"
	"github.com/mattjoyce/stagehand/internal/matrix"
	"github.com/mattjoyce/stagehand/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a runner.
	maxStderrBytes = 64 * 1024

	// DefaultGracePeriod is the wait between SIGTERM and SIGKILL.
	DefaultGracePeriod = 5 * time.Second
)

// Job is one expanded job bound to a host.
type Job struct {
	RunID   string
	Coord   matrix.Coordinate
	Command string
	Host    hosts.Host
}

// Report is what a runner concluded about a job.
type Report struct {
	Passed     bool
	Diagnostic string
	Stderr     string
}

// Process spawns Entrypoint once per job.
type Process struct {
	Entrypoint  string
	GracePeriod time.Duration
	logger      *slog.Logger
}

// NewProcess returns a runner that spawns entrypoint for each job.
func NewProcess(entrypoint string, grace time.Duration) *Process {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Process{
		Entrypoint:  entrypoint,
		GracePeriod: grace,
		logger:      log.WithComponent("runner"),
	}
}

// Run executes job and blocks until the runner answers or ctx ends. When ctx
// ends first the process is terminated and ctx.Err() is returned.
func (p *Process) Run(ctx context.Context, job Job) (*Report, error) {
	logger := p.logger.With("run_id", job.RunID, "job", job.Coord.String(), "host", job.Host.Name)

	req := &protocol.Request{
		Protocol:     protocol.Version,
		RunID:        job.RunID,
		JobID:        job.Coord.String(),
		Command:      job.Command,
		Stage:        job.Coord.Stage,
		Substage:     job.Coord.Substage,
		Arch:         job.Coord.Arch,
		Distribution: job.Coord.Distribution,
		Host: protocol.Host{
			Name:          job.Host.Name,
			Arch:          job.Host.Arch,
			Distributions: job.Host.Distributions,
			Labels:        job.Host.Labels,
		},
	}
	if deadline, ok := ctx.Deadline(); ok {
		req.DeadlineAt = deadline.UTC()
	}

	resp, stderr, err := p.spawn(ctx, req, logger)
	if err != nil {
		return &Report{Stderr: stderr}, err
	}

	for _, entry := range resp.Logs {
		logger.Info("runner log", "level", entry.Level, "message", entry.Message)
	}

	return &Report{
		Passed:     resp.Passed(),
		Diagnostic: resp.Diagnostic,
		Stderr:     stderr,
	}, nil
}

// spawn starts the entrypoint, writes the request to stdin and reads the
// response from stdout. It returns the response, captured stderr and any error.
func (p *Process) spawn(ctx context.Context, req *protocol.Request, logger *slog.Logger) (*protocol.Response, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	// Termination is managed here rather than through CommandContext so the
	// runner gets SIGTERM and a grace period before SIGKILL.
	cmd := exec.Command(p.Entrypoint)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning runner", "entrypoint", p.Entrypoint, "command", req.Command)

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start runner: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			writeErr <- fmt.Errorf("encode request: %w", err)
			return
		}
		writeErr <- nil
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		logger.Warn("job context ended, sending SIGTERM", "reason", ctx.Err())
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}

		grace := time.NewTimer(p.GracePeriod)
		defer grace.Stop()

		select {
		case <-waitErr:
			logger.Info("runner exited after SIGTERM")
		case <-grace.C:
			logger.Warn("runner did not exit after SIGTERM, sending SIGKILL")
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
			<-waitErr
		}

		return nil, truncateStderr(stderr.String()), ctx.Err()

	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())
		if werr := <-writeErr; werr != nil {
			return nil, stderrStr, werr
		}

		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, stderrStr, fmt.Errorf("wait for runner: %w", err)
			}
			logger.Warn("runner exited with non-zero status", "exit_code", exitErr.ExitCode())
		}

		resp, raw, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			logger.Error("failed to decode runner response", "error", err, "stdout", string(raw))
			return nil, stderrStr, fmt.Errorf("decode response: %w", err)
		}
		return resp, stderrStr, nil
	}
}

func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}

// DryRun passes every job without spawning anything.
type DryRun struct{}

// Run reports the job as passed unless ctx has already ended.
func (DryRun) Run(ctx context.Context, job Job) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Report{Passed: true, Diagnostic: "dry run: " + job.Command}, nil
}
