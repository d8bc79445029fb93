package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/stagehand/internal/descriptor"
	"github.com/mattjoyce/stagehand/internal/log"
	"github.com/mattjoyce/stagehand/internal/run"
	"github.com/mattjoyce/stagehand/internal/scheduler"
)

const defaultBacklog = 16

// ErrQueueFull is returned by Submit when the backlog is exhausted.
var ErrQueueFull = errors.New("run queue is full")

// ErrStopped is returned by Submit after the dispatch loop has exited.
var ErrStopped = errors.New("dispatcher stopped")

// Trigger asks for one run.
type Trigger struct {
	Branch  string
	Changes []string
	Source  string // cli, api or hook
}

// Loader returns the current pipeline.
type Loader func() (*descriptor.Pipeline, error)

// Executor runs a loaded pipeline. *scheduler.Scheduler satisfies it.
type Executor interface {
	Run(ctx context.Context, p *descriptor.Pipeline, req scheduler.RunRequest) (*run.Result, error)
}

// Ticket tracks one submitted run.
type Ticket struct {
	RunID   string
	Trigger Trigger

	done   chan struct{}
	result *run.Result
	err    error
}

// Done is closed once the run has finished or was abandoned.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the run finishes or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (*run.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return t.result, t.err
	}
}

func (t *Ticket) complete(res *run.Result, err error) {
	t.result, t.err = res, err
	close(t.done)
}

// Dispatcher executes submitted runs serially in FIFO order.
type Dispatcher struct {
	load   Loader
	exec   Executor
	queue  chan *Ticket
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*Ticket
	stopped bool
}

// New creates a Dispatcher with room for backlog queued runs.
func New(load Loader, exec Executor, backlog int) *Dispatcher {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Dispatcher{
		load:    load,
		exec:    exec,
		queue:   make(chan *Ticket, backlog),
		logger:  log.WithComponent("dispatch"),
		pending: make(map[string]*Ticket),
	}
}

// Submit queues a run and returns its ticket without waiting.
func (d *Dispatcher) Submit(tr Trigger) (*Ticket, error) {
	t := &Ticket{RunID: uuid.NewString(), Trigger: tr, done: make(chan struct{})}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil, ErrStopped
	}
	select {
	case d.queue <- t:
	default:
		return nil, ErrQueueFull
	}
	d.pending[t.RunID] = t
	d.logger.Info("run queued", "run_id", t.RunID, "branch", tr.Branch, "source", tr.Source, "changes", len(tr.Changes))
	return t, nil
}

// Pending reports whether runID is queued or running.
func (d *Dispatcher) Pending(runID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[runID]
	return ok
}

// Depth is the number of queued or running runs.
func (d *Dispatcher) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Start runs the dispatch loop until ctx is cancelled. Runs still queued at
// that point complete with ctx.Err().
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("dispatch loop started")
	defer d.logger.Info("dispatch loop stopped")

	for {
		select {
		case <-ctx.Done():
			d.drain(ctx.Err())
			return ctx.Err()
		case t := <-d.queue:
			res, err := d.Execute(ctx, t.RunID, t.Trigger)
			d.finish(t, res, err)
		}
	}
}

// Execute loads the pipeline and runs it synchronously under runID.
func (d *Dispatcher) Execute(ctx context.Context, runID string, tr Trigger) (*run.Result, error) {
	logger := log.WithRun(runID).With("component", "dispatch")

	p, err := d.load()
	if err != nil {
		logger.Error("descriptor load failed", "error", err)
		return nil, fmt.Errorf("load descriptor: %w", err)
	}

	logger.Info("run starting", "branch", tr.Branch, "fingerprint", p.Fingerprint)
	res, err := d.exec.Run(ctx, p, scheduler.RunRequest{RunID: runID, Branch: tr.Branch, ChangeSet: tr.Changes})
	if err != nil {
		logger.Error("run failed to execute", "error", err)
		return res, err
	}
	logger.Info("run finished", "verdict", res.Verdict, "release_targets", res.ReleaseTargets)
	return res, nil
}

func (d *Dispatcher) finish(t *Ticket, res *run.Result, err error) {
	d.mu.Lock()
	delete(d.pending, t.RunID)
	d.mu.Unlock()
	t.complete(res, err)
}

func (d *Dispatcher) drain(err error) {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	for {
		select {
		case t := <-d.queue:
			d.finish(t, nil, err)
		default:
			return
		}
	}
}
