package scheduler

import (
	"context"

	"github.com/mattjoyce/stagehand/internal/hosts"
	"github.com/mattjoyce/stagehand/internal/matrix"
	"github.com/mattjoyce/stagehand/internal/run"
	"github.com/mattjoyce/stagehand/internal/runner"
)

//go:generate mockgen -destination=mocks/mock_scheduler.go -package=mocks github.com/mattjoyce/stagehand/internal/scheduler JobRunner,Recorder

// JobRunner executes one job on its allocated host.
type JobRunner interface {
	Run(ctx context.Context, job runner.Job) (*runner.Report, error)
}

// Recorder persists runs. Begin is called before the first stage starts and
// Finish once the verdict is known.
type Recorder interface {
	Begin(ctx context.Context, res *run.Result) error
	Finish(ctx context.Context, res *run.Result) error
}

// HostPool hands out exclusive hosts.
type HostPool interface {
	Acquire(ctx context.Context, req hosts.Requirements, job matrix.Coordinate) (hosts.Host, error)
	Release(name string)
	Busy() int
	Size() int
}
