package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stagehand/internal/descriptor"
	"github.com/mattjoyce/stagehand/internal/events"
	"github.com/mattjoyce/stagehand/internal/hosts"
	"github.com/mattjoyce/stagehand/internal/matrix"
	"github.com/mattjoyce/stagehand/internal/metrics"
	"github.com/mattjoyce/stagehand/internal/run"
	"github.com/mattjoyce/stagehand/internal/runner"
	"github.com/mattjoyce/stagehand/internal/scheduler/mocks"
)

func load(t *testing.T, doc string) *descriptor.Pipeline {
	t.Helper()
	p, err := descriptor.Load([]byte(doc))
	require.NoError(t, err)
	return p
}

func builder(name, arch string, distros ...string) hosts.Host {
	return hosts.Host{Name: name, Arch: arch, Distributions: distros}
}

func newPool(t *testing.T, hs ...hosts.Host) *hosts.Pool {
	t.Helper()
	pool, err := hosts.NewPool(hs, nil)
	require.NoError(t, err)
	return pool
}

func newScheduler(opts Options, pool HostPool, jr JobRunner) *Scheduler {
	return New(opts, pool, jr, events.NewHub(1024), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func outcomes(res *run.Result) map[string]run.Outcome {
	out := make(map[string]run.Outcome)
	for _, j := range res.Jobs() {
		out[j.Coordinate.String()] = j.Outcome
	}
	return out
}

func passing(context.Context, runner.Job) (*runner.Report, error) {
	return &runner.Report{Passed: true}, nil
}

const twoStages = `
release-branches:
  master: ovirt-master
stages:
  - S1:
      archs: [x86_64]
      distributions: [el8]
      substages: [build]
  - S2:
      archs: [x86_64]
      distributions: [el8, el9]
      substages: [check]
`

func TestFailingBlockingStageHaltsLaterStages(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	jr := mocks.NewMockJobRunner(ctrl)
	jr.EXPECT().Run(gomock.Any(), gomock.Any()).Return(&runner.Report{Diagnostic: "compile error"}, nil).Times(1)

	s := newScheduler(Options{}, newPool(t, builder("h1", "x86_64", "el8", "el9")), jr)
	res, err := s.Run(context.Background(), load(t, twoStages), RunRequest{Branch: "master"})
	require.NoError(t, err)

	assert.Equal(t, map[string]run.Outcome{
		"S1/build/x86_64/el8": run.Failed,
		"S2/check/x86_64/el8": run.NotRun,
		"S2/check/x86_64/el9": run.NotRun,
	}, outcomes(res))
	assert.Equal(t, run.VerdictFailed, res.Stages[0].Verdict)
	assert.Equal(t, run.VerdictNotRun, res.Stages[1].Verdict)
	assert.Equal(t, run.VerdictFailed, res.Verdict)
	assert.Empty(t, res.ReleaseTargets)
	assert.Equal(t, "compile error", res.Stages[0].Jobs[0].Diagnostic)
}

func TestContinuePolicyRunsLaterStages(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	jr := mocks.NewMockJobRunner(ctrl)
	jr.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, job runner.Job) (*runner.Report, error) {
		return &runner.Report{Passed: job.Coord.Stage != "S1"}, nil
	}).Times(3)

	s := newScheduler(Options{FailurePolicy: PolicyContinue}, newPool(t, builder("h1", "x86_64", "el8", "el9")), jr)
	res, err := s.Run(context.Background(), load(t, twoStages), RunRequest{Branch: "master"})
	require.NoError(t, err)

	assert.Equal(t, run.VerdictPassed, res.Stages[1].Verdict)
	assert.Equal(t, run.VerdictFailed, res.Verdict)
}

func TestAllPassedReleasesBranchTargets(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	jr := mocks.NewMockJobRunner(ctrl)
	jr.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(passing).Times(6)

	s := newScheduler(Options{}, newPool(t, builder("h1", "x86_64", "el8", "el9")), jr)
	res, err := s.Run(context.Background(), load(t, twoStages), RunRequest{RunID: "fixed", Branch: "master"})
	require.NoError(t, err)

	assert.Equal(t, "fixed", res.ID)
	assert.Equal(t, run.VerdictPassed, res.Verdict)
	assert.Equal(t, []string{"ovirt-master"}, res.ReleaseTargets)

	res, err = s.Run(context.Background(), load(t, twoStages), RunRequest{Branch: "feature"})
	require.NoError(t, err)
	assert.Equal(t, run.VerdictPassed, res.Verdict)
	assert.Empty(t, res.ReleaseTargets, "unmapped branches release nothing")
	assert.NotEmpty(t, res.ID)
}

func TestNoHostOffersDistributionIsErrored(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	jr := mocks.NewMockJobRunner(ctrl)
	jr.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(passing).Times(1)

	s := newScheduler(Options{}, newPool(t, builder("h1", "x86_64", "el8")), jr)
	res, err := s.Run(context.Background(), load(t, `
stages:
  - S1:
      archs: [x86_64]
      distributions: [el8, el9]
      substages: [build]
`), RunRequest{})
	require.NoError(t, err)

	jobs := res.Stages[0].Jobs
	assert.Equal(t, run.Passed, jobs[0].Outcome)
	assert.Equal(t, run.Errored, jobs[1].Outcome, "not failed")
	assert.Contains(t, jobs[1].Diagnostic, "no host satisfies")
	assert.Empty(t, jobs[1].Host)
	assert.Equal(t, run.VerdictFailed, res.Verdict)
}

func TestRunIfSkipsWithoutAllocation(t *testing.T) {
	doc := `
stages:
  - S1:
      archs: [x86_64, ppc64le]
      distributions: [el8]
      substages:
        - tests: {run-if: {file-changed: ['a/*', 'b.txt']}}
`
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// An empty pool would make any acquisition fail, so only skipping keeps
	// the outcome clean.
	jr := mocks.NewMockJobRunner(ctrl)
	s := newScheduler(Options{}, newPool(t), jr)
	res, err := s.Run(context.Background(), load(t, doc), RunRequest{ChangeSet: []string{"c/y.py"}})
	require.NoError(t, err)
	for _, j := range res.Jobs() {
		assert.Equal(t, run.Skipped, j.Outcome, j.Coordinate.String())
		assert.Empty(t, j.Host)
		assert.Empty(t, j.Command, "scripts are not resolved for skipped jobs")
	}
	assert.Equal(t, run.VerdictPassed, res.Stages[0].Verdict)

	jr.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(passing).Times(2)
	s = newScheduler(Options{}, newPool(t, builder("x", "x86_64", "el8"), builder("p", "ppc64le", "el8")), jr)
	res, err = s.Run(context.Background(), load(t, doc), RunRequest{ChangeSet: []string{"a/x.py"}})
	require.NoError(t, err)
	for _, j := range res.Jobs() {
		assert.Equal(t, run.Passed, j.Outcome)
	}
}

func TestCancelKeepsTerminalOutcomes(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jr := mocks.NewMockJobRunner(ctrl)
	jr.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(jobCtx context.Context, job runner.Job) (*runner.Report, error) {
		if job.Coord.Distribution == "el7" {
			return &runner.Report{Passed: true}, nil
		}
		// Second job is running when the run is cancelled.
		cancel()
		<-jobCtx.Done()
		return nil, jobCtx.Err()
	}).Times(2)

	s := newScheduler(Options{MaxParallel: 1}, newPool(t, builder("h1", "x86_64", "el7", "el8", "el9")), jr)
	res, err := s.Run(ctx, load(t, `
stages:
  - S1:
      archs: [x86_64]
      distributions: [el7, el8, el9]
      substages: [build]
  - S2:
      archs: [x86_64]
      distributions: [el8]
      substages: [check]
`), RunRequest{})
	require.NoError(t, err)

	s1 := res.Stages[0].Jobs
	assert.Equal(t, run.Passed, s1[0].Outcome)
	assert.Empty(t, s1[0].Diagnostic)
	for _, j := range append(s1[1:], res.Stages[1].Jobs...) {
		assert.Equal(t, run.Errored, j.Outcome, j.Coordinate.String())
		assert.Equal(t, run.DiagnosticCancelled, j.Diagnostic, j.Coordinate.String())
	}
	assert.Equal(t, run.VerdictFailed, res.Verdict)
}

func TestBestEffortStageDoesNotAffectVerdict(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	jr := mocks.NewMockJobRunner(ctrl)
	jr.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, job runner.Job) (*runner.Report, error) {
		return &runner.Report{Passed: job.Coord.Stage != "lint"}, nil
	}).Times(2)

	s := newScheduler(Options{}, newPool(t, builder("h1", "x86_64", "el8")), jr)
	res, err := s.Run(context.Background(), load(t, `
release-branches: {master: [prod]}
stages:
  - lint:
      best-effort: true
      archs: [x86_64]
      distributions: [el8]
      substages: [style]
  - build:
      archs: [x86_64]
      distributions: [el8]
      substages: [rpm]
`), RunRequest{Branch: "master"})
	require.NoError(t, err)

	assert.Equal(t, run.VerdictFailed, res.Stages[0].Verdict)
	assert.Equal(t, run.VerdictPassed, res.Stages[1].Verdict)
	assert.Equal(t, run.VerdictPassed, res.Verdict)
	assert.Equal(t, []string{"prod"}, res.ReleaseTargets)
}

func TestJobTimeoutIsErrored(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	jr := mocks.NewMockJobRunner(ctrl)
	jr.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ runner.Job) (*runner.Report, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}).Times(1)

	pool := newPool(t, builder("h1", "x86_64", "el8"))
	s := newScheduler(Options{JobTimeout: time.Hour}, pool, jr)
	res, err := s.Run(context.Background(), load(t, `
stages:
  - S1:
      archs: [x86_64]
      distributions: [el8]
      substages:
        - slow: {timeout: 50ms}
`), RunRequest{})
	require.NoError(t, err)

	job := res.Stages[0].Jobs[0]
	assert.Equal(t, run.Errored, job.Outcome)
	assert.Equal(t, run.DiagnosticTimeout, job.Diagnostic)
	assert.Equal(t, 0, pool.Busy(), "host released")
}

// stuckPool never frees its host.
type stuckPool struct{}

func (stuckPool) Acquire(ctx context.Context, _ hosts.Requirements, _ matrix.Coordinate) (hosts.Host, error) {
	<-ctx.Done()
	return hosts.Host{}, ctx.Err()
}

func (stuckPool) Release(string) {}

func (stuckPool) Busy() int { return 1 }

func (stuckPool) Size() int { return 1 }

func TestJobTimeoutCoversHostWait(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	jr := mocks.NewMockJobRunner(ctrl)
	s := newScheduler(Options{JobTimeout: 50 * time.Millisecond}, stuckPool{}, jr)

	done := make(chan *run.Result, 1)
	go func() {
		res, err := s.Run(context.Background(), load(t, `
stages:
  - S1:
      archs: [x86_64]
      distributions: [el8]
      substages: [build]
`), RunRequest{})
		assert.NoError(t, err)
		done <- res
	}()

	select {
	case res := <-done:
		job := res.Stages[0].Jobs[0]
		assert.Equal(t, run.Errored, job.Outcome)
		assert.Equal(t, run.DiagnosticTimeout, job.Diagnostic)
		assert.Empty(t, job.Host)
	case <-time.After(5 * time.Second):
		t.Fatal("job kept waiting for a host past its timeout")
	}
}

func TestScriptResolution(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	var commands sync.Map
	jr := mocks.NewMockJobRunner(ctrl)
	jr.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, job runner.Job) (*runner.Report, error) {
		commands.Store(job.Coord.Substage, job.Command)
		return &runner.Report{Passed: true}, nil
	}).Times(2)

	s := newScheduler(Options{DefaultScript: "ci/{{ stage }}/{{ substage }}.sh"}, newPool(t, builder("h1", "x86_64", "el8")), jr)
	res, err := s.Run(context.Background(), load(t, `
stages:
  - check:
      archs: [x86_64]
      distributions: [el8]
      substages:
        - plain
        - custom: {script: 'automation/{{ substage }}.{{ distro }}.sh'}
        - broken: {script: 'automation/{{ nope }}.sh'}
`), RunRequest{})
	require.NoError(t, err)

	plain, _ := commands.Load("plain")
	custom, _ := commands.Load("custom")
	assert.Equal(t, "ci/check/plain.sh", plain)
	assert.Equal(t, "automation/custom.el8.sh", custom)

	broken := res.Stages[0].Jobs[2]
	assert.Equal(t, run.Errored, broken.Outcome)
	assert.Contains(t, broken.Diagnostic, "nope")
}

func TestRunnerInfrastructureErrorIsErrored(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	jr := mocks.NewMockJobRunner(ctrl)
	jr.EXPECT().Run(gomock.Any(), gomock.Any()).Return(nil, errors.New("start runner: no such file")).Times(1)

	s := newScheduler(Options{}, newPool(t, builder("h1", "x86_64", "el8")), jr)
	res, err := s.Run(context.Background(), load(t, `
stages:
  - S1: {archs: [x86_64], distributions: [el8], substages: [build]}
`), RunRequest{})
	require.NoError(t, err)

	job := res.Stages[0].Jobs[0]
	assert.Equal(t, run.Errored, job.Outcome)
	assert.Equal(t, "runner: start runner: no such file", job.Diagnostic)
	assert.Equal(t, "h1", job.Host)
}

func TestResultsFollowExpansionOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	var running, peak atomic.Int32
	jr := mocks.NewMockJobRunner(ctrl)
	jr.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, runner.Job) (*runner.Report, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		running.Add(-1)
		return &runner.Report{Passed: true}, nil
	}).AnyTimes()

	pool := newPool(t,
		builder("a1", "aarch64", "el8", "fc30"),
		builder("x1", "x86_64", "el8", "fc30"),
		builder("x2", "x86_64", "el8", "fc30"),
	)
	p := load(t, `
stages:
  - zeta:
      archs: [x86_64, aarch64]
      distributions: [fc30, el8]
      substages: [z, a]
  - alpha:
      archs: [x86_64]
      distributions: [el8]
      substages: [only]
`)
	s := newScheduler(Options{MaxParallel: 2}, pool, jr)
	res, err := s.Run(context.Background(), p, RunRequest{})
	require.NoError(t, err)

	var got, want []string
	for _, j := range res.Jobs() {
		got = append(got, j.Coordinate.String())
	}
	for _, c := range p.Coordinates() {
		want = append(want, c.String())
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("result order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "zeta", res.Stages[0].Name)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRecorderAndEvents(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	jr := mocks.NewMockJobRunner(ctrl)
	jr.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(passing).Times(1)

	rec := mocks.NewMockRecorder(ctrl)
	gomock.InOrder(
		rec.EXPECT().Begin(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, res *run.Result) error {
			assert.Equal(t, run.NotRun, res.Stages[0].Jobs[0].Outcome)
			return nil
		}),
		rec.EXPECT().Finish(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, res *run.Result) error {
			assert.Equal(t, run.VerdictPassed, res.Verdict)
			return nil
		}),
	)

	s := newScheduler(Options{}, newPool(t, builder("h1", "x86_64", "el8")), jr)
	s.SetRecorder(rec)
	s.SetMetrics(metrics.New())

	_, err := s.Run(context.Background(), load(t, `
stages:
  - S1: {archs: [x86_64], distributions: [el8], substages: [build]}
`), RunRequest{})
	require.NoError(t, err)

	var types []string
	for _, ev := range s.Events().SnapshotSince(0) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		events.RunStarted,
		events.StageStarted,
		events.JobStarted,
		events.JobCompleted,
		events.StageCompleted,
		events.RunCompleted,
	}, types)
}

func TestRecorderBeginFailureStopsRun(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	rec := mocks.NewMockRecorder(ctrl)
	rec.EXPECT().Begin(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

	s := newScheduler(Options{}, newPool(t), mocks.NewMockJobRunner(ctrl))
	s.SetRecorder(rec)

	_, err := s.Run(context.Background(), load(t, "stages: [empty]\n"), RunRequest{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "disk full"))
}

func TestEmptyStagePasses(t *testing.T) {
	s := newScheduler(Options{}, newPool(t), runner.DryRun{})
	res, err := s.Run(context.Background(), load(t, "stages: [empty]\n"), RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, run.VerdictPassed, res.Stages[0].Verdict)
	assert.Equal(t, run.VerdictPassed, res.Verdict)
}

func TestNilPipeline(t *testing.T) {
	s := newScheduler(Options{}, newPool(t), runner.DryRun{})
	_, err := s.Run(context.Background(), nil, RunRequest{})
	assert.Error(t, err)
}
