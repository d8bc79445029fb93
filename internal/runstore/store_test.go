package runstore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stagehand/internal/matrix"
	"github.com/mattjoyce/stagehand/internal/run"
	"github.com/mattjoyce/stagehand/internal/storage"
)

func openStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), db
}

func sampleResult(id string, started time.Time) *run.Result {
	coord := func(stage, distro string) matrix.Coordinate {
		return matrix.Coordinate{Stage: stage, Substage: "job", Arch: "x86_64", Distribution: distro}
	}
	return &run.Result{
		ID:          id,
		Branch:      "master",
		ChangeSet:   []string{"a/x.py"},
		Fingerprint: "blake3:abc",
		StartedAt:   started,
		Stages: []run.StageResult{
			{Name: "build", Verdict: run.VerdictNotRun, Jobs: []run.JobResult{
				{Coordinate: coord("build", "el8"), Outcome: run.NotRun},
				{Coordinate: coord("build", "el9"), Outcome: run.NotRun},
			}},
			{Name: "lint", BestEffort: true, Verdict: run.VerdictNotRun, Jobs: []run.JobResult{
				{Coordinate: coord("lint", "el8"), Outcome: run.NotRun},
			}},
		},
	}
}

func TestBeginFinishGetRoundTrip(t *testing.T) {
	t.Parallel()
	store, _ := openStore(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	res := sampleResult("r1", started)
	require.NoError(t, store.Begin(ctx, res))

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, run.Verdict(""), got.Verdict)
	assert.Equal(t, run.NotRun, got.Stages[0].Jobs[1].Outcome)

	res.Stages[0].Jobs[0].Outcome = run.Passed
	res.Stages[0].Jobs[0].Host = "h1"
	res.Stages[0].Jobs[0].Command = "automation/job.sh"
	res.Stages[0].Jobs[0].StartedAt = started.Add(time.Second)
	res.Stages[0].Jobs[0].FinishedAt = started.Add(time.Minute)
	res.Stages[0].Jobs[1].Outcome = run.Skipped
	res.Stages[0].Verdict = run.VerdictPassed
	res.Stages[1].Jobs[0].Outcome = run.Failed
	res.Stages[1].Jobs[0].Diagnostic = "style"
	res.Stages[1].Verdict = run.VerdictFailed
	res.Verdict = run.VerdictPassed
	res.ReleaseTargets = []string{"ovirt-master"}
	res.FinishedAt = started.Add(2 * time.Minute)
	require.NoError(t, store.Finish(ctx, res))

	got, err = store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, res, got)
}

func TestGetMissingRun(t *testing.T) {
	t.Parallel()
	store, _ := openStore(t)

	_, err := store.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrRunNotFound))

	err = store.Finish(context.Background(), sampleResult("nope", time.Now()))
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestListNewestFirst(t *testing.T) {
	t.Parallel()
	store, _ := openStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		res := sampleResult(id, base.Add(time.Duration(i)*time.Hour))
		if id == "mid" {
			res.Branch = "ovirt-4.3"
		}
		require.NoError(t, store.Begin(ctx, res))
	}

	all, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, 3, all[0].Jobs)
	assert.Equal(t, StatusRunning, all[0].Status)
	assert.Nil(t, all[0].FinishedAt)

	limited, err := store.List(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	branch, err := store.List(ctx, ListFilter{Branch: "ovirt-4.3"})
	require.NoError(t, err)
	require.Len(t, branch, 1)
	assert.Equal(t, "mid", branch[0].ID)
}

func TestRecoverInterrupted(t *testing.T) {
	t.Parallel()
	store, _ := openStore(t)
	ctx := context.Background()

	res := sampleResult("crashed", time.Now().UTC())
	require.NoError(t, store.Begin(ctx, res))

	done := sampleResult("done", time.Now().UTC())
	require.NoError(t, store.Begin(ctx, done))
	done.Verdict = run.VerdictPassed
	done.FinishedAt = time.Now().UTC()
	require.NoError(t, store.Finish(ctx, done))

	n, err := store.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, run.VerdictFailed, got.Verdict)
	assert.Equal(t, run.VerdictFailed, got.Stages[0].Verdict)
	for _, j := range got.Jobs() {
		assert.Equal(t, run.Errored, j.Outcome)
		assert.Equal(t, DiagnosticInterrupted, j.Diagnostic)
	}

	summaries, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	for _, s := range summaries {
		if s.ID == "crashed" {
			assert.Equal(t, StatusInterrupted, s.Status)
		}
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	store, _ := openStore(t)
	ctx := context.Background()

	old := sampleResult("old", time.Now().UTC().Add(-48*time.Hour))
	require.NoError(t, store.Begin(ctx, old))
	old.FinishedAt = time.Now().UTC()
	require.NoError(t, store.Finish(ctx, old))

	running := sampleResult("running", time.Now().UTC().Add(-48*time.Hour))
	require.NoError(t, store.Begin(ctx, running))

	n, err := store.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = store.Get(ctx, "running")
	assert.NoError(t, err)
}
