// Package runstore persists run results in SQLite.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/stagehand/internal/run"
)

const defaultListLimit = 50

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Begin inserts a running run with every job in its initial state.
func (s *Store) Begin(ctx context.Context, res *run.Result) error {
	if res == nil || res.ID == "" {
		return fmt.Errorf("run id is empty")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		changes, err := marshalList(res.ChangeSet)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO runs(id, branch, fingerprint, change_set, status, started_at)
VALUES(?, ?, ?, ?, ?, ?);
`, res.ID, res.Branch, res.Fingerprint, changes, StatusRunning, formatTime(res.StartedAt))
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return insertStages(ctx, tx, res)
	})
}

// Finish stores the final verdict and replaces every stage and job row.
func (s *Store) Finish(ctx context.Context, res *run.Result) error {
	if res == nil || res.ID == "" {
		return fmt.Errorf("run id is empty")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		targets, err := marshalList(res.ReleaseTargets)
		if err != nil {
			return err
		}
		out, err := tx.ExecContext(ctx, `
UPDATE runs
SET status = ?, verdict = ?, release_targets = ?, finished_at = ?
WHERE id = ?;
`, StatusFinished, res.Verdict, targets, formatTime(res.FinishedAt), res.ID)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		if n, _ := out.RowsAffected(); n == 0 {
			return ErrRunNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_results WHERE run_id = ?;`, res.ID); err != nil {
			return fmt.Errorf("clear job results: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM stage_results WHERE run_id = ?;`, res.ID); err != nil {
			return fmt.Errorf("clear stage results: %w", err)
		}
		return insertStages(ctx, tx, res)
	})
}

func insertStages(ctx context.Context, tx *sql.Tx, res *run.Result) error {
	for si, stage := range res.Stages {
		_, err := tx.ExecContext(ctx, `
INSERT INTO stage_results(run_id, position, name, best_effort, verdict)
VALUES(?, ?, ?, ?, ?);
`, res.ID, si, stage.Name, stage.BestEffort, stage.Verdict)
		if err != nil {
			return fmt.Errorf("insert stage %q: %w", stage.Name, err)
		}
		for ji, j := range stage.Jobs {
			_, err := tx.ExecContext(ctx, `
INSERT INTO job_results(
  run_id, stage_position, position, stage, substage, arch, distribution,
  outcome, diagnostic, host, command, started_at, finished_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, res.ID, si, ji, j.Stage, j.Substage, j.Arch, j.Distribution,
				j.Outcome, nullString(j.Diagnostic), nullString(j.Host), nullString(j.Command),
				nullTime(j.StartedAt), nullTime(j.FinishedAt))
			if err != nil {
				return fmt.Errorf("insert job %s: %w", j.Coordinate.String(), err)
			}
		}
	}
	return nil
}

// Get loads a full run result.
func (s *Store) Get(ctx context.Context, id string) (*run.Result, error) {
	var (
		res        run.Result
		changes    string
		targets    string
		verdict    sql.NullString
		startedAt  string
		finishedAt sql.NullString
		status     string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, branch, fingerprint, change_set, status, verdict, release_targets, started_at, finished_at
FROM runs WHERE id = ?;
`, id).Scan(&res.ID, &res.Branch, &res.Fingerprint, &changes, &status, &verdict, &targets, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	if err := json.Unmarshal([]byte(changes), &res.ChangeSet); err != nil {
		return nil, fmt.Errorf("decode change set: %w", err)
	}
	if err := json.Unmarshal([]byte(targets), &res.ReleaseTargets); err != nil {
		return nil, fmt.Errorf("decode release targets: %w", err)
	}
	if verdict.Valid {
		res.Verdict = run.Verdict(verdict.String)
	}
	res.StartedAt = parseTime(startedAt)
	if finishedAt.Valid {
		res.FinishedAt = parseTime(finishedAt.String)
	}

	stages, err := s.stages(ctx, id)
	if err != nil {
		return nil, err
	}
	res.Stages = stages
	return &res, nil
}

func (s *Store) stages(ctx context.Context, id string) ([]run.StageResult, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, best_effort, verdict FROM stage_results WHERE run_id = ? ORDER BY position ASC;
`, id)
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	var stages []run.StageResult
	for rows.Next() {
		var st run.StageResult
		var verdict string
		if err := rows.Scan(&st.Name, &st.BestEffort, &verdict); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		st.Verdict = run.Verdict(verdict)
		st.Jobs = []run.JobResult{}
		stages = append(stages, st)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stages: %w", err)
	}

	jobRows, err := s.db.QueryContext(ctx, `
SELECT stage_position, stage, substage, arch, distribution, outcome, diagnostic, host, command, started_at, finished_at
FROM job_results WHERE run_id = ? ORDER BY stage_position ASC, position ASC;
`, id)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer jobRows.Close()

	for jobRows.Next() {
		var (
			pos                       int
			j                         run.JobResult
			outcome                   string
			diagnostic, host, command sql.NullString
			startedAt, finishedAt     sql.NullString
		)
		if err := jobRows.Scan(&pos, &j.Stage, &j.Substage, &j.Arch, &j.Distribution, &outcome,
			&diagnostic, &host, &command, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if pos < 0 || pos >= len(stages) {
			return nil, fmt.Errorf("job %s references missing stage %d", j.Coordinate.String(), pos)
		}
		j.Outcome = run.Outcome(outcome)
		j.Diagnostic = diagnostic.String
		j.Host = host.String
		j.Command = command.String
		if startedAt.Valid {
			j.StartedAt = parseTime(startedAt.String)
		}
		if finishedAt.Valid {
			j.FinishedAt = parseTime(finishedAt.String)
		}
		stages[pos].Jobs = append(stages[pos].Jobs, j)
	}
	if err := jobRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return stages, nil
}

// List returns recent runs, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Summary, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
SELECT r.id, r.branch, r.status, r.verdict, r.started_at, r.finished_at,
  (SELECT COUNT(*) FROM job_results j WHERE j.run_id = r.id)
FROM runs r`
	args := []any{}
	if filter.Branch != "" {
		query += ` WHERE r.branch = ?`
		args = append(args, filter.Branch)
	}
	query += ` ORDER BY r.started_at DESC, r.rowid DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum        Summary
			status     string
			verdict    sql.NullString
			startedAt  string
			finishedAt sql.NullString
		)
		if err := rows.Scan(&sum.ID, &sum.Branch, &status, &verdict, &startedAt, &finishedAt, &sum.Jobs); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		sum.Status = Status(status)
		sum.Verdict = run.Verdict(verdict.String)
		sum.StartedAt = parseTime(startedAt)
		if finishedAt.Valid {
			t := parseTime(finishedAt.String)
			sum.FinishedAt = &t
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// RecoverInterrupted closes out runs left running by a process that died.
// Their unfinished jobs become errored "interrupted" and the run fails.
func (s *Store) RecoverInterrupted(ctx context.Context) (int, error) {
	var recovered int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(time.Now().UTC())
		if _, err := tx.ExecContext(ctx, `
UPDATE job_results
SET outcome = ?, diagnostic = ?
WHERE outcome = ? AND run_id IN (SELECT id FROM runs WHERE status = ?);
`, run.Errored, DiagnosticInterrupted, run.NotRun, StatusRunning); err != nil {
			return fmt.Errorf("interrupt jobs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE stage_results
SET verdict = ?
WHERE run_id IN (SELECT id FROM runs WHERE status = ?)
  AND EXISTS (
    SELECT 1 FROM job_results j
    WHERE j.run_id = stage_results.run_id AND j.stage_position = stage_results.position AND j.outcome IN (?, ?)
  );
`, run.VerdictFailed, StatusRunning, run.Failed, run.Errored); err != nil {
			return fmt.Errorf("interrupt stages: %w", err)
		}
		out, err := tx.ExecContext(ctx, `
UPDATE runs SET status = ?, verdict = ?, finished_at = ? WHERE status = ?;
`, StatusInterrupted, run.VerdictFailed, now, StatusRunning)
		if err != nil {
			return fmt.Errorf("interrupt runs: %w", err)
		}
		n, _ := out.RowsAffected()
		recovered = int(n)
		return nil
	})
	return recovered, err
}

// Prune deletes finished runs that started before the retention window.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := formatTime(time.Now().UTC().Add(-retention))
	out, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE status != ? AND started_at < ?;`, StatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := out.RowsAffected()
	return int(n), nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func marshalList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("marshal list: %w", err)
	}
	return string(b), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}
