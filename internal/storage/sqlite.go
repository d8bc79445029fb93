// Package storage opens the SQLite database that holds run history.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := RequireLocal(path, "state.path"); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Jobs of one run finish concurrently; serialise writers in-process.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
  id              TEXT PRIMARY KEY,
  branch          TEXT NOT NULL DEFAULT '',
  fingerprint     TEXT NOT NULL DEFAULT '',
  change_set      JSON NOT NULL DEFAULT '[]',
  status          TEXT NOT NULL,
  verdict         TEXT,
  release_targets JSON NOT NULL DEFAULT '[]',
  started_at      TEXT NOT NULL,
  finished_at     TEXT
);`,
		`CREATE TABLE IF NOT EXISTS stage_results (
  run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
  position    INTEGER NOT NULL,
  name        TEXT NOT NULL,
  best_effort INTEGER NOT NULL DEFAULT 0,
  verdict     TEXT NOT NULL,
  PRIMARY KEY (run_id, position)
);`,
		`CREATE TABLE IF NOT EXISTS job_results (
  run_id         TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
  stage_position INTEGER NOT NULL,
  position       INTEGER NOT NULL,
  stage          TEXT NOT NULL,
  substage       TEXT NOT NULL,
  arch           TEXT NOT NULL,
  distribution   TEXT NOT NULL,
  outcome        TEXT NOT NULL,
  diagnostic     TEXT,
  host           TEXT,
  command        TEXT,
  started_at     TEXT,
  finished_at    TEXT,
  PRIMARY KEY (run_id, stage_position, position)
);`,
		`CREATE INDEX IF NOT EXISTS runs_started_at_idx ON runs(started_at);`,
		`CREATE INDEX IF NOT EXISTS runs_branch_started_at_idx ON runs(branch, started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
