package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/stagehand/internal/api"
	"github.com/mattjoyce/stagehand/internal/descriptor"
	"github.com/mattjoyce/stagehand/internal/dispatch"
	"github.com/mattjoyce/stagehand/internal/events"
	"github.com/mattjoyce/stagehand/internal/hosts"
	"github.com/mattjoyce/stagehand/internal/log"
	"github.com/mattjoyce/stagehand/internal/metrics"
	"github.com/mattjoyce/stagehand/internal/runner"
	"github.com/mattjoyce/stagehand/internal/runstore"
	"github.com/mattjoyce/stagehand/internal/scheduler"
	"github.com/mattjoyce/stagehand/internal/storage"
)

const pipelineYAML = `
release-branches:
  master: ovirt-master
stages:
  - build-artifacts:
      archs: [x86_64]
      distributions: [el8]
      substages:
        - build
  - check-patch:
      archs: [x86_64]
      distributions: [el8, el9]
      substages:
        - tests
`

const inventoryYAML = `
hosts:
  - name: builder-1
    arch: x86_64
    distributions: [el8, el9]
  - name: builder-2
    arch: x86_64
    distributions: [el8]
`

// The runner fails every el9 job and passes everything else.
const runnerScript = `#!/bin/bash
input=$(cat)
if [[ "$input" == *'"distribution":"el9"'* ]]; then
  echo '{"status":"failed","diagnostic":"el9 tests failed"}'
  exit 0
fi
echo '{"status":"passed","logs":[{"level":"info","message":"ok"}]}'
`

type stack struct {
	server *httptest.Server
	store  *runstore.Store
	hub    *events.Hub
}

func startStack(t *testing.T, secret string) *stack {
	t.Helper()
	tmpDir := t.TempDir()

	log.Setup("ERROR", "text")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	descPath := filepath.Join(tmpDir, "stdci.yaml")
	if err := os.WriteFile(descPath, []byte(pipelineYAML), 0644); err != nil {
		t.Fatalf("failed to write descriptor: %v", err)
	}
	entry := filepath.Join(tmpDir, "runner.sh")
	if err := os.WriteFile(entry, []byte(runnerScript), 0755); err != nil {
		t.Fatalf("failed to write runner: %v", err)
	}

	db, err := storage.OpenSQLite(ctx, filepath.Join(tmpDir, "runs.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := runstore.New(db)

	inv, err := hosts.Parse([]byte(inventoryYAML))
	if err != nil {
		t.Fatalf("failed to parse inventory: %v", err)
	}
	pool, err := inv.Pool()
	if err != nil {
		t.Fatalf("failed to build pool: %v", err)
	}

	hub := events.NewHub(256)
	m := metrics.New()
	sched := scheduler.New(scheduler.Options{
		MaxParallel:   2,
		JobTimeout:    10 * time.Second,
		FailurePolicy: scheduler.PolicyHalt,
		DefaultScript: "automation/{{ substage }}.sh",
	}, pool, runner.NewProcess(entry, time.Second), hub, log.Get())
	sched.SetRecorder(store)
	sched.SetMetrics(m)

	disp := dispatch.New(func() (*descriptor.Pipeline, error) { return descriptor.LoadFile(descPath) }, sched, 4)
	go func() { _ = disp.Start(ctx) }()

	srv := api.New(api.Config{APIKey: "admin-key", WebhookSecret: secret}, disp, store, hub, pool, m, log.WithComponent("api"))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &stack{server: ts, store: store, hub: hub}
}

func (s *stack) post(t *testing.T, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

type runReport struct {
	ID             string `json:"id"`
	Verdict        string `json:"verdict"`
	Stages         []struct {
		Name    string `json:"name"`
		Verdict string `json:"verdict"`
		Jobs    []struct {
			Outcome    string `json:"outcome"`
			Host       string `json:"host"`
			Diagnostic string `json:"diagnostic"`
		} `json:"jobs"`
	} `json:"stages"`
	Totals map[string]int `json:"totals"`
}

func TestEndToEndRunOverHTTP(t *testing.T) {
	s := startStack(t, "")

	body := []byte(`{"branch":"master","changed_files":["src/app.py"]}`)
	resp := s.post(t, "/runs?wait=true", body, map[string]string{"Authorization": "Bearer admin-key"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /runs?wait=true status = %d, want 200", resp.StatusCode)
	}

	var rep runReport
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.Verdict != "failed" {
		t.Fatalf("verdict = %q, want failed", rep.Verdict)
	}
	if len(rep.Stages) != 2 {
		t.Fatalf("stages = %d, want 2", len(rep.Stages))
	}
	if rep.Stages[0].Verdict != "passed" || rep.Stages[1].Verdict != "failed" {
		t.Fatalf("stage verdicts = %s/%s, want passed/failed", rep.Stages[0].Verdict, rep.Stages[1].Verdict)
	}
	if rep.Totals["passed"] != 2 || rep.Totals["failed"] != 1 {
		t.Fatalf("totals = %v, want 2 passed and 1 failed", rep.Totals)
	}
	for _, j := range rep.Stages[1].Jobs {
		if j.Outcome == "failed" {
			if j.Host != "builder-1" {
				t.Fatalf("el9 job ran on %q, only builder-1 carries el9", j.Host)
			}
			if j.Diagnostic != "el9 tests failed" {
				t.Fatalf("diagnostic = %q", j.Diagnostic)
			}
		}
	}

	stored, err := s.store.Get(context.Background(), rep.ID)
	if err != nil {
		t.Fatalf("run not recorded: %v", err)
	}
	if string(stored.Verdict) != "failed" {
		t.Fatalf("stored verdict = %q", stored.Verdict)
	}

	var sawCompleted bool
	for _, ev := range s.hub.SnapshotSince(0) {
		if ev.Type == events.RunCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Fatal("no run.completed event published")
	}
}

func TestEndToEndPushHook(t *testing.T) {
	const secret = "hook-secret"
	s := startStack(t, secret)

	payload := []byte(`{"ref":"refs/heads/master","changed_files":["README.md"]}`)
	resp := s.post(t, "/hooks/push", payload, map[string]string{"X-Hub-Signature-256": api.SignPayload(payload, secret)})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /hooks/push status = %d, want 202", resp.StatusCode)
	}
	var queued api.SubmitRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		res, err := s.store.Get(context.Background(), queued.RunID)
		if err == nil && !res.FinishedAt.IsZero() {
			if res.Branch != "master" {
				t.Fatalf("branch = %q, want master", res.Branch)
			}
			if string(res.Verdict) != "failed" {
				t.Fatalf("verdict = %q, want failed", res.Verdict)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", queued.RunID)
}
