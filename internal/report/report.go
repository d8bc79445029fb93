// Package report renders run results and execution plans for terminals and
// machines.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/stagehand/internal/run"
)

// Source loads stored runs.
type Source interface {
	Get(ctx context.Context, id string) (*run.Result, error)
}

// Summary is the machine-readable report of a run.
type Summary struct {
	*run.Result
	Totals map[run.Outcome]int `json:"totals"`
}

// Load fetches a stored run for rendering.
func Load(ctx context.Context, src Source, runID string) (*run.Result, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run id is required")
	}
	res, err := src.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %q: %w", runID, err)
	}
	return res, nil
}

// Text renders a terminal-friendly report. Jobs appear in expansion order.
func Text(res *run.Result) string {
	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", res.ID)
	fmt.Fprintf(&out, "Branch      : %s\n", renderUnset(res.Branch, "<none>"))
	fmt.Fprintf(&out, "Descriptor  : %s\n", renderUnset(res.Fingerprint, "<unknown>"))
	fmt.Fprintf(&out, "Changes     : %d file(s)\n", len(res.ChangeSet))
	fmt.Fprintf(&out, "Verdict     : %s\n", renderUnset(string(res.Verdict), "<running>"))
	if len(res.ReleaseTargets) > 0 {
		fmt.Fprintf(&out, "Release     : %s\n", strings.Join(res.ReleaseTargets, ", "))
	} else {
		fmt.Fprintf(&out, "Release     : <none>\n")
	}
	if !res.FinishedAt.IsZero() && !res.StartedAt.IsZero() {
		fmt.Fprintf(&out, "Duration    : %s\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintf(&out, "\n")

	for i, stage := range res.Stages {
		label := stage.Name
		if stage.BestEffort {
			label += " (best-effort)"
		}
		fmt.Fprintf(&out, "[%d] %s :: %s\n", i+1, label, stage.Verdict)
		if len(stage.Jobs) == 0 {
			fmt.Fprintf(&out, "    <no jobs>\n")
		}
		for _, j := range stage.Jobs {
			fmt.Fprintf(&out, "    %-8s %s", j.Outcome, j.Coordinate.String())
			if j.Host != "" {
				fmt.Fprintf(&out, " @ %s", j.Host)
			}
			if d := j.Duration(); d > 0 {
				fmt.Fprintf(&out, " (%s)", d.Round(time.Millisecond))
			}
			fmt.Fprintf(&out, "\n")
			if j.Diagnostic != "" {
				for _, line := range strings.Split(strings.TrimSpace(j.Diagnostic), "\n") {
					fmt.Fprintf(&out, "             %s\n", line)
				}
			}
		}
		fmt.Fprintf(&out, "\n")
	}

	fmt.Fprintf(&out, "Totals      : %s\n", renderTotals(totals(res)))
	return out.String()
}

// JSON renders the machine-readable report.
func JSON(res *run.Result) (string, error) {
	data, err := json.MarshalIndent(Summarize(res), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// Summarize pairs a result with its outcome totals.
func Summarize(res *run.Result) Summary {
	return Summary{Result: res, Totals: totals(res)}
}

func totals(res *run.Result) map[run.Outcome]int {
	out := make(map[run.Outcome]int)
	for _, stage := range res.Stages {
		for outcome, n := range stage.Counts() {
			out[outcome] += n
		}
	}
	return out
}

func renderTotals(t map[run.Outcome]int) string {
	if len(t) == 0 {
		return "<no jobs>"
	}
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, t[run.Outcome(k)]))
	}
	return strings.Join(parts, " ")
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
