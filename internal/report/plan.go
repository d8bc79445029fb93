package report

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattjoyce/stagehand/internal/condition"
	"github.com/mattjoyce/stagehand/internal/descriptor"
	"github.com/mattjoyce/stagehand/internal/hosts"
	"github.com/mattjoyce/stagehand/internal/matrix"
	"github.com/mattjoyce/stagehand/internal/script"
)

// Checker reports whether some host could ever satisfy a job.
type Checker interface {
	Check(req hosts.Requirements, job matrix.Coordinate) error
}

// PlannedJob is one expanded job as it would be scheduled.
type PlannedJob struct {
	matrix.Coordinate
	Runs         bool               `json:"runs"`
	Command      string             `json:"command,omitempty"`
	Requirements hosts.Requirements `json:"runtime_requirements,omitempty"`
	Problem      string             `json:"problem,omitempty"`
}

// PlannedStage groups planned jobs of one stage.
type PlannedStage struct {
	Name       string       `json:"name"`
	BestEffort bool         `json:"best_effort,omitempty"`
	Jobs       []PlannedJob `json:"jobs"`
}

// Plan is the dry expansion of a pipeline against a change-set.
type Plan struct {
	Branch         string         `json:"branch,omitempty"`
	Fingerprint    string         `json:"descriptor_fingerprint"`
	ReleaseTargets []string       `json:"release_targets,omitempty"`
	Stages         []PlannedStage `json:"stages"`
}

// BuildPlan expands p without executing anything. checker may be nil.
func BuildPlan(p *descriptor.Pipeline, branch string, changes []string, defaultScript string, checker Checker) *Plan {
	if defaultScript == "" {
		defaultScript = script.DefaultTemplate
	}
	plan := &Plan{Branch: branch, Fingerprint: p.Fingerprint, Stages: make([]PlannedStage, 0, len(p.Stages))}
	if targets, ok := p.ReleaseBranches.Targets(branch); ok {
		plan.ReleaseTargets = targets
	}

	for _, stage := range p.Stages {
		ps := PlannedStage{Name: stage.Name, BestEffort: stage.BestEffort, Jobs: []PlannedJob{}}
		for _, sub := range stage.Substages {
			runs := condition.Evaluate(sub.RunIf, changes)
			tmpl := sub.Script
			if tmpl == "" {
				tmpl = defaultScript
			}
			for _, coord := range matrix.Expand(stage.Name, sub.Name, sub.Axes) {
				job := PlannedJob{Coordinate: coord, Runs: runs, Requirements: sub.Requirements}
				if runs {
					cmd, err := script.ForJob(tmpl, coord)
					if err != nil {
						job.Problem = err.Error()
					}
					job.Command = cmd
					if job.Problem == "" && checker != nil {
						if err := checker.Check(sub.Requirements, coord); err != nil {
							job.Problem = err.Error()
						}
					}
				}
				ps.Jobs = append(ps.Jobs, job)
			}
		}
		plan.Stages = append(plan.Stages, ps)
	}
	return plan
}

// Jobs counts planned jobs and those that would run.
func (p *Plan) Jobs() (total, runnable int) {
	for _, s := range p.Stages {
		for _, j := range s.Jobs {
			total++
			if j.Runs {
				runnable++
			}
		}
	}
	return total, runnable
}

// PlanText renders a plan for terminals.
func PlanText(p *Plan) string {
	var out strings.Builder
	total, runnable := p.Jobs()
	fmt.Fprintf(&out, "Plan\n")
	fmt.Fprintf(&out, "Branch      : %s\n", renderUnset(p.Branch, "<none>"))
	fmt.Fprintf(&out, "Descriptor  : %s\n", renderUnset(p.Fingerprint, "<unknown>"))
	fmt.Fprintf(&out, "Jobs        : %d (%d would run)\n", total, runnable)
	if len(p.ReleaseTargets) > 0 {
		fmt.Fprintf(&out, "Release     : %s\n", strings.Join(p.ReleaseTargets, ", "))
	}
	fmt.Fprintf(&out, "\n")

	for i, stage := range p.Stages {
		label := stage.Name
		if stage.BestEffort {
			label += " (best-effort)"
		}
		fmt.Fprintf(&out, "[%d] %s\n", i+1, label)
		if len(stage.Jobs) == 0 {
			fmt.Fprintf(&out, "    <no jobs>\n")
		}
		for _, j := range stage.Jobs {
			state := "run"
			if !j.Runs {
				state = "skip"
			}
			fmt.Fprintf(&out, "    %-4s %s", state, j.Coordinate.String())
			if j.Command != "" {
				fmt.Fprintf(&out, " -> %s", j.Command)
			}
			fmt.Fprintf(&out, "\n")
			if j.Problem != "" {
				fmt.Fprintf(&out, "         ! %s\n", j.Problem)
			}
		}
		fmt.Fprintf(&out, "\n")
	}
	return strings.TrimRight(out.String(), "\n") + "\n"
}

// PlanJSON renders a plan as indented JSON.
func PlanJSON(p *Plan) (string, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json plan: %w", err)
	}
	return string(data), nil
}
