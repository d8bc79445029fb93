// Package descriptor loads and validates pipeline descriptors.
//
// A descriptor is resolved completely at load time: overlay references are
// followed, stage-level defaults are copied into every substage and each
// substage carries fully materialized matrix axes. Nothing downstream needs
// to consult a parent stage or another substage.
package descriptor

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/stagehand/internal/condition"
	"github.com/mattjoyce/stagehand/internal/hosts"
	"github.com/mattjoyce/stagehand/internal/matrix"
)

// Pipeline is a loaded descriptor. Stage order is document order.
type Pipeline struct {
	ReleaseBranches ReleaseMap `json:"release_branches"`
	Stages          []Stage    `json:"stages"`
	Fingerprint     string     `json:"-"` // blake3:<hex> of the resolved form.
}

// Stage is one sequential phase of a pipeline.
type Stage struct {
	Name       string     `json:"name"`
	BestEffort bool       `json:"best_effort,omitempty"`
	Substages  []Substage `json:"substages"`
}

// Substage is a unit of work expanded across its matrix.
type Substage struct {
	Name         string               `json:"name"`
	Axes         matrix.Axes          `json:"axes"`
	RunIf        *condition.Condition `json:"run_if,omitempty"`
	Requirements hosts.Requirements   `json:"runtime_requirements,omitempty"`
	Script       string               `json:"script,omitempty"`
	Timeout      time.Duration        `json:"timeout,omitempty"`
	Extends      string               `json:"extends,omitempty"`
}

// ReleaseMap maps a branch to its release targets, keeping document order.
type ReleaseMap struct {
	branches []string
	targets  map[string][]string
}

// NewReleaseMap builds a map from ordered (branch, targets) pairs.
func NewReleaseMap(branches []string, targets map[string][]string) ReleaseMap {
	rm := ReleaseMap{
		branches: append([]string(nil), branches...),
		targets:  make(map[string][]string, len(targets)),
	}
	for b, t := range targets {
		rm.targets[b] = append([]string(nil), t...)
	}
	return rm
}

// Branches returns branch names in document order.
func (m ReleaseMap) Branches() []string {
	return append([]string(nil), m.branches...)
}

// Targets returns the release targets of branch.
func (m ReleaseMap) Targets(branch string) ([]string, bool) {
	t, ok := m.targets[branch]
	if !ok {
		return nil, false
	}
	return append([]string(nil), t...), true
}

// Len is the number of branches.
func (m ReleaseMap) Len() int {
	return len(m.branches)
}

type releaseEntry struct {
	Branch  string   `json:"branch"`
	Targets []string `json:"targets"`
}

// MarshalJSON renders the map as an ordered list.
func (m ReleaseMap) MarshalJSON() ([]byte, error) {
	entries := make([]releaseEntry, 0, len(m.branches))
	for _, b := range m.branches {
		entries = append(entries, releaseEntry{Branch: b, Targets: m.targets[b]})
	}
	return json.Marshal(entries)
}

// Stage returns the stage called name.
func (p *Pipeline) Stage(name string) (*Stage, bool) {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i], true
		}
	}
	return nil, false
}

// Coordinates expands every substage of every stage, in document order for
// stages and substages and in matrix order within a substage.
func (p *Pipeline) Coordinates() []matrix.Coordinate {
	var out []matrix.Coordinate
	for _, stage := range p.Stages {
		out = append(out, stage.Coordinates()...)
	}
	return out
}

// Coordinates expands the stage's substages in document order.
func (s Stage) Coordinates() []matrix.Coordinate {
	var out []matrix.Coordinate
	for _, sub := range s.Substages {
		out = append(out, matrix.Expand(s.Name, sub.Name, sub.Axes)...)
	}
	return out
}
