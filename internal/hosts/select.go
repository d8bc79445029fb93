package hosts

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/mattjoyce/stagehand/internal/matrix"
)

// Requirement keys and host-distro values understood by the selector. Any
// other key must equal a host label of the same name.
const (
	KeyHostDistro = "host-distro"

	HostDistroSame  = "same"
	HostDistroNewer = "newer"
	HostDistroAny   = "any"
)

// Requirements are conjunctive constraints on a host.
type Requirements map[string]string

// String renders requirements with sorted keys.
func (r Requirements) String() string {
	if len(r) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+r[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Validate rejects unknown host-distro values.
func (r Requirements) Validate() error {
	switch v := r[KeyHostDistro]; v {
	case "", HostDistroSame, HostDistroNewer, HostDistroAny:
		return nil
	default:
		return fmt.Errorf("%s must be one of same, newer, any (got %q)", KeyHostDistro, v)
	}
}

// Host describes one build host.
type Host struct {
	Name          string            `yaml:"name" json:"name"`
	Arch          string            `yaml:"arch" json:"arch"`
	Distributions []string          `yaml:"distributions" json:"distributions"`
	Labels        map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// Offers reports whether the host advertises distribution id.
func (h Host) Offers(id string) bool {
	return slices.Contains(h.Distributions, id)
}

// UnsatisfiableRequirementError means no host in the pool can run the job.
type UnsatisfiableRequirementError struct {
	Job          matrix.Coordinate
	Requirements Requirements
	Reason       string
}

func (e *UnsatisfiableRequirementError) Error() string {
	msg := fmt.Sprintf("no host satisfies %s for %s/%s", e.Requirements, e.Job.Arch, e.Job.Distribution)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// candidate is a qualifying host plus its preference score (higher wins).
type candidate struct {
	host  Host
	score int
}

// qualify filters pool to hosts satisfying req for job, best first.
func qualify(req Requirements, job matrix.Coordinate, pool []Host, ranks RankTable) ([]candidate, error) {
	if err := req.Validate(); err != nil {
		return nil, &UnsatisfiableRequirementError{Job: job, Requirements: req, Reason: err.Error()}
	}

	mode := req[KeyHostDistro]
	if mode == "" {
		mode = HostDistroSame
	}
	jobRelease, ranked := ranks.Lookup(job.Distribution)

	var out []candidate
	for _, h := range pool {
		if h.Arch != job.Arch {
			continue
		}
		if !labelsMatch(req, h) {
			continue
		}

		score := 0
		switch mode {
		case HostDistroSame:
			if !h.Offers(job.Distribution) {
				continue
			}
		case HostDistroAny:
		case HostDistroNewer:
			if ranked {
				_, newest, ok := ranks.Newest(jobRelease.Family, h.Distributions)
				if !ok || newest < jobRelease.Rank {
					continue
				}
				score = newest
			} else if !h.Offers(job.Distribution) {
				continue
			}
		}
		out = append(out, candidate{host: h, score: score})
	}

	if len(out) == 0 {
		return nil, &UnsatisfiableRequirementError{Job: job, Requirements: req, Reason: "no matching host in pool"}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].host.Name < out[j].host.Name
	})
	return out, nil
}

func labelsMatch(req Requirements, h Host) bool {
	for key, want := range req {
		if key == KeyHostDistro {
			continue
		}
		if h.Labels[key] != want {
			return false
		}
	}
	return true
}

// Select picks the preferred host in pool for job, ignoring availability.
func Select(req Requirements, job matrix.Coordinate, pool []Host, ranks RankTable) (Host, error) {
	candidates, err := qualify(req, job, pool, ranks)
	if err != nil {
		return Host{}, err
	}
	return candidates[0].host, nil
}
