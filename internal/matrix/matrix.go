// Package matrix expands architecture/distribution axes into job coordinates.
package matrix

import (
	"fmt"
	"slices"
	"sort"
)

// Axes maps an architecture to the distributions it runs on.
type Axes map[string][]string

// Coordinate identifies one concrete job of a pipeline.
type Coordinate struct {
	Stage        string `json:"stage"`
	Substage     string `json:"substage"`
	Arch         string `json:"arch"`
	Distribution string `json:"distribution"`
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", c.Stage, c.Substage, c.Arch, c.Distribution)
}

// Archs returns the architectures in lexicographic order.
func (a Axes) Archs() []string {
	out := make([]string, 0, len(a))
	for arch := range a {
		out = append(out, arch)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy.
func (a Axes) Clone() Axes {
	if a == nil {
		return nil
	}
	out := make(Axes, len(a))
	for arch, distros := range a {
		out[arch] = slices.Clone(distros)
	}
	return out
}

// Size is the number of coordinates Expand would produce.
func (a Axes) Size() int {
	n := 0
	for _, distros := range a {
		n += len(uniqueSorted(distros))
	}
	return n
}

// Merge unions override into base. Architectures present in both get the
// union of their distribution sets. Neither input is modified.
func Merge(base, override Axes) Axes {
	out := base.Clone()
	if out == nil {
		out = make(Axes, len(override))
	}
	for arch, distros := range override {
		out[arch] = Union(out[arch], distros)
	}
	return out
}

// Union appends items of b missing from a, keeping first-seen order.
func Union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// Expand emits one coordinate per (arch, distribution) pair. Architectures and
// distributions are both visited in lexicographic order so repeated expansions
// of the same axes are identical.
func Expand(stage, substage string, axes Axes) []Coordinate {
	out := make([]Coordinate, 0, axes.Size())
	for _, arch := range axes.Archs() {
		for _, distro := range uniqueSorted(axes[arch]) {
			out = append(out, Coordinate{
				Stage:        stage,
				Substage:     substage,
				Arch:         arch,
				Distribution: distro,
			})
		}
	}
	return out
}

func uniqueSorted(in []string) []string {
	out := Union(nil, in)
	sort.Strings(out)
	return out
}
