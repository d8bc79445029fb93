// Package changeset supplies the list of repository-relative paths changed
// since a reference point.
package changeset

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Source yields a change-set. Implementations must not mutate the returned
// slice after handing it out.
type Source interface {
	Changes(ctx context.Context) ([]string, error)
}

// Static is a fixed change-set.
type Static []string

func (s Static) Changes(context.Context) ([]string, error) {
	return Normalize(s), nil
}

// FromReader parses a newline-separated path list. Blank lines and lines
// starting with '#' are ignored.
func FromReader(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read change-set: %w", err)
	}
	return Normalize(out), nil
}

// Normalize trims, strips a leading "./" and deduplicates, keeping order.
func Normalize(paths []string) []string {
	out := make([]string, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		p = strings.TrimPrefix(strings.TrimSpace(p), "./")
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Git lists files changed between Base and the working tree of Dir.
type Git struct {
	Dir  string
	Base string
}

func (g Git) Changes(ctx context.Context) ([]string, error) {
	base := g.Base
	if base == "" {
		base = "HEAD~1"
	}
	cmd := exec.CommandContext(ctx, "git", "diff", "--name-only", base)
	cmd.Dir = g.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git diff --name-only %s: %w: %s", base, err, strings.TrimSpace(stderr.String()))
	}
	return FromReader(&stdout)
}
