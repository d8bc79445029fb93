// Package condition evaluates run-if predicates against a change-set.
package condition

import (
	"fmt"
	"path"
	"strings"
)

// KindFileChanged is the only supported predicate kind.
const KindFileChanged = "file-changed"

// Condition gates a substage. A nil *Condition always evaluates true.
type Condition struct {
	Kind     string   `json:"kind"`
	Patterns []string `json:"patterns"`
}

// FileChanged builds a file-changed condition.
func FileChanged(patterns ...string) *Condition {
	return &Condition{Kind: KindFileChanged, Patterns: patterns}
}

// Validate checks the pattern list is non-empty and every pattern is a
// well-formed glob.
func (c *Condition) Validate() error {
	if c == nil {
		return nil
	}
	if c.Kind != KindFileChanged {
		return fmt.Errorf("unsupported run-if kind %q", c.Kind)
	}
	if len(c.Patterns) == 0 {
		return fmt.Errorf("%s pattern list must be non-empty", KindFileChanged)
	}
	for i, p := range c.Patterns {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("%s[%d]: empty pattern", KindFileChanged, i)
		}
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("%s[%d]: invalid pattern %q: %w", KindFileChanged, i, p, err)
		}
	}
	return nil
}

// Evaluate reports whether the substage guarded by cond should run for the
// given repository-relative changed paths.
func Evaluate(cond *Condition, changes []string) bool {
	if cond == nil {
		return true
	}
	for _, changed := range changes {
		changed = normalize(changed)
		if changed == "" {
			continue
		}
		for _, pattern := range cond.Patterns {
			if Matches(normalize(pattern), changed) {
				return true
			}
		}
	}
	return false
}

// Matches reports whether pattern matches p or one of p's leading directories.
// Matching is case-sensitive and `*` never crosses a `/`.
func Matches(pattern, p string) bool {
	if ok, _ := path.Match(pattern, p); ok {
		return true
	}
	for i := len(p) - 1; i > 0; i-- {
		if p[i] != '/' {
			continue
		}
		if ok, _ := path.Match(pattern, p[:i]); ok {
			return true
		}
	}
	return false
}

func normalize(p string) string {
	p = strings.TrimSpace(p)
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	return strings.TrimPrefix(p, "/")
}
