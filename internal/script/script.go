// Package script turns script templates into concrete commands.
package script

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mattjoyce/stagehand/internal/matrix"
)

// DefaultTemplate is used when neither the substage nor the configuration
// names a script.
const DefaultTemplate = "automation/{{ substage }}.sh"

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_-]*)\s*\}\}`)

// Vars holds placeholder substitutions keyed by placeholder name.
type Vars map[string]string

// UnresolvedPlaceholderError reports a placeholder with no substitution.
type UnresolvedPlaceholderError struct {
	Template    string
	Placeholder string
}

func (e *UnresolvedPlaceholderError) Error() string {
	return fmt.Sprintf("script template %q: unresolved placeholder {{ %s }}", e.Template, e.Placeholder)
}

// Resolve substitutes every {{ name }} token in template. The first token
// without a non-empty substitution fails the whole template.
func Resolve(template string, vars Vars) (string, error) {
	var unresolved string
	out := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := vars[name]
		if !ok || value == "" {
			if unresolved == "" {
				unresolved = name
			}
			return match
		}
		return value
	})
	if unresolved != "" {
		return "", &UnresolvedPlaceholderError{Template: template, Placeholder: unresolved}
	}
	if strings.Contains(out, "{{") {
		// Malformed token, e.g. "{{ 1bad }}" or an unterminated "{{".
		return "", &UnresolvedPlaceholderError{Template: template, Placeholder: strings.TrimSpace(out[strings.Index(out, "{{"):])}
	}
	return out, nil
}

// ForJob resolves template for one job coordinate.
func ForJob(template string, c matrix.Coordinate) (string, error) {
	if strings.TrimSpace(template) == "" {
		template = DefaultTemplate
	}
	return Resolve(template, Vars{
		"substage": c.Substage,
		"stage":    c.Stage,
		"arch":     c.Arch,
		"distro":   c.Distribution,
	})
}

// Placeholders lists the distinct placeholder names used by template.
func Placeholders(template string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range placeholderPattern.FindAllStringSubmatch(template, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	return out
}
