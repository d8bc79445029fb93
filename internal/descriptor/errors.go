package descriptor

import (
	"strings"
)

// ValidationError aggregates descriptor validation issues.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "descriptor validation failed"
	}
	return "descriptor validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// CircularReferenceError reports an extends chain that loops back on itself.
type CircularReferenceError struct {
	Chain []string
}

func (e *CircularReferenceError) Error() string {
	return "circular extends reference: " + strings.Join(e.Chain, " -> ")
}
