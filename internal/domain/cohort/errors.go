package cohort

import (
	"fmt"
	"strings"
)

// Problem is a single specification error found at build time.
type Problem struct {
	Variable string `json:"variable,omitempty"`
	Message  string `json:"message"`
}

func (p Problem) String() string {
	if p.Variable != "" {
		return fmt.Sprintf("%s: %s", p.Variable, p.Message)
	}
	return p.Message
}

// ValidationError reports every problem found while building a
// specification. A specification with problems is never returned.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.String()
	}
	return fmt.Sprintf("invalid cohort specification (%d problem(s)): %s", len(e.Problems), strings.Join(parts, "; "))
}

// For returns the problems reported against the named variable.
func (e *ValidationError) For(variable string) []Problem {
	var out []Problem
	for _, p := range e.Problems {
		if p.Variable == variable {
			out = append(out, p)
		}
	}
	return out
}
