// Package audit holds the append-only, human-readable event trail of a run.
package audit

import "fmt"

// Trail is an ordered list of steps. Entries are only ever appended.
type Trail struct {
	steps []string
}

// Add appends a formatted step.
func (t *Trail) Add(format string, args ...any) {
	if len(args) == 0 {
		t.steps = append(t.steps, format)
		return
	}
	t.steps = append(t.steps, fmt.Sprintf(format, args...))
}

// Merge appends every step of other, preserving order.
func (t *Trail) Merge(other Trail) {
	t.steps = append(t.steps, other.steps...)
}

// Steps returns a copy of the recorded steps.
func (t Trail) Steps() []string {
	out := make([]string, len(t.steps))
	copy(out, t.steps)
	return out
}

// Len returns the number of recorded steps.
func (t Trail) Len() int { return len(t.steps) }
