// Package workflow defines the ticket status set and transition legality.
package workflow

import "fmt"

const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusComplete   = "complete"
)

var statuses = []string{StatusNotStarted, StatusInProgress, StatusBlocked, StatusComplete}

// NoOpTransitionError rejects a transition whose source and target status are
// the same. It is the only structural illegality: any cross-status edge is
// allowed, including moving out of complete.
type NoOpTransitionError struct {
	Status string
}

func (e NoOpTransitionError) Error() string {
	return fmt.Sprintf("ticket already has status %s", e.Status)
}

// Statuses returns the workflow statuses in board order.
func Statuses() []string {
	out := make([]string, len(statuses))
	copy(out, statuses)
	return out
}

// Valid reports whether s names a workflow status.
func Valid(s string) bool {
	for _, known := range statuses {
		if s == known {
			return true
		}
	}
	return false
}

// EnsureTransition validates a from -> to move.
func EnsureTransition(from, to string) error {
	if !Valid(to) {
		return fmt.Errorf("unknown ticket status %q", to)
	}
	if !Valid(from) {
		return fmt.Errorf("unknown ticket status %q", from)
	}
	if from == to {
		return NoOpTransitionError{Status: from}
	}
	return nil
}
