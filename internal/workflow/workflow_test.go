package workflow

import (
	"errors"
	"testing"
)

func TestEnsureTransition(t *testing.T) {
	// any move between distinct known statuses is legal
	for _, from := range Statuses() {
		for _, to := range Statuses() {
			err := EnsureTransition(from, to)
			if from == to {
				var noOp NoOpTransitionError
				if !errors.As(err, &noOp) {
					t.Fatalf("%s -> %s: expected no-op error, got %v", from, to, err)
				}
				if noOp.Status != from {
					t.Fatalf("no-op status = %s", noOp.Status)
				}
				continue
			}
			if err != nil {
				t.Fatalf("%s -> %s: %v", from, to, err)
			}
		}
	}
}

func TestEnsureTransitionUnknownStatus(t *testing.T) {
	if err := EnsureTransition(StatusNotStarted, "archived"); err == nil {
		t.Fatal("expected error for unknown target")
	}
	if err := EnsureTransition("bogus", StatusComplete); err == nil {
		t.Fatal("expected error for unknown source")
	}
}

func TestValid(t *testing.T) {
	for _, s := range Statuses() {
		if !Valid(s) {
			t.Fatalf("%s should be valid", s)
		}
	}
	if Valid("done") {
		t.Fatal("done is not a status")
	}
}
