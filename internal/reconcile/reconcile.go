// Package reconcile projects optimistic, not-yet-confirmed status edits on
// top of canonical ticket state so callers can render a move immediately and
// roll it back cleanly when the server refuses it.
package reconcile

import (
	"sync"

	"gantry/internal/domain"
)

// Edit is one optimistic status change keyed by ticket.
type Edit struct {
	TicketID string
	ToStatus string
	// Queued is set once the server answered with a pending proposal
	// instead of a direct apply. The projection keeps showing the edit's
	// target status, with a pending marker, until the proposal resolves.
	Queued bool
}

// View is a ticket as the caller should render it.
type View struct {
	Ticket          domain.Ticket
	PendingProposal bool
}

// EditSet tracks in-flight optimistic edits. Safe for concurrent use.
type EditSet struct {
	mu    sync.Mutex
	edits map[string]Edit
}

func NewEditSet() *EditSet {
	return &EditSet{edits: make(map[string]Edit)}
}

// Stage records an optimistic edit before the request is sent.
func (s *EditSet) Stage(ticketID, toStatus string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits[ticketID] = Edit{TicketID: ticketID, ToStatus: toStatus}
}

// MarkQueued downgrades an edit to a pending marker after the server queued
// a proposal instead of applying the move.
func (s *EditSet) MarkQueued(ticketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.edits[ticketID]; ok {
		e.Queued = true
		s.edits[ticketID] = e
	}
}

// Discard removes the edit for a ticket. Called when the server applied the
// move (canonical state now agrees) or refused it (rollback).
func (s *EditSet) Discard(ticketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.edits, ticketID)
}

// Len reports the number of in-flight edits.
func (s *EditSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.edits)
}

func (s *EditSet) snapshot() map[string]Edit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Edit, len(s.edits))
	for k, v := range s.edits {
		out[k] = v
	}
	return out
}

// Project overlays the edit set on canonical tickets. An edit whose target
// status matches the canonical status is dropped from the set as confirmed;
// any other edit shadows the canonical status until it is confirmed or
// discarded, with a pending marker once a proposal was queued for it.
func (s *EditSet) Project(canonical []domain.Ticket) []View {
	edits := s.snapshot()
	views := make([]View, 0, len(canonical))
	for _, t := range canonical {
		e, ok := edits[t.ID]
		if !ok {
			views = append(views, View{Ticket: t})
			continue
		}
		if t.Status == e.ToStatus {
			s.Discard(t.ID)
			views = append(views, View{Ticket: t})
			continue
		}
		shadow := t
		shadow.Status = e.ToStatus
		views = append(views, View{Ticket: shadow, PendingProposal: e.Queued})
	}
	return views
}
