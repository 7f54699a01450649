package gantrysdk

import (
	"context"
	"time"

	"gantry/internal/domain"
	"gantry/internal/reconcile"
)

// TicketView is a ticket as the session projects it: canonical state, or an
// optimistic shadow of a local move, flagged once the move was queued as a
// pending proposal.
type TicketView struct {
	Ticket          Ticket
	PendingProposal bool
}

// Session layers optimistic edits over the API client so UIs can show a
// status move the moment the user makes it and roll it back cleanly when
// the server refuses. Canonical reads go through a bounded, TTL'd cache.
type Session struct {
	Client *Client
	edits  *reconcile.EditSet
	cache  *reconcile.Cache
}

// NewSession wraps a client. Cache size and TTL bound how much stale
// canonical state the session will serve.
func NewSession(c *Client, cacheSize int, ttl time.Duration) (*Session, error) {
	cache, err := reconcile.NewCache(cacheSize, ttl)
	if err != nil {
		return nil, err
	}
	return &Session{
		Client: c,
		edits:  reconcile.NewEditSet(),
		cache:  cache,
	}, nil
}

// Move requests a transition, tracking it optimistically. On refusal the
// staged edit is discarded so the next projection shows canonical state
// again; the caller gets the APIError to surface.
func (s *Session) Move(ctx context.Context, ticketID, toStatus string) (TransitionOutcome, error) {
	s.edits.Stage(ticketID, toStatus)
	out, err := s.Client.RequestTransition(ctx, ticketID, toStatus)
	if err != nil {
		s.edits.Discard(ticketID)
		return TransitionOutcome{}, err
	}
	if out.Applied {
		s.edits.Discard(ticketID)
		s.cache.Invalidate(ticketID)
		if out.Ticket != nil {
			s.cache.Put(toDomain(*out.Ticket))
		}
	} else {
		s.edits.MarkQueued(ticketID)
	}
	return out, nil
}

// Ticket returns one ticket view, served from cache when fresh.
func (s *Session) Ticket(ctx context.Context, ticketID string) (TicketView, error) {
	canonical, ok := s.cache.Get(ticketID)
	if !ok {
		t, err := s.Client.GetTicket(ctx, ticketID)
		if err != nil {
			return TicketView{}, err
		}
		canonical = toDomain(t)
		s.cache.Put(canonical)
	}
	views := s.edits.Project([]domain.Ticket{canonical})
	return toView(views[0]), nil
}

// Tickets fetches a project's tickets and overlays the in-flight edits.
func (s *Session) Tickets(ctx context.Context, projectID string) ([]TicketView, error) {
	page, err := s.Client.ListTickets(ctx, projectID, "", "", 0)
	if err != nil {
		return nil, err
	}
	canonical := make([]domain.Ticket, 0, len(page.Items))
	for _, t := range page.Items {
		d := toDomain(t)
		s.cache.Put(d)
		canonical = append(canonical, d)
	}
	views := s.edits.Project(canonical)
	out := make([]TicketView, 0, len(views))
	for _, v := range views {
		out = append(out, toView(v))
	}
	return out, nil
}

// Resolve settles a proposal through the client and drops any cached state
// for the affected ticket.
func (s *Session) Resolve(ctx context.Context, proposalID, outcome, reason string) (ResolveOutcome, error) {
	res, err := s.Client.ResolveProposal(ctx, proposalID, outcome, reason)
	if err != nil {
		return ResolveOutcome{}, err
	}
	s.edits.Discard(res.Proposal.TicketID)
	s.cache.Invalidate(res.Proposal.TicketID)
	return res, nil
}

// InFlight reports how many optimistic edits are unconfirmed.
func (s *Session) InFlight() int {
	return s.edits.Len()
}

func toDomain(t Ticket) domain.Ticket {
	d := domain.Ticket{
		ID:        t.ID,
		AccountID: t.AccountID,
		ProjectID: t.ProjectID,
		Title:     t.Title,
		Body:      t.Body,
		Status:    t.Status,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if t.AssigneeID != "" {
		a := t.AssigneeID
		d.AssigneeID = &a
	}
	return d
}

func fromDomain(d domain.Ticket) Ticket {
	t := Ticket{
		ID:        d.ID,
		AccountID: d.AccountID,
		ProjectID: d.ProjectID,
		Title:     d.Title,
		Body:      d.Body,
		Status:    d.Status,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if d.AssigneeID != nil {
		t.AssigneeID = *d.AssigneeID
	}
	return t
}

func toView(v reconcile.View) TicketView {
	return TicketView{Ticket: fromDomain(v.Ticket), PendingProposal: v.PendingProposal}
}
