package server

import (
	"encoding/json"

	"gantry/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          *string `json:"id,omitempty"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

type CreateTicketRequest struct {
	ID         *string `json:"id,omitempty"`
	Title      string  `json:"title"`
	Body       *string `json:"body,omitempty"`
	Priority   *int    `json:"priority,omitempty"`
	AssigneeID *string `json:"assignee_id,omitempty"`
}

type TransitionRequest struct {
	ToStatus string `json:"to_status" enum:"not_started,in_progress,blocked,complete"`
}

type ResolveProposalRequest struct {
	Outcome string  `json:"outcome" enum:"approved,rejected"`
	Reason  *string `json:"reason,omitempty"`
}

type SetRoleRequest struct {
	Role string `json:"role" enum:"admin,pm,engineer,viewer"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name"`
}

type DevLoginRequest struct {
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id"`
	Role      string `json:"role,omitempty" enum:"admin,pm,engineer,viewer"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	AccountID   string `json:"account_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type TicketResponse struct {
	ID         string  `json:"id"`
	AccountID  string  `json:"account_id"`
	ProjectID  string  `json:"project_id"`
	Title      string  `json:"title"`
	Body       string  `json:"body,omitempty"`
	Status     string  `json:"status" enum:"not_started,in_progress,blocked,complete"`
	Priority   *int    `json:"priority,omitempty"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type ProposalResponse struct {
	ID              string  `json:"id"`
	AccountID       string  `json:"account_id"`
	TicketID        string  `json:"ticket_id"`
	ProjectID       string  `json:"project_id"`
	ProposedBy      string  `json:"proposed_by"`
	FromStatus      string  `json:"from_status" enum:"not_started,in_progress,blocked,complete"`
	ToStatus        string  `json:"to_status" enum:"not_started,in_progress,blocked,complete"`
	Status          string  `json:"status" enum:"pending,approved,rejected"`
	ResolvedBy      *string `json:"resolved_by,omitempty"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	ResolvedAt      *string `json:"resolved_at,omitempty" format:"date-time"`
}

// TransitionResponse carries whichever branch the request took: Applied true
// means Ticket holds the updated row, Applied false means Proposal holds the
// queued one.
type TransitionResponse struct {
	Applied  bool              `json:"applied"`
	Ticket   *TicketResponse   `json:"ticket,omitempty"`
	Proposal *ProposalResponse `json:"proposal,omitempty"`
}

type ResolveProposalResponse struct {
	Proposal ProposalResponse `json:"proposal"`
	Ticket   *TicketResponse  `json:"ticket,omitempty"`
}

type UserResponse struct {
	ID             string `json:"id"`
	AccountID      string `json:"account_id"`
	Role           string `json:"role" enum:"admin,pm,engineer,viewer"`
	Specialization string `json:"specialization,omitempty"`
	Retired        bool   `json:"retired"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type WhoAmIResponse struct {
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id"`
	Role      string `json:"role" enum:"admin,pm,engineer,viewer"`
	Source    string `json:"source,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	AccountID  string         `json:"account_id"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only set in the create response; the plaintext is never stored.
	Key string `json:"key,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedTickets struct {
	Items      []TicketResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedProposals struct {
	Items []ProposalResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func ticketResponse(t domain.Ticket) TicketResponse {
	return TicketResponse{
		ID:         t.ID,
		AccountID:  t.AccountID,
		ProjectID:  t.ProjectID,
		Title:      t.Title,
		Body:       t.Body,
		Status:     t.Status,
		Priority:   t.Priority,
		AssigneeID: t.AssigneeID,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
}

func proposalResponse(p domain.Proposal) ProposalResponse {
	return ProposalResponse{
		ID:              p.ID,
		AccountID:       p.AccountID,
		TicketID:        p.TicketID,
		ProjectID:       p.ProjectID,
		ProposedBy:      p.ProposedBy,
		FromStatus:      p.FromStatus,
		ToStatus:        p.ToStatus,
		Status:          p.Status,
		ResolvedBy:      p.ResolvedBy,
		RejectionReason: p.RejectionReason,
		CreatedAt:       p.CreatedAt,
		ResolvedAt:      p.ResolvedAt,
	}
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:             u.ID,
		AccountID:      u.AccountID,
		Role:           u.Role,
		Specialization: u.Specialization,
		Retired:        u.Retired,
		CreatedAt:      u.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		AccountID:  e.AccountID,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapTickets(items []domain.Ticket) []TicketResponse {
	res := make([]TicketResponse, 0, len(items))
	for _, t := range items {
		res = append(res, ticketResponse(t))
	}
	return res
}

func mapProposals(items []domain.Proposal) []ProposalResponse {
	res := make([]ProposalResponse, 0, len(items))
	for _, p := range items {
		res = append(res, proposalResponse(p))
	}
	return res
}

func mapUsers(items []domain.User) []UserResponse {
	res := make([]UserResponse, 0, len(items))
	for _, u := range items {
		res = append(res, userResponse(u))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
