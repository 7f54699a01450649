package gantrysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Gantry HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Ticket represents the API ticket model.
type Ticket struct {
	ID         string `json:"id"`
	AccountID  string `json:"account_id"`
	ProjectID  string `json:"project_id"`
	Title      string `json:"title"`
	Body       string `json:"body,omitempty"`
	Status     string `json:"status"`
	AssigneeID string `json:"assignee_id,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// Proposal represents a queued status change awaiting pm/admin resolution.
type Proposal struct {
	ID              string `json:"id"`
	TicketID        string `json:"ticket_id"`
	ProjectID       string `json:"project_id"`
	ProposedBy      string `json:"proposed_by"`
	FromStatus      string `json:"from_status"`
	ToStatus        string `json:"to_status"`
	Status          string `json:"status"`
	ResolvedBy      string `json:"resolved_by,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	CreatedAt       string `json:"created_at"`
	ResolvedAt      string `json:"resolved_at,omitempty"`
}

// Project represents the API project model.
type Project struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	AccountID  string         `json:"account_id"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// TransitionOutcome is the server's answer to a transition request.
type TransitionOutcome struct {
	Applied  bool      `json:"applied"`
	Ticket   *Ticket   `json:"ticket,omitempty"`
	Proposal *Proposal `json:"proposal,omitempty"`
}

// ResolveOutcome pairs the settled proposal with the ticket it moved.
type ResolveOutcome struct {
	Proposal Proposal `json:"proposal"`
	Ticket   *Ticket  `json:"ticket,omitempty"`
}

// APIError wraps non-2xx responses, decoding the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTickets wraps list responses with cursors.
type PaginatedTickets struct {
	Items      []Ticket `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateProject creates a project.
func (c *Client) CreateProject(ctx context.Context, name string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", map[string]any{"name": name}, &resp)
	return resp, err
}

// CreateTicket creates a ticket in a project.
func (c *Client) CreateTicket(ctx context.Context, projectID, title, body string) (Ticket, error) {
	payload := map[string]any{"title": title}
	if body != "" {
		payload["body"] = body
	}
	var resp Ticket
	endpoint := fmt.Sprintf("v0/projects/%s/tickets", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, payload, &resp)
	return resp, err
}

// GetTicket fetches a ticket by id.
func (c *Client) GetTicket(ctx context.Context, ticketID string) (Ticket, error) {
	var resp Ticket
	endpoint := fmt.Sprintf("v0/tickets/%s", url.PathEscape(ticketID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListTickets returns a page of a project's tickets.
func (c *Client) ListTickets(ctx context.Context, projectID, status, cursor string, limit int) (PaginatedTickets, error) {
	endpoint := fmt.Sprintf("v0/projects/%s/tickets", url.PathEscape(projectID))
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedTickets
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RequestTransition asks the server to move a ticket. Whether the move
// applied or queued a proposal depends on the caller's role.
func (c *Client) RequestTransition(ctx context.Context, ticketID, toStatus string) (TransitionOutcome, error) {
	var resp TransitionOutcome
	endpoint := fmt.Sprintf("v0/tickets/%s/transition", url.PathEscape(ticketID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"to_status": toStatus}, &resp)
	return resp, err
}

// PendingProposals lists the account's unresolved proposals.
func (c *Client) PendingProposals(ctx context.Context, projectID string) ([]Proposal, error) {
	endpoint := "v0/proposals"
	if projectID != "" {
		endpoint += "?project_id=" + url.QueryEscape(projectID)
	}
	var resp struct {
		Items []Proposal `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ResolveProposal approves or rejects a pending proposal.
func (c *Client) ResolveProposal(ctx context.Context, proposalID, outcome, reason string) (ResolveOutcome, error) {
	payload := map[string]any{"outcome": outcome}
	if reason != "" {
		payload["reason"] = reason
	}
	var resp ResolveOutcome
	endpoint := fmt.Sprintf("v0/proposals/%s/resolve", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodPost, endpoint, payload, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
