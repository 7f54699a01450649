package domain

type Account struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID          string `json:"id"`
	AccountID   string `json:"account_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// User rows are soft-retained: Retired flips, rows are never deleted.
type User struct {
	ID             string `json:"id"`
	AccountID      string `json:"account_id"`
	Role           string `json:"role" enum:"admin,pm,engineer,viewer"`
	Specialization string `json:"specialization,omitempty"`
	Retired        bool   `json:"retired,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type Ticket struct {
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

// Proposal is a recorded request to move a ticket between statuses, made by
// someone without authority to apply the move directly. Immutable once Status
// leaves "pending"; retained after resolution for audit.
type Proposal struct {
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

const (
	ProposalPending  = "pending"
	ProposalApproved = "approved"
	ProposalRejected = "rejected"
)

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	AccountID  string `json:"account_id"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
