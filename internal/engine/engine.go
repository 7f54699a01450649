package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gantry/internal/config"
	"gantry/internal/domain"
	"gantry/internal/engine/auth"
	"gantry/internal/events"
	"gantry/internal/repo"
	"gantry/internal/workflow"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitAccount creates the tenant row. Migrations must already have run.
func (e Engine) InitAccount(ctx context.Context, accountID, name, actorID string) (domain.Account, error) {
	if accountID == "" {
		return domain.Account{}, errors.New("account id is required")
	}
	if name == "" {
		name = accountID
	}
	a := domain.Account{
		ID:        accountID,
		Name:      name,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAccount(ctx, tx, a); err != nil {
		return domain.Account{}, fmt.Errorf("insert account: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "account.init", a.ID, "", "account", a.ID, actorID, events.EventPayload{"name": a.Name}); err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

// EnsureUser creates the user row on first login and returns the stored row.
// Existing rows are returned untouched so the session role never overwrites
// an admin-assigned one.
func (e Engine) EnsureUser(ctx context.Context, ident auth.Identity) (domain.User, error) {
	if !auth.ValidRole(ident.Role) {
		return domain.User{}, fmt.Errorf("unknown role %q", ident.Role)
	}
	if u, err := e.Repo.GetUser(ctx, ident.AccountID, ident.UserID); err == nil {
		return u, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	u := domain.User{
		ID:        ident.UserID,
		AccountID: ident.AccountID,
		Role:      ident.Role,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureUser(ctx, tx, u); err != nil {
		return domain.User{}, err
	}
	if err := e.Events.Append(ctx, tx, "user.created", u.AccountID, "", "user", u.ID, u.ID, events.EventPayload{"role": u.Role}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, ident.AccountID, ident.UserID)
}

// SetUserRole lets a member pick their own (non-admin) role and lets admins
// assign any role to anyone in the account.
func (e Engine) SetUserRole(ctx context.Context, actor auth.Identity, userID, role string) (domain.User, error) {
	if !auth.ValidRole(role) {
		return domain.User{}, fmt.Errorf("unknown role %q", role)
	}
	if actor.Role != auth.RoleAdmin {
		if actor.UserID != userID {
			return domain.User{}, auth.ForbiddenError{Action: "assign roles to other users", Role: actor.Role}
		}
		if role == auth.RoleAdmin {
			return domain.User{}, auth.ForbiddenError{Action: "self-assign the admin role", Role: actor.Role}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateUserRole(ctx, tx, actor.AccountID, userID, role); err != nil {
		return domain.User{}, err
	}
	if err := e.Events.Append(ctx, tx, "user.role.updated", actor.AccountID, "", "user", userID, actor.UserID, events.EventPayload{"role": role}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, actor.AccountID, userID)
}

// RetireUser soft-retains a user; admin only. Rows are never deleted.
func (e Engine) RetireUser(ctx context.Context, actor auth.Identity, userID string) error {
	if actor.Role != auth.RoleAdmin {
		return auth.ForbiddenError{Action: "retire users", Role: actor.Role}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RetireUser(ctx, tx, actor.AccountID, userID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "user.retired", actor.AccountID, "", "user", userID, actor.UserID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID          string
	Name        string
	Description string
}

func (e Engine) CreateProject(ctx context.Context, actor auth.Identity, opts ProjectCreateOptions) (domain.Project, error) {
	if !auth.CanManageTickets(actor.Role) {
		return domain.Project{}, auth.ForbiddenError{Action: "create projects", Role: actor.Role}
	}
	if opts.Name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	p := domain.Project{
		ID:          id,
		AccountID:   actor.AccountID,
		Name:        opts.Name,
		Description: opts.Description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.AccountID, p.ID, "project", p.ID, actor.UserID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// TicketCreateOptions are parameters for creating a ticket.
type TicketCreateOptions struct {
	ID         string
	ProjectID  string
	Title      string
	Body       string
	Priority   *int
	AssigneeID string
}

func (e Engine) CreateTicket(ctx context.Context, actor auth.Identity, opts TicketCreateOptions) (domain.Ticket, error) {
	if !auth.CanManageTickets(actor.Role) {
		return domain.Ticket{}, auth.ForbiddenError{Action: "create tickets", Role: actor.Role}
	}
	if opts.Title == "" {
		return domain.Ticket{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Ticket{}, errors.New("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, actor.AccountID, opts.ProjectID); err != nil {
		return domain.Ticket{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	status := workflow.StatusNotStarted
	if e.Config != nil {
		status = e.Config.DefaultStatus()
	}
	t := domain.Ticket{
		ID:         id,
		AccountID:  actor.AccountID,
		ProjectID:  opts.ProjectID,
		Title:      opts.Title,
		Body:       opts.Body,
		Status:     status,
		Priority:   opts.Priority,
		AssigneeID: optionalString(opts.AssigneeID),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTicket(ctx, tx, t); err != nil {
		return domain.Ticket{}, err
	}
	if err := e.Events.Append(ctx, tx, "ticket.created", t.AccountID, t.ProjectID, "ticket", t.ID, actor.UserID, events.EventPayload{"title": t.Title, "status": t.Status}); err != nil {
		return domain.Ticket{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ticket{}, err
	}
	return t, nil
}

// TransitionResult is the outcome of RequestTransition: exactly one of
// Applied and Queued is set.
type TransitionResult struct {
	Applied *domain.Ticket
	Queued  *domain.Proposal
}

// RequestTransition moves a ticket between workflow states, or records a
// proposal when the actor lacks authority to move it directly. The two
// branches are mutually exclusive; a failure on either leaves nothing
// half-done because everything runs in one transaction.
func (e Engine) RequestTransition(ctx context.Context, actor auth.Identity, ticketID, toStatus string) (TransitionResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTicketTx(ctx, tx, actor.AccountID, ticketID)
	if err != nil {
		return TransitionResult{}, err
	}
	if err := workflow.EnsureTransition(t.Status, toStatus); err != nil {
		return TransitionResult{}, err
	}
	if !auth.CanProposeTransition(actor.Role) {
		return TransitionResult{}, auth.ForbiddenError{Action: "request ticket transitions", Role: actor.Role}
	}
	now := e.now().UTC().Format(time.RFC3339)

	if auth.CanApplyTransitionDirectly(actor.Role) {
		if err := e.Repo.UpdateTicketStatus(ctx, tx, t.AccountID, t.ID, toStatus, now); err != nil {
			return TransitionResult{}, err
		}
		if err := e.Events.Append(ctx, tx, "ticket.transition.applied", t.AccountID, t.ProjectID, "ticket", t.ID, actor.UserID, events.EventPayload{
			"from": t.Status,
			"to":   toStatus,
		}); err != nil {
			return TransitionResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return TransitionResult{}, err
		}
		t.Status = toStatus
		t.UpdatedAt = now
		return TransitionResult{Applied: &t}, nil
	}

	p := domain.Proposal{
		ID:         uuid.New().String(),
		AccountID:  t.AccountID,
		TicketID:   t.ID,
		ProjectID:  t.ProjectID,
		ProposedBy: actor.UserID,
		FromStatus: t.Status,
		ToStatus:   toStatus,
		Status:     domain.ProposalPending,
		CreatedAt:  now,
	}
	if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
		return TransitionResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "proposal.created", p.AccountID, p.ProjectID, "proposal", p.ID, actor.UserID, events.EventPayload{
		"ticket_id": p.TicketID,
		"from":      p.FromStatus,
		"to":        p.ToStatus,
	}); err != nil {
		return TransitionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{Queued: &p}, nil
}

// ResolveTransition settles a pending proposal. Approval applies the
// proposal's to_status even if the ticket drifted since the proposal was
// filed; the event records both the proposal's from_status and the status
// actually replaced so the overwrite is auditable. Rejection leaves the
// ticket untouched.
func (e Engine) ResolveTransition(ctx context.Context, actor auth.Identity, proposalID, outcome, reason string) (domain.Proposal, *domain.Ticket, error) {
	if outcome != domain.ProposalApproved && outcome != domain.ProposalRejected {
		return domain.Proposal{}, nil, fmt.Errorf("invalid outcome %q", outcome)
	}
	if !auth.CanResolveProposal(actor.Role) {
		return domain.Proposal{}, nil, auth.ForbiddenError{Action: "resolve proposals", Role: actor.Role}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, nil, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, actor.AccountID, proposalID)
	if err != nil {
		return domain.Proposal{}, nil, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.MarkProposalResolved(ctx, tx, actor.AccountID, p.ID, outcome, actor.UserID, reason, now); err != nil {
		return domain.Proposal{}, nil, err
	}
	p.Status = outcome
	p.ResolvedBy = &actor.UserID
	p.ResolvedAt = &now
	if reason != "" {
		p.RejectionReason = &reason
	}

	var applied *domain.Ticket
	if outcome == domain.ProposalApproved {
		t, err := e.Repo.GetTicketTx(ctx, tx, actor.AccountID, p.TicketID)
		if err != nil {
			return domain.Proposal{}, nil, err
		}
		if err := e.Repo.UpdateTicketStatus(ctx, tx, t.AccountID, t.ID, p.ToStatus, now); err != nil {
			return domain.Proposal{}, nil, err
		}
		if err := e.Events.Append(ctx, tx, "proposal.approved", p.AccountID, p.ProjectID, "proposal", p.ID, actor.UserID, events.EventPayload{
			"ticket_id":     p.TicketID,
			"from_recorded": p.FromStatus,
			"from_actual":   t.Status,
			"to":            p.ToStatus,
		}); err != nil {
			return domain.Proposal{}, nil, err
		}
		t.Status = p.ToStatus
		t.UpdatedAt = now
		applied = &t
	} else {
		if err := e.Events.Append(ctx, tx, "proposal.rejected", p.AccountID, p.ProjectID, "proposal", p.ID, actor.UserID, events.EventPayload{
			"ticket_id": p.TicketID,
			"reason":    reason,
		}); err != nil {
			return domain.Proposal{}, nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, nil, err
	}
	return p, applied, nil
}

// CreateAPIKey stores the hash of a freshly minted key. The plaintext never
// touches the database; the caller shows it to the user once.
func (e Engine) CreateAPIKey(ctx context.Context, actor auth.Identity, name, plaintext string) (domain.APIKey, error) {
	if name == "" {
		return domain.APIKey{}, errors.New("name is required")
	}
	key := domain.APIKey{
		ID:        uuid.New().String(),
		AccountID: actor.AccountID,
		UserID:    actor.UserID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, err
	}
	if err := e.Events.Append(ctx, tx, "apikey.created", key.AccountID, "", "apikey", key.ID, actor.UserID, events.EventPayload{"name": key.Name}); err != nil {
		return domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

func (e Engine) DeleteAPIKey(ctx context.Context, actor auth.Identity, keyID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, actor.AccountID, keyID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "apikey.deleted", actor.AccountID, "", "apikey", keyID, actor.UserID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ListPendingProposals returns the account's unresolved proposals, optionally
// narrowed to one project.
func (e Engine) ListPendingProposals(ctx context.Context, actor auth.Identity, projectID string, limit int) ([]domain.Proposal, error) {
	return e.Repo.ListPendingProposals(ctx, repo.ProposalFilters{
		AccountID: actor.AccountID,
		ProjectID: projectID,
		Limit:     limit,
	})
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
