package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gantry/internal/config"
	"gantry/internal/db"
	"gantry/internal/domain"
	"gantry/internal/engine"
	"gantry/internal/engine/auth"
	"gantry/internal/migrate"
	"gantry/internal/repo"
	"gantry/internal/workflow"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context

	Admin    auth.Identity
	PM       auth.Identity
	Engineer auth.Identity
	Viewer   auth.Identity
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("acct-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitAccount(ctx, "acct-1", "Test Account", "alice"); err != nil {
		t.Fatalf("init account: %v", err)
	}
	env := testEnv{
		Engine:   eng,
		Ctx:      ctx,
		Admin:    auth.Identity{UserID: "alice", AccountID: "acct-1", Role: auth.RoleAdmin},
		PM:       auth.Identity{UserID: "paula", AccountID: "acct-1", Role: auth.RolePM},
		Engineer: auth.Identity{UserID: "bob", AccountID: "acct-1", Role: auth.RoleEngineer},
		Viewer:   auth.Identity{UserID: "vera", AccountID: "acct-1", Role: auth.RoleViewer},
	}
	for _, ident := range []auth.Identity{env.Admin, env.PM, env.Engineer, env.Viewer} {
		if _, err := eng.EnsureUser(ctx, ident); err != nil {
			t.Fatalf("ensure user %s: %v", ident.UserID, err)
		}
	}
	if _, err := eng.CreateProject(ctx, env.Admin, engine.ProjectCreateOptions{ID: "proj-1", Name: "Core"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return env
}

func (env testEnv) mustCreateTicket(t *testing.T, title string) domain.Ticket {
	t.Helper()
	ticket, err := env.Engine.CreateTicket(env.Ctx, env.PM, engine.TicketCreateOptions{
		ProjectID: "proj-1",
		Title:     title,
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return ticket
}

func TestDirectApplyForPrivilegedRoles(t *testing.T) {
	env := newTestEnv(t)
	ticket := env.mustCreateTicket(t, "direct")

	res, err := env.Engine.RequestTransition(env.Ctx, env.PM, ticket.ID, workflow.StatusInProgress)
	if err != nil {
		t.Fatalf("pm transition: %v", err)
	}
	if res.Applied == nil || res.Queued != nil {
		t.Fatalf("expected direct apply, got %+v", res)
	}
	if res.Applied.Status != workflow.StatusInProgress {
		t.Fatalf("status = %s", res.Applied.Status)
	}

	res, err = env.Engine.RequestTransition(env.Ctx, env.Admin, ticket.ID, workflow.StatusBlocked)
	if err != nil {
		t.Fatalf("admin transition: %v", err)
	}
	if res.Applied == nil || res.Applied.Status != workflow.StatusBlocked {
		t.Fatalf("expected admin direct apply, got %+v", res)
	}

	stored, err := env.Engine.Repo.GetTicket(env.Ctx, "acct-1", ticket.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != workflow.StatusBlocked {
		t.Fatalf("stored status = %s", stored.Status)
	}
	pending, err := env.Engine.ListPendingProposals(env.Ctx, env.Admin, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("direct apply should not queue proposals, got %d", len(pending))
	}
}

func TestEngineerMoveQueuesProposal(t *testing.T) {
	env := newTestEnv(t)
	ticket := env.mustCreateTicket(t, "queued")

	res, err := env.Engine.RequestTransition(env.Ctx, env.Engineer, ticket.ID, workflow.StatusInProgress)
	if err != nil {
		t.Fatalf("engineer transition: %v", err)
	}
	if res.Queued == nil || res.Applied != nil {
		t.Fatalf("expected queued proposal, got %+v", res)
	}
	p := res.Queued
	if p.FromStatus != workflow.StatusNotStarted || p.ToStatus != workflow.StatusInProgress {
		t.Fatalf("snapshot = %s -> %s", p.FromStatus, p.ToStatus)
	}
	if p.ProposedBy != "bob" || p.Status != domain.ProposalPending {
		t.Fatalf("proposal = %+v", p)
	}

	// ticket untouched until resolution
	stored, err := env.Engine.Repo.GetTicket(env.Ctx, "acct-1", ticket.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != workflow.StatusNotStarted {
		t.Fatalf("ticket moved without approval: %s", stored.Status)
	}
}

func TestViewerForbidden(t *testing.T) {
	env := newTestEnv(t)
	ticket := env.mustCreateTicket(t, "untouchable")

	_, err := env.Engine.RequestTransition(env.Ctx, env.Viewer, ticket.ID, workflow.StatusInProgress)
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestNoOpTransitionRejectedForAllRoles(t *testing.T) {
	env := newTestEnv(t)
	ticket := env.mustCreateTicket(t, "noop")

	for _, actor := range []auth.Identity{env.Admin, env.PM, env.Engineer} {
		_, err := env.Engine.RequestTransition(env.Ctx, actor, ticket.ID, workflow.StatusNotStarted)
		var noOp workflow.NoOpTransitionError
		if !errors.As(err, &noOp) {
			t.Fatalf("%s: expected no-op error, got %v", actor.Role, err)
		}
	}
	pending, err := env.Engine.ListPendingProposals(env.Ctx, env.Admin, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("no-op must not queue proposals, got %d", len(pending))
	}
}

func TestDuplicatePendingProposal(t *testing.T) {
	env := newTestEnv(t)
	ticket := env.mustCreateTicket(t, "dup")

	first, err := env.Engine.RequestTransition(env.Ctx, env.Engineer, ticket.ID, workflow.StatusInProgress)
	if err != nil {
		t.Fatalf("first proposal: %v", err)
	}
	// a second proposal for the same ticket, even a different target, is refused
	_, err = env.Engine.RequestTransition(env.Ctx, env.Engineer, ticket.ID, workflow.StatusBlocked)
	if !errors.Is(err, repo.ErrDuplicatePendingProposal) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	// once resolved, a new proposal may be filed
	if _, _, err := env.Engine.ResolveTransition(env.Ctx, env.PM, first.Queued.ID, domain.ProposalRejected, "not yet"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := env.Engine.RequestTransition(env.Ctx, env.Engineer, ticket.ID, workflow.StatusBlocked); err != nil {
		t.Fatalf("proposal after resolution: %v", err)
	}
}

func TestApproveAppliesProposal(t *testing.T) {
	env := newTestEnv(t)
	ticket := env.mustCreateTicket(t, "approve")

	res, err := env.Engine.RequestTransition(env.Ctx, env.Engineer, ticket.ID, workflow.StatusInProgress)
	if err != nil {
		t.Fatal(err)
	}
	p, applied, err := env.Engine.ResolveTransition(env.Ctx, env.PM, res.Queued.ID, domain.ProposalApproved, "")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if applied == nil || applied.Status != workflow.StatusInProgress {
		t.Fatalf("approval did not apply: %+v", applied)
	}
	if p.Status != domain.ProposalApproved || p.ResolvedBy == nil || *p.ResolvedBy != "paula" {
		t.Fatalf("proposal = %+v", p)
	}
	if p.ResolvedAt == nil {
		t.Fatal("resolved_at not set")
	}
}

func TestRejectLeavesTicketUntouched(t *testing.T) {
	env := newTestEnv(t)
	ticket := env.mustCreateTicket(t, "reject")

	res, err := env.Engine.RequestTransition(env.Ctx, env.Engineer, ticket.ID, workflow.StatusComplete)
	if err != nil {
		t.Fatal(err)
	}
	p, applied, err := env.Engine.ResolveTransition(env.Ctx, env.Admin, res.Queued.ID, domain.ProposalRejected, "needs review first")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if applied != nil {
		t.Fatalf("rejection must not move the ticket: %+v", applied)
	}
	if p.RejectionReason == nil || *p.RejectionReason != "needs review first" {
		t.Fatalf("reason = %v", p.RejectionReason)
	}
	stored, err := env.Engine.Repo.GetTicket(env.Ctx, "acct-1", ticket.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != workflow.StatusNotStarted {
		t.Fatalf("ticket moved on rejection: %s", stored.Status)
	}
}

func TestResolveIsOnce(t *testing.T) {
	env := newTestEnv(t)
	ticket := env.mustCreateTicket(t, "once")

	res, err := env.Engine.RequestTransition(env.Ctx, env.Engineer, ticket.ID, workflow.StatusInProgress)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.ResolveTransition(env.Ctx, env.PM, res.Queued.ID, domain.ProposalApproved, ""); err != nil {
		t.Fatal(err)
	}
	_, _, err = env.Engine.ResolveTransition(env.Ctx, env.PM, res.Queued.ID, domain.ProposalRejected, "")
	if !errors.Is(err, repo.ErrAlreadyResolved) {
		t.Fatalf("expected already-resolved, got %v", err)
	}
}

func TestResolveRequiresPrivilegedRole(t *testing.T) {
	env := newTestEnv(t)
	ticket := env.mustCreateTicket(t, "guard")

	res, err := env.Engine.RequestTransition(env.Ctx, env.Engineer, ticket.ID, workflow.StatusInProgress)
	if err != nil {
		t.Fatal(err)
	}
	for _, actor := range []auth.Identity{env.Engineer, env.Viewer} {
		_, _, err := env.Engine.ResolveTransition(env.Ctx, actor, res.Queued.ID, domain.ProposalApproved, "")
		var fe auth.ForbiddenError
		if !errors.As(err, &fe) {
			t.Fatalf("%s: expected forbidden, got %v", actor.Role, err)
		}
	}

	// the role held at resolution time is what counts: the proposer, once
	// promoted, may resolve their own proposal
	promoted := auth.Identity{UserID: "bob", AccountID: "acct-1", Role: auth.RolePM}
	if _, _, err := env.Engine.ResolveTransition(env.Ctx, promoted, res.Queued.ID, domain.ProposalApproved, ""); err != nil {
		t.Fatalf("promoted proposer resolve: %v", err)
	}
}

func TestStaleApprovalOverwrites(t *testing.T) {
	env := newTestEnv(t)
	ticket := env.mustCreateTicket(t, "stale")

	res, err := env.Engine.RequestTransition(env.Ctx, env.Engineer, ticket.ID, workflow.StatusComplete)
	if err != nil {
		t.Fatal(err)
	}
	// ticket drifts while the proposal sits in the queue
	if _, err := env.Engine.RequestTransition(env.Ctx, env.PM, ticket.ID, workflow.StatusBlocked); err != nil {
		t.Fatalf("pm drift: %v", err)
	}
	_, applied, err := env.Engine.ResolveTransition(env.Ctx, env.PM, res.Queued.ID, domain.ProposalApproved, "")
	if err != nil {
		t.Fatalf("stale approve: %v", err)
	}
	if applied.Status != workflow.StatusComplete {
		t.Fatalf("approval must apply the proposal's target, got %s", applied.Status)
	}
}

func TestTenantScoping(t *testing.T) {
	env := newTestEnv(t)
	ticket := env.mustCreateTicket(t, "scoped")

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.InsertAccount(env.Ctx, tx, domain.Account{ID: "acct-2", Name: "Other", CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	outsider := auth.Identity{UserID: "mallory", AccountID: "acct-2", Role: auth.RoleAdmin}

	_, err = env.Engine.RequestTransition(env.Ctx, outsider, ticket.ID, workflow.StatusInProgress)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("cross-tenant ticket must read as not found, got %v", err)
	}

	res, err := env.Engine.RequestTransition(env.Ctx, env.Engineer, ticket.ID, workflow.StatusInProgress)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = env.Engine.ResolveTransition(env.Ctx, outsider, res.Queued.ID, domain.ProposalApproved, "")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("cross-tenant proposal must read as not found, got %v", err)
	}
}

func TestUnknownTicketNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RequestTransition(env.Ctx, env.PM, "missing", workflow.StatusInProgress)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransitionEvents(t *testing.T) {
	env := newTestEnv(t)
	ticket := env.mustCreateTicket(t, "audited")

	if _, err := env.Engine.RequestTransition(env.Ctx, env.PM, ticket.ID, workflow.StatusInProgress); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.RequestTransition(env.Ctx, env.Engineer, ticket.ID, workflow.StatusComplete)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.ResolveTransition(env.Ctx, env.PM, res.Queued.ID, domain.ProposalApproved, ""); err != nil {
		t.Fatal(err)
	}

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "acct-1", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, evt := range events {
		seen[evt.Type] = true
	}
	for _, want := range []string{"ticket.created", "ticket.transition.applied", "proposal.created", "proposal.approved"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}
}

func TestSetUserRole(t *testing.T) {
	env := newTestEnv(t)

	// self-service for non-admin roles
	u, err := env.Engine.SetUserRole(env.Ctx, env.Engineer, "bob", auth.RolePM)
	if err != nil || u.Role != auth.RolePM {
		t.Fatalf("self role change: %v (%+v)", err, u)
	}
	// but never self-promotion to admin
	_, err = env.Engine.SetUserRole(env.Ctx, env.Engineer, "bob", auth.RoleAdmin)
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	// admins assign anything to anyone
	u, err = env.Engine.SetUserRole(env.Ctx, env.Admin, "vera", auth.RolePM)
	if err != nil || u.Role != auth.RolePM {
		t.Fatalf("admin role change: %v (%+v)", err, u)
	}
}
