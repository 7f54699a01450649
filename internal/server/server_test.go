package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"gantry/internal/config"
	"gantry/internal/db"
	"gantry/internal/engine"
	"gantry/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("acct-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitAccount(context.Background(), "acct-1", "Test Account", "tester"); err != nil {
		t.Fatalf("init account: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret:              "test-secret",
		AllowLegacyActorHeader: true,
		EnableDevLogin:         true,
		DefaultAccountID:       "acct-1",
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func actorHeaders(userID, role string) map[string]string {
	return map[string]string{"X-Actor-Id": userID, "X-Actor-Role": role}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func setupTicket(t *testing.T, srv *testServer) (projectID, ticketID string) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name": "Core",
	}, actorHeaders("alice", "admin"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var project ProjectResponse
	if err := json.Unmarshal(data, &project); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/tickets", map[string]any{
		"title": "Ship feature",
	}, actorHeaders("alice", "admin"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create ticket: %d %s", res.StatusCode, string(data))
	}
	var ticket TicketResponse
	if err := json.Unmarshal(data, &ticket); err != nil {
		t.Fatalf("unmarshal ticket: %v", err)
	}
	return project.ID, ticket.ID
}

func TestProposalRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, ticketID := setupTicket(t, srv)

	// engineer move queues a proposal
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets/"+ticketID+"/transition", map[string]any{
		"to_status": "in_progress",
	}, actorHeaders("bob", "engineer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("engineer transition: %d %s", res.StatusCode, string(data))
	}
	var moved TransitionResponse
	if err := json.Unmarshal(data, &moved); err != nil {
		t.Fatalf("unmarshal transition: %v", err)
	}
	if moved.Applied || moved.Proposal == nil {
		t.Fatalf("expected queued proposal, got %s", string(data))
	}

	// ticket still canonical
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tickets/"+ticketID, nil, actorHeaders("vera", "viewer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get ticket: %d %s", res.StatusCode, string(data))
	}
	var fetched TicketResponse
	_ = json.Unmarshal(data, &fetched)
	if fetched.Status != "not_started" {
		t.Fatalf("ticket moved before approval: %s", fetched.Status)
	}

	// pm sees it in the queue and approves
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals", nil, actorHeaders("paula", "pm"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list proposals: %d %s", res.StatusCode, string(data))
	}
	var page paginatedProposals
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 1 {
		t.Fatalf("pending queue = %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+moved.Proposal.ID+"/resolve", map[string]any{
		"outcome": "approved",
	}, actorHeaders("paula", "pm"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	var resolved ResolveProposalResponse
	if err := json.Unmarshal(data, &resolved); err != nil {
		t.Fatalf("unmarshal resolve: %v", err)
	}
	if resolved.Ticket == nil || resolved.Ticket.Status != "in_progress" {
		t.Fatalf("approval did not apply: %s", string(data))
	}
	if resolved.Proposal.Status != "approved" {
		t.Fatalf("proposal status = %s", resolved.Proposal.Status)
	}
}

func TestDirectApplyForPM(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, ticketID := setupTicket(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets/"+ticketID+"/transition", map[string]any{
		"to_status": "blocked",
	}, actorHeaders("paula", "pm"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pm transition: %d %s", res.StatusCode, string(data))
	}
	var moved TransitionResponse
	_ = json.Unmarshal(data, &moved)
	if !moved.Applied || moved.Ticket == nil || moved.Ticket.Status != "blocked" {
		t.Fatalf("expected direct apply, got %s", string(data))
	}
}

func TestErrorTaxonomy(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, ticketID := setupTicket(t, srv)

	// no credentials
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tickets/"+ticketID, nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}

	// viewer cannot move
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets/"+ticketID+"/transition", map[string]any{
		"to_status": "in_progress",
	}, actorHeaders("vera", "viewer"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("expected forbidden, got %d %s", res.StatusCode, string(data))
	}

	// unknown ticket
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets/missing/transition", map[string]any{
		"to_status": "in_progress",
	}, actorHeaders("paula", "pm"))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected not_found, got %d %s", res.StatusCode, string(data))
	}

	// no-op move
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets/"+ticketID+"/transition", map[string]any{
		"to_status": "not_started",
	}, actorHeaders("paula", "pm"))
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "no_op_transition" {
		t.Fatalf("expected no_op_transition, got %d %s", res.StatusCode, string(data))
	}

	// duplicate pending proposal
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets/"+ticketID+"/transition", map[string]any{
		"to_status": "in_progress",
	}, actorHeaders("bob", "engineer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first proposal: %d %s", res.StatusCode, string(data))
	}
	var moved TransitionResponse
	_ = json.Unmarshal(data, &moved)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets/"+ticketID+"/transition", map[string]any{
		"to_status": "complete",
	}, actorHeaders("bob", "engineer"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "duplicate_pending_proposal" {
		t.Fatalf("expected duplicate_pending_proposal, got %d %s", res.StatusCode, string(data))
	}

	// resolving twice
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+moved.Proposal.ID+"/resolve", map[string]any{
		"outcome": "rejected",
		"reason":  "later",
	}, actorHeaders("paula", "pm"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+moved.Proposal.ID+"/resolve", map[string]any{
		"outcome": "approved",
	}, actorHeaders("paula", "pm"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "already_resolved" {
		t.Fatalf("expected already_resolved, got %d %s", res.StatusCode, string(data))
	}
}

func TestEventPaginationIsGapless(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	projectID, _ := setupTicket(t, srv)
	for _, title := range []string{"second", "third", "fourth"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/tickets", map[string]any{
			"title": title,
		}, actorHeaders("alice", "admin"))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create ticket %s: %d %s", title, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=200", nil, actorHeaders("alice", "admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events: %d %s", res.StatusCode, string(data))
	}
	var all paginatedEvents
	if err := json.Unmarshal(data, &all); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(all.Items) < 5 {
		t.Fatalf("expected a populated event log, got %d items", len(all.Items))
	}

	var paged []int64
	cursor := ""
	for {
		url := srv.URL + "/v0/events?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data = doJSON(t, client, http.MethodGet, url, nil, actorHeaders("alice", "admin"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("page events: %d %s", res.StatusCode, string(data))
		}
		var page paginatedEvents
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal page: %v", err)
		}
		for _, item := range page.Items {
			paged = append(paged, item.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(paged) != len(all.Items) {
		t.Fatalf("paging dropped events: %d paged vs %d total", len(paged), len(all.Items))
	}
	for i, id := range paged {
		if all.Items[i].ID != id {
			t.Fatalf("page order diverged at %d: %d vs %d", i, id, all.Items[i].ID)
		}
	}
}

func TestDevLoginAndBearerAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"user_id":    "alice",
		"account_id": "acct-1",
		"role":       "admin",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.UserID != "alice" || who.AccountID != "acct-1" || who.Role != "admin" {
		t.Fatalf("whoami = %s", string(data))
	}
	if who.Source != "jwt" {
		t.Fatalf("source = %s", who.Source)
	}
}

func TestStoredRoleWinsOverHeader(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, ticketID := setupTicket(t, srv)

	// first contact stores bob as engineer
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, actorHeaders("bob", "engineer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}

	// claiming admin in the header later changes nothing
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tickets/"+ticketID+"/transition", map[string]any{
		"to_status": "in_progress",
	}, actorHeaders("bob", "admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition: %d %s", res.StatusCode, string(data))
	}
	var moved TransitionResponse
	_ = json.Unmarshal(data, &moved)
	if moved.Applied {
		t.Fatalf("stored engineer role must queue, not apply: %s", string(data))
	}
}
