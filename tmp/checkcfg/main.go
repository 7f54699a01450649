package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gantry/internal/config"
	"gantry/internal/db"
	"gantry/internal/engine"
	"gantry/internal/migrate"
	"gantry/internal/server"
)

// Scratch harness: boots a server against a throwaway workspace and walks a
// full propose/approve round trip over HTTP.
func main() {
	workspace := "/tmp/gantry-check1"
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	cfg := config.Default("acme")
	e := engine.New(conn, cfg)
	if _, err := e.InitAccount(context.Background(), "acme", "Acme", "tester"); err != nil {
		panic(err)
	}
	jwtSecret := "test-secret"
	h, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: jwtSecret}})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	adminToken := signToken(jwtSecret, "alice", "acme", "admin")
	engToken := signToken(jwtSecret, "bob", "acme", "engineer")

	var project map[string]any
	call(ts.URL, http.MethodPost, "/v0/projects", adminToken, map[string]any{"name": "Core"}, &project)
	projectID := project["id"].(string)

	var ticket map[string]any
	call(ts.URL, http.MethodPost, "/v0/projects/"+projectID+"/tickets", adminToken, map[string]any{"title": "Wire the crane"}, &ticket)
	ticketID := ticket["id"].(string)

	var moved map[string]any
	call(ts.URL, http.MethodPost, "/v0/tickets/"+ticketID+"/transition", engToken, map[string]any{"to_status": "in_progress"}, &moved)
	fmt.Printf("engineer move: applied=%v\n", moved["applied"])

	proposal := moved["proposal"].(map[string]any)
	var resolved map[string]any
	call(ts.URL, http.MethodPost, "/v0/proposals/"+proposal["id"].(string)+"/resolve", adminToken, map[string]any{"outcome": "approved"}, &resolved)
	t := resolved["ticket"].(map[string]any)
	fmt.Printf("after approval: ticket=%s status=%v\n", ticketID, t["status"])
}

func call(base, method, path, token string, body any, out any) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, base+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		var raw any
		_ = json.NewDecoder(res.Body).Decode(&raw)
		panic(fmt.Sprintf("%s %s: status=%d resp=%v", method, path, res.StatusCode, raw))
	}
	_ = json.NewDecoder(res.Body).Decode(out)
}

func signToken(secret, userID, accountID, role string) string {
	claims := jwt.MapClaims{
		"sub":        userID,
		"account_id": accountID,
		"role":       role,
		"iat":        time.Now().Unix(),
		"exp":        time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	return signed
}
