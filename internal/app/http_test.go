package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mindloom/api/internal/auth"
	"mindloom/api/internal/store"
	"mindloom/api/internal/util"
)

func newServerAndToken(t *testing.T, role string) (*HTTPServer, string) {
	t.Helper()
	user := store.User{ID: "user-1", Username: "casey", Role: role}
	st := &fakeStore{
		getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
			if id == user.ID {
				return user, nil
			}
			return store.User{}, sql.ErrNoRows
		},
	}
	svc, _, _ := newTestService(st)
	server := NewHTTPServer(svc, "*")

	token, err := auth.IssueToken([]byte(testConfig().JWTSecret), auth.Claims{
		Sub:      user.ID,
		Username: user.Username,
		Role:     user.Role,
		JTI:      util.NewID("jti"),
		Exp:      time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return server, token
}

func doRequest(server *HTTPServer, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newServerAndToken(t, "default")
	rr := doRequest(server, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	server, _ := newServerAndToken(t, "default")
	rr := doRequest(server, http.MethodGet, "/api/workspaces", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestDefaultRoleAdminRoutesForbidden(t *testing.T) {
	server, token := newServerAndToken(t, "default")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{name: "list users", method: http.MethodGet, path: "/api/admin/users", body: ""},
		{name: "new user", method: http.MethodPost, path: "/api/admin/users/new", body: `{"username":"x","password":"longenough1"}`},
		{name: "sync all", method: http.MethodPost, path: "/api/workspaces/sync-all", body: `{"adds":[]}`},
		{name: "api keys", method: http.MethodGet, path: "/api/admin/api-keys", body: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := doRequest(server, tc.method, tc.path, token, tc.body)
			if rr.Code != http.StatusForbidden {
				t.Fatalf("expected 403, got %d body=%s", rr.Code, rr.Body.String())
			}
			var payload map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
				t.Fatalf("parse response: %v", err)
			}
			if payload["code"] != "FORBIDDEN" {
				t.Fatalf("expected code FORBIDDEN, got %v", payload["code"])
			}
		})
	}
}

func TestWorkspaceNotFound(t *testing.T) {
	server, token := newServerAndToken(t, "admin")
	rr := doRequest(server, http.MethodGet, "/api/workspace/missing", token, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestCreateWorkspaceRoute(t *testing.T) {
	server, token := newServerAndToken(t, "default")
	rr := doRequest(server, http.MethodPost, "/api/workspace/new", token, `{"name":"My Notes"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	var payload struct {
		Workspace struct {
			Slug string `json:"slug"`
			Name string `json:"name"`
		} `json:"workspace"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload.Workspace.Slug != "my-notes" {
		t.Errorf("expected slug my-notes, got %q", payload.Workspace.Slug)
	}
}

func TestHideChatRouteNotFound(t *testing.T) {
	server, token := newServerAndToken(t, "default")
	rr := doRequest(server, http.MethodPut, "/api/workspace-chats/42", token, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown chat, got %d", rr.Code)
	}
}

func TestSessionEndpointWithBadToken(t *testing.T) {
	server, _ := newServerAndToken(t, "default")
	rr := doRequest(server, http.MethodGet, "/api/session", "garbage.token", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["authenticated"] != false {
		t.Errorf("expected unauthenticated, got %v", payload)
	}
}
