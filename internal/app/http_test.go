package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"murmur/core/internal/backend"
	"murmur/core/internal/chat"
	"murmur/core/internal/store"
)

func serve(t *testing.T, h harness, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rr := httptest.NewRecorder()
	NewHTTPServer(h.session).Handler().ServeHTTP(rr, req)

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return rr, response
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	rr, response := serve(t, h, http.MethodGet, "/api/health", "")
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	h := newHarness(t)
	rr, response := serve(t, h, http.MethodGet, "/api/ready", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if response["status"] != "ready" {
		t.Errorf("expected status=ready, got %v", response["status"])
	}
}

func TestStateEndpoint(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	rr, response := serve(t, h, http.MethodGet, "/api/state", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if response["currentChannelId"] != h.text.ID || response["subscribedChannelId"] != h.text.ID {
		t.Errorf("unexpected selection %v", response)
	}
	if response["messages"] != float64(2) {
		t.Errorf("expected 2 messages, got %v", response["messages"])
	}
	if response["presence"] != "online" {
		t.Errorf("expected online, got %v", response["presence"])
	}
}

func TestPresenceEndpoint(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	rr, response := serve(t, h, http.MethodPut, "/api/presence", `{"state":"low_bandwidth"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %v", rr.Code, response)
	}
	cfg, _ := response["config"].(map[string]any)
	if cfg["show_avatars"] != false {
		t.Errorf("expected avatars hidden, got %v", cfg)
	}

	rr, response = serve(t, h, http.MethodPut, "/api/presence", `{"state":"napping"}`)
	if rr.Code != http.StatusBadRequest || response["code"] != "INVALID_INPUT" {
		t.Fatalf("expected 400 INVALID_INPUT, got %d %v", rr.Code, response)
	}
}

func TestSearchRequiresServer(t *testing.T) {
	h := newHarness(t)
	rr, response := serve(t, h, http.MethodGet, "/api/search?q=hello", "")
	if rr.Code != http.StatusConflict || response["code"] != "NO_SELECTION" {
		t.Fatalf("expected 409 NO_SELECTION, got %d %v", rr.Code, response)
	}

	h.open(t)
	rr, response = serve(t, h, http.MethodGet, "/api/search?q=hello", "")
	if rr.Code != http.StatusOK || response["query"] != "hello" {
		t.Fatalf("expected empty result set, got %d %v", rr.Code, response)
	}
}

func TestMessageEndpoints(t *testing.T) {
	h := newHarness(t)

	rr, response := serve(t, h, http.MethodPost, "/api/messages", `{"content":"hi"}`)
	if rr.Code != http.StatusConflict || response["code"] != "NO_SELECTION" {
		t.Fatalf("expected 409 NO_SELECTION before a channel is open, got %d %v", rr.Code, response)
	}

	h.open(t)
	rr, response = serve(t, h, http.MethodPost, "/api/messages", `{"content":"  hello  "}`)
	if rr.Code != http.StatusCreated || response["content"] != "hello" {
		t.Fatalf("expected 201 with trimmed content, got %d %v", rr.Code, response)
	}
	id, _ := response["id"].(string)

	rr, response = serve(t, h, http.MethodPatch, "/api/messages/"+id, `{"content":"hello again"}`)
	if rr.Code != http.StatusOK || response["content"] != "hello again" || response["edited_at"] == nil {
		t.Fatalf("expected edited message, got %d %v", rr.Code, response)
	}

	rr, response = serve(t, h, http.MethodPatch, "/api/messages/temp_abc", `{"content":"x"}`)
	if rr.Code != http.StatusConflict || response["code"] != "UNCONFIRMED" {
		t.Fatalf("expected 409 UNCONFIRMED, got %d %v", rr.Code, response)
	}

	rr, response = serve(t, h, http.MethodDelete, "/api/messages/"+id, "")
	if rr.Code != http.StatusOK || response["ok"] != true {
		t.Fatalf("expected delete ok, got %d %v", rr.Code, response)
	}
	rr, response = serve(t, h, http.MethodDelete, "/api/messages/"+id, "")
	if rr.Code != http.StatusNotFound || response["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404 on second delete, got %d %v", rr.Code, response)
	}
	eventually(t, "seeded messages only", func() bool { return len(h.session.Engine().Messages()) == 2 })
}

func TestSendFailureReturnsContent(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	h.gated.failInserts(errors.New("database is down"))

	rr, response := serve(t, h, http.MethodPost, "/api/messages", `{"content":"lost?"}`)
	if rr.Code != http.StatusBadGateway || response["code"] != "SEND_FAILED" {
		t.Fatalf("expected 502 SEND_FAILED, got %d %v", rr.Code, response)
	}
	details, _ := response["details"].(map[string]any)
	if details["content"] != "lost?" {
		t.Fatalf("expected content handed back, got %v", response["details"])
	}
	if n := len(h.session.Engine().Messages()); n != 2 {
		t.Fatalf("expected rollback to 2 messages, got %d", n)
	}
}

func TestCreateChannelEndpoint(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	ctx := context.Background()

	rr, response := serve(t, h, http.MethodPost, "/api/channels", `{"name":"Release Notes"}`)
	if rr.Code != http.StatusCreated || response["name"] != "release-notes" || response["position"] != float64(2) {
		t.Fatalf("expected 201 release-notes at position 2, got %d %v", rr.Code, response)
	}

	guest, err := h.store.InsertServer(ctx, store.Server{Name: "Guest", OwnerID: "u2"})
	if err != nil {
		t.Fatalf("InsertServer failed: %v", err)
	}
	_ = h.store.InsertMember(ctx, guest.ID, "u2", "owner")
	_ = h.store.InsertMember(ctx, guest.ID, "u1", "member")
	if err := h.session.SelectServer(ctx, guest.ID); err != nil {
		t.Fatalf("SelectServer failed: %v", err)
	}

	rr, response = serve(t, h, http.MethodPost, "/api/channels", `{"name":"mine"}`)
	if rr.Code != http.StatusForbidden || response["code"] != "FORBIDDEN" {
		t.Fatalf("expected 403 for a plain member, got %d %v", rr.Code, response)
	}
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t)
	rr, response := serve(t, h, http.MethodGet, "/api/nope", "")
	if rr.Code != http.StatusNotFound || response["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404, got %d %v", rr.Code, response)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"empty content", chat.ErrEmptyContent, http.StatusBadRequest, "INVALID_INPUT"},
		{"forbidden", backend.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
		{"send failed", &chat.SendError{Content: "hi", Err: errors.New("down")}, http.StatusBadGateway, "SEND_FAILED"},
		{"no channel", ErrNoChannel, http.StatusConflict, "NO_SELECTION"},
		{"other", context.DeadlineExceeded, http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, code, _, _ := mapError(tc.err)
			if status != tc.status || code != tc.code {
				t.Fatalf("expected %d %s, got %d %s", tc.status, tc.code, status, code)
			}
		})
	}
}
