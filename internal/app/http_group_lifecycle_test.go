package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"frizzle/api/internal/realtime"
)

func newTestServer() (*HTTPServer, *fakeBus) {
	svc, _, bus := newTestService()
	return NewHTTPServer(svc, nil, "*"), bus
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) (int, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response for %s %s: %v", method, path, err)
		}
	}
	return rr.Code, payload
}

func loginAs(t *testing.T, handler http.Handler, name string) string {
	t.Helper()
	status, payload := doJSON(t, handler, http.MethodPost, "/api/session/login", "", map[string]any{"name": name})
	if status != http.StatusOK {
		t.Fatalf("login %s: status %d", name, status)
	}
	return payload["token"].(string)
}

func TestGroupLifecycleOverHTTP(t *testing.T) {
	server, _ := newTestServer()
	handler := server.Handler()

	ada := loginAs(t, handler, "Ada")
	basti := loginAs(t, handler, "Basti")
	casey := loginAs(t, handler, "Casey")

	// Ada creates the trip group.
	status, group := doJSON(t, handler, http.MethodPost, "/api/groups", ada, map[string]any{"name": "Tokyo Trip"})
	if status != http.StatusCreated {
		t.Fatalf("create group: status %d, body %v", status, group)
	}
	groupID := group["id"].(string)
	code := group["code"].(string)

	// The others join by code.
	for _, token := range []string{basti, casey} {
		status, _ = doJSON(t, handler, http.MethodPost, "/api/groups/join", token, map[string]any{"code": code})
		if status != http.StatusOK {
			t.Fatalf("join: status %d", status)
		}
	}

	// Everyone sees the same member list.
	status, fetched := doJSON(t, handler, http.MethodGet, "/api/groups/"+groupID, casey, nil)
	if status != http.StatusOK {
		t.Fatalf("get group: status %d", status)
	}
	if members := fetched["members"].([]any); len(members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(members))
	}

	// Shared itinerary edits are visible to every member.
	status, _ = doJSON(t, handler, http.MethodPut, "/api/groups/"+groupID+"/content", ada, map[string]any{"content": "Day 1: Shibuya crossing"})
	if status != http.StatusOK {
		t.Fatalf("put content: status %d", status)
	}
	status, content := doJSON(t, handler, http.MethodGet, "/api/groups/"+groupID+"/content", basti, nil)
	if status != http.StatusOK || content["content"] != "Day 1: Shibuya crossing" {
		t.Fatalf("get content: status %d, body %v", status, content)
	}

	// Chat works for members.
	status, message := doJSON(t, handler, http.MethodPost, "/api/groups/"+groupID+"/messages", basti, map[string]any{"body": "Ramen for lunch?"})
	if status != http.StatusCreated {
		t.Fatalf("post message: status %d", status)
	}
	if message["author"] != "Basti" {
		t.Fatalf("expected author Basti, got %v", message["author"])
	}
	status, listed := doJSON(t, handler, http.MethodGet, "/api/groups/"+groupID+"/messages", ada, nil)
	if status != http.StatusOK {
		t.Fatalf("list messages: status %d", status)
	}
	if messages := listed["messages"].([]any); len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	// Readiness only archives once the final member agrees.
	status, ack := doJSON(t, handler, http.MethodPost, "/api/groups/"+groupID+"/ready", ada, map[string]any{"ready": true})
	if status != http.StatusOK || ack["archived"] == true {
		t.Fatalf("first ready: status %d, body %v", status, ack)
	}
	status, ack = doJSON(t, handler, http.MethodPost, "/api/groups/"+groupID+"/ready", basti, map[string]any{"ready": true})
	if status != http.StatusOK || ack["archived"] == true {
		t.Fatalf("second ready: status %d, body %v", status, ack)
	}
	status, ack = doJSON(t, handler, http.MethodPost, "/api/groups/"+groupID+"/ready", casey, map[string]any{"ready": true})
	if status != http.StatusOK || ack["archived"] != true {
		t.Fatalf("final ready should archive: status %d, body %v", status, ack)
	}

	// The archive holds the itinerary at consensus time.
	status, archive := doJSON(t, handler, http.MethodGet, "/api/groups/"+groupID+"/archive", ada, nil)
	if status != http.StatusOK {
		t.Fatalf("get archive: status %d", status)
	}
	if archive["content"] != "Day 1: Shibuya crossing" {
		t.Fatalf("archive content mismatch: %v", archive["content"])
	}

	// The archived group is read-only.
	status, conflict := doJSON(t, handler, http.MethodPut, "/api/groups/"+groupID+"/content", ada, map[string]any{"content": "one more thing"})
	if status != http.StatusConflict || conflict["code"] != "GROUP_ARCHIVED" {
		t.Fatalf("expected GROUP_ARCHIVED conflict, got status %d, body %v", status, conflict)
	}
	status, conflict = doJSON(t, handler, http.MethodPost, "/api/groups/"+groupID+"/messages", basti, map[string]any{"body": "too late"})
	if status != http.StatusConflict || conflict["code"] != "GROUP_ARCHIVED" {
		t.Fatalf("expected GROUP_ARCHIVED conflict, got status %d, body %v", status, conflict)
	}
}

func TestGroupEndpointsRequireMembership(t *testing.T) {
	server, _ := newTestServer()
	handler := server.Handler()

	ada := loginAs(t, handler, "Ada")
	outsider := loginAs(t, handler, "Mallory")

	status, group := doJSON(t, handler, http.MethodPost, "/api/groups", ada, map[string]any{"name": "Private Trip"})
	if status != http.StatusCreated {
		t.Fatalf("create group: status %d", status)
	}
	groupID := group["id"].(string)

	paths := []string{
		"/api/groups/" + groupID,
		"/api/groups/" + groupID + "/content",
		"/api/groups/" + groupID + "/messages",
		"/api/groups/" + groupID + "/archive",
	}
	for _, path := range paths {
		status, body := doJSON(t, handler, http.MethodGet, path, outsider, nil)
		if status != http.StatusForbidden {
			t.Fatalf("GET %s as outsider: status %d, body %v", path, status, body)
		}
	}

	status, _ = doJSON(t, handler, http.MethodGet, "/api/groups/"+groupID, "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}
}

func TestGroupNotFound(t *testing.T) {
	server, _ := newTestServer()
	handler := server.Handler()
	ada := loginAs(t, handler, "Ada")

	status, body := doJSON(t, handler, http.MethodGet, "/api/groups/grp-missing", ada, nil)
	if status != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got status %d, body %v", status, body)
	}
}

func TestRealtimeWebsocketDeliversRoomEvents(t *testing.T) {
	svc, _, _ := newTestService()
	hub := realtime.NewHub(nil)
	svc.bus = hub
	server := NewHTTPServer(svc, hub, "*")

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	handler := server.Handler()
	ada := loginAs(t, handler, "Ada")
	basti := loginAs(t, handler, "Basti")

	status, group := doJSON(t, handler, http.MethodPost, "/api/groups", ada, map[string]any{"name": "Tokyo Trip"})
	if status != http.StatusCreated {
		t.Fatalf("create group: status %d", status)
	}
	groupID := group["id"].(string)
	code := group["code"].(string)
	if status, _ := doJSON(t, handler, http.MethodPost, "/api/groups/join", basti, map[string]any{"code": code}); status != http.StatusOK {
		t.Fatalf("join: status %d", status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) +
		"/api/realtime?groupId=" + groupID + "&token=" + basti
	conn, _, _, err := ws.DefaultDialer.Dial(ctx, wsURL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	// Ada edits the itinerary; Basti's socket should hear about it.
	status, _ = doJSON(t, handler, http.MethodPut, "/api/groups/"+groupID+"/content", ada, map[string]any{"content": "Day 2: Akihabara"})
	if status != http.StatusOK {
		t.Fatalf("put content: status %d", status)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	frame, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("read websocket frame: %v", err)
	}
	var event struct {
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(frame, &event); err != nil {
		t.Fatalf("parse event: %v", err)
	}
	if event.Kind != realtime.KindContentUpdate {
		t.Fatalf("expected %s event, got %s", realtime.KindContentUpdate, event.Kind)
	}
	if !strings.Contains(string(event.Payload), groupID) {
		t.Fatalf("event payload missing group id: %s", event.Payload)
	}
}

func TestRealtimeRejectsNonMembers(t *testing.T) {
	svc, _, _ := newTestService()
	hub := realtime.NewHub(nil)
	svc.bus = hub
	server := NewHTTPServer(svc, hub, "*")
	handler := server.Handler()

	ada := loginAs(t, handler, "Ada")
	mallory := loginAs(t, handler, "Mallory")
	status, group := doJSON(t, handler, http.MethodPost, "/api/groups", ada, map[string]any{"name": "Private Trip"})
	if status != http.StatusCreated {
		t.Fatalf("create group: status %d", status)
	}
	groupID := group["id"].(string)

	status, _ = doJSON(t, handler, http.MethodGet, fmt.Sprintf("/api/realtime?groupId=%s&token=%s", groupID, mallory), "", nil)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member socket, got %d", status)
	}

	status, _ = doJSON(t, handler, http.MethodGet, "/api/realtime?groupId="+groupID, "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}
}
