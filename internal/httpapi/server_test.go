package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anisbr/ragchat/internal/chat"
	"github.com/anisbr/ragchat/internal/config"
	"github.com/anisbr/ragchat/internal/history"
	"github.com/anisbr/ragchat/internal/session"
	"github.com/anisbr/ragchat/internal/transport"
)

func newTestServer(t *testing.T) (*httptest.Server, history.Store) {
	t.Helper()
	cfg := config.Config{
		TransportMode:            "mock",
		Collection:               "docs",
		SessionInactivityTimeout: time.Minute,
		AllowAnyOrigin:           true,
	}
	store := history.NewInMemoryStore()
	tr := transport.NewMockTransport()
	sessions := session.NewManager(cfg.SessionInactivityTimeout, func(collection string) *session.Controller {
		return session.NewController(tr, store, nil, collection)
	})
	srv := httptest.NewServer(New(cfg, sessions, store, nil).Router())
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp := postJSON(t, srv.URL+"/v1/chat/sessions", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d, want 201", resp.StatusCode)
	}
	var created struct {
		SessionID string `json:"session_id"`
	}
	decodeBody(t, resp, &created)
	if created.SessionID == "" {
		t.Fatalf("create session returned empty id")
	}
	return created.SessionID
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createSession(t, srv)

	resp, err := http.Get(srv.URL + "/v1/chat/sessions/" + id)
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	var got session.Session
	decodeBody(t, resp, &got)
	if got.ID != id || got.Status != session.StatusActive {
		t.Fatalf("session = %+v", got)
	}
	if got.Collection != "docs" {
		t.Fatalf("Collection = %q, want configured default", got.Collection)
	}

	endResp := postJSON(t, srv.URL+"/v1/chat/sessions/"+id+"/end", nil)
	if endResp.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want 200", endResp.StatusCode)
	}
	endResp.Body.Close()

	// Ended sessions no longer accept turns.
	msgResp := postJSON(t, srv.URL+"/v1/chat/sessions/"+id+"/messages", map[string]string{"content": "hi"})
	if msgResp.StatusCode != http.StatusNotFound {
		t.Fatalf("message after end status = %d, want 404", msgResp.StatusCode)
	}
	msgResp.Body.Close()
}

func TestSendMessageRunsFullTurn(t *testing.T) {
	srv, store := newTestServer(t)
	id := createSession(t, srv)

	resp := postJSON(t, srv.URL+"/v1/chat/sessions/"+id+"/messages", map[string]string{"content": "how do refunds work?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send message status = %d, want 200", resp.StatusCode)
	}
	var got struct {
		Turn           chat.Turn `json:"turn"`
		ConversationID string    `json:"conversation_id"`
	}
	decodeBody(t, resp, &got)
	if got.Turn.Status != chat.StatusFinalized {
		t.Fatalf("turn status = %q, want finalized", got.Turn.Status)
	}
	if !strings.Contains(got.Turn.Content, "refunds") {
		t.Fatalf("turn content = %q", got.Turn.Content)
	}
	if len(got.Turn.Sources) == 0 {
		t.Fatalf("turn has no sources")
	}
	if got.ConversationID == "" {
		t.Fatalf("conversation id missing from response")
	}

	msgs, err := store.Messages(context.Background(), got.ConversationID)
	if err != nil {
		t.Fatalf("store.Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
}

func TestSendMessageValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createSession(t, srv)

	resp := postJSON(t, srv.URL+"/v1/chat/sessions/"+id+"/messages", map[string]string{"content": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty message status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/chat/sessions/missing/messages", map[string]string{"content": "hi"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing session status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestConversationEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createSession(t, srv)

	resp := postJSON(t, srv.URL+"/v1/chat/sessions/"+id+"/messages", map[string]string{"content": "hello"})
	var sent struct {
		ConversationID string `json:"conversation_id"`
	}
	decodeBody(t, resp, &sent)

	listResp, err := http.Get(srv.URL + "/v1/conversations")
	if err != nil {
		t.Fatalf("GET conversations: %v", err)
	}
	var list struct {
		Conversations []history.ConversationInfo `json:"conversations"`
	}
	decodeBody(t, listResp, &list)
	if len(list.Conversations) != 1 || list.Conversations[0].ID != sent.ConversationID {
		t.Fatalf("conversations = %+v", list.Conversations)
	}

	msgResp, err := http.Get(srv.URL + "/v1/conversations/" + sent.ConversationID + "/messages")
	if err != nil {
		t.Fatalf("GET messages: %v", err)
	}
	var msgs struct {
		Messages []history.MessageRecord `json:"messages"`
	}
	decodeBody(t, msgResp, &msgs)
	if len(msgs.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs.Messages))
	}

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/conversations/"+sent.ConversationID, nil)
	if err != nil {
		t.Fatalf("build DELETE: %v", err)
	}
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE conversation: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", delResp.StatusCode)
	}

	listResp, err = http.Get(srv.URL + "/v1/conversations")
	if err != nil {
		t.Fatalf("GET conversations: %v", err)
	}
	list.Conversations = nil
	decodeBody(t, listResp, &list)
	if len(list.Conversations) != 0 {
		t.Fatalf("conversations after delete = %+v", list.Conversations)
	}
}

func TestSessionWSReplaysLatestSnapshot(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createSession(t, srv)

	resp := postJSON(t, srv.URL+"/v1/chat/sessions/"+id+"/messages", map[string]string{"content": "hello"})
	resp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chat/sessions/ws?session_id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var turn chat.Turn
	if err := conn.ReadJSON(&turn); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if turn.Status != chat.StatusFinalized {
		t.Fatalf("replayed snapshot status = %q, want finalized", turn.Status)
	}
}

func TestPerfLatencyEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}
}
