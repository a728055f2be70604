package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/obot-platform/agentrelay/internal/config"
	"github.com/obot-platform/agentrelay/internal/controlplane"
	"github.com/obot-platform/agentrelay/internal/logger"
	"github.com/obot-platform/agentrelay/internal/model"
	"github.com/obot-platform/agentrelay/internal/sandbox/sandboxtest"
	"github.com/obot-platform/agentrelay/internal/session"
	"github.com/obot-platform/agentrelay/internal/store"
)

type fakeValidator struct {
	identities map[string]*controlplane.TokenIdentity
}

func (f *fakeValidator) ValidateToken(ctx context.Context, token string) (*controlplane.TokenIdentity, error) {
	return f.identities[token], nil
}

func newTestHandler(t *testing.T) (*Handler, *store.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	st, err := store.New(db)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	registry := session.NewRegistry(session.Deps{
		Store:    st,
		Provider: &sandboxtest.Provider{},
		Log:      logger.NewNop(),
	})
	validator := &fakeValidator{identities: map[string]*controlplane.TokenIdentity{
		"tok-s1": {UserID: "u1", SessionID: "s1"},
	}}
	cfg := &config.Config{
		ControlPlaneURL:   "http://cp.test",
		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
	}
	return New(registry, validator, cfg, logger.NewNop()), st
}

func TestHealthNeedsNoAuth(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Routes(nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: %d", resp.StatusCode)
	}

	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body: %v", body)
	}
	if body["timestamp"] == nil {
		t.Error("timestamp missing")
	}
}

func TestSessionEndpointsRequireAuth(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Routes(nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sessions/s1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status: %d, want 401", resp.StatusCode)
	}
}

func doJSON(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestSessionIDMismatchForbidden(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Routes(nil))
	defer srv.Close()

	resp := doJSON(t, http.MethodGet, srv.URL+"/sessions/other", "tok-s1", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status: %d, want 403", resp.StatusCode)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Routes(nil))
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/sessions", "tok-s1", `{"sessionId":"s1"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing repo: %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/sessions", "tok-s1", `{"sessionId":"someone-else","repo":"a/b"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("mismatched session: %d, want 403", resp.StatusCode)
	}
}

func TestGetSessionReturnsView(t *testing.T) {
	h, st := newTestHandler(t)
	now := model.NowMillis()
	st.PutState(&model.SessionState{
		SessionID: "s1",
		Repo:      "acme/hello",
		Status:    model.StatusIdle,
		Messages:  []model.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	})
	srv := httptest.NewServer(h.Routes(nil))
	defer srv.Close()

	resp := doJSON(t, http.MethodGet, srv.URL+"/sessions/s1", "tok-s1", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	var view model.SessionStateView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.SessionID != "s1" || view.Repo != "acme/hello" {
		t.Errorf("view: %+v", view)
	}
	if resp.Header.Get("X-RateLimit-Limit") != "100" {
		t.Errorf("rate limit headers missing: %q", resp.Header.Get("X-RateLimit-Limit"))
	}
}

func TestPromptRequiresText(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Routes(nil))
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/sessions/s1/prompt", "tok-s1", `{}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: %d, want 400", resp.StatusCode)
	}
}

func TestPromptWithoutSandboxIs400(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Routes(nil))
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/sessions/s1/prompt", "tok-s1", `{"text":"hi"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: %d, want 400", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["error"] == "" {
		t.Error("error body missing")
	}
}

func TestDeleteSession(t *testing.T) {
	h, st := newTestHandler(t)
	now := model.NowMillis()
	st.PutState(&model.SessionState{
		SessionID: "s1",
		Status:    model.StatusRunning,
		SandboxID: "sb1", SandboxURL: "http://t1", AgentSessionID: "a1",
		Messages:  []model.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	})
	srv := httptest.NewServer(h.Routes(nil))
	defer srv.Close()

	resp := doJSON(t, http.MethodDelete, srv.URL+"/sessions/s1", "tok-s1", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	state, err := st.GetState("s1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != model.StatusIdle || state.SandboxID != "" {
		t.Errorf("state after delete: %+v", state)
	}
}

func TestWebSocketSubprotocolAuth(t *testing.T) {
	h, st := newTestHandler(t)
	now := model.NowMillis()
	st.PutState(&model.SessionState{
		SessionID: "s1",
		Status:    model.StatusIdle,
		Messages:  []model.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	})
	srv := httptest.NewServer(h.Routes(nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/s1/ws"
	dialer := websocket.Dialer{Subprotocols: []string{"bearer", "tok-s1"}}
	conn, resp, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if got := resp.Header.Get("Sec-Websocket-Protocol"); got != "bearer" {
		t.Errorf("negotiated subprotocol: %q", got)
	}

	// First frame is the state snapshot.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var frame struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Type != "state" {
		t.Errorf("first frame: %s", frame.Type)
	}
}
