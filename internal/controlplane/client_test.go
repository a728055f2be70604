package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/obot-platform/agentrelay/internal/logger"
	"github.com/obot-platform/agentrelay/internal/model"
)

func TestValidateToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/validate-token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		switch body["token"] {
		case "good":
			json.NewEncoder(w).Encode(TokenIdentity{UserID: "u1", SessionID: "s1"})
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "", logger.NewNop())

	identity, err := c.ValidateToken(context.Background(), "good")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if identity == nil || identity.UserID != "u1" || identity.SessionID != "s1" {
		t.Errorf("identity: %+v", identity)
	}

	identity, err = c.ValidateToken(context.Background(), "bad")
	if err != nil {
		t.Fatalf("validate rejected token: %v", err)
	}
	if identity != nil {
		t.Errorf("expected nil identity for rejected token, got %+v", identity)
	}
}

func TestValidateTokenRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(TokenIdentity{UserID: "u1", SessionID: "s1"})
	}))
	defer srv.Close()

	c := New(srv.URL, "", logger.NewNop())
	identity, err := c.ValidateToken(context.Background(), "good")
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if identity == nil || identity.UserID != "u1" {
		t.Errorf("identity: %+v", identity)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestRetryOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"accessToken": "ghp_x"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", logger.NewNop())
	cred, err := c.GitCredential(context.Background())
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if cred != "ghp_x" {
		t.Errorf("credential: %q", cred)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestNoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", logger.NewNop())
	if _, err := c.GitCredential(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestProviderAPIKeyNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", logger.NewNop())
	key, err := c.ProviderAPIKey(context.Background(), "anthropic")
	if err != nil {
		t.Fatalf("404 must not be an error: %v", err)
	}
	if key != "" {
		t.Errorf("expected empty key, got %q", key)
	}
}

func TestUpsertStatusSendsBearer(t *testing.T) {
	got := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok-1", logger.NewNop())
	c.UpsertStatus(context.Background(), StatusUpdate{
		SessionID: "s1",
		Status:    model.StatusRunning,
	})

	r := <-got
	if r.URL.Path != "/api/session-status" {
		t.Errorf("path: %s", r.URL.Path)
	}
	if r.Header.Get("Authorization") != "Bearer tok-1" {
		t.Errorf("authorization: %q", r.Header.Get("Authorization"))
	}
}

func TestSyncFailureDoesNotPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", logger.NewNop())
	// Must swallow the failure.
	c.UpsertMessage(context.Background(), MessageUpsert{SessionID: "s1", MessageID: "m1"})
}
