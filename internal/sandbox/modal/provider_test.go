package modal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/obot-platform/agentrelay/internal/logger"
	"github.com/obot-platform/agentrelay/internal/sandbox"
)

func TestCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/create" {
			t.Errorf("path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("authorization: %q", r.Header.Get("Authorization"))
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["repo"] != "acme/hello" || body["pat"] != "ghp_x" {
			t.Errorf("body: %v", body)
		}
		fmt.Fprint(w, `{"sandbox_id":"sb1","tunnel_url":"http://t1"}`)
	}))
	defer srv.Close()

	p := New(srv.URL, "secret", logger.NewNop())
	inst, err := p.Create(context.Background(), sandbox.CreateRequest{Repo: "acme/hello", GitCredential: "ghp_x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inst.SandboxID != "sb1" || inst.TunnelURL != "http://t1" {
		t.Errorf("instance: %+v", inst)
	}
}

func TestPauseConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	p := New(srv.URL, "", logger.NewNop())
	_, err := p.Pause(context.Background(), "sb1")
	if !sandbox.IsKind(err, sandbox.KindConflict) {
		t.Errorf("expected conflict kind, got %v", err)
	}
}

func TestStatusKindMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   sandbox.Kind
	}{
		{http.StatusUnauthorized, sandbox.KindUnauthorized},
		{http.StatusNotFound, sandbox.KindNotFound},
		{http.StatusInternalServerError, sandbox.KindTransient},
		{524, sandbox.KindTimeout},
		{http.StatusBadRequest, sandbox.KindBadRequest},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		p := New(srv.URL, "", logger.NewNop())
		_, err := p.Snapshot(context.Background(), "sb1")
		if !sandbox.IsKind(err, tc.kind) {
			t.Errorf("status %d: expected kind %s, got %v", tc.status, tc.kind, err)
		}
		srv.Close()
	}
}

func TestInBodyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"no capacity"}`)
	}))
	defer srv.Close()

	p := New(srv.URL, "", logger.NewNop())
	_, err := p.Resume(context.Background(), "snap1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !sandbox.IsKind(err, sandbox.KindBadRequest) {
		t.Errorf("kind: %v", err)
	}
}

func TestRetryableClassification(t *testing.T) {
	if !sandbox.Retryable(sandbox.Errorf(sandbox.KindTimeout, "op", "x")) {
		t.Error("timeout should be retryable")
	}
	if !sandbox.Retryable(sandbox.Errorf(sandbox.KindTransient, "op", "x")) {
		t.Error("transient should be retryable")
	}
	if sandbox.Retryable(sandbox.Errorf(sandbox.KindConflict, "op", "x")) {
		t.Error("conflict should not be retryable")
	}
}
