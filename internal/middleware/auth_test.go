package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/obot-platform/agentrelay/internal/controlplane"
	"github.com/obot-platform/agentrelay/internal/logger"
)

type fakeValidator struct {
	identities map[string]*controlplane.TokenIdentity
}

func (f *fakeValidator) ValidateToken(ctx context.Context, token string) (*controlplane.TokenIdentity, error) {
	return f.identities[token], nil
}

func TestAuthValidToken(t *testing.T) {
	v := &fakeValidator{identities: map[string]*controlplane.TokenIdentity{
		"tok-1": {UserID: "u1", SessionID: "s1"},
	}}

	var got *controlplane.TokenIdentity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = Identity(r.Context())
	})
	h := Auth(v, logger.NewNop())(next)

	req := httptest.NewRequest("GET", "/sessions/s1", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if got == nil || got.UserID != "u1" || got.SessionID != "s1" {
		t.Errorf("identity: %+v", got)
	}
}

func TestAuthMissingToken(t *testing.T) {
	h := Auth(&fakeValidator{}, logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without token")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status: %d, want 401", rec.Code)
	}
}

func TestAuthInvalidToken(t *testing.T) {
	h := Auth(&fakeValidator{}, logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached with invalid token")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status: %d, want 401", rec.Code)
	}
}

func TestTokenFromSubprotocol(t *testing.T) {
	req := httptest.NewRequest("GET", "/sessions/s1/ws", nil)
	req.Header.Set("Sec-Websocket-Protocol", "bearer, tok-9")
	if got := TokenFromRequest(req); got != "tok-9" {
		t.Errorf("token: %q", got)
	}
}

func TestTokenFromAuthorizationHeader(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer abc")
	if got := TokenFromRequest(req); got != "abc" {
		t.Errorf("token: %q", got)
	}

	req.Header.Set("Authorization", "Basic abc")
	if got := TokenFromRequest(req); got != "" {
		t.Errorf("non-bearer scheme: %q", got)
	}
}
