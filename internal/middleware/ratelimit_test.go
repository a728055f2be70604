package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/obot-platform/agentrelay/internal/controlplane"
)

func TestAllowWithinLimit(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		allowed, remaining, _ := rl.Allow("u1")
		if !allowed {
			t.Fatalf("request %d rejected", i+1)
		}
		if remaining != 3-(i+1) {
			t.Errorf("remaining after %d: got %d", i+1, remaining)
		}
	}

	allowed, _, _ := rl.Allow("u1")
	if allowed {
		t.Error("4th request should be rejected")
	}
}

func TestBucketsArePerUser(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)

	if allowed, _, _ := rl.Allow("u1"); !allowed {
		t.Fatal("u1 first request rejected")
	}
	if allowed, _, _ := rl.Allow("u2"); !allowed {
		t.Error("u2 should have its own bucket")
	}
	if allowed, _, _ := rl.Allow("u1"); allowed {
		t.Error("u1 second request should be rejected")
	}
}

func TestBucketResetsAfterWindow(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	if allowed, _, _ := rl.Allow("u1"); !allowed {
		t.Fatal("first request rejected")
	}
	if allowed, _, _ := rl.Allow("u1"); allowed {
		t.Fatal("second request should be rejected")
	}

	now = now.Add(61 * time.Second)
	if allowed, _, _ := rl.Allow("u1"); !allowed {
		t.Error("bucket should reset after the window")
	}
}

func withIdentity(r *http.Request, identity *controlplane.TokenIdentity) *http.Request {
	ctx := context.WithValue(r.Context(), identityKey, identity)
	return r.WithContext(ctx)
}

func TestMiddlewareSetsHeaders(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := rl.Middleware(next)

	req := withIdentity(httptest.NewRequest("GET", "/sessions/s1", nil), &controlplane.TokenIdentity{UserID: "u1", SessionID: "s1"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("limit header: %q", rec.Header().Get("X-RateLimit-Limit"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "1" {
		t.Errorf("remaining header: %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Errorf("reset header missing")
	}
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := rl.Middleware(next)

	identity := &controlplane.TokenIdentity{UserID: "u1", SessionID: "s1"}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withIdentity(httptest.NewRequest("GET", "/", nil), identity))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, withIdentity(httptest.NewRequest("GET", "/", nil), identity))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request: got %d, want 429", rec.Code)
	}
}
