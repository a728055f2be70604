package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter is a process-local per-user request limiter. Buckets
// reset lazily on lookup; no background reaper.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   int
	window  time.Duration
	now     func() time.Time
}

// NewRateLimiter allows limit requests per user per rolling window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets: map[string]*bucket{},
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Allow consumes one request for the user. Returns whether the request
// may proceed, the remaining allowance and the bucket reset time.
func (rl *RateLimiter) Allow(userID string) (allowed bool, remaining int, resetAt time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[userID]
	if !ok || now.After(b.resetAt) {
		b = &bucket{resetAt: now.Add(rl.window)}
		rl.buckets[userID] = b
	}

	if b.count >= rl.limit {
		return false, 0, b.resetAt
	}
	b.count++
	return true, rl.limit - b.count, b.resetAt
}

// Middleware enforces the limit for authenticated requests and sets the
// X-RateLimit headers on every response. Runs after Auth.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := Identity(r.Context())
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		allowed, remaining, resetAt := rl.Allow(identity.UserID)
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))

		if !allowed {
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
