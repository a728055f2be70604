// Package middleware provides bearer authentication and per-user rate
// limiting for the HTTP API.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/obot-platform/agentrelay/internal/controlplane"
	"github.com/obot-platform/agentrelay/internal/logger"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity returns the authenticated token identity from the request
// context.
func Identity(ctx context.Context) (*controlplane.TokenIdentity, bool) {
	identity, ok := ctx.Value(identityKey).(*controlplane.TokenIdentity)
	return identity, ok
}

// TokenFromRequest extracts the bearer token from the Authorization
// header or, for WebSocket upgrades, from the "bearer, <token>"
// subprotocol.
func TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
		return ""
	}
	// Sec-WebSocket-Protocol: bearer, <token>
	for _, proto := range strings.Split(r.Header.Get("Sec-Websocket-Protocol"), ",") {
		proto = strings.TrimSpace(proto)
		if proto != "" && proto != "bearer" {
			return proto
		}
	}
	return ""
}

// Validator resolves a bearer token to its identity. Implemented by the
// control-plane client.
type Validator interface {
	ValidateToken(ctx context.Context, token string) (*controlplane.TokenIdentity, error)
}

// Auth validates the bearer token on every request and stores the
// resulting identity in the request context.
func Auth(validator Validator, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			identity, err := validator.ValidateToken(r.Context(), token)
			if err != nil {
				log.Error("token validation failed", "error", err)
				writeJSONError(w, http.StatusUnauthorized, "token validation failed")
				return
			}
			if identity == nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), identityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
