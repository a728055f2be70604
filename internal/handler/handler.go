// Package handler wires the HTTP API: session commands over REST and
// streaming over WebSocket.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/obot-platform/agentrelay/internal/config"
	"github.com/obot-platform/agentrelay/internal/logger"
	"github.com/obot-platform/agentrelay/internal/middleware"
	"github.com/obot-platform/agentrelay/internal/session"
	"github.com/obot-platform/agentrelay/internal/version"
)

// Handler carries the dependencies of all HTTP endpoints.
type Handler struct {
	registry  *session.Registry
	validator middleware.Validator
	limiter   *middleware.RateLimiter
	siteURL   string
	log       *logger.Logger
}

// New creates the handler.
func New(registry *session.Registry, validator middleware.Validator, cfg *config.Config, log *logger.Logger) *Handler {
	return &Handler{
		registry:  registry,
		validator: validator,
		limiter:   middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		siteURL:   cfg.ControlPlaneURL,
		log:       log,
	}
}

// Routes builds the router. Health is served before auth; everything
// else requires a valid bearer token and counts against the per-user
// rate limit.
func (h *Handler) Routes(corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(h.validator, h.log))
		r.Use(h.limiter.Middleware)

		r.Post("/sessions", h.createSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", h.getSession)
			r.Delete("/", h.deleteSession)
			r.Post("/prompt", h.prompt)
			r.Post("/pause", h.pause)
			r.Post("/resume", h.resume)
			r.Get("/ws", h.websocket)
		})
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   version.Get(),
		"timestamp": time.Now().UnixMilli(),
	})
}

// JSON writes a JSON response.
func (h *Handler) JSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("encode response", "error", err)
	}
}

// Error writes a JSON error response.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Decode parses a JSON request body.
func (h *Handler) Decode(r *http.Request, into interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(into)
}

// commandError maps actor rejections onto HTTP statuses.
func (h *Handler) commandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrNotReady),
		errors.Is(err, session.ErrNoSandbox),
		errors.Is(err, session.ErrSandboxLost),
		errors.Is(err, session.ErrNotRunning),
		errors.Is(err, session.ErrNotPaused):
		h.Error(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("command failed", "error", err)
		h.Error(w, http.StatusInternalServerError, err.Error())
	}
}
