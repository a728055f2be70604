package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/obot-platform/agentrelay/internal/middleware"
	"github.com/obot-platform/agentrelay/internal/session"
)

// sessionActor authorizes the request against the {id} path parameter
// and resolves the actor. A token whose session does not match the path
// gets a 403 and no actor.
func (h *Handler) sessionActor(w http.ResponseWriter, r *http.Request) (*session.Actor, bool) {
	identity, ok := middleware.Identity(r.Context())
	if !ok {
		h.Error(w, http.StatusUnauthorized, "not authenticated")
		return nil, false
	}
	sessionID := chi.URLParam(r, "id")
	if sessionID != identity.SessionID {
		h.Error(w, http.StatusForbidden, "session does not belong to this token")
		return nil, false
	}
	actor, err := h.registry.Get(sessionID)
	if err != nil {
		h.log.Error("load session", "sessionId", sessionID, "error", err)
		h.Error(w, http.StatusInternalServerError, "failed to load session")
		return nil, false
	}
	return actor, true
}

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
	Repo      string `json:"repo"`
	Model     string `json:"model,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.Identity(r.Context())
	if !ok {
		h.Error(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req createSessionRequest
	if err := h.Decode(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.Repo == "" {
		h.Error(w, http.StatusBadRequest, "sessionId and repo are required")
		return
	}
	if req.SessionID != identity.SessionID {
		h.Error(w, http.StatusForbidden, "session does not belong to this token")
		return
	}

	actor, err := h.registry.Get(req.SessionID)
	if err != nil {
		h.log.Error("load session", "sessionId", req.SessionID, "error", err)
		h.Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	view, err := actor.Initialize(r.Context(), session.InitializeParams{
		Repo:      req.Repo,
		UserID:    identity.UserID,
		Bearer:    middleware.TokenFromRequest(r),
		DBSiteURL: h.siteURL,
		Model:     req.Model,
		Provider:  req.Provider,
	})
	if err != nil {
		h.commandError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, view)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.sessionActor(w, r)
	if !ok {
		return
	}
	h.JSON(w, http.StatusOK, actor.State())
}

type promptRequest struct {
	Text string `json:"text"`
}

func (h *Handler) prompt(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.sessionActor(w, r)
	if !ok {
		return
	}

	var req promptRequest
	if err := h.Decode(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		h.Error(w, http.StatusBadRequest, "text is required")
		return
	}

	if err := actor.Prompt(req.Text); err != nil {
		h.commandError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.sessionActor(w, r)
	if !ok {
		return
	}
	view, err := actor.Pause(r.Context())
	if err != nil {
		h.commandError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, view)
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.sessionActor(w, r)
	if !ok {
		return
	}
	view, err := actor.Resume(r.Context())
	if err != nil {
		h.commandError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, view)
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.sessionActor(w, r)
	if !ok {
		return
	}
	if _, err := actor.Stop(r.Context()); err != nil {
		h.commandError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"success": true})
}
