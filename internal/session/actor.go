// Package session implements the per-session actor: a single-writer
// state machine that owns the sandbox lifecycle, brokers prompts and
// fans results out to attached WebSockets.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obot-platform/agentrelay/internal/agentapi"
	"github.com/obot-platform/agentrelay/internal/broadcast"
	"github.com/obot-platform/agentrelay/internal/controlplane"
	"github.com/obot-platform/agentrelay/internal/logger"
	"github.com/obot-platform/agentrelay/internal/model"
	"github.com/obot-platform/agentrelay/internal/sandbox"
	"github.com/obot-platform/agentrelay/internal/store"
)

const (
	createTimeout    = 120 * time.Second
	resumeTimeout    = 120 * time.Second
	pauseTimeout     = 30 * time.Second
	terminateTimeout = 30 * time.Second
	snapshotTimeout  = 10 * time.Second
	syncTimeout      = 30 * time.Second

	// healthBudget bounds the whole health poll loop; the poll itself
	// gives up after 30 attempts.
	healthBudget = 4 * time.Minute
)

// Deps are the collaborators an actor needs.
type Deps struct {
	Store    *store.Store
	Provider sandbox.Provider
	Log      *logger.Logger
}

// Actor owns one session. State is mutated only inside its command
// handlers: mu guards every read and write of state, cmdMu serializes
// the long lifecycle pipelines (prompt, pause, resume, stop) so their
// multi-step transitions never interleave.
type Actor struct {
	sessionID string
	deps      Deps
	log       *logger.Logger

	cmdMu sync.Mutex

	mu           sync.Mutex
	state        *model.SessionState
	agent        *agentapi.Client
	cp           *controlplane.Client
	inFlight     bool
	cancelStream context.CancelFunc

	broadcaster *broadcast.Broadcaster
}

// NewActor hydrates an actor from durable storage, creating fresh state
// for a session never seen before.
func NewActor(sessionID string, deps Deps) (*Actor, error) {
	a := &Actor{
		sessionID:   sessionID,
		deps:        deps,
		log:         deps.Log.With("sessionId", sessionID),
		broadcaster: broadcast.New(deps.Log.With("sessionId", sessionID)),
	}

	state, err := deps.Store.GetState(sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		now := model.NowMillis()
		state = &model.SessionState{
			SessionID: sessionID,
			Status:    model.StatusIdle,
			Messages:  []model.Message{},
			CreatedAt: now,
			UpdatedAt: now,
		}
	case err != nil:
		return nil, err
	default:
		// In-flight work did not survive the restart; what the last
		// checkpoint captured is what clients will see.
		state.IsProcessing = false
	}
	a.state = state

	if state.SandboxURL != "" {
		a.agent = agentapi.New(state.SandboxURL, a.log)
	}

	siteURL, errSite := deps.Store.Get(sessionID, store.KeyDBSiteURL)
	token, errToken := deps.Store.GetSecret(sessionID, store.KeyBearerToken)
	if errSite == nil && errToken == nil {
		a.cp = controlplane.New(siteURL, token, a.log)
	}

	return a, nil
}

// InitializeParams configures a session on first contact.
type InitializeParams struct {
	Repo      string
	UserID    string
	Bearer    string
	DBSiteURL string
	Model     string
	Provider  string
}

// Initialize records the session's identity and auth coordinates and
// launches sandbox creation in the background. Re-initializing a
// session that is already starting or running is a no-op returning the
// current state.
func (a *Actor) Initialize(ctx context.Context, params InitializeParams) (model.SessionStateView, error) {
	a.mu.Lock()

	if err := a.deps.Store.Put(a.sessionID, store.KeyDBSiteURL, params.DBSiteURL); err != nil {
		a.mu.Unlock()
		return model.SessionStateView{}, err
	}
	if err := a.deps.Store.PutSecret(a.sessionID, store.KeyBearerToken, params.Bearer); err != nil {
		a.mu.Unlock()
		return model.SessionStateView{}, err
	}
	a.cp = controlplane.New(params.DBSiteURL, params.Bearer, a.log)

	if a.state.Status == model.StatusStarting || a.state.Status == model.StatusRunning {
		view := a.state.View()
		a.mu.Unlock()
		return view, nil
	}

	a.state.Repo = params.Repo
	a.state.UserID = params.UserID
	if params.Model != "" {
		a.state.SelectedModel = params.Model
	}
	if params.Provider != "" {
		a.state.Provider = params.Provider
	}
	a.state.Status = model.StatusStarting
	a.state.Error = ""
	view := a.commitLocked()
	a.mu.Unlock()
	a.syncStatus()

	go a.createSandbox()

	return view, nil
}

// createSandbox runs in the background after Initialize: boot the
// sandbox, wait for the agent server, open an agent session.
func (a *Actor) createSandbox() {
	a.mu.Lock()
	cp := a.cp
	repo := a.state.Repo
	provider := a.state.Provider
	a.mu.Unlock()

	req := sandbox.CreateRequest{Repo: repo}
	if cp != nil {
		credCtx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		cred, err := cp.GitCredential(credCtx)
		cancel()
		if err != nil {
			a.log.Warn("git credential fetch failed", "error", err)
		}
		req.GitCredential = cred

		if provider != "" {
			keyCtx, cancel := context.WithTimeout(context.Background(), syncTimeout)
			key, err := cp.ProviderAPIKey(keyCtx, provider)
			cancel()
			if err != nil {
				a.log.Warn("provider api key fetch failed", "error", err)
			}
			req.ProviderAPIKey = key
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), createTimeout)
	inst, err := a.deps.Provider.Create(ctx, req)
	cancel()
	if err != nil {
		a.failStarting("sandbox creation failed", err)
		return
	}

	agent := agentapi.New(inst.TunnelURL, a.log)

	a.mu.Lock()
	a.state.SandboxID = inst.SandboxID
	a.state.SandboxURL = inst.TunnelURL
	a.agent = agent
	a.commitLocked()
	a.mu.Unlock()

	healthCtx, cancel := context.WithTimeout(context.Background(), healthBudget)
	err = agent.WaitHealthy(healthCtx)
	cancel()
	if err != nil {
		a.failStarting("agent server never became healthy", err)
		return
	}

	sessCtx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	agentSessionID, err := agent.CreateSession(sessCtx)
	cancel()
	if err != nil {
		a.failStarting("agent session creation failed", err)
		return
	}

	a.mu.Lock()
	a.state.AgentSessionID = agentSessionID
	a.state.Status = model.StatusRunning
	a.state.Error = ""
	a.commitLocked()
	a.mu.Unlock()
	a.syncStatus()
	a.log.Info("sandbox ready", "sandboxId", inst.SandboxID)
}

// failStarting records a failed sandbox boot.
func (a *Actor) failStarting(msg string, err error) {
	a.log.Error(msg, "error", err)
	a.mu.Lock()
	a.state.Status = model.StatusError
	a.state.Error = msg + ": " + err.Error()
	a.state.SandboxID = ""
	a.state.SandboxURL = ""
	a.state.AgentSessionID = ""
	a.agent = nil
	a.commitLocked()
	a.mu.Unlock()
	a.syncStatus()
}

// State returns the client-facing view.
func (a *Actor) State() model.SessionStateView {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.View()
}

// Attach registers a WebSocket. The broadcaster sends the initial state
// frame; if the session claims to be running, the sandbox is probed in
// the background so a dead one is noticed without waiting for the next
// prompt. Returns a detach function.
func (a *Actor) Attach(conn *websocket.Conn) func() {
	a.mu.Lock()
	view := a.state.View()
	agent := a.agent
	running := a.state.Status == model.StatusRunning && a.state.SandboxURL != ""
	a.mu.Unlock()

	detach := a.broadcaster.Attach(conn, view)

	if running && agent != nil {
		go func() {
			if err := agent.Probe(context.Background()); err != nil {
				a.markUnreachable()
			}
		}()
	}
	return detach
}

// markUnreachable records a dead sandbox noticed outside a prompt.
func (a *Actor) markUnreachable() {
	a.mu.Lock()
	if a.state.Status != model.StatusRunning || a.inFlight {
		a.mu.Unlock()
		return
	}
	a.state.SandboxID = ""
	a.state.SandboxURL = ""
	a.state.AgentSessionID = ""
	a.agent = nil
	if a.state.SnapshotID != "" {
		a.state.Status = model.StatusPaused
	} else {
		a.state.Status = model.StatusIdle
		a.state.Error = "sandbox became unreachable"
	}
	a.commitLocked()
	a.mu.Unlock()
	a.syncStatus()
	a.log.Warn("sandbox unreachable, marked dead")
}

// Broadcaster exposes the session's broadcaster to the WebSocket
// handler for per-client error frames.
func (a *Actor) Broadcaster() *broadcast.Broadcaster {
	return a.broadcaster
}

// commitLocked durably writes the state and broadcasts it. Callers hold
// a.mu. Returns the broadcast view.
func (a *Actor) commitLocked() model.SessionStateView {
	a.state.Touch()
	if err := a.deps.Store.PutState(a.state); err != nil {
		a.log.Error("durable write failed", "error", err)
	}
	view := a.state.View()
	a.broadcaster.State(view)
	return view
}

// checkpointLocked durably writes the state without broadcasting. Used
// for mid-stream checkpoints. Callers hold a.mu.
func (a *Actor) checkpointLocked() {
	a.state.Touch()
	if err := a.deps.Store.PutState(a.state); err != nil {
		a.log.Error("checkpoint write failed", "error", err)
	}
}

// syncStatus mirrors the current status to the control plane,
// fire-and-forget.
func (a *Actor) syncStatus() {
	a.mu.Lock()
	cp := a.cp
	update := controlplane.StatusUpdate{
		SessionID:    a.sessionID,
		Status:       a.state.Status,
		IsProcessing: a.state.IsProcessing,
		SnapshotID:   a.state.SnapshotID,
		ErrorMessage: a.state.Error,
	}
	a.mu.Unlock()
	if cp == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		defer cancel()
		cp.UpsertStatus(ctx, update)
	}()
}

// syncMessage mirrors one message to the control plane, fire-and-forget.
func (a *Actor) syncMessage(msg model.Message) {
	a.mu.Lock()
	cp := a.cp
	a.mu.Unlock()
	if cp == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		defer cancel()
		cp.UpsertMessage(ctx, controlplane.MessageUpsert{
			SessionID: a.sessionID,
			MessageID: msg.ID,
			Role:      msg.Role,
			Parts:     msg.Parts,
			Timestamp: msg.Timestamp,
		})
	}()
}

// Shutdown cancels any in-flight stream and drops attached sockets.
// The sandbox keeps running; durable state lets a restart pick up.
func (a *Actor) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancelStream
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.broadcaster.Close()
	return nil
}
