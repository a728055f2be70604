package session

import (
	"context"

	"github.com/obot-platform/agentrelay/internal/agentapi"
	"github.com/obot-platform/agentrelay/internal/model"
	"github.com/obot-platform/agentrelay/internal/sandbox"
)

// Pause snapshots the sandbox and terminates it. The session can later
// be rebuilt from the snapshot via Resume.
func (a *Actor) Pause(ctx context.Context) (model.SessionStateView, error) {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	a.mu.Lock()
	if a.inFlight {
		a.mu.Unlock()
		return model.SessionStateView{}, ErrBusy
	}
	if a.state.Status != model.StatusRunning || a.state.SandboxID == "" {
		a.mu.Unlock()
		return model.SessionStateView{}, ErrNotRunning
	}
	sandboxID := a.state.SandboxID
	priorSnapshot := a.state.SnapshotID
	a.state.Status = model.StatusStarting
	a.commitLocked()
	a.mu.Unlock()
	a.syncStatus()

	pauseCtx, cancel := context.WithTimeout(ctx, pauseTimeout)
	snapshotID, err := a.deps.Provider.Pause(pauseCtx, sandboxID)
	cancel()

	a.mu.Lock()
	switch {
	case err == nil:
		a.state.SnapshotID = snapshotID
		a.clearSandboxLocked()
		a.state.Status = model.StatusPaused
		a.state.Error = ""
	case sandbox.IsKind(err, sandbox.KindConflict):
		// The sandbox expired on its own. A previous snapshot, if any,
		// is still good.
		a.clearSandboxLocked()
		if priorSnapshot != "" {
			a.state.Status = model.StatusPaused
		} else {
			a.state.Status = model.StatusIdle
		}
		a.state.Error = ""
		err = nil
	default:
		a.state.Status = model.StatusError
		a.state.Error = "pause failed: " + err.Error()
	}
	view := a.commitLocked()
	a.mu.Unlock()
	a.syncStatus()

	if err != nil {
		return view, err
	}
	a.log.Info("session paused", "snapshotId", a.State().SnapshotID)
	return view, nil
}

// Resume rebuilds the sandbox from the stored snapshot.
func (a *Actor) Resume(ctx context.Context) (model.SessionStateView, error) {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	a.mu.Lock()
	if a.inFlight {
		a.mu.Unlock()
		return model.SessionStateView{}, ErrBusy
	}
	if a.state.Status != model.StatusPaused || a.state.SnapshotID == "" {
		a.mu.Unlock()
		return model.SessionStateView{}, ErrNotPaused
	}
	a.mu.Unlock()

	if err := a.runResume(ctx); err != nil {
		return a.State(), err
	}
	return a.State(), nil
}

// runResume is the shared resume pipeline: starting → resume sandbox →
// wait healthy → fresh agent session → running. The agent server does
// not retain conversations across snapshots, so a new agent session is
// always created; the transcript lives in our state. Callers hold
// cmdMu but not a.mu.
func (a *Actor) runResume(ctx context.Context) error {
	a.mu.Lock()
	snapshotID := a.state.SnapshotID
	a.state.Status = model.StatusStarting
	a.state.Error = ""
	a.commitLocked()
	a.mu.Unlock()
	a.syncStatus()

	resumeCtx, cancel := context.WithTimeout(ctx, resumeTimeout)
	inst, err := a.deps.Provider.Resume(resumeCtx, snapshotID)
	cancel()
	if err != nil {
		a.failStarting("sandbox resume failed", err)
		return err
	}

	agent := agentapi.New(inst.TunnelURL, a.log)

	a.mu.Lock()
	a.state.SandboxID = inst.SandboxID
	a.state.SandboxURL = inst.TunnelURL
	a.agent = agent
	a.commitLocked()
	a.mu.Unlock()

	healthCtx, cancel := context.WithTimeout(ctx, healthBudget)
	err = agent.WaitHealthy(healthCtx)
	cancel()
	if err != nil {
		a.failStarting("agent server never became healthy after resume", err)
		return err
	}

	sessCtx, cancel := context.WithTimeout(ctx, syncTimeout)
	agentSessionID, err := agent.CreateSession(sessCtx)
	cancel()
	if err != nil {
		a.failStarting("agent session creation failed after resume", err)
		return err
	}

	a.mu.Lock()
	a.state.AgentSessionID = agentSessionID
	a.state.Status = model.StatusRunning
	a.state.Error = ""
	a.commitLocked()
	a.mu.Unlock()
	a.syncStatus()
	a.log.Info("session resumed", "sandboxId", inst.SandboxID)
	return nil
}

// Stop terminates the sandbox and returns the session to idle. Any
// in-flight stream is canceled first. Termination failures are logged
// and swallowed; the sandbox expires on its own eventually.
func (a *Actor) Stop(ctx context.Context) (model.SessionStateView, error) {
	a.mu.Lock()
	cancel := a.cancelStream
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	a.mu.Lock()
	sandboxID := a.state.SandboxID
	a.mu.Unlock()

	if sandboxID != "" {
		termCtx, cancelTerm := context.WithTimeout(ctx, terminateTimeout)
		if err := a.deps.Provider.Terminate(termCtx, sandboxID); err != nil {
			a.log.Warn("terminate failed", "sandboxId", sandboxID, "error", err)
		}
		cancelTerm()
	}

	a.mu.Lock()
	a.clearSandboxLocked()
	a.state.Status = model.StatusIdle
	a.state.IsProcessing = false
	view := a.commitLocked()
	a.mu.Unlock()
	a.syncStatus()
	a.log.Info("session stopped")
	return view, nil
}

// clearSandboxLocked drops all references to the current sandbox.
// Callers hold a.mu.
func (a *Actor) clearSandboxLocked() {
	a.state.SandboxID = ""
	a.state.SandboxURL = ""
	a.state.AgentSessionID = ""
	a.agent = nil
}
