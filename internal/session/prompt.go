package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/obot-platform/agentrelay/internal/agentapi"
	"github.com/obot-platform/agentrelay/internal/model"
	"github.com/obot-platform/agentrelay/internal/stream"
)

const (
	connectedWait      = 3 * time.Second
	idleWait           = 5 * time.Minute
	checkpointInterval = 2 * time.Second
	tailGrace          = 200 * time.Millisecond
	recoveryFetch      = 10 * time.Second
)

// timeoutNote is appended to the transcript when a prompt times out but
// partial streamed content was preserved.
const timeoutNote = "⚠️ Response timed out. Partial content shown above. The AI may still be processing — try refreshing in a moment."

// Prompt brokers one user prompt end to end: reachability check (with
// transparent resume of a dead sandbox), SSE capture, send, stream,
// finalize against the authoritative transcript, auto-snapshot.
//
// The pipeline deliberately ignores caller cancellation: a client that
// disconnects mid-prompt reconnects to a completed transcript. Stop is
// the only external cancellation source.
func (a *Actor) Prompt(text string) error {
	// Busy guard and user message. The message is appended before any
	// recovery work so it survives even a failed resume.
	a.mu.Lock()
	if a.inFlight {
		a.mu.Unlock()
		return ErrBusy
	}
	a.inFlight = true
	userMsg := model.Message{
		ID:        uuid.NewString(),
		Role:      model.RoleUser,
		Parts:     []model.MessagePart{model.TextPart(text)},
		Timestamp: model.NowMillis(),
	}
	a.state.Messages = append(a.state.Messages, userMsg)
	a.state.StreamingMessage = nil
	a.commitLocked()
	a.mu.Unlock()
	a.syncMessage(userMsg)

	defer func() {
		a.mu.Lock()
		a.inFlight = false
		a.mu.Unlock()
	}()

	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	if err := a.ensureReachable(); err != nil {
		return err
	}

	a.mu.Lock()
	agent := a.agent
	agentSessionID := a.state.AgentSessionID
	var modelRef *agentapi.ModelRef
	if a.state.SelectedModel != "" && a.state.Provider != "" {
		modelRef = &agentapi.ModelRef{ProviderID: a.state.Provider, ModelID: a.state.SelectedModel}
	}
	a.state.IsProcessing = true
	a.commitLocked()
	a.mu.Unlock()
	a.syncStatus()

	if agent == nil || agentSessionID == "" {
		a.finishWithError("no agent session")
		return ErrNoSandbox
	}

	assistantID := uuid.NewString()
	norm := stream.NewNormalizer(text)

	streamCtx, cancelStream := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancelStream = cancelStream
	a.mu.Unlock()
	defer func() {
		cancelStream()
		a.mu.Lock()
		a.cancelStream = nil
		a.mu.Unlock()
	}()

	events, err := agent.Events(streamCtx)
	if err != nil {
		// Stream and observe degrades to send and recover.
		a.log.Warn("event subscription failed", "error", err)
		events = nil
	}

	// Warm-up: give the stream a moment to confirm it is live. A late
	// or missing server.connected does not fail the prompt.
	if events != nil {
		connectTimer := time.NewTimer(connectedWait)
	warmup:
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					events = nil
					break warmup
				}
				a.handleStreamEvent(ev, norm, assistantID)
				if ev.Type == stream.EventServerConnected {
					break warmup
				}
			case <-connectTimer.C:
				break warmup
			}
		}
		connectTimer.Stop()
	}

	// The send blocks until the agent finishes, so it runs beside the
	// event loop.
	sendErrCh := make(chan error, 1)
	go func() {
		sendErrCh <- agent.SendPrompt(streamCtx, agentSessionID, text, modelRef)
	}()

	idleTimer := time.NewTimer(idleWait)
	defer idleTimer.Stop()
	checkpoint := time.NewTicker(checkpointInterval)
	defer checkpoint.Stop()

	var (
		timedOut bool
		canceled bool
		sendErr  error
	)
loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				if streamCtx.Err() != nil {
					canceled = true
					break loop
				}
				continue
			}
			a.handleStreamEvent(ev, norm, assistantID)
			if ev.Type == stream.EventSessionIdle {
				break loop
			}
		case err := <-sendErrCh:
			sendErrCh = nil
			if err != nil {
				sendErr = err
				break loop
			}
		case <-checkpoint.C:
			// Persist partial progress so a restart mid-stream shows
			// the streamed content to reconnecting clients.
			if parts := norm.Parts(); len(parts) > 0 {
				a.mu.Lock()
				a.state.StreamingMessage = &model.Message{
					ID:        assistantID,
					Role:      model.RoleAssistant,
					Parts:     parts,
					Timestamp: model.NowMillis(),
				}
				a.checkpointLocked()
				a.mu.Unlock()
			}
		case <-idleTimer.C:
			timedOut = true
			break loop
		}
	}

	a.broadcaster.Flush()
	cancelStream()
	a.drainTail(events, norm)

	if timedOut || sendErr != nil || canceled {
		a.recoverPrompt(agent, agentSessionID, assistantID, text, norm, sendErr, canceled)
		return nil
	}

	// Clean completion: prefer the authoritative transcript over the
	// streamed parts unless the fetch looks incomplete.
	streamed := norm.Parts()
	parts := streamed
	if auth, ok := a.fetchLastAssistant(agent, agentSessionID, text); ok {
		if len(auth) > 0 && !(toolCount(auth) == 0 && toolCount(streamed) >= 1) {
			parts = auth
		}
	}
	a.commitAssistant(assistantID, parts, nil)
	a.autoSnapshot()
	return nil
}

// ensureReachable makes sure a running, healthy sandbox backs the
// session, resuming from a snapshot when needed. Callers hold cmdMu.
func (a *Actor) ensureReachable() error {
	a.mu.Lock()
	status := a.state.Status
	snapshotID := a.state.SnapshotID
	agent := a.agent
	a.mu.Unlock()

	switch status {
	case model.StatusRunning:
		if agent == nil {
			return ErrNoSandbox
		}
		if err := agent.Probe(context.Background()); err == nil {
			return nil
		}
		a.log.Warn("sandbox probe failed, treating as dead")
		if snapshotID == "" {
			a.mu.Lock()
			a.clearSandboxLocked()
			a.state.Status = model.StatusIdle
			a.state.Error = "sandbox became unreachable"
			a.commitLocked()
			a.mu.Unlock()
			a.syncStatus()
			return ErrSandboxLost
		}
		a.mu.Lock()
		a.clearSandboxLocked()
		a.state.Status = model.StatusPaused
		a.commitLocked()
		a.mu.Unlock()
		a.syncStatus()
		return a.runResume(context.Background())

	case model.StatusPaused, model.StatusIdle, model.StatusError:
		if snapshotID == "" {
			return ErrNoSandbox
		}
		return a.runResume(context.Background())

	case model.StatusStarting:
		return ErrNotReady
	}
	return ErrNoSandbox
}

// handleStreamEvent forwards one event to clients and feeds the
// normalizer, emitting a throttled streaming frame on part updates.
func (a *Actor) handleStreamEvent(ev stream.RawEvent, norm *stream.Normalizer, assistantID string) {
	a.broadcaster.Event(ev.Raw)
	if ev.Type == stream.EventMessagePartUpdated {
		norm.Handle(ev)
		a.broadcaster.Streaming(assistantID, norm.Parts())
	}
}

// drainTail consumes events buffered before cancellation took effect.
func (a *Actor) drainTail(events <-chan stream.RawEvent, norm *stream.Normalizer) {
	if events == nil {
		return
	}
	grace := time.NewTimer(tailGrace)
	defer grace.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == stream.EventMessagePartUpdated {
				norm.Handle(ev)
			}
		case <-grace.C:
			return
		}
	}
}

// fetchLastAssistant fetches the authoritative transcript and returns
// the normalized parts of its last assistant message.
func (a *Actor) fetchLastAssistant(agent *agentapi.Client, agentSessionID, prompt string) ([]model.MessagePart, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), recoveryFetch)
	defer cancel()

	msgs, err := agent.Messages(ctx, agentSessionID)
	if err != nil {
		a.log.Warn("authoritative fetch failed", "error", err)
		return nil, false
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" {
			return stream.NormalizeParts(msgs[i].Parts, prompt), true
		}
	}
	return nil, false
}

// recoverPrompt handles the timeout, failed-send and canceled cases:
// the agent may have finished anyway, so try the transcript first, then
// fall back to preserved partial content, then to an error note.
func (a *Actor) recoverPrompt(agent *agentapi.Client, agentSessionID, assistantID, text string, norm *stream.Normalizer, sendErr error, canceled bool) {
	if !canceled {
		if auth, ok := a.fetchLastAssistant(agent, agentSessionID, text); ok && len(auth) > 0 {
			a.commitAssistant(assistantID, auth, nil)
			a.autoSnapshot()
			return
		}
	}

	if streamed := norm.Parts(); len(streamed) > 0 {
		note := model.Message{
			ID:        uuid.NewString(),
			Role:      model.RoleSystem,
			Parts:     []model.MessagePart{model.TextPart(timeoutNote)},
			Timestamp: model.NowMillis(),
		}
		a.commitAssistant(assistantID, streamed, &note)
		a.autoSnapshot()
		return
	}

	msg := "prompt timed out"
	if sendErr != nil {
		msg = sendErr.Error()
	}
	if canceled {
		msg = "prompt canceled"
	}
	a.finishWithError(msg)
}

// commitAssistant appends the assistant message (and an optional system
// note), clears streaming state and broadcasts the final snapshot.
func (a *Actor) commitAssistant(assistantID string, parts []model.MessagePart, note *model.Message) {
	msg := model.Message{
		ID:        assistantID,
		Role:      model.RoleAssistant,
		Parts:     parts,
		Timestamp: model.NowMillis(),
	}

	a.mu.Lock()
	a.state.Messages = append(a.state.Messages, msg)
	if note != nil {
		a.state.Messages = append(a.state.Messages, *note)
	}
	a.state.StreamingMessage = nil
	a.state.IsProcessing = false
	a.broadcaster.Flush()
	a.commitLocked()
	a.mu.Unlock()

	a.syncMessage(msg)
	if note != nil {
		a.syncMessage(*note)
	}
	a.syncStatus()
}

// finishWithError ends a prompt with a system-role error message and no
// assistant message.
func (a *Actor) finishWithError(text string) {
	sys := model.Message{
		ID:        uuid.NewString(),
		Role:      model.RoleSystem,
		Parts:     []model.MessagePart{model.TextPart("Error: " + text)},
		Timestamp: model.NowMillis(),
	}

	a.mu.Lock()
	a.state.Messages = append(a.state.Messages, sys)
	a.state.StreamingMessage = nil
	a.state.IsProcessing = false
	a.broadcaster.Flush()
	a.commitLocked()
	a.mu.Unlock()

	a.syncMessage(sys)
	a.syncStatus()
}

// autoSnapshot captures the sandbox after a successful prompt so a
// later resume starts from the freshest state. Failures only log.
func (a *Actor) autoSnapshot() {
	a.mu.Lock()
	if a.state.Status != model.StatusRunning || a.state.IsProcessing {
		a.mu.Unlock()
		return
	}
	sandboxID := a.state.SandboxID
	a.mu.Unlock()
	if sandboxID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	snapshotID, err := a.deps.Provider.Snapshot(ctx, sandboxID)
	cancel()
	if err != nil {
		a.log.Warn("auto-snapshot failed", "error", err)
		return
	}

	a.mu.Lock()
	a.state.SnapshotID = snapshotID
	a.commitLocked()
	a.mu.Unlock()
	a.syncStatus()
	a.log.Debug("auto-snapshot stored", "snapshotId", snapshotID)
}

func toolCount(parts []model.MessagePart) int {
	n := 0
	for _, p := range parts {
		if p.Type == "tool" {
			n++
		}
	}
	return n
}
