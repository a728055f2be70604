// Package agentapi is the HTTP and SSE client for the agent server
// running inside a sandbox, addressed by its tunnel URL.
package agentapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/obot-platform/agentrelay/internal/logger"
	"github.com/obot-platform/agentrelay/internal/sandbox"
	"github.com/obot-platform/agentrelay/internal/stream"
)

const (
	healthAttempts  = 30
	healthInterval  = 2 * time.Second
	probeTimeout    = 5 * time.Second
	promptTimeout   = 3 * time.Minute
	sseBufferSize   = 1024 * 1024
	eventChanBuffer = 64
)

// ModelRef selects the model the agent should use for a prompt.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// AgentMessage is one message from the agent server's transcript.
type AgentMessage struct {
	ID    string           `json:"id"`
	Role  string           `json:"role"`
	Parts []stream.RawPart `json:"parts"`
}

// Client wraps one tunnel URL.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logger.Logger
}

// New creates a client for the agent server at the given tunnel URL.
func New(tunnelURL string, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(tunnelURL, "/"),
		http:    &http.Client{},
		log:     log,
	}
}

// WaitHealthy polls the health endpoint until the agent server answers,
// up to 30 attempts 2 seconds apart.
func (c *Client) WaitHealthy(ctx context.Context) error {
	for attempt := 1; attempt <= healthAttempts; attempt++ {
		if err := c.Probe(ctx); err == nil {
			c.log.Debug("agent server healthy", "attempts", attempt)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthInterval):
		}
	}
	return sandbox.Errorf(sandbox.KindTimeout, "waitHealthy", "agent server not healthy after %d attempts", healthAttempts)
}

// Probe checks agent server reachability with a single short request.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/global/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}

// CreateSession opens a fresh agent session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session", bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create agent session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("create agent session: status %d", resp.StatusCode)
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode agent session: %w", err)
	}
	if result.ID == "" {
		return "", fmt.Errorf("agent session response missing id")
	}
	return result.ID, nil
}

type promptBody struct {
	Agent string       `json:"agent"`
	Parts []promptPart `json:"parts"`
	Model *ModelRef    `json:"model,omitempty"`
}

type promptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SendPrompt posts a user prompt to an agent session. The agent server
// answers over the event stream; the HTTP response only acknowledges.
func (c *Client) SendPrompt(ctx context.Context, agentSessionID, text string, ref *ModelRef) error {
	ctx, cancel := context.WithTimeout(ctx, promptTimeout)
	defer cancel()

	body := promptBody{
		Agent: "build",
		Parts: []promptPart{{Type: "text", Text: text}},
		Model: ref,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/session/%s/message", c.baseURL, agentSessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return sandbox.NewError(sandbox.KindOf(err), "sendPrompt", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := sandbox.KindFromStatus(resp.StatusCode)
		return sandbox.Errorf(kind, "sendPrompt", "status %d", resp.StatusCode)
	}
	return nil
}

// Messages fetches the authoritative transcript of an agent session.
// Depending on the agent-server version the response is either a bare
// array or wrapped in a "messages" field; both are accepted, anything
// else is an error.
func (c *Client) Messages(ctx context.Context, agentSessionID string) ([]AgentMessage, error) {
	url := fmt.Sprintf("%s/session/%s/message", c.baseURL, agentSessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch messages: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var list []AgentMessage
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var wrapped struct {
		Messages []AgentMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Messages != nil {
		return wrapped.Messages, nil
	}

	return nil, fmt.Errorf("fetch messages: unrecognized response shape")
}

// Events subscribes to the agent server's SSE stream. Events are
// delivered on the returned channel until ctx is canceled or the stream
// ends; the channel is closed either way.
func (c *Client) Events(ctx context.Context) (<-chan stream.RawEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subscribe events: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("subscribe events: status %d", resp.StatusCode)
	}

	events := make(chan stream.RawEvent, eventChanBuffer)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), sseBufferSize)
		for scanner.Scan() {
			line := scanner.Text()
			// SSE comments and blank keep-alive lines.
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			ev, err := stream.ParseEvent([]byte(data))
			if err != nil {
				c.log.Debug("skipping malformed event", "error", err)
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			c.log.Debug("event stream ended", "error", err)
		}
	}()
	return events, nil
}
