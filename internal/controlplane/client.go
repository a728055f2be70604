// Package controlplane is the client for the database of record. It
// validates tokens, mirrors session status and messages, and fetches
// user credentials.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/obot-platform/agentrelay/internal/logger"
	"github.com/obot-platform/agentrelay/internal/model"
)

const retryAttempts = 3

var retryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// TokenIdentity is the result of a successful token validation.
type TokenIdentity struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// StatusUpdate mirrors a session status transition to the control plane.
type StatusUpdate struct {
	SessionID    string       `json:"sessionId"`
	Status       model.Status `json:"status"`
	IsProcessing bool         `json:"isProcessing"`
	SnapshotID   string       `json:"snapshotId,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// MessageUpsert mirrors one transcript message to the control plane.
type MessageUpsert struct {
	SessionID string              `json:"sessionId"`
	MessageID string              `json:"messageId"`
	Role      model.Role          `json:"role"`
	Parts     []model.MessagePart `json:"parts"`
	Timestamp int64               `json:"timestamp"`
}

// Client talks to one control plane with a session-scoped bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *logger.Logger
}

// New creates a client. The token authenticates all calls except
// ValidateToken, which carries the token under test in its body.
func New(baseURL, token string, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

// ValidateToken resolves a bearer token to its identity. Returns
// (nil, nil) for a rejected token.
func (c *Client) ValidateToken(ctx context.Context, token string) (*TokenIdentity, error) {
	body := map[string]string{"token": token}
	status, data, err := c.retryPost(ctx, "/api/validate-token", body)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	if status == http.StatusUnauthorized {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("validate token: status %d", status)
	}
	var identity TokenIdentity
	if err := json.Unmarshal(data, &identity); err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	return &identity, nil
}

// UpsertStatus mirrors a status transition. Failures are logged, never
// returned: status sync must not disturb session progress.
func (c *Client) UpsertStatus(ctx context.Context, update StatusUpdate) {
	c.sync(ctx, "/api/session-status", update, "status")
}

// UpsertMessage mirrors a transcript message. Failures are logged,
// never returned.
func (c *Client) UpsertMessage(ctx context.Context, upsert MessageUpsert) {
	c.sync(ctx, "/api/sync-message", upsert, "message")
}

// GitCredential fetches the user's git access token.
func (c *Client) GitCredential(ctx context.Context) (string, error) {
	var result struct {
		AccessToken string `json:"accessToken"`
	}
	if err := c.withRetry(ctx, "/api/github-token", struct{}{}, &result, nil); err != nil {
		return "", fmt.Errorf("fetch git credential: %w", err)
	}
	return result.AccessToken, nil
}

// ProviderAPIKey fetches the user's API key for a model provider.
// Returns "" when the user has not stored one.
func (c *Client) ProviderAPIKey(ctx context.Context, provider string) (string, error) {
	var result struct {
		APIKey string `json:"apiKey"`
	}
	notFound := false
	err := c.withRetry(ctx, "/api/user-secret", map[string]string{"provider": provider}, &result, &notFound)
	if err != nil {
		return "", fmt.Errorf("fetch provider api key: %w", err)
	}
	if notFound {
		return "", nil
	}
	return result.APIKey, nil
}

// sync posts through withRetry and swallows the error.
func (c *Client) sync(ctx context.Context, path string, body interface{}, what string) {
	if err := c.withRetry(ctx, path, body, nil, nil); err != nil {
		c.log.Warn("control plane sync failed", "kind", what, "error", err)
	}
}

// withRetry posts through retryPost and decodes a 2xx response. A 404
// sets *notFound when the caller provides it; other 4xx fail
// immediately.
func (c *Client) withRetry(ctx context.Context, path string, body, out interface{}, notFound *bool) error {
	status, data, err := c.retryPost(ctx, path, body)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound && notFound != nil {
		*notFound = true
		return nil
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("status %d", status)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// retryPost posts with up to 3 attempts, backing off 1s, 2s, 4s. Only
// transport errors and 5xx responses are retried; any other status is
// returned to the caller.
func (c *Client) retryPost(ctx context.Context, path string, body interface{}) (int, []byte, error) {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(retryDelays[attempt-1]):
			}
		}

		status, data, err := c.post(ctx, path, body)
		if err != nil {
			lastErr = err
			continue
		}
		if status >= 500 {
			lastErr = fmt.Errorf("status %d", status)
			continue
		}
		return status, data, nil
	}
	return 0, nil, lastErr
}

// post performs one JSON POST, returning the status and body.
func (c *Client) post(ctx context.Context, path string, body interface{}) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}
