// Package modal implements the sandbox provider contract against the
// hosted sandbox API.
package modal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/obot-platform/agentrelay/internal/logger"
	"github.com/obot-platform/agentrelay/internal/sandbox"
)

// Provider talks to the sandbox API over HTTP with a shared secret.
type Provider struct {
	baseURL string
	secret  string
	client  *http.Client
	log     *logger.Logger
}

// New creates a provider for the given API base URL.
func New(baseURL, secret string, log *logger.Logger) *Provider {
	return &Provider{
		baseURL: baseURL,
		secret:  secret,
		client:  &http.Client{},
		log:     log,
	}
}

type createRequest struct {
	Repo           string `json:"repo"`
	PAT            string `json:"pat,omitempty"`
	ProviderAPIKey string `json:"provider_api_key,omitempty"`
}

type sandboxRef struct {
	SandboxID string `json:"sandbox_id"`
}

type snapshotRef struct {
	SnapshotID string `json:"snapshot_id"`
}

type instanceResponse struct {
	SandboxID string `json:"sandbox_id"`
	TunnelURL string `json:"tunnel_url"`
	Error     string `json:"error,omitempty"`
}

type snapshotResponse struct {
	SnapshotID string `json:"snapshot_id"`
	Error      string `json:"error,omitempty"`
}

func (p *Provider) Create(ctx context.Context, req sandbox.CreateRequest) (*sandbox.Instance, error) {
	body := createRequest{
		Repo:           req.Repo,
		PAT:            req.GitCredential,
		ProviderAPIKey: req.ProviderAPIKey,
	}
	var resp instanceResponse
	if err := p.post(ctx, "create", "/create", body, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, sandbox.Errorf(sandbox.KindBadRequest, "create", "%s", resp.Error)
	}
	if resp.SandboxID == "" || resp.TunnelURL == "" {
		return nil, sandbox.Errorf(sandbox.KindTransient, "create", "incomplete response: %+v", resp)
	}
	p.log.Info("sandbox created", "sandboxId", resp.SandboxID)
	return &sandbox.Instance{SandboxID: resp.SandboxID, TunnelURL: resp.TunnelURL}, nil
}

func (p *Provider) Snapshot(ctx context.Context, sandboxID string) (string, error) {
	var resp snapshotResponse
	if err := p.post(ctx, "snapshot", "/snapshot", sandboxRef{SandboxID: sandboxID}, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", sandbox.Errorf(sandbox.KindBadRequest, "snapshot", "%s", resp.Error)
	}
	if resp.SnapshotID == "" {
		return "", sandbox.Errorf(sandbox.KindTransient, "snapshot", "no snapshot id in response")
	}
	return resp.SnapshotID, nil
}

func (p *Provider) Pause(ctx context.Context, sandboxID string) (string, error) {
	var resp snapshotResponse
	if err := p.post(ctx, "pause", "/pause", sandboxRef{SandboxID: sandboxID}, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", sandbox.Errorf(sandbox.KindBadRequest, "pause", "%s", resp.Error)
	}
	if resp.SnapshotID == "" {
		return "", sandbox.Errorf(sandbox.KindTransient, "pause", "no snapshot id in response")
	}
	p.log.Info("sandbox paused", "sandboxId", sandboxID, "snapshotId", resp.SnapshotID)
	return resp.SnapshotID, nil
}

func (p *Provider) Resume(ctx context.Context, snapshotID string) (*sandbox.Instance, error) {
	var resp instanceResponse
	if err := p.post(ctx, "resume", "/resume", snapshotRef{SnapshotID: snapshotID}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, sandbox.Errorf(sandbox.KindBadRequest, "resume", "%s", resp.Error)
	}
	if resp.SandboxID == "" || resp.TunnelURL == "" {
		return nil, sandbox.Errorf(sandbox.KindTransient, "resume", "incomplete response: %+v", resp)
	}
	p.log.Info("sandbox resumed", "snapshotId", snapshotID, "sandboxId", resp.SandboxID)
	return &sandbox.Instance{SandboxID: resp.SandboxID, TunnelURL: resp.TunnelURL}, nil
}

func (p *Provider) Terminate(ctx context.Context, sandboxID string) error {
	var resp struct {
		Error string `json:"error,omitempty"`
	}
	if err := p.post(ctx, "terminate", "/terminate", sandboxRef{SandboxID: sandboxID}, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return sandbox.Errorf(sandbox.KindBadRequest, "terminate", "%s", resp.Error)
	}
	return nil
}

// post sends a JSON request and decodes the JSON response, mapping
// transport failures and non-2xx statuses onto the kind taxonomy.
func (p *Provider) post(ctx context.Context, op, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return sandbox.NewError(sandbox.KindBadRequest, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return sandbox.NewError(sandbox.KindBadRequest, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.secret != "" {
		req.Header.Set("Authorization", "Bearer "+p.secret)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return sandbox.NewError(sandbox.KindOf(err), op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return sandbox.NewError(sandbox.KindTransient, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := sandbox.KindFromStatus(resp.StatusCode)
		return sandbox.Errorf(kind, op, "status %d: %s", resp.StatusCode, truncate(data, 256))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return sandbox.NewError(sandbox.KindTransient, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
