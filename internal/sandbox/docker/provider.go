// Package docker implements the sandbox provider contract against a
// local Docker daemon. Meant for development: a container stands in for
// the remote sandbox and an image commit stands in for a snapshot.
package docker

import (
	"context"
	"fmt"
	"strings"

	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/obot-platform/agentrelay/internal/logger"
	"github.com/obot-platform/agentrelay/internal/sandbox"
)

// agentPort is the port the agent server listens on inside the sandbox.
const agentPort = "4096/tcp"

// Config holds Docker provider settings.
type Config struct {
	Host    string // docker daemon address, empty for environment default
	Network string // optional docker network to attach containers to
	Image   string // sandbox image to run
}

// Provider runs sandboxes as local Docker containers.
type Provider struct {
	client *client.Client
	cfg    Config
	log    *logger.Logger
}

// New connects to the Docker daemon.
func New(cfg Config, log *logger.Logger) (*Provider, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Provider{client: cli, cfg: cfg, log: log}, nil
}

func (p *Provider) Create(ctx context.Context, req sandbox.CreateRequest) (*sandbox.Instance, error) {
	env := []string{"REPO=" + req.Repo}
	if req.GitCredential != "" {
		env = append(env, "GIT_CREDENTIAL="+req.GitCredential)
	}
	if req.ProviderAPIKey != "" {
		env = append(env, "PROVIDER_API_KEY="+req.ProviderAPIKey)
	}
	return p.run(ctx, "create", p.cfg.Image, env)
}

func (p *Provider) Snapshot(ctx context.Context, sandboxID string) (string, error) {
	ref := "agentrelay-snapshot:" + uuid.NewString()[:8]
	_, err := p.client.ContainerCommit(ctx, sandboxID, containerTypes.CommitOptions{
		Reference: ref,
		Pause:     true,
	})
	if err != nil {
		return "", p.wrap("snapshot", err)
	}
	p.log.Debug("container committed", "sandboxId", sandboxID, "snapshotId", ref)
	return ref, nil
}

func (p *Provider) Pause(ctx context.Context, sandboxID string) (string, error) {
	snapshotID, err := p.Snapshot(ctx, sandboxID)
	if err != nil {
		// A container that is already gone cannot be committed; report
		// the pause/expiry race as a conflict so callers take the
		// fallback path.
		if sandbox.IsKind(err, sandbox.KindNotFound) {
			return "", sandbox.Errorf(sandbox.KindConflict, "pause", "container already removed: %s", sandboxID)
		}
		return "", err
	}
	if err := p.client.ContainerRemove(ctx, sandboxID, containerTypes.RemoveOptions{Force: true}); err != nil {
		return "", p.wrap("pause", err)
	}
	return snapshotID, nil
}

func (p *Provider) Resume(ctx context.Context, snapshotID string) (*sandbox.Instance, error) {
	return p.run(ctx, "resume", snapshotID, nil)
}

func (p *Provider) Terminate(ctx context.Context, sandboxID string) error {
	if err := p.client.ContainerRemove(ctx, sandboxID, containerTypes.RemoveOptions{Force: true}); err != nil {
		return p.wrap("terminate", err)
	}
	return nil
}

// run starts a container from an image, publishing the agent port on an
// ephemeral loopback port.
func (p *Provider) run(ctx context.Context, op, image string, env []string) (*sandbox.Instance, error) {
	containerConfig := &containerTypes.Config{
		Image: image,
		Env:   env,
		Labels: map[string]string{
			"agentrelay.managed": "true",
		},
		ExposedPorts: nat.PortSet{agentPort: struct{}{}},
	}
	hostConfig := &containerTypes.HostConfig{
		PortBindings: nat.PortMap{
			agentPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
	}
	if p.cfg.Network != "" {
		hostConfig.NetworkMode = containerTypes.NetworkMode(p.cfg.Network)
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return nil, p.wrap(op, err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{}); err != nil {
		_ = p.client.ContainerRemove(ctx, resp.ID, containerTypes.RemoveOptions{Force: true})
		return nil, p.wrap(op, err)
	}

	hostPort, err := p.hostPort(ctx, resp.ID)
	if err != nil {
		_ = p.client.ContainerRemove(ctx, resp.ID, containerTypes.RemoveOptions{Force: true})
		return nil, p.wrap(op, err)
	}

	p.log.Info("container started", "sandboxId", resp.ID[:12], "hostPort", hostPort)
	return &sandbox.Instance{
		SandboxID: resp.ID,
		TunnelURL: "http://127.0.0.1:" + hostPort,
	}, nil
}

// hostPort looks up the host port Docker assigned to the agent port.
func (p *Provider) hostPort(ctx context.Context, containerID string) (string, error) {
	info, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", err
	}
	bindings := info.NetworkSettings.Ports[nat.Port(agentPort)]
	if len(bindings) == 0 {
		return "", fmt.Errorf("no host binding for %s", agentPort)
	}
	return bindings[0].HostPort, nil
}

// Close releases the Docker client.
func (p *Provider) Close() error {
	return p.client.Close()
}

// wrap maps Docker daemon errors onto the sandbox kind taxonomy.
func (p *Provider) wrap(op string, err error) error {
	switch {
	case client.IsErrNotFound(err) || strings.Contains(err.Error(), "No such container"):
		return sandbox.NewError(sandbox.KindNotFound, op, err)
	case strings.Contains(err.Error(), "conflict"):
		return sandbox.NewError(sandbox.KindConflict, op, err)
	default:
		return sandbox.NewError(sandbox.KindOf(err), op, err)
	}
}
