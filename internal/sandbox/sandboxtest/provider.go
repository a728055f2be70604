// Package sandboxtest provides an in-memory sandbox provider for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/obot-platform/agentrelay/internal/sandbox"
)

// Provider is a fake sandbox provider. Zero value works: each operation
// succeeds with generated ids. Override the function fields to inject
// failures or fixed responses.
type Provider struct {
	mu    sync.Mutex
	seq   int
	calls []string

	CreateFunc    func(ctx context.Context, req sandbox.CreateRequest) (*sandbox.Instance, error)
	SnapshotFunc  func(ctx context.Context, sandboxID string) (string, error)
	PauseFunc     func(ctx context.Context, sandboxID string) (string, error)
	ResumeFunc    func(ctx context.Context, snapshotID string) (*sandbox.Instance, error)
	TerminateFunc func(ctx context.Context, sandboxID string) error

	// TunnelURL, when set, is returned for every created or resumed
	// instance. Tests point it at an httptest server.
	TunnelURL string
}

func (p *Provider) next(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s-%d", prefix, p.seq)
}

func (p *Provider) record(call string) {
	p.calls = append(p.calls, call)
}

// Calls returns the operations invoked so far, in order.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *Provider) Create(ctx context.Context, req sandbox.CreateRequest) (*sandbox.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("create")
	if p.CreateFunc != nil {
		return p.CreateFunc(ctx, req)
	}
	return &sandbox.Instance{SandboxID: p.next("sb"), TunnelURL: p.TunnelURL}, nil
}

func (p *Provider) Snapshot(ctx context.Context, sandboxID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("snapshot")
	if p.SnapshotFunc != nil {
		return p.SnapshotFunc(ctx, sandboxID)
	}
	return p.next("snap"), nil
}

func (p *Provider) Pause(ctx context.Context, sandboxID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("pause")
	if p.PauseFunc != nil {
		return p.PauseFunc(ctx, sandboxID)
	}
	return p.next("snap"), nil
}

func (p *Provider) Resume(ctx context.Context, snapshotID string) (*sandbox.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("resume")
	if p.ResumeFunc != nil {
		return p.ResumeFunc(ctx, snapshotID)
	}
	return &sandbox.Instance{SandboxID: p.next("sb"), TunnelURL: p.TunnelURL}, nil
}

func (p *Provider) Terminate(ctx context.Context, sandboxID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("terminate")
	if p.TerminateFunc != nil {
		return p.TerminateFunc(ctx, sandboxID)
	}
	return nil
}
