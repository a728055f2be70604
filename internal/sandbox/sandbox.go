// Package sandbox defines the provider contract for creating, pausing,
// resuming and terminating remote sandboxes.
package sandbox

import "context"

// Instance is a live sandbox reachable at its tunnel URL.
type Instance struct {
	SandboxID string
	TunnelURL string
}

// CreateRequest carries everything a provider needs to boot a sandbox
// for a repository.
type CreateRequest struct {
	Repo           string
	GitCredential  string
	ProviderAPIKey string
}

// Provider manages sandbox lifecycle. Callers bound each operation with
// a context deadline; providers must respect cancellation.
type Provider interface {
	// Create boots a fresh sandbox with the repository cloned.
	Create(ctx context.Context, req CreateRequest) (*Instance, error)

	// Snapshot captures the sandbox state without stopping it.
	Snapshot(ctx context.Context, sandboxID string) (string, error)

	// Pause snapshots the sandbox and terminates it. The returned
	// snapshot id can rebuild the sandbox via Resume.
	Pause(ctx context.Context, sandboxID string) (string, error)

	// Resume rebuilds a sandbox from a snapshot.
	Resume(ctx context.Context, snapshotID string) (*Instance, error)

	// Terminate destroys the sandbox. Call sites treat errors as
	// best-effort.
	Terminate(ctx context.Context, sandboxID string) error
}
