// Package backend defines the isolated-environment contract the Sandbox
// Manager dispatches through. It unifies what would otherwise be two
// separate, ad hoc Docker and Kubernetes code paths into one interface so
// the registry and idle reaper stay backend-agnostic, per the rule that
// container start, health polling, and forwarded HTTP calls must never
// hold the registry mutex — that boundary is this interface.
package backend

import "context"

// StartOptions carries everything a backend needs to bring up one
// isolated environment for a session.
type StartOptions struct {
	SessionID     string
	Image         string
	Runtime       string // userspace-kernel runtime selector, e.g. "runsc"
	MemoryBytes   int64
	NanoCPUs      int64
	WorkspacePath string // host path to bind-mount at /workspace; empty means ephemeral
	OutputsPath   string // host path to bind-mount at /mnt/user-data/outputs
	Env           map[string]string
}

// Handle identifies a running isolated environment and how to reach its
// agent.
type Handle struct {
	ID        string // backend-specific identifier (container id, Sandbox CR name)
	AgentAddr string // host:port for the in-sandbox agent's HTTP API
}

// Backend starts, stops, and enumerates isolated environments. A session's
// exclusive ownership of its environment is enforced by the manager, not
// the backend: the backend itself is a dumb lifecycle driver.
type Backend interface {
	// Start creates and starts a new isolated environment. On error, any
	// partially-created environment must already be torn down.
	Start(ctx context.Context, opts StartOptions) (Handle, error)

	// Stop tears down the environment identified by handleID. Must be
	// idempotent: stopping an already-gone environment is not an error.
	Stop(ctx context.Context, handleID string) error

	// List enumerates environments carrying this backend's well-known
	// management label, for orphan recovery at startup.
	List(ctx context.Context) ([]Handle, error)
}
