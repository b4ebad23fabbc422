// Package workspace resolves per-tenant workspace persistence: a
// directory of files shared by all of a tenant's live sessions and
// persisted on the host.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver maps a tenant id to a host path, creating it on first use.
// A zero-value Resolver (empty Root) means tenant persistence is disabled;
// every session gets a fresh ephemeral directory instead.
type Resolver struct {
	Root string // STORAGE_PATH
}

// PathFor returns the workspace directory for a tenant, creating it if
// necessary. If tenantID is empty or the resolver has no configured root,
// it returns an empty path and ephemeral=true, telling the caller to
// allocate a throwaway per-session directory instead.
func (r Resolver) PathFor(tenantID string) (path string, ephemeral bool, err error) {
	if r.Root == "" || tenantID == "" {
		return "", true, nil
	}
	if filepath.IsAbs(tenantID) || strings.Contains(tenantID, "..") || strings.ContainsRune(tenantID, filepath.Separator) {
		return "", false, fmt.Errorf("invalid tenant id %q", tenantID)
	}
	dir := filepath.Join(r.Root, tenantID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", false, fmt.Errorf("create tenant workspace %s: %w", dir, err)
	}
	return dir, false, nil
}

// EphemeralDir creates a fresh per-session scratch directory under
// STORAGE_PATH/.ephemeral (or under .ephemeral in the OS temp dir if no
// STORAGE_PATH is configured), used when a session has no tenant id or persistence is
// disabled entirely.
func (r Resolver) EphemeralDir(sessionID string) (string, error) {
	return r.sessionDir(".ephemeral", sessionID)
}

// OutputsDir creates the per-session scratch directory bind-mounted at
// /mnt/user-data/outputs. Unlike the tenant workspace, this mount is
// never shared across sessions of the same tenant: it is always a fresh,
// session-scoped directory.
func (r Resolver) OutputsDir(sessionID string) (string, error) {
	return r.sessionDir(".outputs", sessionID)
}

func (r Resolver) sessionDir(subdir, sessionID string) (string, error) {
	base := filepath.Join(os.TempDir(), subdir)
	if r.Root != "" {
		base = filepath.Join(r.Root, subdir)
	}
	dir := filepath.Join(base, sessionID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create %s dir %s: %w", subdir, dir, err)
	}
	return dir, nil
}
