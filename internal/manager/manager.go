// Package manager implements the sandbox manager: session lifecycle,
// registry, idle reaping, orphan recovery, and dispatch of exec/file calls
// to each session's in-sandbox agent.
package manager

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/execbox/execbox/internal/backend"
	"github.com/execbox/execbox/internal/execerr"
	"github.com/execbox/execbox/internal/quota"
	"github.com/execbox/execbox/internal/registry"
	"github.com/execbox/execbox/internal/token"
	"github.com/execbox/execbox/internal/workspace"
)

// DefaultAllowlist is used when a caller supplies no hosts at session
// creation.
var DefaultAllowlist = []string{
	"pypi.org",
	"files.pythonhosted.org",
	"registry.npmjs.org",
	"github.com",
	"raw.githubusercontent.com",
	"objects.githubusercontent.com",
	"crates.io",
	"static.crates.io",
}

const (
	sandboxMemoryBytes = 4 * 1024 * 1024 * 1024 // 4 GiB
	sandboxNanoCPUs    = 4_000_000_000          // 4 cores
	startupTimeout     = 30 * time.Second
	startupPollPeriod  = 500 * time.Millisecond
)

// Config bundles the Manager's environment-derived settings.
type Config struct {
	Image       string
	Runtime     string
	ProxyHost   string // empty disables proxy env injection
	ProxyPort   string
	IdleTimeout time.Duration
	TokenTTL    time.Duration
}

// Manager owns the session registry and the lifecycle of each isolated
// environment.
type Manager struct {
	cfg     Config
	backend backend.Backend
	reg     *registry.Registry
	tokens  *token.Service
	ws      workspace.Resolver
	quotas  *quota.Service
	client  *http.Client
}

func New(cfg Config, be backend.Backend, tokens *token.Service, ws workspace.Resolver, quotas *quota.Service) *Manager {
	return &Manager{
		cfg:     cfg,
		backend: be,
		reg:     registry.New(),
		tokens:  tokens,
		ws:      ws,
		quotas:  quotas,
		client:  &http.Client{},
	}
}

// SessionInfo is the session descriptor returned to callers.
type SessionInfo struct {
	SessionID     string   `json:"session_id"`
	ContainerID   string   `json:"container_id"`
	AllowedHosts  []string `json:"allowed_hosts"`
	WorkspacePath string   `json:"workspace_path"`
}

// CreateSession allocates a new isolated environment and registers the
// resulting session.
func (m *Manager) CreateSession(ctx context.Context, sessionID, tenantID string, allowedHosts []string) (SessionInfo, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if err := m.quotas.Check(tenantID, m.reg.CountByTenant(tenantID)); err != nil {
		return SessionInfo{}, err
	}

	hosts := allowedHosts
	if len(hosts) == 0 {
		hosts = DefaultAllowlist
	}

	workspacePath, ephemeral, err := m.ws.PathFor(tenantID)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("resolve tenant workspace: %w", err)
	}
	if ephemeral {
		workspacePath, err = m.ws.EphemeralDir(sessionID)
		if err != nil {
			return SessionInfo{}, fmt.Errorf("allocate ephemeral workspace: %w", err)
		}
	}
	outputsPath, err := m.ws.OutputsDir(sessionID)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("allocate outputs directory: %w", err)
	}

	ttl := m.cfg.IdleTimeout
	if ttl <= 0 {
		ttl = 1800 * time.Second
	}
	tok, err := m.tokens.Issue(sessionID, hosts, ttl)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("issue session token: %w", err)
	}

	env := map[string]string{
		"EXECBOX_SESSION_TOKEN": tok,
	}
	if m.cfg.ProxyHost != "" {
		proxyURL := fmt.Sprintf("http://%s:%s", m.cfg.ProxyHost, m.cfg.ProxyPort)
		env["HTTP_PROXY"] = proxyURL
		env["HTTPS_PROXY"] = proxyURL
	}

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	handle, err := m.backend.Start(startCtx, backend.StartOptions{
		SessionID:     sessionID,
		Image:         m.cfg.Image,
		Runtime:       m.cfg.Runtime,
		MemoryBytes:   sandboxMemoryBytes,
		NanoCPUs:      sandboxNanoCPUs,
		WorkspacePath: workspacePath,
		OutputsPath:   outputsPath,
		Env:           env,
	})
	if err != nil {
		return SessionInfo{}, fmt.Errorf("%w: %v", execerr.SandboxStartup, err)
	}

	if err := m.waitReady(startCtx, handle.AgentAddr); err != nil {
		m.backend.Stop(ctx, handle.ID)
		return SessionInfo{}, fmt.Errorf("%w: %v", execerr.SandboxStartup, err)
	}

	now := time.Now()
	s := &registry.Session{
		SessionID:     sessionID,
		TenantID:      tenantID,
		HandleID:      handle.ID,
		AgentAddr:     handle.AgentAddr,
		WorkspacePath: workspacePath,
		AllowedHosts:  hosts,
		CreatedAt:     now,
		LastUsed:      now,
	}
	if !m.reg.Insert(s) {
		// sessionID collided with a live session: tear down what we just
		// started and fail rather than overwrite the existing entry.
		m.backend.Stop(ctx, handle.ID)
		return SessionInfo{}, fmt.Errorf("session id %q already in use", sessionID)
	}

	return SessionInfo{
		SessionID:     sessionID,
		ContainerID:   handle.ID,
		AllowedHosts:  hosts,
		WorkspacePath: workspacePath,
	}, nil
}

func (m *Manager) waitReady(ctx context.Context, agentAddr string) error {
	url := fmt.Sprintf("http://%s/health", agentAddr)
	ticker := time.NewTicker(startupPollPeriod)
	defer ticker.Stop()
	for {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := m.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DestroySession idempotently tears down a session's environment and
// removes its registry entry. The returned bool reports whether a
// registry entry was present.
func (m *Manager) DestroySession(ctx context.Context, sessionID string) (bool, error) {
	s, ok := m.reg.Get(sessionID)
	if !ok {
		return false, nil
	}
	if err := m.backend.Stop(ctx, s.HandleID); err != nil {
		return false, fmt.Errorf("stop environment: %w", err)
	}
	return m.reg.Delete(sessionID), nil
}

// ListSessions returns a snapshot of live sessions.
func (m *Manager) ListSessions() []SessionInfo {
	sessions := m.reg.List()
	out := make([]SessionInfo, len(sessions))
	for i, s := range sessions {
		out[i] = SessionInfo{
			SessionID:     s.SessionID,
			ContainerID:   s.HandleID,
			AllowedHosts:  s.AllowedHosts,
			WorkspacePath: s.WorkspacePath,
		}
	}
	return out
}

// sessionOrNotFound fetches the live session record or returns
// execerr.SessionNotFound, the common first step of every dispatch
// operation.
func (m *Manager) sessionOrNotFound(sessionID string) (registry.Session, error) {
	s, ok := m.reg.Get(sessionID)
	if !ok {
		return registry.Session{}, execerr.SessionNotFound
	}
	return s, nil
}
