package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/execbox/execbox/internal/agent"
	"github.com/execbox/execbox/internal/execerr"
)

// agentRetryBackoff is the pause before the single retry on a failed
// connection to an agent.
const agentRetryBackoff = 200 * time.Millisecond

// callAgent POSTs body to path on the session's agent, retrying once after
// a short backoff if the connection itself fails. It does not retry on
// non-network errors; a non-2xx response is returned to the caller as-is.
func (m *Manager) callAgent(ctx context.Context, agentAddr, path string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}
	url := fmt.Sprintf("http://%s%s", agentAddr, path)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(agentRetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := m.client.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", execerr.AgentUnreachable, lastErr)
}

// ExecResult is the response shape for Exec and PipInstall.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timed_out"`
}

// Exec forwards a command to the session's agent with a wall-clock
// deadline slightly larger than the caller's timeout, so the agent's own
// timeout handling reports cleanly before the manager's call is
// cancelled.
func (m *Manager) Exec(ctx context.Context, sessionID, command string, timeout time.Duration, workdir string) (ExecResult, error) {
	s, err := m.sessionOrNotFound(sessionID)
	if err != nil {
		return ExecResult{}, err
	}

	if timeout <= 0 {
		timeout = agent.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	resp, err := m.callAgent(callCtx, s.AgentAddr, "/exec", agent.ExecRequest{
		Command: command,
		Workdir: workdir,
		Timeout: int(timeout.Seconds()),
	})
	if err != nil {
		return ExecResult{}, err
	}
	defer resp.Body.Close()

	var out agent.ExecResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ExecResult{}, fmt.Errorf("decode agent response: %w", err)
	}
	m.reg.Touch(sessionID)

	result := ExecResult{ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr, TimedOut: out.TimedOut}
	if out.TimedOut {
		return result, execerr.ExecTimeout
	}
	return result, nil
}

// ExecStream opens a streaming call to the session's agent and returns the
// raw chunked response body for the caller (the RPC front-end's streaming
// bridge) to relay chunk-by-chunk.
func (m *Manager) ExecStream(ctx context.Context, sessionID, command, workdir string) (io.ReadCloser, error) {
	s, err := m.sessionOrNotFound(sessionID)
	if err != nil {
		return nil, err
	}

	resp, err := m.callAgent(ctx, s.AgentAddr, "/exec_stream", agent.ExecRequest{
		Command: command,
		Workdir: workdir,
	})
	if err != nil {
		return nil, err
	}
	m.reg.Touch(sessionID)
	return resp.Body, nil
}

// WriteFile forwards a write to the session's agent.
func (m *Manager) WriteFile(ctx context.Context, sessionID, path, content, mode string) error {
	s, err := m.sessionOrNotFound(sessionID)
	if err != nil {
		return err
	}
	resp, err := m.callAgent(ctx, s.AgentAddr, "/write_file", agent.WriteFileRequest{Path: path, Content: content, Mode: mode})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out agent.FileOpResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode agent response: %w", err)
	}
	if !out.Success {
		return fmt.Errorf("%w: %s", execerr.FileError, out.Error)
	}
	m.reg.Touch(sessionID)
	return nil
}

// ReadFile forwards a read to the session's agent.
func (m *Manager) ReadFile(ctx context.Context, sessionID, path string) (string, error) {
	s, err := m.sessionOrNotFound(sessionID)
	if err != nil {
		return "", err
	}
	resp, err := m.callAgent(ctx, s.AgentAddr, "/read_file", agent.ReadFileRequest{Path: path})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out agent.FileOpResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode agent response: %w", err)
	}
	if !out.Success {
		return "", fmt.Errorf("%w: %s", execerr.FileError, out.Error)
	}
	m.reg.Touch(sessionID)
	return out.Content, nil
}

// pipRequiredHosts are the two hosts PipInstall requires in the session's
// allowlist.
var pipRequiredHosts = []string{"pypi.org", "files.pythonhosted.org"}

// PipInstall is sugar over Exec, rejected synchronously if the session's
// allowlist lacks either required registry host.
func (m *Manager) PipInstall(ctx context.Context, sessionID string, packages []string) (ExecResult, error) {
	s, err := m.sessionOrNotFound(sessionID)
	if err != nil {
		return ExecResult{}, err
	}
	for _, required := range pipRequiredHosts {
		if !containsHost(s.AllowedHosts, required) {
			return ExecResult{}, fmt.Errorf("%w: pip install requires %q in the session allowlist", execerr.AllowlistViolation, required)
		}
	}

	resp, err := m.callAgent(ctx, s.AgentAddr, "/pip_install", agent.PipInstallRequest{Packages: packages})
	if err != nil {
		return ExecResult{}, err
	}
	defer resp.Body.Close()

	var out agent.ExecResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ExecResult{}, fmt.Errorf("decode agent response: %w", err)
	}
	m.reg.Touch(sessionID)
	return ExecResult{ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr, TimedOut: out.TimedOut}, nil
}

func containsHost(hosts []string, host string) bool {
	for _, h := range hosts {
		if h == host {
			return true
		}
	}
	return false
}
