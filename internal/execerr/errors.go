// Package execerr defines the sentinel errors in the manager's error
// taxonomy. Handlers check them with errors.Is and map them to transport
// status codes at the boundary; nothing below the RPC front-end needs to
// know what a status code is.
package execerr

import "errors"

var (
	// SessionNotFound means the session id is absent from the registry.
	SessionNotFound = errors.New("session not found")

	// SandboxStartup means the isolated environment did not become ready
	// before the startup deadline. The environment has already been torn
	// down by the time this is returned.
	SandboxStartup = errors.New("sandbox failed to start")

	// AgentUnreachable means the manager could not reach a live session's
	// agent after a retry.
	AgentUnreachable = errors.New("agent unreachable")

	// ExecTimeout means the agent reports the command timed out.
	ExecTimeout = errors.New("exec timed out")

	// FileError means a file path was invalid, inaccessible, or missing.
	FileError = errors.New("file error")

	// QuotaExceeded means the tenant has reached its concurrent-session
	// cap.
	QuotaExceeded = errors.New("tenant quota exceeded")

	// AllowlistViolation is returned by the egress proxy when the request
	// host is not in the session's allowlist.
	AllowlistViolation = errors.New("host not in allowlist")

	// TokenInvalid is returned by the egress proxy when the bearer token
	// fails signature verification or has expired.
	TokenInvalid = errors.New("invalid or expired session token")

	// UpstreamError is returned by the egress proxy when it cannot reach
	// the requested upstream host.
	UpstreamError = errors.New("upstream connection failed")
)
