// Package frontend implements the RPC front-end: the chi-routed JSON/HTTP
// surface that translates external calls into manager.Manager operations
// and relays exec streams back to callers.
package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/execbox/execbox/internal/authn"
	"github.com/execbox/execbox/internal/db"
	"github.com/execbox/execbox/internal/execerr"
	"github.com/execbox/execbox/internal/manager"
)

// requestID middleware tags every request with a correlation id (a fresh
// UUID unless the caller already supplied one), echoed back on the
// response so RPC-front-end and agent log lines can be joined by it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// Server is the RPC front-end. Auth may be nil, in which case tenantId is
// taken verbatim from the request body. DB may be nil, in which
// case the quota admin endpoints are not registered.
type Server struct {
	Manager *manager.Manager
	Auth    *authn.Verifier
	DB      *db.DB
}

func New(m *manager.Manager, auth *authn.Verifier, database *db.DB) *Server {
	return &Server{Manager: m, Auth: auth, DB: database}
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Delete("/{id}", s.handleDestroySession)
		r.Post("/{id}/exec", s.handleExec)
		r.Get("/{id}/exec_stream", s.handleExecStream)
		r.Post("/{id}/files/write", s.handleWriteFile)
		r.Post("/{id}/files/read", s.handleReadFile)
		r.Post("/{id}/pip_install", s.handlePipInstall)
	})

	if s.DB != nil {
		r.Route("/v1/admin", func(r chi.Router) {
			r.Put("/tenants/{id}/quota", s.handleSetTenantQuota)
			r.Delete("/tenants/{id}/quota", s.handleDeleteTenantQuota)
			r.Put("/settings/{key}", s.handleSetSystemSetting)
		})
	}

	return r
}

// tenantID resolves the acting tenant: from the verified OIDC identity if
// auth is enabled, otherwise from the request body's tenantId field.
func (s *Server) tenantID(ctx context.Context, r *http.Request, bodyTenantID string) (string, error) {
	if s.Auth == nil {
		return bodyTenantID, nil
	}
	return s.Auth.Authenticate(ctx, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, execerr.SessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, execerr.QuotaExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, execerr.AllowlistViolation):
		status = http.StatusForbidden
	case errors.Is(err, execerr.ExecTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, execerr.SandboxStartup), errors.Is(err, execerr.AgentUnreachable):
		status = http.StatusBadGateway
	case errors.Is(err, execerr.FileError):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type createSessionRequest struct {
	SessionID    string   `json:"session_id"`
	TenantID     string   `json:"tenant_id"`
	AllowedHosts []string `json:"allowed_hosts"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	tenantID, err := s.tenantID(r.Context(), r, req.TenantID)
	if err != nil {
		http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
		return
	}

	info, err := s.Manager.CreateSession(r.Context(), req.SessionID, tenantID, req.AllowedHosts)
	if err != nil {
		log.Printf("frontend: create session: %v", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.Manager.ListSessions()})
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	destroyed, err := s.Manager.DestroySession(r.Context(), id)
	if err != nil {
		log.Printf("frontend: destroy session %s: %v", id, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"destroyed": destroyed})
}

type execRequest struct {
	Command string `json:"command"`
	Workdir string `json:"workdir"`
	Timeout int    `json:"timeout_seconds"`
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var timeout time.Duration
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	result, err := s.Manager.Exec(r.Context(), id, req.Command, timeout, req.Workdir)
	if err != nil && !errors.Is(err, execerr.ExecTimeout) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Mode    string `json:"mode"`
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req writeFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.Manager.WriteFile(r.Context(), id, req.Path, req.Content, req.Mode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type readFileRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req readFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	content, err := s.Manager.ReadFile(r.Context(), id, req.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

type pipInstallRequest struct {
	Packages []string `json:"packages"`
}

func (s *Server) handlePipInstall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req pipInstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	result, err := s.Manager.PipInstall(r.Context(), id, req.Packages)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
