package agent

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	timeout := DefaultTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	workdir := req.Workdir
	if workdir == "" {
		workdir = workspaceRoot
	} else {
		workdir = resolvePath(workdir)
	}

	resp, err := execBuffered(r.Context(), req.Command, workdir, timeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExecStream(w http.ResponseWriter, r *http.Request) {
	var req ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	timeout := DefaultTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	workdir := req.Workdir
	if workdir == "" {
		workdir = workspaceRoot
	} else {
		workdir = resolvePath(workdir)
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)
	execStream(r.Context(), w, req.Command, workdir, timeout)
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	var req WriteFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	mode := req.Mode
	if mode == "" {
		mode = "w"
	}
	if err := writeFile(req.Path, req.Content, mode); err != nil {
		writeJSON(w, http.StatusOK, FileOpResponse{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, FileOpResponse{Success: true})
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	var req ReadFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	content, err := readFile(req.Path)
	if err != nil {
		writeJSON(w, http.StatusOK, FileOpResponse{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, FileOpResponse{Success: true, Content: content})
}

// handlePipInstall is sugar over exec: it assembles the pip install
// command line from structured arguments and runs it the same way.
func (s *Server) handlePipInstall(w http.ResponseWriter, r *http.Request) {
	var req PipInstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	args := append([]string{"python3", "-m", "pip", "install"}, req.Packages...)
	command := strings.Join(quoteAll(args), " ")

	resp, err := execBuffered(r.Context(), command, workspaceRoot, 5*time.Minute)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func quoteAll(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return out
}
