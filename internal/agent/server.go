// Package agent implements the in-sandbox execution agent: the PID-1 HTTP
// server that runs inside every isolated environment and exposes exec,
// exec_stream, file, and pip_install endpoints on a fixed internal port.
package agent

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shirou/gopsutil/v4/mem"
)

// Port is the fixed internal port the agent listens on.
const Port = 2024

// Server is the agent's HTTP surface. It holds no mutable session state
// of its own: every request is independent, and concurrent execs never
// lock against each other.
type Server struct {
	ready bool
	srv   *http.Server
}

func New() *Server {
	s := &Server{ready: true}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Post("/exec", s.handleExec)
	r.Post("/exec_stream", s.handleExecStream)
	r.Post("/write_file", s.handleWriteFile)
	r.Post("/read_file", s.handleReadFile)
	r.Post("/pip_install", s.handlePipInstall)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", Port),
		Handler: r,
		// WriteTimeout is left at zero: a non-zero value sets a deadline on
		// the underlying connection before the handler runs, which would
		// truncate /exec_stream's long-lived chunked response.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the agent's HTTP API. It is PID 1's main
// loop.
func (s *Server) ListenAndServe() error {
	log.Printf("agent: listening on %s", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"ok": s.ready}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp["memory_used_percent"] = vm.UsedPercent
	}
	resp["goroutines"] = runtime.NumGoroutine()
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
