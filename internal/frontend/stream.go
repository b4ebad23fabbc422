package frontend

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"github.com/execbox/execbox/internal/streambridge"
)

// handleExecStream upgrades the request to a WebSocket and relays the
// session agent's chunked exec_stream response onto it via
// streambridge.Pump.
func (s *Server) handleExecStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	command := r.URL.Query().Get("command")
	workdir := r.URL.Query().Get("workdir")
	if command == "" {
		http.Error(w, "missing command query parameter", http.StatusBadRequest)
		return
	}

	body, err := s.Manager.ExecStream(r.Context(), id, command, workdir)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		body.Close()
		log.Printf("frontend: websocket accept for session %s: %v", id, err)
		return
	}
	defer conn.CloseNow()

	if err := streambridge.Pump(r.Context(), conn, body); err != nil {
		log.Printf("frontend: stream pump for session %s: %v", id, err)
		conn.Close(websocket.StatusInternalError, "stream relay failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
