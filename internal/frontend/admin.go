package frontend

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Admin endpoints manage quota configuration: per-tenant overrides and the
// system-wide default. They are registered only when a database is
// configured; without one there is nothing to write to and quota
// resolution falls back to the env/hardcoded layers.

type setTenantQuotaRequest struct {
	// MaxSessions nil clears nothing — it stores an override row with no
	// cap at this layer. Use DELETE to remove the override entirely.
	MaxSessions *int `json:"max_sessions"`
}

func (s *Server) handleSetTenantQuota(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req setTenantQuotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.DB.SetTenantQuota(id, req.MaxSessions); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDeleteTenantQuota(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.DB.DeleteTenantQuota(id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type setSettingRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleSetSystemSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req setSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.DB.SetSystemSetting(key, req.Value); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
