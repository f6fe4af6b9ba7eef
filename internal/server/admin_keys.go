package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ding113/claude-relay-service/internal/apikey"
)

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

type createKeyRequest struct {
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	Permissions      string     `json:"permissions"`
	ConsoleAccountID string     `json:"consoleAccountId"`
	CodexAccountID   string     `json:"codexAccountId"`
	ExpirationMode   string     `json:"expirationMode"`
	ExpiresAt        *time.Time `json:"expiresAt"`
	ActivationDays   int        `json:"activationDays"`
}

// handleCreateKey mints a key. The cleartext appears in this response only.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	key, cleartext, err := s.keys.Create(r.Context(), apikey.CreateParams{
		Name:             req.Name,
		Description:      req.Description,
		Permissions:      req.Permissions,
		ConsoleAccountID: req.ConsoleAccountID,
		CodexAccountID:   req.CodexAccountID,
		ExpirationMode:   req.ExpirationMode,
		ExpiresAt:        req.ExpiresAt,
		ActivationDays:   req.ActivationDays,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"key":    key,
		"apiKey": cleartext,
	})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.keys.SoftDelete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleRestoreKey(w http.ResponseWriter, r *http.Request) {
	if err := s.keys.Restore(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"restored": true})
}

func (s *Server) handlePurgeKey(w http.ResponseWriter, r *http.Request) {
	if err := s.keys.Purge(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"purged": true})
}

func (s *Server) handleKeyUsage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	key, err := s.keys.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if key == nil {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}

	lifetime, err := s.meter.Lifetime(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	today, err := s.meter.Today(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]interface{}{
		"lifetime": lifetime,
		"today":    today,
	}
	if s.audit != nil {
		since := time.Now().Add(-7 * 24 * time.Hour)
		summary, err := s.audit.Summarize(r.Context(), id, since)
		if err == nil {
			resp["last7d"] = summary
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
