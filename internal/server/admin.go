package server

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ding113/claude-relay-service/internal/account"
	"github.com/ding113/claude-relay-service/internal/auditlog"
)

// requireAdmin guards the control plane with the static admin token.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	storeStatus := "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		storeStatus = err.Error()
	}

	counts := map[string]int{}
	for _, platform := range []string{account.PlatformConsole, account.PlatformCodex} {
		accounts, err := s.accounts.List(r.Context(), platform)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		counts[platform] = len(accounts)
	}

	keys, err := s.keys.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":  s.version,
		"uptimeMs": time.Since(s.startTime).Milliseconds(),
		"store":    storeStatus,
		"accounts": counts,
		"apiKeys":  len(keys),
	})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	id, _, recent := s.bus.Subscribe()
	s.bus.Unsubscribe(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": recent})
}

// handleRecentLogLines serves the in-memory slog ring buffer.
func (s *Server) handleRecentLogLines(w http.ResponseWriter, r *http.Request) {
	id, _, recent := s.logHandler.Subscribe()
	s.logHandler.Unsubscribe(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"lines": recent})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotImplemented, "audit log disabled")
		return
	}

	q := auditlog.Query{
		KeyID:     r.URL.Query().Get("keyId"),
		AccountID: r.URL.Query().Get("accountId"),
		Limit:     queryInt(r, "limit", 100),
		Offset:    queryInt(r, "offset", 0),
	}
	entries, total, err := s.audit.List(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":   total,
		"entries": entries,
	})
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
