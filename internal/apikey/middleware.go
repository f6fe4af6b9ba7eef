package apikey

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const keyInfoKey contextKey = "keyInfo"

// KeyInfo is attached to the request context after authentication.
type KeyInfo struct {
	ID               string
	Name             string
	Permissions      string
	ConsoleAccountID string
	CodexAccountID   string
}

// Allows reports whether the authenticated key's scope covers the platform.
func (ki *KeyInfo) Allows(platform string) bool {
	return ki.Permissions == PermissionAll || ki.Permissions == platform
}

// BoundAccountID returns the dedicated account for a platform, if any.
func (ki *KeyInfo) BoundAccountID(platform string) string {
	switch platform {
	case "console":
		return ki.ConsoleAccountID
	case "codex":
		return ki.CodexAccountID
	}
	return ""
}

// Middleware authenticates inbound requests against managed API keys.
type Middleware struct {
	keys *KeyStore
}

func NewMiddleware(ks *KeyStore) *Middleware {
	return &Middleware{keys: ks}
}

// Authenticate validates the presented key and attaches KeyInfo to the
// request context.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cleartext := extractAPIKey(r)
		if cleartext == "" {
			writeAuthError(w, "missing or invalid API key")
			return
		}

		key, err := m.keys.FindByCleartext(r.Context(), cleartext)
		if err != nil {
			slog.Error("api key lookup failed", "error", err)
			writeAuthError(w, "authentication unavailable")
			return
		}
		if key == nil {
			writeAuthError(w, "invalid API key")
			return
		}
		if ok, reason := key.Valid(time.Now()); !ok {
			slog.Warn("auth rejected", "keyId", key.ID, "reason", reason)
			writeAuthError(w, reason)
			return
		}
		if err := m.keys.Activate(r.Context(), key); err != nil {
			slog.Warn("key activation write failed", "keyId", key.ID, "error", err)
		}

		info := &KeyInfo{
			ID:               key.ID,
			Name:             key.Name,
			Permissions:      key.Permissions,
			ConsoleAccountID: key.ConsoleAccountID,
			CodexAccountID:   key.CodexAccountID,
		}
		ctx := context.WithValue(r.Context(), keyInfoKey, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetKeyInfo returns the authenticated key info from a request context.
func GetKeyInfo(ctx context.Context) *KeyInfo {
	v, _ := ctx.Value(keyInfoKey).(*KeyInfo)
	return v
}

// WithKeyInfo injects key info into a context, for tests.
func WithKeyInfo(ctx context.Context, info *KeyInfo) context.Context {
	return context.WithValue(ctx, keyInfoKey, info)
}

func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":{"type":"authentication_error","message":"%s"}}`, msg)
}
