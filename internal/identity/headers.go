package identity

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ding113/claude-relay-service/internal/store"
)

// Meta fields stored alongside the header snapshot. The "__" prefix keeps
// them out of the header overlay.
const (
	metaVersion   = "__version"
	metaUpdatedAt = "__updatedAt"
)

const headersTTL = 7 * 24 * time.Hour

// cliHeaderAllowList is the fixed set of CLI-identifying headers captured
// per account (lowercased comparison).
var cliHeaderAllowList = map[string]bool{
	"x-app":             true,
	"user-agent":        true,
	"anthropic-beta":    true,
	"anthropic-version": true,
	"anthropic-dangerous-direct-browser-access": true,
	"x-stainless-retry-count":                   true,
	"x-stainless-timeout":                       true,
	"x-stainless-lang":                          true,
	"x-stainless-package-version":               true,
	"x-stainless-os":                            true,
	"x-stainless-arch":                          true,
	"x-stainless-runtime":                       true,
	"x-stainless-runtime-version":               true,
}

// fallbackHeaders is the static table served when no snapshot exists.
var fallbackHeaders = map[string]string{
	"x-app":             "cli",
	"user-agent":        "claude-cli/1.0.69 (external, cli)",
	"anthropic-beta":    "claude-code-20250219,oauth-2025-04-20,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14",
	"anthropic-version": "2023-06-01",
	"anthropic-dangerous-direct-browser-access": "true",
	"x-stainless-lang":                          "js",
	"x-stainless-retry-count":                   "0",
	"x-stainless-timeout":                       "60",
	"x-stainless-package-version":               "0.55.1",
	"x-stainless-os":                            "MacOS",
	"x-stainless-arch":                          "arm64",
	"x-stainless-runtime":                       "node",
	"x-stainless-runtime-version":               "v20.16.0",
}

// HeadersCache keeps the most recent observed CLI headers per account,
// versioned by the client semver so an older client never downgrades a
// newer snapshot.
type HeadersCache struct {
	store store.Store
}

func NewHeadersCache(s store.Store) *HeadersCache {
	return &HeadersCache{store: s}
}

// Store captures the allow-listed headers from a recognized CLI request.
// The snapshot is replaced only when the new client version is strictly
// greater. All failures degrade to warnings; the fallback stays safe.
func (hc *HeadersCache) Store(ctx context.Context, accountID string, clientHeaders http.Header) {
	ua := clientHeaders.Get("User-Agent")
	version := ParseUAVersion(ua)
	if version == "" {
		return
	}

	snapshot := make(map[string]string)
	for key, vals := range clientHeaders {
		lower := strings.ToLower(key)
		if cliHeaderAllowList[lower] && len(vals) > 0 {
			snapshot[lower] = vals[0]
		}
	}
	if len(snapshot) == 0 {
		return
	}

	current, err := hc.store.GetAccountHeaders(ctx, accountID)
	if err != nil {
		slog.Warn("headers cache read failed", "accountId", accountID, "error", err)
		return
	}
	if current != nil && !IsNewerVersion(version, current[metaVersion]) {
		return
	}

	snapshot[metaVersion] = version
	snapshot[metaUpdatedAt] = time.Now().UTC().Format(time.RFC3339)
	if err := hc.store.SetAccountHeaders(ctx, accountID, snapshot, headersTTL); err != nil {
		slog.Warn("headers cache write failed", "accountId", accountID, "error", err)
	}
}

// Get returns the stored snapshot for an account, falling back to the
// static table when none exists.
func (hc *HeadersCache) Get(ctx context.Context, accountID string) map[string]string {
	stored, err := hc.store.GetAccountHeaders(ctx, accountID)
	if err != nil {
		slog.Warn("headers cache read failed", "accountId", accountID, "error", err)
	}
	if len(stored) == 0 {
		return fallbackHeaders
	}
	headers := make(map[string]string, len(stored))
	for k, v := range stored {
		if strings.HasPrefix(k, "__") {
			continue
		}
		headers[k] = v
	}
	return headers
}
