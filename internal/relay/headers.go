package relay

import (
	"net/http"
	"strings"

	"github.com/ding113/claude-relay-service/internal/account"
)

// strippedHeaders are never forwarded upstream (case-insensitive).
var strippedHeaders = map[string]bool{
	"authorization":       true,
	"x-api-key":           true,
	"cookie":              true,
	"anthropic-version":   true,
	"anthropic-beta":      true,
	"anthropic-client-id": true,
	"x-claude-trace-id":   true,
	"x-request-id":        true,
	"referer":             true,
	"origin":              true,
	"host":                true,
}

// BuildUpstreamHeaders assembles the outbound header set. Order matters:
// filtered client headers, then the per-account CLI snapshot, then the
// credential, protocol version, beta string and the account UA override.
func BuildUpstreamHeaders(clientHeaders http.Header, snapshot map[string]string, acct *account.Account, version, beta string) http.Header {
	out := make(http.Header, len(clientHeaders)+len(snapshot)+4)

	for key, vals := range clientHeaders {
		if strippedHeaders[strings.ToLower(key)] {
			continue
		}
		for _, v := range vals {
			out.Add(key, v)
		}
	}

	for key, val := range snapshot {
		out.Set(key, val)
	}

	if acct.UsesBearerAuth() {
		out.Set("Authorization", "Bearer "+acct.APIKey)
	} else {
		out.Set("x-api-key", acct.APIKey)
	}

	out.Set("anthropic-version", version)
	out.Set("anthropic-beta", beta)

	if acct.UserAgent != "" {
		out.Set("User-Agent", acct.UserAgent)
	}

	return out
}
