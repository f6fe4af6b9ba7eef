package relay

import (
	"net/http"
	"strings"
	"testing"

	"github.com/ding113/claude-relay-service/internal/account"
)

func TestBuildUpstreamHeadersStripsAndOverlays(t *testing.T) {
	client := http.Header{}
	client.Set("Authorization", "Bearer client-key")
	client.Set("X-Api-Key", "client-key")
	client.Set("Cookie", "session=abc")
	client.Set("Host", "relay.example.com")
	client.Set("X-Request-Id", "req-1")
	client.Set("User-Agent", "claude-cli/1.0.69 (external, cli)")
	client.Set("X-Custom", "kept")

	snapshot := map[string]string{"x-stainless-os": "MacOS"}
	acct := &account.Account{APIKey: "sk-ant-upstream-key"}

	out := BuildUpstreamHeaders(client, snapshot, acct, "2023-06-01", "beta-string")

	for _, h := range []string{"Cookie", "Host", "X-Request-Id"} {
		if out.Get(h) != "" {
			t.Errorf("stripped header %s survived: %q", h, out.Get(h))
		}
	}
	if out.Get("X-Custom") != "kept" {
		t.Error("benign client header was dropped")
	}
	if out.Get("x-stainless-os") != "MacOS" {
		t.Error("snapshot header not overlaid")
	}
	if out.Get("x-api-key") != "sk-ant-upstream-key" {
		t.Errorf("sk-ant credential not sent as x-api-key: %q", out.Get("x-api-key"))
	}
	if out.Get("Authorization") != "" {
		t.Errorf("Authorization set for an sk-ant credential: %q", out.Get("Authorization"))
	}
	if out.Get("anthropic-version") != "2023-06-01" || out.Get("anthropic-beta") != "beta-string" {
		t.Error("protocol headers not set")
	}
}

func TestBuildUpstreamHeadersBearerAndUAOverride(t *testing.T) {
	acct := &account.Account{APIKey: "opaque-token", UserAgent: "custom-agent/2.0"}
	client := http.Header{}
	client.Set("User-Agent", "claude-cli/1.0.69 (external, cli)")

	out := BuildUpstreamHeaders(client, nil, acct, "2023-06-01", "beta")

	if out.Get("Authorization") != "Bearer opaque-token" {
		t.Errorf("non-sk-ant credential not sent as bearer: %q", out.Get("Authorization"))
	}
	if out.Get("x-api-key") != "" {
		t.Errorf("x-api-key set for a bearer credential: %q", out.Get("x-api-key"))
	}
	if out.Get("User-Agent") != "custom-agent/2.0" {
		t.Errorf("account UA override not applied: %q", out.Get("User-Agent"))
	}
}

func TestSanitizeErrorMappings(t *testing.T) {
	status, body := SanitizeError(429, []byte(`{"error":{"type":"rate_limit_error","message":"internal detail"}}`))
	if status != 429 {
		t.Fatalf("status = %d, want 429", status)
	}
	if !strings.Contains(string(body), "rate_limit_error") {
		t.Fatalf("sanitized body = %s", body)
	}
	if strings.Contains(string(body), "internal detail") {
		t.Fatal("upstream detail leaked through sanitizer")
	}

	status, body = SanitizeError(418, []byte("im a teapot"))
	if status != 500 || !strings.Contains(string(body), "api_error") {
		t.Fatalf("unknown error mapped to %d %s, want 500 api_error", status, body)
	}
}
