package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ding113/claude-relay-service/internal/account"
	"github.com/ding113/claude-relay-service/internal/apikey"
	"github.com/ding113/claude-relay-service/internal/config"
	"github.com/ding113/claude-relay-service/internal/crypto"
	"github.com/ding113/claude-relay-service/internal/identity"
	"github.com/ding113/claude-relay-service/internal/meter"
	"github.com/ding113/claude-relay-service/internal/scheduler"
	"github.com/ding113/claude-relay-service/internal/store"
	"github.com/ding113/claude-relay-service/internal/tzclock"
)

// plainTransport dispatches without utls so httptest upstreams work.
type plainTransport struct{}

func (plainTransport) GetClient(_ *account.Account, timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

type testHarness struct {
	relay    *Relay
	accounts *account.AccountStore
	meter    *meter.Meter
	store    store.Store
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	mem := store.NewMem()
	c := crypto.New("test-encryption-key")
	accounts := account.NewStore(mem, c)
	sched := scheduler.New(accounts, mem, scheduler.NewBalancer(), 15*24*time.Hour, 14*24*time.Hour)
	hc := identity.NewHeadersCache(mem)
	m := meter.New(mem, tzclock.New(8))

	cfg := &config.Config{
		AnthropicVersion:  "2023-06-01",
		DefaultBetaHeader: "beta-default",
		UpstreamTimeout:   10 * time.Second,
		RequestTimeout:    30 * time.Second,
		MaxRequestBodyMB:  10,
		MaxRetries:        5,
	}

	return &testHarness{
		relay:    New(accounts, sched, hc, plainTransport{}, m, nil, nil, nil, cfg),
		accounts: accounts,
		meter:    m,
		store:    mem,
	}
}

func (h *testHarness) seedAccount(t *testing.T, name, apiURL string, priority int) *account.Account {
	t.Helper()
	a, err := h.accounts.Create(context.Background(), account.CreateParams{
		Platform: account.PlatformConsole,
		Name:     name,
		APIURL:   apiURL,
		APIKey:   "sk-ant-" + name,
		Priority: priority,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return a
}

const testUserID = "user_" + "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2" +
	"_account__session_11111111-1111-1111-1111-111111111111"

func claudeBody(stream bool) string {
	return fmt.Sprintf(`{
		"model": "claude-sonnet-4-20250514",
		"stream": %v,
		"max_tokens": 1024,
		"system": [{"type":"text","text":"You are Claude Code, Anthropic's official CLI coding assistant. Here are the tools you can use."}],
		"messages": [{"role":"user","content":"hello"}],
		"metadata": {"user_id": %q}
	}`, stream, testUserID)
}

func newClaudeRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(body))
	req.Header.Set("User-Agent", "claude-cli/1.0.69 (external, cli)")
	req.Header.Set("x-app", "cli")
	req.Header.Set("anthropic-beta", "claude-code-20250219")
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Content-Type", "application/json")

	info := &apikey.KeyInfo{ID: "key-test", Name: "test", Permissions: apikey.PermissionAll}
	return req.WithContext(apikey.WithKeyInfo(req.Context(), info))
}

func TestHandleRejectsUnknownClient(t *testing.T) {
	h := newHarness(t)

	req := newClaudeRequest(t, claudeBody(false))
	req.Header.Set("User-Agent", "curl/8.0")

	rec := httptest.NewRecorder()
	h.relay.Handle(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Client validation failed") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestHandleNoAccounts(t *testing.T) {
	h := newHarness(t)

	rec := httptest.NewRecorder()
	h.relay.Handle(rec, newClaudeRequest(t, claudeBody(false)))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "No available accounts") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestHandleUnarySuccess(t *testing.T) {
	h := newHarness(t)

	var gotAuth, gotVersion string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"claude-sonnet-4-20250514","content":[{"type":"text","text":"hi"}],`+
			`"usage":{"input_tokens":100,"output_tokens":50,"cache_creation_input_tokens":20,"cache_read_input_tokens":10}}`)
	}))
	defer upstream.Close()

	acct := h.seedAccount(t, "a1", upstream.URL, 10)

	rec := httptest.NewRecorder()
	h.relay.Handle(rec, newClaudeRequest(t, claudeBody(false)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Model == "" {
		t.Fatalf("response body not passed through: %s", rec.Body.String())
	}

	if gotAuth != "sk-ant-a1" {
		t.Fatalf("upstream x-api-key = %q", gotAuth)
	}
	if gotVersion != "2023-06-01" {
		t.Fatalf("upstream anthropic-version = %q", gotVersion)
	}

	life, err := h.meter.Lifetime(context.Background(), "key-test")
	if err != nil {
		t.Fatalf("lifetime: %v", err)
	}
	if life.InputTokens != 100 || life.OutputTokens != 50 || life.Requests != 1 {
		t.Fatalf("metered usage = %+v", life)
	}

	// Sticky mapping attached under the session UUID from metadata.user_id.
	mapping, err := h.store.GetSession(context.Background(), "11111111-1111-1111-1111-111111111111")
	if err != nil || mapping == nil || mapping.AccountID != acct.ID {
		t.Fatalf("session mapping = %+v, err %v", mapping, err)
	}
}

func TestHandleStreamSuccess(t *testing.T) {
	h := newHarness(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\n"+
			`data: {"type":"message_start","message":{"model":"claude-sonnet-4-20250514","usage":{"input_tokens":100,"cache_creation_input_tokens":20,"cache_read_input_tokens":10}}}`+"\n\n"+
			"event: message_delta\n"+
			`data: {"type":"message_delta","usage":{"output_tokens":50}}`+"\n\n"+
			"event: message_stop\ndata: {}\n\n")
	}))
	defer upstream.Close()

	h.seedAccount(t, "a1", upstream.URL, 10)

	rec := httptest.NewRecorder()
	h.relay.Handle(rec, newClaudeRequest(t, claudeBody(true)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "event: message_stop") {
		t.Fatalf("stream not passed through: %s", rec.Body.String())
	}

	life, err := h.meter.Lifetime(context.Background(), "key-test")
	if err != nil {
		t.Fatalf("lifetime: %v", err)
	}
	if life.InputTokens != 100 || life.OutputTokens != 50 {
		t.Fatalf("metered usage = %+v", life)
	}
	if life.AllTokens != 180 {
		t.Fatalf("allTokens = %d, want 180", life.AllTokens)
	}
}

func TestHandleUpstream429MarksAndRetries(t *testing.T) {
	h := newHarness(t)

	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer limited.Close()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"claude-sonnet-4-20250514","usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer healthy.Close()

	// Priority 1 guarantees the limited account is dispatched first.
	bad := h.seedAccount(t, "bad", limited.URL, 1)
	good := h.seedAccount(t, "good", healthy.URL, 10)

	rec := httptest.NewRecorder()
	h.relay.Handle(rec, newClaudeRequest(t, claudeBody(false)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s, want fallback to healthy account", rec.Code, rec.Body.String())
	}

	reloaded, err := h.accounts.Get(context.Background(), account.PlatformConsole, bad.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != account.StatusRateLimited {
		t.Fatalf("limited account status = %q, want rate_limited", reloaded.Status)
	}
	if reloaded.ErrorMessage != "Rate limit exceeded" {
		t.Fatalf("errorMessage = %q", reloaded.ErrorMessage)
	}
	if reloaded.RateLimitedAt != nil {
		t.Fatal("relayer set rateLimitedAt; that transition belongs to the admin surface")
	}
	if reloaded.LastUsedAt == nil {
		t.Fatal("lastUsedAt not stamped on the failed dispatch")
	}

	// The sticky mapping must have moved off the rate-limited account.
	mapping, err := h.store.GetSession(context.Background(), "11111111-1111-1111-1111-111111111111")
	if err != nil || mapping == nil {
		t.Fatalf("session mapping = %+v, err %v", mapping, err)
	}
	if mapping.AccountID != good.ID {
		t.Fatalf("session still mapped to %q, want healthy account %q", mapping.AccountID, good.ID)
	}
}

func TestHandleUpstream400PassesThroughSanitized(t *testing.T) {
	h := newHarness(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"account xyz internal detail"}}`)
	}))
	defer upstream.Close()

	a := h.seedAccount(t, "a1", upstream.URL, 10)

	rec := httptest.NewRecorder()
	h.relay.Handle(rec, newClaudeRequest(t, claudeBody(false)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 pass-through", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "internal detail") {
		t.Fatalf("upstream detail leaked: %s", rec.Body.String())
	}

	reloaded, _ := h.accounts.Get(context.Background(), account.PlatformConsole, a.ID)
	if reloaded.Status != account.StatusActive {
		t.Fatalf("400 changed account status to %q", reloaded.Status)
	}
}

func TestHandleModelMapping(t *testing.T) {
	h := newHarness(t)

	var gotModel string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"upstream-model","usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer upstream.Close()

	_, err := h.accounts.Create(context.Background(), account.CreateParams{
		Platform: account.PlatformConsole,
		Name:     "mapped",
		APIURL:   upstream.URL,
		APIKey:   "sk-ant-mapped",
		Priority: 10,
		SupportedModels: map[string]string{
			"claude-sonnet-4-20250514": "claude-sonnet-4-upstream",
		},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := httptest.NewRecorder()
	h.relay.Handle(rec, newClaudeRequest(t, claudeBody(false)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if gotModel != "claude-sonnet-4-upstream" {
		t.Fatalf("upstream saw model %q, want the mapped name", gotModel)
	}
}
