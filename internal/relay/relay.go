package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ding113/claude-relay-service/internal/account"
	"github.com/ding113/claude-relay-service/internal/apikey"
	"github.com/ding113/claude-relay-service/internal/auditlog"
	"github.com/ding113/claude-relay-service/internal/config"
	"github.com/ding113/claude-relay-service/internal/events"
	"github.com/ding113/claude-relay-service/internal/identity"
	"github.com/ding113/claude-relay-service/internal/meter"
	"github.com/ding113/claude-relay-service/internal/scheduler"
	"github.com/ding113/claude-relay-service/internal/telemetry"
)

// TransportProvider supplies per-account HTTP clients.
type TransportProvider interface {
	GetClient(acct *account.Account, timeout time.Duration) *http.Client
}

// Relay is the request orchestrator: validate, fingerprint, schedule,
// dispatch, meter.
type Relay struct {
	accounts  *account.AccountStore
	scheduler *scheduler.Scheduler
	headers   *identity.HeadersCache
	transport TransportProvider
	meter     *meter.Meter
	audit     *auditlog.Log      // optional
	metrics   *telemetry.Metrics // optional
	bus       *events.Bus        // optional
	cfg       *config.Config
}

func New(
	as *account.AccountStore,
	sched *scheduler.Scheduler,
	hc *identity.HeadersCache,
	tp TransportProvider,
	m *meter.Meter,
	audit *auditlog.Log,
	metrics *telemetry.Metrics,
	bus *events.Bus,
	cfg *config.Config,
) *Relay {
	return &Relay{
		accounts:  as,
		scheduler: sched,
		headers:   hc,
		transport: tp,
		meter:     m,
		audit:     audit,
		metrics:   metrics,
		bus:       bus,
		cfg:       cfg,
	}
}

// dispatchOutcome signals how one upstream attempt ended.
type dispatchOutcome int

const (
	// outcomeDone: a response was written to the client; stop.
	outcomeDone dispatchOutcome = iota
	// outcomeRetry: the account was excluded; try another.
	outcomeRetry
)

// Handle processes one relay request end-to-end.
func (r *Relay) Handle(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), r.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	if r.metrics != nil {
		r.metrics.ActiveRequests.Inc()
		defer r.metrics.ActiveRequests.Dec()
	}

	keyInfo := apikey.GetKeyInfo(ctx)
	if keyInfo == nil {
		writeJSONError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	maxBody := int64(r.cfg.MaxRequestBodyMB) << 20
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBody+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > maxBody {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	vr := identity.ValidateClient(req.Header, body, req.URL.Path)
	if !vr.Valid {
		if r.metrics != nil {
			r.metrics.ValidationRejects.WithLabelValues(vr.Reason).Inc()
		}
		slog.Warn("client validation rejected", "reason", vr.Reason, "keyId", keyInfo.ID)
		writeJSONError(w, http.StatusForbidden, "Client validation failed. Only Claude Code and Codex clients are allowed.")
		return
	}

	platform := account.PlatformConsole
	if vr.ClientType == identity.ClientCodex {
		platform = account.PlatformCodex
	}
	if !keyInfo.Allows(platform) {
		writeJSONError(w, http.StatusForbidden, "API key is not permitted for this platform")
		return
	}

	fingerprint := identity.SessionFingerprint(body)
	model := gjson.GetBytes(body, "model").String()
	isStream := gjson.GetBytes(body, "stream").Bool()

	schedReq := scheduler.Request{
		Platform:           platform,
		Model:              model,
		SessionFingerprint: fingerprint,
		BoundAccountID:     keyInfo.BoundAccountID(platform),
	}

	exclude := make(map[string]bool)
	var schedErr error

	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			slog.Debug("client gone before dispatch", "attempt", attempt)
			return
		}

		res, err := r.scheduler.SelectAccount(ctx, schedReq, scheduler.Options{ExcludeIDs: exclude})
		if err != nil {
			schedErr = err
			break
		}
		acct := res.Account

		if r.metrics != nil {
			if attempt > 0 {
				r.metrics.RetriesTotal.Inc()
			}
			if res.IsSticky {
				r.metrics.StickyHits.Inc()
			} else {
				r.metrics.StickyMisses.Inc()
			}
		}

		// Capture the CLI's identifying headers for this account so future
		// requests can replay them.
		if vr.ClientType == identity.ClientClaudeCode {
			r.headers.Store(ctx, acct.ID, req.Header)
		}

		outcome := r.dispatch(ctx, w, req, acct, keyInfo, platform, body, model, isStream, start)
		if outcome == outcomeDone {
			return
		}
		exclude[acct.ID] = true
	}

	if schedErr != nil {
		var noCand *scheduler.NoCandidatesError
		var noModel *scheduler.NoModelSupportError
		if errors.As(schedErr, &noCand) || errors.As(schedErr, &noModel) {
			if r.metrics != nil {
				r.metrics.SchedulerExhausted.WithLabelValues(platform).Inc()
			}
			slog.Warn("no account available", "platform", platform, "model", model, "error", schedErr)
			r.observeRequest(platform, http.StatusServiceUnavailable, start)
			writeJSONError(w, http.StatusServiceUnavailable, "No available accounts for this request")
			return
		}
		slog.Error("account selection failed", "platform", platform, "error", schedErr)
		r.observeRequest(platform, http.StatusInternalServerError, start)
		writeJSONError(w, http.StatusInternalServerError, schedErr.Error())
		return
	}

	slog.Error("all dispatch attempts failed", "platform", platform, "model", model, "attempts", r.cfg.MaxRetries)
	r.observeRequest(platform, http.StatusInternalServerError, start)
	writeJSONError(w, http.StatusInternalServerError, "upstream dispatch failed after retries")
}

// dispatch issues one upstream attempt. outcomeRetry means the caller should
// exclude the account and reschedule; any written response is outcomeDone.
func (r *Relay) dispatch(
	ctx context.Context,
	w http.ResponseWriter,
	req *http.Request,
	acct *account.Account,
	keyInfo *apikey.KeyInfo,
	platform string,
	body []byte,
	model string,
	isStream bool,
	start time.Time,
) dispatchOutcome {
	upstreamBody := body
	if mapped := acct.MappedModel(model); mapped != model {
		if rewritten, err := rewriteModel(body, mapped); err == nil {
			upstreamBody = rewritten
		} else {
			slog.Warn("model rewrite failed, sending original", "accountId", acct.ID, "error", err)
		}
	}

	path := "/v1/messages"
	if platform == account.PlatformCodex {
		path = req.URL.Path
	}
	url := strings.TrimRight(acct.APIURL, "/") + path

	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(upstreamBody))
	if err != nil {
		slog.Error("build upstream request", "accountId", acct.ID, "error", err)
		return outcomeRetry
	}

	var snapshot map[string]string
	if platform == account.PlatformConsole {
		snapshot = r.headers.Get(ctx, acct.ID)
	}
	upReq.Header = BuildUpstreamHeaders(req.Header, snapshot, acct, r.cfg.AnthropicVersion, r.cfg.DefaultBetaHeader)
	upReq.Header.Set("Content-Type", "application/json")
	if isStream {
		upReq.Header.Set("Accept", "text/event-stream")
	}

	client := r.transport.GetClient(acct, r.cfg.UpstreamTimeout)
	if client == nil {
		slog.Error("no usable transport for account", "accountId", acct.ID)
		return outcomeRetry
	}

	dispatchStart := time.Now()
	resp, err := client.Do(upReq)
	// Every attempted dispatch stamps lastUsedAt, failed ones included.
	if terr := r.accounts.TouchLastUsed(context.Background(), platform, acct.ID); terr != nil {
		slog.Warn("lastUsedAt update failed", "accountId", acct.ID, "error", terr)
	}
	if err != nil {
		slog.Error("upstream request failed", "accountId", acct.ID, "error", err)
		return outcomeRetry
	}
	if r.metrics != nil {
		r.metrics.UpstreamDuration.WithLabelValues(platform, model).Observe(time.Since(dispatchStart).Seconds())
	}

	if resp.StatusCode != http.StatusOK {
		return r.handleUpstreamError(ctx, w, resp, acct, keyInfo, platform, model, isStream, start)
	}

	defer resp.Body.Close()
	if isStream {
		r.streamResponse(ctx, w, resp, acct, keyInfo, platform, model, start)
	} else {
		r.unaryResponse(ctx, w, resp, acct, keyInfo, platform, model, start)
	}
	return outcomeDone
}

// handleUpstreamError maps the status to an account state transition and
// decides retry versus pass-through.
func (r *Relay) handleUpstreamError(
	ctx context.Context,
	w http.ResponseWriter,
	resp *http.Response,
	acct *account.Account,
	keyInfo *apikey.KeyInfo,
	platform, model string,
	isStream bool,
	start time.Time,
) dispatchOutcome {
	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	if status, message, ok := statusTransition(resp.StatusCode); ok {
		if err := r.accounts.MarkStatus(ctx, platform, acct.ID, status, message); err != nil {
			slog.Error("account status update failed", "accountId", acct.ID, "error", err)
		}
		slog.Warn("upstream error, account excluded",
			"accountId", acct.ID, "httpStatus", resp.StatusCode, "accountStatus", status)
		if r.metrics != nil {
			r.metrics.UpstreamErrors.WithLabelValues(platform, status).Inc()
		}
		if r.bus != nil {
			r.bus.Publish(events.Event{
				Type:      eventForStatus(status),
				Platform:  platform,
				AccountID: acct.ID,
				Message:   fmt.Sprintf("upstream %d: %s", resp.StatusCode, message),
			})
		}
		r.auditRequest(keyInfo, acct, platform, model, resp.StatusCode, isStream, start, nil)
		return outcomeRetry
	}

	// Client-shaped errors (400, 404, ...) pass through sanitised.
	r.auditRequest(keyInfo, acct, platform, model, resp.StatusCode, isStream, start, nil)
	if isStream {
		sanitizedStatus, _ := SanitizeError(resp.StatusCode, errBody)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(sanitizedStatus)
		fmt.Fprint(w, SanitizeSSEError(resp.StatusCode, errBody))
	} else {
		sanitizedStatus, sanitizedBody := SanitizeError(resp.StatusCode, errBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(sanitizedStatus)
		w.Write(sanitizedBody)
	}
	r.observeRequest(platform, resp.StatusCode, start)
	return outcomeDone
}

// streamResponse pipes the SSE stream through unmodified while the usage
// collector sniffs for token counts. Once bytes have flowed there is no
// rescheduling; failures terminate the response.
func (r *Relay) streamResponse(
	ctx context.Context,
	w http.ResponseWriter,
	resp *http.Response,
	acct *account.Account,
	keyInfo *apikey.KeyInfo,
	platform, model string,
	start time.Time,
) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	collector := NewUsageCollector(acct.ID, func(u Usage) {
		if u.Model == "" {
			u.Model = model
		}
		r.recordUsage(keyInfo, acct, platform, http.StatusOK, true, start, u)
	})

	scanner := NewSSEScanner(resp.Body)
	for scanner.Scan() {
		if ctx.Err() != nil {
			slog.Debug("client disconnected during stream", "accountId", acct.ID)
			return
		}

		line := scanner.Text()
		collector.FeedLine(line)

		fmt.Fprintf(w, "%s\n", line)
		if line == "" {
			flusher.Flush()
		}
	}
	flusher.Flush()

	if err := scanner.Err(); err != nil {
		slog.Warn("upstream stream ended with error", "accountId", acct.ID, "error", err)
	}
	if !collector.Fired() {
		slog.Warn("stream ended without message_stop, usage not recorded", "accountId", acct.ID)
	}
	r.observeRequest(platform, http.StatusOK, start)
}

func (r *Relay) unaryResponse(
	ctx context.Context,
	w http.ResponseWriter,
	resp *http.Response,
	acct *account.Account,
	keyInfo *apikey.KeyInfo,
	platform, model string,
	start time.Time,
) {
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "failed to read upstream response")
		return
	}

	if u := ParseUnaryUsage(respBody); u != nil {
		u.AccountID = acct.ID
		if u.Model == "" {
			u.Model = model
		}
		r.recordUsage(keyInfo, acct, platform, http.StatusOK, false, start, *u)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(respBody)
	r.observeRequest(platform, http.StatusOK, start)
}

// recordUsage persists token accounting. Uses a background context so a
// client that disconnects after message_stop still gets billed.
func (r *Relay) recordUsage(keyInfo *apikey.KeyInfo, acct *account.Account, platform string, httpStatus int, stream bool, start time.Time, u Usage) {
	ctx := context.Background()

	sample := meter.Sample{
		InputTokens:       u.InputTokens,
		OutputTokens:      u.OutputTokens,
		CacheCreateTokens: u.CacheCreateTokens,
		CacheReadTokens:   u.CacheReadTokens,
		Ephemeral5mTokens: u.Ephemeral5mTokens,
		Ephemeral1hTokens: u.Ephemeral1hTokens,
	}
	if err := r.meter.Increment(ctx, keyInfo.ID, sample); err != nil {
		slog.Error("usage increment failed", "keyId", keyInfo.ID, "error", err)
	}

	if r.metrics != nil {
		r.metrics.TokensProcessed.WithLabelValues("input").Add(float64(u.InputTokens))
		r.metrics.TokensProcessed.WithLabelValues("output").Add(float64(u.OutputTokens))
		r.metrics.TokensProcessed.WithLabelValues("cache_create").Add(float64(u.CacheCreateTokens))
		r.metrics.TokensProcessed.WithLabelValues("cache_read").Add(float64(u.CacheReadTokens))
	}

	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:      events.EventRequest,
			Platform:  platform,
			AccountID: acct.ID,
			KeyID:     keyInfo.ID,
			Message:   fmt.Sprintf("relayed %s: %d in / %d out", u.Model, u.InputTokens, u.OutputTokens),
		})
	}

	r.auditRequest(keyInfo, acct, platform, u.Model, httpStatus, stream, start, &u)
}

func (r *Relay) auditRequest(keyInfo *apikey.KeyInfo, acct *account.Account, platform, model string, httpStatus int, stream bool, start time.Time, u *Usage) {
	if r.audit == nil {
		return
	}
	entry := &auditlog.Entry{
		KeyID:      keyInfo.ID,
		AccountID:  acct.ID,
		Platform:   platform,
		Model:      model,
		Status:     httpStatus,
		Stream:     stream,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if u != nil {
		entry.InputTokens = u.InputTokens
		entry.OutputTokens = u.OutputTokens
		entry.CacheReadTokens = u.CacheReadTokens
		entry.CacheCreateTokens = u.CacheCreateTokens
	}
	if err := r.audit.Insert(context.Background(), entry); err != nil {
		slog.Warn("audit log insert failed", "keyId", keyInfo.ID, "error", err)
	}
}

func (r *Relay) observeRequest(platform string, status int, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.RequestsTotal.WithLabelValues(platform, fmt.Sprintf("%d", status)).Inc()
	r.metrics.RequestDuration.WithLabelValues(platform).Observe(time.Since(start).Seconds())
}

// rewriteModel shallow-copies the body with the model replaced.
func rewriteModel(body []byte, model string) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	m["model"] = encoded
	return json.Marshal(m)
}

func eventForStatus(status string) events.EventType {
	switch status {
	case account.StatusRateLimited:
		return events.EventRateLimited
	case account.StatusUnauthorized:
		return events.EventUnauthorized
	case account.StatusOverloaded:
		return events.EventOverloaded
	case account.StatusBlocked:
		return events.EventBlocked
	default:
		return events.EventTempError
	}
}
