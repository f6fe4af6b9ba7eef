package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ding113/claude-relay-service/internal/account"
	"github.com/ding113/claude-relay-service/internal/events"
)

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	platforms := []string{account.PlatformConsole, account.PlatformCodex}
	if p := r.URL.Query().Get("platform"); p != "" {
		platforms = []string{p}
	}

	all := make([]*account.Account, 0)
	for _, platform := range platforms {
		accounts, err := s.accounts.List(r.Context(), platform)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		all = append(all, accounts...)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": all})
}

type createAccountRequest struct {
	Platform        string               `json:"platform"`
	Name            string               `json:"name"`
	Description     string               `json:"description"`
	APIURL          string               `json:"apiUrl"`
	APIKey          string               `json:"apiKey"`
	UserAgent       string               `json:"userAgent"`
	Proxy           *account.ProxyConfig `json:"proxy"`
	Priority        int                  `json:"priority"`
	AccountType     string               `json:"accountType"`
	SupportedModels map[string]string    `json:"supportedModels"`
	DailyQuota      float64              `json:"dailyQuota"`
	QuotaResetTime  string               `json:"quotaResetTime"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || req.APIURL == "" || req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "name, apiUrl and apiKey are required")
		return
	}
	if req.Priority == 0 {
		req.Priority = 50
	}

	acct, err := s.accounts.Create(r.Context(), account.CreateParams{
		Platform:        req.Platform,
		Name:            req.Name,
		Description:     req.Description,
		APIURL:          req.APIURL,
		APIKey:          req.APIKey,
		UserAgent:       req.UserAgent,
		Proxy:           req.Proxy,
		Priority:        req.Priority,
		AccountType:     req.AccountType,
		SupportedModels: req.SupportedModels,
		DailyQuota:      req.DailyQuota,
		QuotaResetTime:  req.QuotaResetTime,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// loadAccount resolves the {platform}/{id} path pair, writing a 404 on miss.
func (s *Server) loadAccount(w http.ResponseWriter, r *http.Request) *account.Account {
	platform := r.PathValue("platform")
	id := r.PathValue("id")
	acct, err := s.accounts.Get(r.Context(), platform, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil
	}
	if acct == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return nil
	}
	return acct
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	if acct := s.loadAccount(w, r); acct != nil {
		writeJSON(w, http.StatusOK, acct)
	}
}

type updateAccountRequest struct {
	Name            *string              `json:"name"`
	Description     *string              `json:"description"`
	APIURL          *string              `json:"apiUrl"`
	UserAgent       *string              `json:"userAgent"`
	Proxy           *account.ProxyConfig `json:"proxy"`
	Priority        *int                 `json:"priority"`
	SupportedModels map[string]string    `json:"supportedModels"`
	DailyQuota      *float64             `json:"dailyQuota"`
	QuotaResetTime  *string              `json:"quotaResetTime"`
	IsActive        *bool                `json:"isActive"`
	Schedulable     *bool                `json:"schedulable"`
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	acct := s.loadAccount(w, r)
	if acct == nil {
		return
	}

	var req updateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	fields := map[string]string{}
	if req.Name != nil {
		fields["name"] = *req.Name
	}
	if req.Description != nil {
		fields["description"] = *req.Description
	}
	if req.APIURL != nil {
		fields["apiUrl"] = *req.APIURL
	}
	if req.UserAgent != nil {
		fields["userAgent"] = *req.UserAgent
	}
	if req.Proxy != nil {
		proxyJSON, _ := json.Marshal(req.Proxy)
		fields["proxy"] = string(proxyJSON)
	}
	if req.Priority != nil {
		if *req.Priority < 1 || *req.Priority > 100 {
			writeError(w, http.StatusBadRequest, "priority out of range [1,100]")
			return
		}
		fields["priority"] = strconv.Itoa(*req.Priority)
	}
	if req.SupportedModels != nil {
		modelsJSON, _ := json.Marshal(req.SupportedModels)
		fields["supportedModels"] = string(modelsJSON)
	}
	if req.DailyQuota != nil {
		fields["dailyQuota"] = strconv.FormatFloat(*req.DailyQuota, 'f', -1, 64)
	}
	if req.QuotaResetTime != nil {
		fields["quotaResetTime"] = *req.QuotaResetTime
	}
	if req.IsActive != nil {
		fields["isActive"] = strconv.FormatBool(*req.IsActive)
	}
	if req.Schedulable != nil {
		fields["schedulable"] = strconv.FormatBool(*req.Schedulable)
	}
	if len(fields) == 0 {
		writeError(w, http.StatusBadRequest, "no fields to update")
		return
	}

	if err := s.accounts.Update(r.Context(), acct.Platform, acct.ID, fields); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	updated, err := s.accounts.Get(r.Context(), acct.Platform, acct.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	acct := s.loadAccount(w, r)
	if acct == nil {
		return
	}
	if err := s.accounts.Delete(r.Context(), acct.Platform, acct.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleToggleAccount flips the schedulable flag without touching health state.
func (s *Server) handleToggleAccount(w http.ResponseWriter, r *http.Request) {
	acct := s.loadAccount(w, r)
	if acct == nil {
		return
	}
	next := !acct.Schedulable
	err := s.accounts.Update(r.Context(), acct.Platform, acct.ID, map[string]string{
		"schedulable": strconv.FormatBool(next),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"schedulable": next})
}

type rateLimitRequest struct {
	Minutes int `json:"minutes"`
}

// handleRateLimitAccount opens an explicit rate-limit window. This is the
// only path that stamps rateLimitedAt; upstream 429s change status without
// starting a window.
func (s *Server) handleRateLimitAccount(w http.ResponseWriter, r *http.Request) {
	acct := s.loadAccount(w, r)
	if acct == nil {
		return
	}

	var req rateLimitRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Minutes <= 0 {
		req.Minutes = 60
	}

	now := time.Now().UTC()
	err := s.accounts.Update(r.Context(), acct.Platform, acct.ID, map[string]string{
		"status":            account.StatusRateLimited,
		"errorMessage":      "Rate limited by administrator",
		"rateLimitedAt":     now.Format(time.RFC3339),
		"rateLimitDuration": strconv.Itoa(req.Minutes),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      events.EventRateLimited,
			Platform:  acct.Platform,
			AccountID: acct.ID,
			Message:   "rate limited by administrator",
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        account.StatusRateLimited,
		"rateLimitedAt": now,
		"minutes":       req.Minutes,
	})
}

// handleRecoverAccount resets health state back to active.
func (s *Server) handleRecoverAccount(w http.ResponseWriter, r *http.Request) {
	acct := s.loadAccount(w, r)
	if acct == nil {
		return
	}

	err := s.accounts.Update(r.Context(), acct.Platform, acct.ID, map[string]string{
		"status":            account.StatusActive,
		"errorMessage":      "",
		"rateLimitedAt":     "",
		"rateLimitDuration": "0",
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      events.EventRecovered,
			Platform:  acct.Platform,
			AccountID: acct.ID,
			Message:   "recovered by administrator",
		})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": account.StatusActive})
}
