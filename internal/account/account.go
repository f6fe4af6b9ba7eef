package account

import (
	"strings"
	"time"
)

// Platforms an account can serve.
const (
	PlatformConsole = "console"
	PlatformCodex   = "codex"
)

// Account status values.
const (
	StatusActive        = "active"
	StatusError         = "error"
	StatusRateLimited   = "rate_limited"
	StatusUnauthorized  = "unauthorized"
	StatusOverloaded    = "overloaded"
	StatusBlocked       = "blocked"
	StatusQuotaExceeded = "quota_exceeded"
	StatusTempError     = "temp_error"
)

// Account types.
const (
	TypeShared    = "shared"
	TypeDedicated = "dedicated"
)

// defaultRateLimitMinutes applies when an account is marked rate_limited
// without an explicit duration.
const defaultRateLimitMinutes = 60

// Account is one upstream credential with its scheduling and health state.
type Account struct {
	ID          string `json:"id"`
	Platform    string `json:"platform"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Addressing
	APIURL    string       `json:"apiUrl"`
	UserAgent string       `json:"userAgent,omitempty"`
	Proxy     *ProxyConfig `json:"proxy,omitempty"`

	// Credential, decrypted when loaded through AccountStore.
	APIKey string `json:"-"`

	// Scheduling
	Priority    int    `json:"priority"` // 1..100, smaller = higher
	Schedulable bool   `json:"schedulable"`
	AccountType string `json:"accountType"`
	// Requested model → upstream model. Empty = supports all.
	SupportedModels map[string]string `json:"supportedModels,omitempty"`

	// Health
	IsActive          bool       `json:"isActive"`
	Status            string     `json:"status"`
	ErrorMessage      string     `json:"errorMessage,omitempty"`
	RateLimitedAt     *time.Time `json:"rateLimitedAt,omitempty"`
	RateLimitDuration int        `json:"rateLimitDuration,omitempty"` // minutes
	DailyQuota        float64    `json:"dailyQuota,omitempty"`
	DailyUsage        float64    `json:"dailyUsage,omitempty"`
	QuotaResetTime    string     `json:"quotaResetTime,omitempty"` // "HH:MM"
	QuotaStoppedAt    *time.Time `json:"quotaStoppedAt,omitempty"`
	LastUsedAt        *time.Time `json:"lastUsedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// ProxyConfig is the per-account outbound proxy.
type ProxyConfig struct {
	Protocol string `json:"protocol"` // http, https, socks5
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// RateLimitedNow reports whether the account is inside its rate-limit window.
func (a *Account) RateLimitedNow(now time.Time) bool {
	if a.RateLimitedAt == nil {
		return false
	}
	minutes := a.RateLimitDuration
	if minutes <= 0 {
		minutes = defaultRateLimitMinutes
	}
	return now.Sub(*a.RateLimitedAt) < time.Duration(minutes)*time.Minute
}

// Available reports whether the account can be scheduled right now.
func (a *Account) Available(now time.Time) bool {
	if !a.IsActive || !a.Schedulable {
		return false
	}
	if a.Status != StatusActive {
		return false
	}
	if a.RateLimitedNow(now) {
		return false
	}
	if a.DailyQuota > 0 && a.DailyUsage >= a.DailyQuota {
		return false
	}
	return true
}

// SupportsModel reports whether the account serves the requested model.
// An empty mapping means the account supports everything.
func (a *Account) SupportsModel(model string) bool {
	if len(a.SupportedModels) == 0 {
		return true
	}
	if model == "" {
		return true
	}
	_, ok := a.SupportedModels[model]
	return ok
}

// MappedModel returns the upstream model name for the requested one.
func (a *Account) MappedModel(model string) string {
	if mapped, ok := a.SupportedModels[model]; ok && mapped != "" {
		return mapped
	}
	return model
}

// UsesBearerAuth reports whether the credential authenticates with a bearer
// token. Keys with the Anthropic "sk-ant-" prefix go into x-api-key instead.
func (a *Account) UsesBearerAuth() bool {
	return !strings.HasPrefix(a.APIKey, "sk-ant-")
}
