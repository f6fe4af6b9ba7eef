package account

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ding113/claude-relay-service/internal/crypto"
	"github.com/ding113/claude-relay-service/internal/store"
)

const credentialSalt = "salt"

// AccountStore is the typed repository over the key-value store.
// Credentials are encrypted at rest and decrypted on load.
type AccountStore struct {
	store  store.Store
	crypto *crypto.Crypto
}

func NewStore(s store.Store, c *crypto.Crypto) *AccountStore {
	return &AccountStore{store: s, crypto: c}
}

// CreateParams are the admin-supplied fields for a new account.
type CreateParams struct {
	Platform        string
	Name            string
	Description     string
	APIURL          string
	APIKey          string
	UserAgent       string
	Proxy           *ProxyConfig
	Priority        int
	AccountType     string
	SupportedModels map[string]string
	DailyQuota      float64
	QuotaResetTime  string
}

// Create adds a new account. The API key is encrypted before storage.
func (as *AccountStore) Create(ctx context.Context, p CreateParams) (*Account, error) {
	if p.Platform != PlatformConsole && p.Platform != PlatformCodex {
		return nil, fmt.Errorf("unknown platform %q", p.Platform)
	}
	if p.Priority < 1 || p.Priority > 100 {
		return nil, fmt.Errorf("priority out of range [1,100]: %d", p.Priority)
	}
	if p.Proxy != nil && (p.Proxy.Port < 1 || p.Proxy.Port > 65535) {
		return nil, fmt.Errorf("proxy port out of range: %d", p.Proxy.Port)
	}
	if p.AccountType == "" {
		p.AccountType = TypeShared
	}

	encKey, err := as.crypto.Encrypt(p.APIKey, credentialSalt)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	fields := map[string]string{
		"id":             id,
		"platform":       p.Platform,
		"name":           p.Name,
		"description":    p.Description,
		"apiUrl":         p.APIURL,
		"apiKey":         encKey,
		"userAgent":      p.UserAgent,
		"priority":       strconv.Itoa(p.Priority),
		"accountType":    p.AccountType,
		"isActive":       "true",
		"schedulable":    "true",
		"status":         StatusActive,
		"errorMessage":   "",
		"dailyQuota":     formatFloat(p.DailyQuota),
		"dailyUsage":     "0",
		"quotaResetTime": p.QuotaResetTime,
		"createdAt":      now.Format(time.RFC3339),
	}
	if p.Proxy != nil {
		proxyJSON, _ := json.Marshal(p.Proxy)
		fields["proxy"] = string(proxyJSON)
	}
	if len(p.SupportedModels) > 0 {
		modelsJSON, _ := json.Marshal(p.SupportedModels)
		fields["supportedModels"] = string(modelsJSON)
	}

	if err := as.store.SetAccount(ctx, p.Platform, id, fields); err != nil {
		return nil, err
	}

	acct := as.fromMap(fields)
	acct.APIKey = p.APIKey
	return acct, nil
}

// Get returns an account by ID with the credential decrypted, or nil.
func (as *AccountStore) Get(ctx context.Context, platform, id string) (*Account, error) {
	data, err := as.store.GetAccount(ctx, platform, id)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return as.fromMap(data), nil
}

// List returns all accounts for a platform.
func (as *AccountStore) List(ctx context.Context, platform string) ([]*Account, error) {
	ids, err := as.store.ListAccountIDs(ctx, platform)
	if err != nil {
		return nil, err
	}

	accounts := make([]*Account, 0, len(ids))
	for _, id := range ids {
		data, err := as.store.GetAccount(ctx, platform, id)
		if err != nil || len(data) == 0 {
			continue
		}
		accounts = append(accounts, as.fromMap(data))
	}
	return accounts, nil
}

// Update modifies account fields.
func (as *AccountStore) Update(ctx context.Context, platform, id string, fields map[string]string) error {
	return as.store.SetAccountFields(ctx, platform, id, fields)
}

// Delete removes an account.
func (as *AccountStore) Delete(ctx context.Context, platform, id string) error {
	return as.store.DeleteAccount(ctx, platform, id)
}

// MarkStatus records a health transition observed by the relayer.
func (as *AccountStore) MarkStatus(ctx context.Context, platform, id, status, message string) error {
	return as.Update(ctx, platform, id, map[string]string{
		"status":       status,
		"errorMessage": message,
	})
}

// TouchLastUsed stamps lastUsedAt on every attempted dispatch.
func (as *AccountStore) TouchLastUsed(ctx context.Context, platform, id string) error {
	return as.Update(ctx, platform, id, map[string]string{
		"lastUsedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

// fromMap converts a stored hash to an Account, decrypting the credential.
func (as *AccountStore) fromMap(m map[string]string) *Account {
	a := &Account{
		ID:                m["id"],
		Platform:          m["platform"],
		Name:              m["name"],
		Description:       m["description"],
		APIURL:            m["apiUrl"],
		UserAgent:         m["userAgent"],
		Priority:          atoi(m["priority"], 50),
		AccountType:       m["accountType"],
		IsActive:          m["isActive"] == "true",
		Schedulable:       m["schedulable"] == "true",
		Status:            m["status"],
		ErrorMessage:      m["errorMessage"],
		RateLimitDuration: atoi(m["rateLimitDuration"], 0),
		DailyQuota:        atof(m["dailyQuota"]),
		DailyUsage:        atof(m["dailyUsage"]),
		QuotaResetTime:    m["quotaResetTime"],
	}
	if a.AccountType == "" {
		a.AccountType = TypeShared
	}

	if enc := m["apiKey"]; enc != "" {
		key, err := as.crypto.Decrypt(enc, credentialSalt)
		if err != nil {
			slog.Warn("account credential decrypt failed", "accountId", a.ID, "error", err)
		} else {
			a.APIKey = key
		}
	}

	if t, err := time.Parse(time.RFC3339, m["createdAt"]); err == nil {
		a.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, m["lastUsedAt"]); err == nil {
		a.LastUsedAt = &t
	}
	if t, err := time.Parse(time.RFC3339, m["rateLimitedAt"]); err == nil {
		a.RateLimitedAt = &t
	}
	if t, err := time.Parse(time.RFC3339, m["quotaStoppedAt"]); err == nil {
		a.QuotaStoppedAt = &t
	}

	if proxyStr := m["proxy"]; proxyStr != "" {
		var p ProxyConfig
		if json.Unmarshal([]byte(proxyStr), &p) == nil && p.Host != "" {
			a.Proxy = &p
		}
	}
	if modelsStr := m["supportedModels"]; modelsStr != "" {
		var models map[string]string
		if json.Unmarshal([]byte(modelsStr), &models) == nil {
			a.SupportedModels = models
		}
	}

	return a
}

func atoi(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func atof(s string) float64 {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return 0
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
