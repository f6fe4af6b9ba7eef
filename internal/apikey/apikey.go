// Package apikey manages inbound caller credentials. Keys are stored as a
// salted SHA-256 fingerprint mapped to an opaque record; the cleartext is
// only shown once at creation time.
package apikey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ding113/claude-relay-service/internal/crypto"
	"github.com/ding113/claude-relay-service/internal/store"
)

// Permission scopes.
const (
	PermissionAll     = "all"
	PermissionConsole = "console"
	PermissionCodex   = "codex"
)

// Expiration modes.
const (
	ExpireFixed      = "fixed"
	ExpireActivation = "activation"
)

// Key is an inbound caller credential record.
type Key struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Permissions      string `json:"permissions"`
	ConsoleAccountID string `json:"consoleAccountId,omitempty"`
	CodexAccountID   string `json:"codexAccountId,omitempty"`

	IsActive  bool       `json:"isActive"`
	IsDeleted bool       `json:"isDeleted"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`

	ExpirationMode string     `json:"expirationMode"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	ActivatedAt    *time.Time `json:"activatedAt,omitempty"`
	ActivationDays int        `json:"activationDays,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Allows reports whether the key's scope covers the platform.
func (k *Key) Allows(platform string) bool {
	return k.Permissions == PermissionAll || k.Permissions == platform
}

// BoundAccountID returns the dedicated account for a platform, if any.
func (k *Key) BoundAccountID(platform string) string {
	switch platform {
	case "console":
		return k.ConsoleAccountID
	case "codex":
		return k.CodexAccountID
	}
	return ""
}

// KeyStore persists keys against their fingerprints.
type KeyStore struct {
	store  store.Store
	crypto *crypto.Crypto
	prefix string
}

func NewStore(s store.Store, c *crypto.Crypto, prefix string) *KeyStore {
	return &KeyStore{store: s, crypto: c, prefix: prefix}
}

// CreateParams for a new API key.
type CreateParams struct {
	Name             string
	Description      string
	Permissions      string
	ConsoleAccountID string
	CodexAccountID   string
	ExpirationMode   string
	ExpiresAt        *time.Time
	ActivationDays   int
}

// Create mints a new key and returns the record plus the cleartext, which
// is never stored.
func (ks *KeyStore) Create(ctx context.Context, p CreateParams) (*Key, string, error) {
	if p.Permissions == "" {
		p.Permissions = PermissionAll
	}
	switch p.Permissions {
	case PermissionAll, PermissionConsole, PermissionCodex:
	default:
		return nil, "", fmt.Errorf("unknown permission scope %q", p.Permissions)
	}
	if p.ExpirationMode == "" {
		p.ExpirationMode = ExpireFixed
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("rand key: %w", err)
	}
	cleartext := ks.prefix + hex.EncodeToString(raw)
	fingerprint := ks.crypto.HashAPIKey(cleartext)

	id := uuid.New().String()
	now := time.Now().UTC()
	fields := map[string]string{
		"id":               id,
		"name":             p.Name,
		"description":      p.Description,
		"permissions":      p.Permissions,
		"consoleAccountId": p.ConsoleAccountID,
		"codexAccountId":   p.CodexAccountID,
		"isActive":         "true",
		"isDeleted":        "false",
		"expirationMode":   p.ExpirationMode,
		"activationDays":   strconv.Itoa(p.ActivationDays),
		"fingerprint":      fingerprint,
		"createdAt":        now.Format(time.RFC3339),
	}
	if p.ExpiresAt != nil {
		fields["expiresAt"] = p.ExpiresAt.UTC().Format(time.RFC3339)
	}

	if err := ks.store.SetAPIKey(ctx, id, fields); err != nil {
		return nil, "", err
	}
	if err := ks.store.SetAPIKeyHash(ctx, fingerprint, id); err != nil {
		return nil, "", err
	}

	return fromMap(fields), cleartext, nil
}

// FindByCleartext resolves a presented key to its record, or nil.
func (ks *KeyStore) FindByCleartext(ctx context.Context, cleartext string) (*Key, error) {
	id, err := ks.store.GetAPIKeyIDByHash(ctx, ks.crypto.HashAPIKey(cleartext))
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	return ks.Get(ctx, id)
}

// Get returns a key by ID, or nil.
func (ks *KeyStore) Get(ctx context.Context, id string) (*Key, error) {
	data, err := ks.store.GetAPIKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return fromMap(data), nil
}

// List returns all keys, tombstoned ones included.
func (ks *KeyStore) List(ctx context.Context) ([]*Key, error) {
	ids, err := ks.store.ListAPIKeyIDs(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]*Key, 0, len(ids))
	for _, id := range ids {
		data, err := ks.store.GetAPIKey(ctx, id)
		if err != nil || len(data) == 0 {
			continue
		}
		keys = append(keys, fromMap(data))
	}
	return keys, nil
}

// SoftDelete tombstones a key; it stays recoverable until purged.
func (ks *KeyStore) SoftDelete(ctx context.Context, id string) error {
	return ks.store.SetAPIKey(ctx, id, map[string]string{
		"isDeleted": "true",
		"isActive":  "false",
		"deletedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

// Restore reverses a soft delete.
func (ks *KeyStore) Restore(ctx context.Context, id string) error {
	return ks.store.SetAPIKey(ctx, id, map[string]string{
		"isDeleted": "false",
		"isActive":  "true",
		"deletedAt": "",
	})
}

// Purge physically removes a key and its fingerprint mapping.
func (ks *KeyStore) Purge(ctx context.Context, id string) error {
	data, err := ks.store.GetAPIKey(ctx, id)
	if err != nil {
		return err
	}
	if fp := data["fingerprint"]; fp != "" {
		if err := ks.store.DeleteAPIKeyHash(ctx, fp); err != nil {
			return err
		}
	}
	return ks.store.DeleteAPIKey(ctx, id)
}

// Activate starts the expiry clock for an activation-mode key on first use.
func (ks *KeyStore) Activate(ctx context.Context, k *Key) error {
	if k.ExpirationMode != ExpireActivation || k.ActivatedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	expires := now.Add(time.Duration(k.ActivationDays) * 24 * time.Hour)
	k.ActivatedAt = &now
	k.ExpiresAt = &expires
	return ks.store.SetAPIKey(ctx, k.ID, map[string]string{
		"activatedAt": now.Format(time.RFC3339),
		"expiresAt":   expires.Format(time.RFC3339),
	})
}

// Valid reports whether the key may authenticate a request right now.
func (k *Key) Valid(now time.Time) (bool, string) {
	if k.IsDeleted {
		return false, "key deleted"
	}
	if !k.IsActive {
		return false, "key disabled"
	}
	if k.ExpirationMode == ExpireActivation && k.ActivatedAt == nil {
		// Not activated yet: first use starts the clock.
		return true, ""
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false, "key expired"
	}
	return true, ""
}

func fromMap(m map[string]string) *Key {
	k := &Key{
		ID:               m["id"],
		Name:             m["name"],
		Description:      m["description"],
		Permissions:      m["permissions"],
		ConsoleAccountID: m["consoleAccountId"],
		CodexAccountID:   m["codexAccountId"],
		IsActive:         m["isActive"] == "true",
		IsDeleted:        m["isDeleted"] == "true",
		ExpirationMode:   m["expirationMode"],
	}
	if k.Permissions == "" {
		k.Permissions = PermissionAll
	}
	if k.ExpirationMode == "" {
		k.ExpirationMode = ExpireFixed
	}
	if n, err := strconv.Atoi(m["activationDays"]); err == nil {
		k.ActivationDays = n
	}
	if t, err := time.Parse(time.RFC3339, m["createdAt"]); err == nil {
		k.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, m["deletedAt"]); err == nil {
		k.DeletedAt = &t
	}
	if t, err := time.Parse(time.RFC3339, m["expiresAt"]); err == nil {
		k.ExpiresAt = &t
	}
	if t, err := time.Parse(time.RFC3339, m["activatedAt"]); err == nil {
		k.ActivatedAt = &t
	}
	return k
}
