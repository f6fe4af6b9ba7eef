package store

import (
	"context"
	"time"
)

// Store is the key-value persistence interface consumed by the relay core.
// Map values use camelCase field names (e.g. "lastUsedAt") matching the
// Redis hash layout, so accounts survive round trips between processes.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Accounts: one hash per (platform, id) plus a per-platform index set.
	GetAccount(ctx context.Context, platform, id string) (map[string]string, error)
	SetAccount(ctx context.Context, platform, id string, fields map[string]string) error
	SetAccountFields(ctx context.Context, platform, id string, fields map[string]string) error
	DeleteAccount(ctx context.Context, platform, id string) error
	ListAccountIDs(ctx context.Context, platform string) ([]string, error)

	// API keys: record hash plus fingerprint → id lookup map.
	GetAPIKey(ctx context.Context, id string) (map[string]string, error)
	SetAPIKey(ctx context.Context, id string, fields map[string]string) error
	DeleteAPIKey(ctx context.Context, id string) error
	ListAPIKeyIDs(ctx context.Context) ([]string, error)
	SetAPIKeyHash(ctx context.Context, hash, keyID string) error
	GetAPIKeyIDByHash(ctx context.Context, hash string) (string, error)
	DeleteAPIKeyHash(ctx context.Context, hash string) error

	// Sticky sessions: fingerprint → (accountID, platform) with TTL.
	GetSession(ctx context.Context, fingerprint string) (*SessionMapping, error)
	SetSession(ctx context.Context, fingerprint, accountID, platform string, ttl time.Duration) error
	// ExtendSessionIfNeeded resets the TTL to full only when the remaining
	// TTL has fallen below deadband. Returns whether the TTL was reset.
	ExtendSessionIfNeeded(ctx context.Context, fingerprint string, deadband, full time.Duration) (bool, error)
	DeleteSession(ctx context.Context, fingerprint string) error
	SessionTTL(ctx context.Context, fingerprint string) (time.Duration, error)

	// Per-account CLI header snapshots.
	GetAccountHeaders(ctx context.Context, accountID string) (map[string]string, error)
	SetAccountHeaders(ctx context.Context, accountID string, snapshot map[string]string, ttl time.Duration) error

	// Usage counters: all increments land in one pipelined round trip.
	// Per-counter atomicity comes from the store primitive; the batch as a
	// whole is not a transaction.
	IncrementUsage(ctx context.Context, incs []UsageIncrement) error
	GetUsage(ctx context.Context, key string) (map[string]string, error)
}

// SessionMapping binds a session fingerprint to an upstream account.
type SessionMapping struct {
	AccountID string
	Platform  string
}

// UsageIncrement is one bucket's worth of counter deltas.
type UsageIncrement struct {
	Key         string
	IntFields   map[string]int64
	FloatFields map[string]float64
	TTL         time.Duration // 0 = no expiry (lifetime bucket)
}
