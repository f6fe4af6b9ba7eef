package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Host string
	Port int

	// Redis (empty addr falls back to the in-memory store)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Audit log
	AuditDBPath string

	// Security
	EncryptionKey string
	AdminToken    string
	APIKeyPrefix  string

	// Upstream
	AnthropicVersion  string
	DefaultBetaHeader string
	UpstreamTimeout   time.Duration

	// Request edge
	RequestTimeout   time.Duration
	MaxRequestBodyMB int

	// Scheduling
	StickySessionTTL time.Duration
	RenewalDeadband  time.Duration
	MaxRetries       int

	// Proxy
	ProxyUseIPv4 bool

	// Timezone offset for usage buckets, hours east of UTC.
	TimezoneOffset int

	// Logging
	LogLevel string
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 3000),

		RedisAddr:     envOr("REDIS_ADDR", ""),
		RedisPassword: envOr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		AuditDBPath: envOr("AUDIT_DB_PATH", "relay-audit.db"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		AdminToken:    os.Getenv("ADMIN_TOKEN"),
		APIKeyPrefix:  envOr("API_KEY_PREFIX", "cr_"),

		AnthropicVersion:  envOr("CLAUDE_API_VERSION", "2023-06-01"),
		DefaultBetaHeader: envOr("CLAUDE_BETA_HEADER", "claude-code-20250219,oauth-2025-04-20,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"),
		UpstreamTimeout:   envDuration("DEFAULT_TIMEOUT_MS", 300*time.Second),

		RequestTimeout:   envDuration("REQUEST_TIMEOUT_MS", 600*time.Second),
		MaxRequestBodyMB: envInt("REQUEST_MAX_SIZE_MB", 60),

		StickySessionTTL: envDuration("STICKY_SESSION_TTL_MS", 15*24*time.Hour),
		RenewalDeadband:  envDuration("STICKY_RENEWAL_DEADBAND_MS", 14*24*time.Hour),
		MaxRetries:       envInt("MAX_RETRIES", 5),

		ProxyUseIPv4: envBool("PROXY_USE_IPV4", true),

		TimezoneOffset: envInt("TIMEZONE_OFFSET", 8),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errMissing("ENCRYPTION_KEY")
	}
	if c.AdminToken == "" {
		return errMissing("ADMIN_TOKEN")
	}
	if c.TimezoneOffset < -12 || c.TimezoneOffset > 14 {
		return fmt.Errorf("TIMEZONE_OFFSET out of range [-12,14]: %d", c.TimezoneOffset)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be >= 1: %d", c.MaxRetries)
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
