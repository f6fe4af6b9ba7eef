package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"

	"github.com/ding113/claude-relay-service/internal/account"
)

// Manager hands out per-account HTTP clients. Transports are pooled by
// proxy endpoint plus dial family and reaped after five idle minutes.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
	network string
}

type poolEntry struct {
	roundTripper http.RoundTripper
	lastUsed     time.Time
}

// NewManager creates a Manager. ipFamily is the outbound family preference
// string, see ParseFamily.
func NewManager(ipFamily string) *Manager {
	return &Manager{
		entries: make(map[string]*poolEntry),
		network: ParseFamily(ipFamily),
	}
}

// GetClient returns an http.Client for the account. The client carries the
// caller's total timeout; streaming responses must be read within it.
// Returns nil when the account's proxy protocol is unsupported.
func (m *Manager) GetClient(acct *account.Account, timeout time.Duration) *http.Client {
	rt := m.getRoundTripper(acct)
	if rt == nil {
		return nil
	}
	return &http.Client{
		Transport: rt,
		Timeout:   timeout,
	}
}

// RunCleanup reaps idle transports every minute until ctx is canceled.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(5 * time.Minute)
		}
	}
}

// Close closes all pooled transports.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
			t.CloseIdleConnections()
		}
		delete(m.entries, key)
	}
}

func (m *Manager) getRoundTripper(acct *account.Account) http.RoundTripper {
	key := m.transportKey(acct)

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.roundTripper
	}

	rt := m.buildRoundTripper(acct)
	if rt == nil {
		return nil
	}
	m.entries[key] = &poolEntry{roundTripper: rt, lastUsed: time.Now()}
	return rt
}

func (m *Manager) cleanup(idleTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range m.entries {
		if entry.lastUsed.Before(cutoff) {
			if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
				t.CloseIdleConnections()
			}
			delete(m.entries, key)
		}
	}
}

// transportKey pools by proxy endpoint and dial family so accounts sharing
// a proxy share connections.
func (m *Manager) transportKey(acct *account.Account) string {
	if acct.Proxy == nil {
		return "direct|" + m.network
	}
	return fmt.Sprintf("%s://%s:%d|%s", acct.Proxy.Protocol, acct.Proxy.Host, acct.Proxy.Port, m.network)
}

func (m *Manager) buildRoundTripper(acct *account.Account) http.RoundTripper {
	if acct.Proxy != nil {
		dial := proxyDialer(acct.Proxy, m.network)
		if dial == nil {
			return nil
		}
		return &http.Transport{
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     5 * time.Minute,
			DialTLSContext:      dial,
		}
	}
	// Direct connections use http2.Transport so the utls UConn never hits
	// net/http's *tls.Conn type assertion.
	network := m.network
	return &http2.Transport{
		DialTLSContext: func(ctx context.Context, _, addr string, _ *tls.Config) (net.Conn, error) {
			return dialUTLS(ctx, network, addr)
		},
	}
}

// dialUTLS establishes a direct TLS connection with the Chrome fingerprint.
func dialUTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	return uTLSHandshake(ctx, rawConn, host)
}

// dialUTLSViaConn wraps an existing connection (from a proxy tunnel) with
// utls TLS.
func dialUTLSViaConn(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	return uTLSHandshake(ctx, rawConn, serverName)
}

func uTLSHandshake(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: false,
		MinVersion:         tls.VersionTLS12,
	}, utls.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}

	return tlsConn, nil
}
