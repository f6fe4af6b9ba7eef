package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/proxy"

	"github.com/ding113/claude-relay-service/internal/account"
)

// ParseFamily maps the outbound IP family preference to a dial network.
// Accepts true/false, 4/6, ipv4/ipv6, auto; anything else falls back to
// dual-stack.
func ParseFamily(pref string) string {
	switch strings.ToLower(strings.TrimSpace(pref)) {
	case "true", "4", "ipv4":
		return "tcp4"
	case "6", "ipv6":
		return "tcp6"
	case "", "false", "auto":
		return "tcp"
	default:
		slog.Warn("unknown ip family preference, using dual-stack", "value", pref)
		return "tcp"
	}
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// proxyDialer returns a DialTLSContext for the account proxy, or nil when
// the protocol is unsupported.
func proxyDialer(pcfg *account.ProxyConfig, network string) dialFunc {
	switch pcfg.Protocol {
	case "socks5":
		return socks5Dialer(pcfg, network)
	case "http", "https":
		return httpConnectDialer(pcfg, network)
	default:
		slog.Warn("unsupported proxy protocol", "protocol", pcfg.Protocol)
		return nil
	}
}

func socks5Dialer(pcfg *account.ProxyConfig, network string) dialFunc {
	return func(ctx context.Context, _, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", pcfg.Host, pcfg.Port)

		var auth *proxy.Auth
		if pcfg.Username != "" {
			auth = &proxy.Auth{
				User:     pcfg.Username,
				Password: pcfg.Password,
			}
		}

		dialer, err := proxy.SOCKS5(network, proxyAddr, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}

		rawConn, err := dialer.Dial(network, addr)
		if err != nil {
			return nil, fmt.Errorf("socks5 dial: %w", err)
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			rawConn.Close()
			return nil, err
		}

		return dialUTLSViaConn(ctx, rawConn, host)
	}
}

func httpConnectDialer(pcfg *account.ProxyConfig, network string) dialFunc {
	return func(ctx context.Context, _, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", pcfg.Host, pcfg.Port)

		dialer := &net.Dialer{}
		rawConn, err := dialer.DialContext(ctx, network, proxyAddr)
		if err != nil {
			return nil, fmt.Errorf("proxy tcp dial: %w", err)
		}

		// Request.Write derives the request line from the URL, so the
		// tunnel target goes in as an opaque authority.
		connectReq := &http.Request{
			Method: http.MethodConnect,
			URL:    &url.URL{Opaque: addr},
			Host:   addr,
			Header: make(http.Header),
		}

		if pcfg.Username != "" {
			cred := base64.StdEncoding.EncodeToString([]byte(pcfg.Username + ":" + pcfg.Password))
			connectReq.Header.Set("Proxy-Authorization", "Basic "+cred)
		}

		if err := connectReq.Write(rawConn); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT write: %w", err)
		}

		resp, err := http.ReadResponse(bufio.NewReader(rawConn), connectReq)
		if err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT read: %w", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			rawConn.Close()
			return nil, err
		}

		return dialUTLSViaConn(ctx, rawConn, host)
	}
}
