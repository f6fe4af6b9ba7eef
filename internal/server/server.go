package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ding113/claude-relay-service/internal/account"
	"github.com/ding113/claude-relay-service/internal/apikey"
	"github.com/ding113/claude-relay-service/internal/auditlog"
	"github.com/ding113/claude-relay-service/internal/config"
	"github.com/ding113/claude-relay-service/internal/crypto"
	"github.com/ding113/claude-relay-service/internal/events"
	"github.com/ding113/claude-relay-service/internal/identity"
	"github.com/ding113/claude-relay-service/internal/meter"
	"github.com/ding113/claude-relay-service/internal/relay"
	"github.com/ding113/claude-relay-service/internal/scheduler"
	"github.com/ding113/claude-relay-service/internal/store"
	"github.com/ding113/claude-relay-service/internal/telemetry"
	"github.com/ding113/claude-relay-service/internal/transport"
	"github.com/ding113/claude-relay-service/internal/tzclock"
)

// Server is the main HTTP server.
type Server struct {
	cfg          *config.Config
	store        store.Store
	accounts     *account.AccountStore
	keys         *apikey.KeyStore
	keyMw        *apikey.Middleware
	relay        *relay.Relay
	meter        *meter.Meter
	audit        *auditlog.Log
	transportMgr *transport.Manager
	bus          *events.Bus
	logHandler   *events.LogHandler
	registry     *prometheus.Registry
	httpServer   *http.Server
	version      string
	startTime    time.Time
}

func New(cfg *config.Config, s store.Store, c *crypto.Crypto, tm *transport.Manager, bus *events.Bus, lh *events.LogHandler, audit *auditlog.Log, version string) *Server {
	accounts := account.NewStore(s, c)
	keys := apikey.NewStore(s, c, cfg.APIKeyPrefix)
	keyMw := apikey.NewMiddleware(keys)
	sched := scheduler.New(accounts, s, scheduler.NewBalancer(), cfg.StickySessionTTL, cfg.RenewalDeadband)
	hc := identity.NewHeadersCache(s)
	m := meter.New(s, tzclock.New(cfg.TimezoneOffset))

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	r := relay.New(accounts, sched, hc, tm, m, audit, metrics, bus, cfg)

	srv := &Server{
		cfg:          cfg,
		store:        s,
		accounts:     accounts,
		keys:         keys,
		keyMw:        keyMw,
		relay:        r,
		meter:        m,
		audit:        audit,
		transportMgr: tm,
		bus:          bus,
		logHandler:   lh,
		registry:     registry,
		version:      version,
		startTime:    time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	auth := s.keyMw.Authenticate

	// Relay endpoints. The validator inside the orchestrator decides which
	// client profile (and thus platform) the request belongs to.
	mux.Handle("POST /api/v1/messages", auth(http.HandlerFunc(s.relay.Handle)))
	mux.Handle("POST /v1/messages", auth(http.HandlerFunc(s.relay.Handle)))
	mux.Handle("POST /openai/responses", auth(http.HandlerFunc(s.relay.Handle)))
	mux.Handle("POST /azure/response", auth(http.HandlerFunc(s.relay.Handle)))

	// CLI telemetry sink, swallowed without authentication so clients never
	// leak analytics upstream.
	mux.HandleFunc("POST /api/event_logging/batch", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true}`))
	})

	// Admin control plane.
	mux.Handle("GET /admin/accounts", s.requireAdmin(http.HandlerFunc(s.handleListAccounts)))
	mux.Handle("POST /admin/accounts", s.requireAdmin(http.HandlerFunc(s.handleCreateAccount)))
	mux.Handle("GET /admin/accounts/{platform}/{id}", s.requireAdmin(http.HandlerFunc(s.handleGetAccount)))
	mux.Handle("PUT /admin/accounts/{platform}/{id}", s.requireAdmin(http.HandlerFunc(s.handleUpdateAccount)))
	mux.Handle("DELETE /admin/accounts/{platform}/{id}", s.requireAdmin(http.HandlerFunc(s.handleDeleteAccount)))
	mux.Handle("POST /admin/accounts/{platform}/{id}/toggle", s.requireAdmin(http.HandlerFunc(s.handleToggleAccount)))
	mux.Handle("POST /admin/accounts/{platform}/{id}/rate-limit", s.requireAdmin(http.HandlerFunc(s.handleRateLimitAccount)))
	mux.Handle("POST /admin/accounts/{platform}/{id}/recover", s.requireAdmin(http.HandlerFunc(s.handleRecoverAccount)))

	mux.Handle("GET /admin/keys", s.requireAdmin(http.HandlerFunc(s.handleListKeys)))
	mux.Handle("POST /admin/keys", s.requireAdmin(http.HandlerFunc(s.handleCreateKey)))
	mux.Handle("DELETE /admin/keys/{id}", s.requireAdmin(http.HandlerFunc(s.handleDeleteKey)))
	mux.Handle("POST /admin/keys/{id}/restore", s.requireAdmin(http.HandlerFunc(s.handleRestoreKey)))
	mux.Handle("DELETE /admin/keys/{id}/purge", s.requireAdmin(http.HandlerFunc(s.handlePurgeKey)))
	mux.Handle("GET /admin/keys/{id}/usage", s.requireAdmin(http.HandlerFunc(s.handleKeyUsage)))

	mux.Handle("GET /admin/logs", s.requireAdmin(http.HandlerFunc(s.handleListLogs)))
	mux.Handle("GET /admin/loglines", s.requireAdmin(http.HandlerFunc(s.handleRecentLogLines)))
	mux.Handle("GET /admin/events", s.requireAdmin(http.HandlerFunc(s.handleRecentEvents)))
	mux.Handle("GET /admin/status", s.requireAdmin(http.HandlerFunc(s.handleStatus)))

	// Observability.
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"error","store":"%s"}`, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.transportMgr.RunCleanup(ctx)
	if s.audit != nil {
		go s.runAuditPurge(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr, "version", s.version)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// runAuditPurge drops audit rows older than 30 days every 6 hours.
func (s *Server) runAuditPurge(ctx context.Context) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := time.Now().Add(-30 * 24 * time.Hour)
			n, err := s.audit.Purge(ctx, before)
			if err != nil {
				slog.Error("audit purge failed", "error", err)
			} else if n > 0 {
				slog.Info("purged audit entries", "count", n)
			}
		}
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
