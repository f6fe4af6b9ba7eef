package main

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/ding113/claude-relay-service/internal/auditlog"
	"github.com/ding113/claude-relay-service/internal/config"
	"github.com/ding113/claude-relay-service/internal/crypto"
	"github.com/ding113/claude-relay-service/internal/events"
	"github.com/ding113/claude-relay-service/internal/server"
	"github.com/ding113/claude-relay-service/internal/store"
	"github.com/ding113/claude-relay-service/internal/transport"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("claude-relay-service starting", "version", version)

	var s store.Store
	if cfg.RedisAddr != "" {
		rs, err := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			slog.Error("redis init failed", "error", err)
			os.Exit(1)
		}
		defer rs.Close()
		slog.Info("redis store ready", "addr", cfg.RedisAddr)
		s = rs
	} else {
		slog.Warn("REDIS_ADDR not set, using the in-memory store; state is lost on restart")
		s = store.NewMem()
	}

	c := crypto.New(cfg.EncryptionKey)
	if _, err := c.DeriveKey("salt"); err != nil {
		slog.Error("key derivation failed", "error", err)
		os.Exit(1)
	}

	tm := transport.NewManager(transport.ParseFamily(strconv.FormatBool(cfg.ProxyUseIPv4)))
	defer tm.Close()

	var audit *auditlog.Log
	if cfg.AuditDBPath != "" {
		var err error
		audit, err = auditlog.Open(cfg.AuditDBPath)
		if err != nil {
			slog.Error("audit log init failed", "error", err)
			os.Exit(1)
		}
		defer audit.Close()
		slog.Info("audit log ready", "path", cfg.AuditDBPath)
	}

	bus := events.NewBus(200)

	srv := server.New(cfg, s, c, tm, bus, logHandler, audit, version)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
