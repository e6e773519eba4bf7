package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/finly-app/gateway/internal/api"
	"github.com/finly-app/gateway/internal/chat"
	"github.com/finly-app/gateway/internal/config"
	"github.com/finly-app/gateway/internal/database"
	"github.com/finly-app/gateway/internal/events"
	"github.com/finly-app/gateway/internal/identity"
	"github.com/finly-app/gateway/internal/memory"
	"github.com/finly-app/gateway/internal/quota"
	iredis "github.com/finly-app/gateway/internal/redis"
	"github.com/finly-app/gateway/internal/relay"
	"github.com/finly-app/gateway/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("validating config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Usage store
	var pool *pgxpool.Pool
	var store quota.Store
	if cfg.Quota.Store == "postgres" {
		if err := database.RunMigrations(cfg.DB.DSN(), "migrations"); err != nil {
			slog.Error("running migrations", "error", err)
			os.Exit(1)
		}
		pool, err = database.NewPostgresPool(ctx, cfg.DB)
		if err != nil {
			slog.Error("connecting to postgres", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		store = quota.NewPostgresStore(pool)
	} else {
		slog.Warn("using in-memory usage store, counters will not survive a restart")
		store = quota.NewMemoryStore()
	}

	// Redis: rate windows + conversation memory
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// Optional NATS usage events
	publisher, err := events.Connect(cfg.NATS)
	if err != nil {
		slog.Error("connecting to nats", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	// Identity
	var verifier identity.Verifier
	if cfg.Auth.JWTSecret != "" {
		verifier = identity.NewJWTVerifier(cfg.Auth.JWTSecret)
	}
	resolver := identity.NewResolver(verifier)

	// Pipeline
	engine := quota.NewEngine(store, cfg.Quota)
	limiter := quota.NewRateLimiter(redisClient, cfg.Quota)
	history := memory.NewStore(redisClient, cfg.Chat.HistoryLimit, cfg.Chat.HistoryTTL)
	relayClient := relay.NewClient(cfg.Upstream)

	chatSvc := chat.NewService(resolver, limiter, engine, history, relayClient, publisher, cfg.Chat)
	chatHandler := chat.NewHandler(chatSvc, cfg.Chat.Streaming)

	// Router + server
	router := api.NewRouter(pool, redisClient, api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
	}, api.HandlerSet{
		Chat:  chatHandler.Chat,
		Quota: chatHandler.Quota,
	})

	srv := server.New(cfg.Server, router)
	if err := srv.Start(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
