// buildrelay - conversation relay between build clients and the code-generation agent.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ashureev/buildrelay/internal/agent"
	"github.com/ashureev/buildrelay/internal/api"
	"github.com/ashureev/buildrelay/internal/config"
	"github.com/ashureev/buildrelay/internal/conversation"
	"github.com/ashureev/buildrelay/internal/identity"
	"github.com/ashureev/buildrelay/internal/metrics"
	"github.com/ashureev/buildrelay/internal/middleware"
	"github.com/ashureev/buildrelay/internal/quota"
	"github.com/ashureev/buildrelay/internal/relay"
	"github.com/ashureev/buildrelay/internal/store"
	"github.com/ashureev/buildrelay/internal/telemetry"
)

const serviceName = "buildrelay"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "store", cfg.Store.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	overrides, err := config.LoadQuotaOverrides(cfg.Quota.OverridesFile)
	if err != nil {
		slog.Error("Failed to load quota overrides", "error", err)
		os.Exit(1)
	}
	for userID, limit := range overrides.Limits {
		if err := repo.SetCustomLimit(ctx, userID, limit); err != nil {
			slog.Error("Failed to apply quota override", "user_id", userID, "error", err)
			os.Exit(1)
		}
	}
	if n := len(overrides.Limits); n > 0 {
		slog.Info("Quota overrides applied", "users", n)
	}

	checks := map[string]api.Check{"database": repo.Ping}

	var conversations conversation.Store
	switch cfg.Store.Backend {
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		defer func() {
			if closeErr := rdb.Close(); closeErr != nil {
				slog.Error("Failed to close redis client", "error", closeErr)
			}
		}()
		rs := conversation.NewRedisStore(rdb,
			conversation.WithPrefix(cfg.Store.RedisPrefix),
			conversation.WithTTL(cfg.Store.RedisTTL),
		)
		if err := rs.Ping(ctx); err != nil {
			slog.Error("Redis health check failed", "addr", cfg.Store.RedisAddr, "error", err)
			os.Exit(1)
		}
		checks["conversations"] = rs.Ping
		conversations = rs
		slog.Info("Redis conversation store connected", "addr", cfg.Store.RedisAddr)
	default:
		conversations = conversation.NewMemoryStore()
		slog.Warn("Using in-memory conversation store; conversations are lost on restart")
	}

	// Tracing is optional.
	if cfg.OTLPEndpoint != "" {
		tp, err := telemetry.NewTracerProvider(ctx, cfg.OTLPEndpoint, serviceName)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		telemetry.Setup(tp)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				slog.Error("Failed to flush traces", "error", err)
			}
		}()
		slog.Info("Tracing enabled", "endpoint", cfg.OTLPEndpoint)
	}

	streamer, err := agent.NewHTTPClient(agent.Config{
		Host:        cfg.Agent.Host,
		StagingHost: cfg.Agent.StagingHost,
		APISecret:   cfg.Agent.APISecret,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize agent client", "error", err)
		os.Exit(1)
	}
	checks["agent"] = streamer.Health

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// Initialize services.
	guard := quota.NewGuard(repo, cfg.Quota.DailyLimit, logger)
	rl := relay.New(streamer, conversations, guard,
		relay.WithPrompts(repo),
		relay.WithOwnership(repo),
		relay.WithConversationLogger(conversationLogger),
		relay.WithLogger(logger),
		relay.WithConfig(relay.Config{
			ExchangeTimeout: cfg.Relay.ExchangeTimeout,
			StopOnIdle:      cfg.Relay.StopOnIdle,
		}),
	)

	// Initialize handlers.
	messageHandler := api.NewMessageHandler(rl, guard, api.MessageConfig{
		MaxRequestBodySize: cfg.Relay.MaxRequestBytes,
		KeepaliveInterval:  cfg.Relay.KeepaliveInterval,
		AllowedOrigin:      cfg.FrontendURL,
		IsDev:              cfg.IsDevelopment(),
	}, logger)
	conversationHandler := api.NewConversationHandler(conversations, repo, logger)
	healthHandler := api.NewHealthHandler(checks, logger)

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute, 10*time.Minute)
	limiter.StartEviction(ctx)

	allowedOrigins := []string{"*"}
	if !cfg.IsDevelopment() {
		allowedOrigins = []string{cfg.FrontendURL}
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins,
		quota.HeaderLimit, quota.HeaderRemaining, quota.HeaderUsage, quota.HeaderReset, api.HeaderApplicationID))

	// Public routes.
	healthHandler.RegisterRoutes(r)
	r.Handle("/metrics", metrics.Handler(metrics.NewRegistry()))

	// Caller routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(identity.Options{
			TrustHeader:    cfg.TrustUserHeader,
			AllowAnonymous: cfg.IsDevelopment(),
			IsDev:          cfg.IsDevelopment(),
		}))
		conversationHandler.RegisterRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(limiter.Middleware)
			messageHandler.RegisterRoutes(r)
		})
	})

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(r, serviceName),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
