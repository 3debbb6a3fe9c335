// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/continuum-canvas/continuum/internal/config"
	"github.com/continuum-canvas/continuum/internal/handler"
	"github.com/continuum-canvas/continuum/internal/llm"
	"github.com/continuum-canvas/continuum/internal/middleware"
	natsclient "github.com/continuum-canvas/continuum/internal/nats"
	"github.com/continuum-canvas/continuum/internal/service"
	"github.com/continuum-canvas/continuum/internal/session"
	"github.com/continuum-canvas/continuum/internal/store"
	"github.com/continuum-canvas/continuum/pkg/logger"
	"github.com/continuum-canvas/continuum/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.NewForEnv(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	defer log.Install()()

	log.Info("starting API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "continuum-api", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(ctx, tp) }()
		}
	}

	backend := openStore(cfg, log)
	defer func() { _ = backend.Close() }()

	// Audit stream
	var (
		audit      service.AuditLog = natsclient.Disabled{}
		natsHealth handler.Connection
	)
	if cfg.NATSEnabled {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		natsClient, err := natsclient.Connect(connectCtx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			cancel()
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		defer natsClient.Close()

		stream := natsclient.NewAuditStream(natsClient)
		err = stream.EnsureStream(connectCtx)
		cancel()
		if err != nil {
			log.Error("failed to ensure stream", zap.Error(err))
			os.Exit(1)
		}
		audit = stream
		natsHealth = natsClient
	}

	// Completion provider
	llmClient, llmErr := newCompletionClient(cfg, log)

	// Initialize services
	conversationSvc := service.NewConversationService(backend, audit, service.ConversationOptions{
		AtomicReplace:        cfg.AtomicReplace,
		DeleteMissingIsError: cfg.DeleteMissingIsError,
	}, log)
	completionSvc := service.NewCompletionService(llmClient, llmErr, cfg.CompletionTimeout, log)

	sessions := session.NewManager(completionSvc, conversationSvc, session.Config{
		Policy:            session.ParsePolicy(cfg.SessionLatePolicy),
		CompletionTimeout: cfg.CompletionTimeout,
		IdleTTL:           cfg.SessionIdleTTL,
	}, log)
	defer sessions.Close()

	router := handler.NewRouter(handler.RouterConfig{
		Logger:        log,
		Verifier:      newVerifier(cfg, log),
		AuthCookie:    cfg.AuthCookieName,
		CORSOrigins:   cfg.CORSAllowedOrigins,
		RateLimit:     cfg.RateLimitRequests,
		RateWindow:    cfg.RateLimitWindow,
		Health:        handler.NewHealthHandler(backend, natsHealth),
		Conversations: handler.NewConversationHandler(conversationSvc, log),
		Chat:          handler.NewChatHandler(completionSvc, log),
		Sessions:      handler.NewSessionHandler(sessions, cfg.SSEHeartbeat, log),
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     log.StdLog(),
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// openStore picks the storage backend. Missing credentials leave the server
// running with a backend that reports the problem on every call.
func openStore(cfg *config.Config, log *logger.Logger) store.Backend {
	switch cfg.StoreDriver {
	case config.StoreSupabase:
		if cfg.SupabaseURL == "" || cfg.SupabaseServiceRoleKey == "" {
			log.Warn("Supabase credentials missing, persistence disabled")
			return store.Unconfigured{Reason: "Supabase not configured"}
		}
		backend, err := store.NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey)
		if err != nil {
			log.Error("failed to create Supabase client", zap.Error(err))
			return store.Unconfigured{Reason: "Supabase not configured"}
		}
		log.Info("using Supabase store", zap.String("url", cfg.SupabaseURL))
		return backend
	default:
		backend, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			log.Error("failed to open SQLite store", zap.String("path", cfg.SQLitePath), zap.Error(err))
			os.Exit(1)
		}
		log.Info("using SQLite store", zap.String("path", cfg.SQLitePath))
		return backend
	}
}

func newCompletionClient(cfg *config.Config, log *logger.Logger) (llm.Client, error) {
	provider := llm.Provider(cfg.CompletionProvider)
	client, err := llm.NewClient(provider, cfg.APIKey(), cfg.CompletionModel)
	if err != nil {
		log.Warn("completion disabled", zap.String("provider", string(provider)), zap.Error(err))
		return nil, err
	}
	if cfg.BreakerEnabled {
		client = llm.NewBreakerClient(client, llm.DefaultBreakerConfig(), log)
	}
	return client, nil
}

func newVerifier(cfg *config.Config, log *logger.Logger) middleware.Verifier {
	switch cfg.AuthMode {
	case config.AuthSupabase:
		if cfg.SupabaseURL == "" || cfg.SupabaseAnonKey == "" {
			log.Warn("Supabase auth credentials missing, signed-in routes disabled")
			return middleware.UnconfiguredVerifier{Reason: "Supabase not configured"}
		}
		verifier, err := middleware.NewSupabaseVerifier(cfg.SupabaseURL, cfg.SupabaseAnonKey)
		if err != nil {
			log.Error("failed to create Supabase auth client", zap.Error(err))
			return middleware.UnconfiguredVerifier{Reason: "Supabase not configured"}
		}
		return verifier
	default:
		return middleware.NewJWTVerifier(cfg.JWTSecret)
	}
}
