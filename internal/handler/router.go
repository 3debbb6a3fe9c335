package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/continuum-canvas/continuum/internal/middleware"
	"github.com/continuum-canvas/continuum/pkg/logger"
)

// RouterConfig collects the handlers and middleware settings of the API.
type RouterConfig struct {
	Logger        *logger.Logger
	Verifier      middleware.Verifier
	AuthCookie    string
	CORSOrigins   []string
	RateLimit     int
	RateWindow    time.Duration
	MaxBodyBytes  int64
	Health        *HealthHandler
	Conversations *ConversationHandler
	Chat          *ChatHandler
	Sessions      *SessionHandler
}

// NewRouter builds the API routes.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = middleware.DefaultMaxBodyBytes
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 60
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))

		// Anonymous, limited per client IP
		r.With(middleware.RateLimit(cfg.RateLimit, cfg.RateWindow)).Post("/chat", cfg.Chat.Complete)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.Verifier, cfg.AuthCookie, cfg.Logger))
			r.Use(middleware.UserRateLimit(cfg.RateLimit, cfg.RateWindow))

			// Conversations
			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", cfg.Conversations.List)
				r.Post("/", cfg.Conversations.Create)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", cfg.Conversations.Get)
					r.Put("/", cfg.Conversations.Update)
					r.Delete("/", cfg.Conversations.Delete)
					r.Get("/history", cfg.Conversations.History)
				})
			})

			// Sessions
			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", cfg.Sessions.Create)

				r.Route("/{sid}", func(r chi.Router) {
					r.Get("/", cfg.Sessions.Get)
					r.Delete("/", cfg.Sessions.Discard)
					r.Post("/new", cfg.Sessions.New)
					r.Post("/load", cfg.Sessions.Load)
					r.Post("/save", cfg.Sessions.Save)
					r.Post("/branch", cfg.Sessions.Branch)
					r.Get("/history/{nodeID}", cfg.Sessions.History)
					r.Delete("/tasks/{nodeID}", cfg.Sessions.CancelTask)
					r.Get("/events", cfg.Sessions.Events)
				})
			})
		})
	})

	return r
}
