// Package server implements the HTTP transport layer for the Mithril gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eugener/mithril/internal/authn"
	"github.com/eugener/mithril/internal/background"
	"github.com/eugener/mithril/internal/cache"
	"github.com/eugener/mithril/internal/dispatch"
	"github.com/eugener/mithril/internal/ratelimit"
	"github.com/eugener/mithril/internal/routing"
	"github.com/eugener/mithril/internal/storage"
	"github.com/eugener/mithril/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Store          storage.Store
	Auth           *authn.KeyAuth
	Tokens         *authn.TokenIssuer
	RateLimiter    *ratelimit.Registry
	Cache          *cache.ResponseCache
	Router         *routing.Router
	Dispatcher     *dispatch.Dispatcher
	Tasks          *background.Tasks
	Metrics        *telemetry.Metrics // nil = no metrics
	MetricsHandler http.Handler       // Prometheus scrape endpoint; nil = off
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Upstream       *http.Client       // models proxy; nil = http.DefaultClient
	MaxBodyBytes   int64
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Inference surface: ClientInfo -> Auth -> RateLimit -> Cache -> handler
	r.Group(func(r chi.Router) {
		r.Use(s.clientInfo)
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Use(s.cacheMiddleware)
		r.Post("/v1/chat/completions", s.handleInference)
		r.Post("/v1/embeddings", s.handleInference)
		r.Post("/v1/responses", s.handleInference)
		r.Post("/v1/messages", s.handleInference)
	})

	// Model listing needs the gateway key but skips rate/cache layers.
	r.Group(func(r chi.Router) {
		r.Use(s.clientInfo)
		r.Use(s.authenticate)
		r.Get("/v1/models", s.handleListModels)
	})

	// Operator surface
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(s.jwtAuth)
			s.mountAdminRoutes(r)
		})
	})

	return r
}

type server struct {
	deps Deps
}
