package router

import (
	"net/http"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/heartbridge/backend/internal/config"
	"github.com/heartbridge/backend/internal/handlers"
	"github.com/heartbridge/backend/internal/metrics"
	"github.com/heartbridge/backend/internal/middleware"
	"github.com/heartbridge/backend/internal/services"
)

// Deps are the long-lived components the routes are served from. They are
// built by the caller so background loops can share them.
type Deps struct {
	Store    *services.PerformanceStore
	Limiter  *middleware.RateLimiter
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
}

func New(cfg *config.Config, deps Deps) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.NewRealIPMiddleware(cfg.TrustedProxies).Handler)
	r.Use(middleware.RequestContextMiddleware)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	if sentry.CurrentHub().Client() != nil {
		r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	}
	r.Use(middleware.CORSMiddleware(cfg.CORSAllowedOrigins))

	// Handlers
	performanceHandler := handlers.NewPerformanceHandler(deps.Store, deps.Metrics, cfg)
	realtimeHandler := handlers.NewRealtimeHandler(deps.Store, deps.Metrics, deps.Limiter, cfg)
	sseHandler := handlers.NewSSEHandler(deps.Store, deps.Metrics)

	// Realtime channel, reachable at the root for existing clients
	r.Get("/", realtimeHandler.Serve)
	r.Get("/ws", realtimeHandler.Serve)

	r.Get("/health", performanceHandler.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Registry))

	// Token holder operations
	r.With(deps.Limiter.Middleware).Post("/register", performanceHandler.Register)
	r.Post("/update", performanceHandler.Update)
	r.Post("/delete", performanceHandler.Delete)

	// Public listing
	r.Route("/events", func(r chi.Router) {
		r.Get("/", performanceHandler.List)

		r.Route("/{id}", func(r chi.Router) {
			r.Use(middleware.PerformanceContextMiddleware)

			r.Get("/", performanceHandler.Get)
			r.Get("/status", performanceHandler.GetStatus)
			r.Post("/status", performanceHandler.SetStatus)
			r.Get("/stream", sseHandler.Stream)
		})
	})

	return r
}
