package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/qtunnel/internal/api/middleware"
	"github.com/eldtechnologies/qtunnel/internal/broker"
	"github.com/eldtechnologies/qtunnel/internal/handlers"
	"github.com/eldtechnologies/qtunnel/internal/store"
)

// maxBodyBytes bounds request bodies; envelopes are a few KB after base64.
const maxBodyBytes = 256 * 1024

// Deps are the backing services of the front door. Redis is optional: without
// it, rate limiting is disabled and nonces are tracked in process.
type Deps struct {
	Agents    store.DataStore
	Broker    broker.Broker
	Redis     *store.RedisStore
	RateLimit middleware.RateLimiterConfig
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, deps Deps) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(maxBodyBytes))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	var (
		nonces store.NonceStore = store.NewMemoryNonceStore()
		pinger handlers.Pinger
		client *redis.Client
	)
	if deps.Redis != nil {
		nonces = deps.Redis
		pinger = deps.Redis
		client = deps.Redis.Client()
	}

	// Rate limiting
	if client != nil {
		limiter := middleware.NewRateLimiter(client, logger, deps.RateLimit)
		r.Use(limiter.Middleware)
	}

	// CORS - allow all origins (agents call from anywhere)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Content-Type",
			middleware.HeaderAgent, middleware.HeaderNonce, middleware.HeaderTimestamp,
			middleware.HeaderSignature, middleware.HeaderQueueToken,
		},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(deps.Agents, deps.Broker, pinger, logger)
	auth := middleware.NewAuthMiddleware(deps.Agents, nonces)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/api", h.Root)
	r.Get("/health", h.Health)
	r.Post("/register", h.Register)
	r.Get("/who/{id}", h.Who)

	// Authenticated routes (require signature)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Post("/queues/reserve", h.ReserveQueue)
		r.Delete("/queues/{id}", h.ReleaseQueue)
		r.Post("/queues/{target}/messages", h.PublishMessage)
		r.Get("/queues/{target}/messages", h.ConsumeMessages)
	})

	return r
}
