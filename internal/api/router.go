package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/storyrelay/backend/internal/middleware"
)

// Router holds all handlers and creates the chi router
type Router struct {
	writingHandler *WritingHandler
	storyHandler   *StoryHandler
	eventsHandler  *EventsHandler
	healthHandler  *HealthHandler
	tokens         middleware.TokenValidator
	corsOrigins    []string
	uploadDir      string
	logger         *zap.Logger
}

// RouterOption customises optional routes.
type RouterOption func(*Router)

// WithUploads serves locally stored files under /uploads.
func WithUploads(dir string) RouterOption {
	return func(rt *Router) {
		rt.uploadDir = dir
	}
}

// WithCORSOrigins restricts cross-origin requests to origins.
func WithCORSOrigins(origins []string) RouterOption {
	return func(rt *Router) {
		rt.corsOrigins = origins
	}
}

// NewRouter creates a new router
func NewRouter(
	writingHandler *WritingHandler,
	storyHandler *StoryHandler,
	eventsHandler *EventsHandler,
	healthHandler *HealthHandler,
	tokens middleware.TokenValidator,
	logger *zap.Logger,
	opts ...RouterOption,
) *Router {
	rt := &Router{
		writingHandler: writingHandler,
		storyHandler:   storyHandler,
		eventsHandler:  eventsHandler,
		healthHandler:  healthHandler,
		tokens:         tokens,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Setup configures and returns the chi router
func (rt *Router) Setup() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RecoveryMiddleware(rt.logger))
	r.Use(middleware.LoggingMiddleware(rt.logger))
	r.Use(middleware.CORSMiddleware(rt.corsOrigins))

	// Health endpoints (no auth required)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", rt.healthHandler.Health)
		r.Get("/ready", rt.healthHandler.Ready)
		r.Get("/live", rt.healthHandler.Live)
	})
	r.Handle("/metrics", promhttp.Handler())

	if rt.uploadDir != "" {
		r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(rt.uploadDir))))
	}

	r.Route("/api/v1/stories", func(r chi.Router) {
		// The event stream is hijacked, so it sits outside the compressor.
		r.With(middleware.OptionalAuthMiddleware(rt.tokens)).Get("/{id}/events", rt.eventsHandler.Subscribe)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Compress(5))

			r.Get("/", rt.storyHandler.ListStories)
			r.Get("/{id}", rt.storyHandler.GetStory)
			r.Get("/{id}/epilogues", rt.storyHandler.ListEpilogues)

			// Protected routes
			r.Group(func(r chi.Router) {
				r.Use(middleware.AuthMiddleware(rt.tokens))

				r.Post("/", rt.storyHandler.CreateStory)
				r.Put("/{id}/cover", rt.storyHandler.SetCover)
				r.Post("/{id}/epilogues", rt.storyHandler.AddEpilogue)

				r.Post("/{id}/lock", rt.writingHandler.AcquireLock)
				r.Delete("/{id}/lock", rt.writingHandler.ReleaseLock)
				r.Post("/{id}/turns", rt.writingHandler.SubmitTurn)
				r.Post("/{id}/complete", rt.writingHandler.CompleteStory)
			})
		})
	})

	return r
}
