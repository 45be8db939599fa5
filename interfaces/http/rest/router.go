// Package rest wires the HTTP surface of the memory engine.
package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"engram/interfaces/http/rest/handlers"
	"engram/interfaces/http/rest/middleware"
)

// Router creates and configures the HTTP router.
type Router struct {
	memories    *handlers.MemoryHandler
	blocks      *handlers.BlockHandler
	maintenance *handlers.MaintenanceHandler
	registry    *prometheus.Registry
	observer    http.Handler
	logger      *zap.Logger
}

// MountObserver attaches the websocket relay at /ws. Call before Setup.
func (rt *Router) MountObserver(h http.Handler) {
	rt.observer = h
}

// NewRouter creates a new router instance. registry may be nil to skip
// the metrics endpoint.
func NewRouter(
	memories *handlers.MemoryHandler,
	blocks *handlers.BlockHandler,
	maintenance *handlers.MaintenanceHandler,
	registry *prometheus.Registry,
	logger *zap.Logger,
) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		memories:    memories,
		blocks:      blocks,
		maintenance: maintenance,
		registry:    registry,
		logger:      logger,
	}
}

// Setup configures all routes and middleware.
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.Logger(rt.logger))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)
	if rt.registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	}
	if rt.observer != nil {
		router.Handle("/ws", rt.observer)
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Route("/memories", func(r chi.Router) {
			r.Post("/", rt.memories.Store)
		})
		r.Post("/recall", rt.memories.Recall)
		r.Post("/feedback", rt.memories.Feedback)
		r.Post("/lessons", rt.memories.Lessons)
		r.Get("/preferences/{userID}", rt.memories.Preferences)

		r.Route("/blocks", func(r chi.Router) {
			r.Get("/", rt.blocks.List)
			r.Put("/{name}", rt.blocks.Upsert)
			r.Get("/{name}", rt.blocks.Get)
			r.Delete("/{name}", rt.blocks.Delete)
		})

		r.Route("/maintenance", func(r chi.Router) {
			r.Post("/consolidate", rt.maintenance.Consolidate)
			r.Post("/dream", rt.maintenance.Dream)
			r.Post("/mine", rt.maintenance.Mine)
		})
		r.Get("/stats", rt.maintenance.Stats)
	})

	return router
}

func (rt *Router) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

func (rt *Router) readinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}
