package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Droze-svj/click-platform-sub007/internal/domain"
	"github.com/Droze-svj/click-platform-sub007/internal/engine"
	"github.com/Droze-svj/click-platform-sub007/internal/health"
	"github.com/Droze-svj/click-platform-sub007/internal/pipeline"
	"github.com/Droze-svj/click-platform-sub007/internal/receiver"
	"github.com/Droze-svj/click-platform-sub007/internal/store"
	"github.com/Droze-svj/click-platform-sub007/internal/stream"
)

// Deps collects everything the router wires together.
type Deps struct {
	Store      *store.PostgresStore
	Fanout     *engine.FanOutEngine
	Queue      *engine.Queue
	Batcher    *engine.Batcher
	Health     *health.Service
	Transforms *pipeline.TransformRegistry
	Receiver   *receiver.Receiver
	Sessions   *stream.Manager
}

// NewRouter creates and configures the HTTP router.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(corsMiddleware)

	// Handlers
	subHandler := NewSubscriptionHandler(deps.Store, deps.Queue, deps.Health, deps.Transforms)
	eventHandler := NewEventHandler(deps.Fanout)
	deliveryHandler := NewDeliveryHandler(deps.Store)
	metricsHandler := NewMetricsHandler(deps.Queue, deps.Batcher, deps.Sessions)
	streamHandler := stream.NewHandler(deps.Sessions)

	// Inbound change notifications: raw-body, signature-verified.
	r.Post("/webhooks/inbound", deps.Receiver.HandleInbound)

	// Live sessions
	r.Get("/ws", streamHandler.ServeWebSocket)
	r.Get("/stream", streamHandler.ServeStream)

	// Management API
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", ServiceHealthHandler())
		r.Get("/metrics", metricsHandler.Metrics)

		r.Group(func(r chi.Router) {
			r.Use(requireTenant)

			r.Route("/subscriptions", func(r chi.Router) {
				r.Post("/", subHandler.Create)
				r.Get("/", subHandler.List)
				r.Get("/{id}", subHandler.Get)
				r.Patch("/{id}", subHandler.Update)
				r.Delete("/{id}", subHandler.Delete)
				r.Post("/{id}/pause", subHandler.Pause)
				r.Post("/{id}/resume", subHandler.Resume)
				r.Post("/{id}/test", subHandler.Test)
				r.Post("/{id}/replay", subHandler.Replay)
				r.Get("/{id}/health", subHandler.Health)
				r.Get("/{id}/deliveries", subHandler.Deliveries)
			})

			r.Post("/events", eventHandler.Emit)

			r.Route("/deliveries", func(r chi.Router) {
				r.Get("/", deliveryHandler.List)
				r.Get("/{id}", deliveryHandler.Get)
			})
		})
	})

	return r
}

// ServiceHealthHandler answers process liveness checks. The response
// advertises the event vocabulary revision so consumers can detect when
// new event types become available.
func ServiceHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{
			"status":             "healthy",
			"version":            "1.0.0",
			"vocabulary_version": domain.VocabularyVersion,
		})
	}
}
