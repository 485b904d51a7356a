package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Droze-svj/click-platform-sub007/internal/domain"
	"github.com/Droze-svj/click-platform-sub007/internal/engine"
	"github.com/Droze-svj/click-platform-sub007/internal/health"
	"github.com/Droze-svj/click-platform-sub007/internal/pipeline"
	"github.com/Droze-svj/click-platform-sub007/internal/store"
)

type SubscriptionHandler struct {
	store      *store.PostgresStore
	queue      *engine.Queue
	health     *health.Service
	transforms *pipeline.TransformRegistry
}

func NewSubscriptionHandler(s *store.PostgresStore, queue *engine.Queue, healthSvc *health.Service, transforms *pipeline.TransformRegistry) *SubscriptionHandler {
	return &SubscriptionHandler{store: s, queue: queue, health: healthSvc, transforms: transforms}
}

func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.EndpointURL == "" {
		respondError(w, http.StatusBadRequest, "endpoint_url is required")
		return
	}
	if len(req.Events) == 0 {
		respondError(w, http.StatusBadRequest, "at least one event type is required")
		return
	}
	for _, et := range req.Events {
		if !et.Valid() {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown event type %q", et))
			return
		}
	}
	if req.Transform != "" {
		if _, ok := h.transforms.Get(req.Transform); !ok {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown transform %q", req.Transform))
			return
		}
	}

	sub, err := h.store.CreateSubscription(r.Context(), tenantID(r), req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}

	respondJSON(w, http.StatusCreated, domain.CreateSubscriptionResponse{
		ID:          sub.ID,
		EndpointURL: sub.EndpointURL,
		Secret:      sub.Secret,
		Events:      sub.Events,
		Status:      sub.Status,
	})
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ListSubscriptions(r.Context(), tenantID(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	respondJSON(w, http.StatusOK, subs)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.store.GetSubscription(r.Context(), tenantID(r), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req domain.UpdateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, et := range req.Events {
		if !et.Valid() {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown event type %q", et))
			return
		}
	}
	if req.Transform != nil && *req.Transform != "" {
		if _, ok := h.transforms.Get(*req.Transform); !ok {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown transform %q", *req.Transform))
			return
		}
	}

	sub, err := h.store.UpdateSubscription(r.Context(), tenantID(r), id, req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.DeleteSubscription(r.Context(), tenantID(r), id); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *SubscriptionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, domain.StatusPaused)
}

// Resume reactivates a paused or auto-failed subscription. The rolling
// failure window starts fresh from whatever the counters already say.
func (h *SubscriptionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, domain.StatusActive)
}

func (h *SubscriptionHandler) setStatus(w http.ResponseWriter, r *http.Request, status domain.SubscriptionStatus) {
	id := chi.URLParam(r, "id")

	if err := h.store.SetSubscriptionStatus(r.Context(), tenantID(r), id, status); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update subscription status")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"id": id, "status": status})
}

// Test queues a one-shot test.ping delivery against the subscription's
// endpoint.
func (h *SubscriptionHandler) Test(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.store.GetSubscriptionWithSecret(r.Context(), tenantID(r), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	job := pipeline.NewTestJob(sub)
	if err := h.queue.Enqueue(r.Context(), job); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to queue test delivery")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"subscription_id": sub.ID,
		"event_id":        job.Events[0].EventID,
		"status":          "queued",
	})
}

// Deliveries lists the subscription's audit rows, newest first.
func (h *SubscriptionHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.store.GetSubscription(r.Context(), tenantID(r), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	attempts, err := h.store.ListAttempts(r.Context(), id, r.URL.Query().Get("event_id"), r.URL.Query().Get("status"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}

	respondJSON(w, http.StatusOK, attempts)
}

func (h *SubscriptionHandler) Health(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	report, err := h.health.Health(r.Context(), tenantID(r), id)
	if err != nil {
		if errors.Is(err, health.ErrNotFound) {
			respondError(w, http.StatusNotFound, "subscription not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to compute health")
		return
	}

	respondJSON(w, http.StatusOK, report)
}

func (h *SubscriptionHandler) Replay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		AttemptID string `json:"attempt_id,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	result, err := h.health.Replay(r.Context(), tenantID(r), id, req.AttemptID)
	if err != nil {
		if errors.Is(err, health.ErrNotFound) {
			respondError(w, http.StatusNotFound, "subscription or attempt not found")
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, result)
}
