package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Droze-svj/click-platform-sub007/internal/domain"
	"github.com/Droze-svj/click-platform-sub007/internal/engine"
)

type EventHandler struct {
	fanout *engine.FanOutEngine
}

func NewEventHandler(f *engine.FanOutEngine) *EventHandler {
	return &EventHandler{fanout: f}
}

type emitEventRequest struct {
	EventType domain.EventType `json:"event_type"`
	Payload   json.RawMessage  `json:"payload"`
}

type emitEventResponse struct {
	EventType        domain.EventType `json:"event_type"`
	DeliveriesQueued int              `json:"deliveries_queued"`
}

// Emit accepts an internal domain event and fans it out. Events are
// transient; the audit log keeps the per-delivery payload snapshots.
func (h *EventHandler) Emit(w http.ResponseWriter, r *http.Request) {
	var req emitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.EventType == "" {
		respondError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	if len(req.Payload) == 0 {
		respondError(w, http.StatusBadRequest, "payload is required")
		return
	}
	if !json.Valid(req.Payload) {
		respondError(w, http.StatusBadRequest, "payload must be valid JSON")
		return
	}

	queued, err := h.fanout.Emit(r.Context(), domain.Event{
		TenantID: tenantID(r),
		Type:     req.EventType,
		Payload:  req.Payload,
	})
	if err != nil {
		if errors.Is(err, engine.ErrUnknownEventType) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to distribute event")
		return
	}

	respondJSON(w, http.StatusAccepted, emitEventResponse{
		EventType:        req.EventType,
		DeliveriesQueued: queued,
	})
}
