package api

import (
	"net/http"

	"github.com/Droze-svj/click-platform-sub007/internal/engine"
	"github.com/Droze-svj/click-platform-sub007/internal/stream"
)

type MetricsHandler struct {
	queue    *engine.Queue
	batcher  *engine.Batcher
	sessions *stream.Manager
}

func NewMetricsHandler(queue *engine.Queue, batcher *engine.Batcher, sessions *stream.Manager) *MetricsHandler {
	return &MetricsHandler{queue: queue, batcher: batcher, sessions: sessions}
}

type metricsResponse struct {
	QueueDepth     int64 `json:"queue_depth"`
	PendingBatches int   `json:"pending_batches"`
	LiveSessions   int   `json:"live_sessions"`
}

// Metrics reports engine-level gauges for the operations dashboard.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	depth, err := h.queue.Depth(r.Context())
	if err != nil {
		depth = 0
	}

	respondJSON(w, http.StatusOK, metricsResponse{
		QueueDepth:     depth,
		PendingBatches: h.batcher.PendingCount(),
		LiveSessions:   h.sessions.Count(),
	})
}
