package stream

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Droze-svj/click-platform-sub007/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// Handler exposes the live session endpoints. Both read the subscribed
// event types from the `events` query parameter (comma-separated, `*` for
// all) and the payload filter from `filters` (a JSON object of key/value
// equality checks).
type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// ServeStream holds the response open and writes newline-delimited JSON
// events until the client disconnects.
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get("X-Tenant-ID")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID header is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	types, filters, err := parseSessionParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid filters parameter")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	session, err := h.manager.Open(tenantID, types, filters, newNDJSONConn(w, flusher))
	if err != nil {
		return
	}
	defer h.manager.Close(session)

	<-r.Context().Done()
}

// ServeWebSocket upgrades the connection and registers it as a live
// session. The read loop only watches for the client going away.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get("X-Tenant-ID")
	if tenantID == "" {
		tenantID = r.URL.Query().Get("tenant")
	}
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}

	types, filters, err := parseSessionParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid filters parameter")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	session, err := h.manager.Open(tenantID, types, filters, newWSConn(conn))
	if err != nil {
		conn.Close()
		return
	}

	go h.readLoop(conn, session)
}

func (h *Handler) readLoop(conn *websocket.Conn, session *Session) {
	defer h.manager.Close(session)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func parseSessionParams(r *http.Request) ([]domain.EventType, map[string]string, error) {
	var types []domain.EventType
	if raw := r.URL.Query().Get("events"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, domain.EventType(t))
			}
		}
	}

	var filters map[string]string
	if raw := r.URL.Query().Get("filters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filters); err != nil {
			return nil, nil, err
		}
	}

	return types, filters, nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
