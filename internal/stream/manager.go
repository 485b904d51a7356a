// Package stream pushes events to live sessions: dashboard websockets and
// newline-delimited HTTP streams. The session registry is process-local;
// sessions only see events emitted by the process they are attached to.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Droze-svj/click-platform-sub007/internal/domain"
)

const defaultPingInterval = 30 * time.Second

// Wildcard subscribes a session to every event type.
const Wildcard = "*"

// Conn is one live session's transport. Both the websocket and the
// newline-delimited stream endpoints satisfy it.
type Conn interface {
	Send(msg []byte) error
	Ping() error
	Close() error
}

// Session is one open live connection scoped to a tenant.
type Session struct {
	ID       string
	TenantID string
	types    map[domain.EventType]struct{} // empty means wildcard
	filters  map[string]string
	conn     Conn
}

// wants reports whether the session's type set covers eventType.
func (s *Session) wants(eventType domain.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// matches applies the session's key/value equality filter to the payload.
// An unparseable payload fails every non-empty filter.
func (s *Session) matches(payload json.RawMessage) bool {
	if len(s.filters) == 0 {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return false
	}
	for k, want := range s.filters {
		v, ok := fields[k]
		if !ok || fmt.Sprintf("%v", v) != want {
			return false
		}
	}
	return true
}

// Manager is the tenant-keyed live session registry.
type Manager struct {
	mu           sync.RWMutex
	sessions     map[string]map[string]*Session
	pingInterval time.Duration
	logger       *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		sessions:     make(map[string]map[string]*Session),
		pingInterval: defaultPingInterval,
		logger:       logger,
	}
}

// Open registers a session and sends the connected acknowledgement. A type
// list containing the wildcard (or an empty list) subscribes to all types.
func (m *Manager) Open(tenantID string, types []domain.EventType, filters map[string]string, conn Conn) (*Session, error) {
	typeSet := make(map[domain.EventType]struct{}, len(types))
	for _, t := range types {
		if string(t) == Wildcard {
			typeSet = nil
			break
		}
		typeSet[t] = struct{}{}
	}

	s := &Session{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		types:    typeSet,
		filters:  filters,
		conn:     conn,
	}

	ack, _ := json.Marshal(map[string]string{
		"type":       "connected",
		"session_id": s.ID,
	})
	if err := conn.Send(ack); err != nil {
		return nil, fmt.Errorf("sending connected ack: %w", err)
	}

	m.mu.Lock()
	if m.sessions[tenantID] == nil {
		m.sessions[tenantID] = make(map[string]*Session)
	}
	m.sessions[tenantID][s.ID] = s
	m.mu.Unlock()

	m.logger.Debug("live session opened", "tenant_id", tenantID, "session_id", s.ID)
	return s, nil
}

// Close deregisters the session and closes its connection.
func (m *Manager) Close(s *Session) {
	m.mu.Lock()
	if tenant, ok := m.sessions[s.TenantID]; ok {
		delete(tenant, s.ID)
		if len(tenant) == 0 {
			delete(m.sessions, s.TenantID)
		}
	}
	m.mu.Unlock()
	s.conn.Close()
}

// Publish pushes the event to every matching open session for the tenant.
// A failed write deregisters the session; the remote end is assumed gone.
func (m *Manager) Publish(tenantID string, eventType domain.EventType, payload json.RawMessage) {
	m.mu.RLock()
	var targets []*Session
	for _, s := range m.sessions[tenantID] {
		if s.wants(eventType) && s.matches(payload) {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	msg, err := json.Marshal(map[string]any{
		"type":      "event",
		"event":     eventType,
		"timestamp": time.Now().UTC(),
		"data":      payload,
	})
	if err != nil {
		m.logger.Error("failed to marshal stream event", "error", err)
		return
	}

	for _, s := range targets {
		if err := s.conn.Send(msg); err != nil {
			m.logger.Debug("live session write failed, deregistering",
				"tenant_id", tenantID, "session_id", s.ID)
			m.Close(s)
		}
	}
}

// Run pings every open session on a fixed interval until the context ends.
// A session that cannot be pinged is deregistered.
func (m *Manager) Run(done <-chan struct{}) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.pingAll()
		}
	}
}

func (m *Manager) pingAll() {
	m.mu.RLock()
	var all []*Session
	for _, tenant := range m.sessions {
		for _, s := range tenant {
			all = append(all, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range all {
		if err := s.conn.Ping(); err != nil {
			m.logger.Debug("live session ping failed, deregistering",
				"tenant_id", s.TenantID, "session_id", s.ID)
			m.Close(s)
		}
	}
}

// Count returns the number of open sessions across all tenants.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, tenant := range m.sessions {
		n += len(tenant)
	}
	return n
}
