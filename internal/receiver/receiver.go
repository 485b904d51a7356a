// Package receiver ingests externally-originated change notifications and
// re-emits them as domain events. The caller is answered immediately after
// validation; processing happens asynchronously.
package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Droze-svj/click-platform-sub007/internal/domain"
	"github.com/Droze-svj/click-platform-sub007/internal/engine"
	"github.com/Droze-svj/click-platform-sub007/internal/filter"
	"github.com/Droze-svj/click-platform-sub007/internal/signature"
)

const (
	// maxBodyBytes caps inbound notification bodies.
	maxBodyBytes = 1 << 20

	// Per-source-address budget, independent of subscription rate limits.
	sourceRateLimit  = 100
	sourceRateWindow = time.Minute

	// defaultRetryDelay is the single bounded retry for transient handler
	// failures.
	defaultRetryDelay = 5 * time.Second
)

// Emitter hands a validated event to the fan-out engine.
type Emitter interface {
	Emit(ctx context.Context, event domain.Event) (int, error)
}

// SourceLimiter meters inbound requests per source address.
type SourceLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) bool
}

// notification is the parsed inbound change payload.
type notification struct {
	Type      domain.ChangeOperation `json:"type"`
	Table     string                 `json:"table"`
	Record    json.RawMessage        `json:"record"`
	OldRecord json.RawMessage        `json:"old_record"`
	Timestamp time.Time              `json:"timestamp"`
}

// errTransient marks handler failures worth one retry.
type errTransient struct{ err error }

func (e errTransient) Error() string { return e.err.Error() }
func (e errTransient) Unwrap() error { return e.err }

// Receiver validates, acknowledges, and asynchronously processes inbound
// change notifications.
type Receiver struct {
	emitter    Emitter
	limiter    SourceLimiter
	policy     *filter.SourcePolicy
	secret     string
	production bool
	retryDelay time.Duration
	logger     *slog.Logger
}

func New(emitter Emitter, limiter SourceLimiter, policy *filter.SourcePolicy, secret string, production bool, logger *slog.Logger) *Receiver {
	return &Receiver{
		emitter:    emitter,
		limiter:    limiter,
		policy:     policy,
		secret:     secret,
		production: production,
		retryDelay: defaultRetryDelay,
		logger:     logger,
	}
}

// HandleInbound is the POST endpoint for external change notifications.
// It reads the raw body so the exact byte sequence can be verified, then
// answers 200 before any processing happens.
func (r *Receiver) HandleInbound(w http.ResponseWriter, req *http.Request) {
	source := sourceAddr(req)
	if !r.limiter.Allow(req.Context(), engine.SourceRateKey(source), sourceRateLimit, sourceRateWindow) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	if !r.verifySignature(req, body) {
		r.logger.Warn("inbound notification rejected: invalid signature", "source", source)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	var note notification
	if err := json.Unmarshal(body, &note); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if !note.Type.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown operation %q", note.Type)})
		return
	}
	if note.Table == "" || (len(note.Record) == 0 && len(note.OldRecord) == 0) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing table or record"})
		return
	}

	// Acknowledge now; the sender's retry loop must not couple to our
	// processing latency.
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "processing": "async"})

	go r.process(context.WithoutCancel(req.Context()), note, false)
}

// verifySignature checks the body against each accepted header variant.
// With no secret configured, production refuses to run open; elsewhere the
// notification is trusted.
func (r *Receiver) verifySignature(req *http.Request, body []byte) bool {
	if r.secret == "" {
		return !r.production
	}

	for _, header := range signature.HeaderVariants {
		if sig := req.Header.Get(header); sig != "" {
			return signature.Verify(body, sig, r.secret)
		}
	}

	// No signature present at all.
	return !r.production
}

// process filters, maps, and re-emits the notification. A transient
// handler failure gets exactly one retry after a fixed delay.
func (r *Receiver) process(ctx context.Context, note notification, isRetry bool) {
	if !r.policy.Allow(note.Table, note.Type) {
		r.logger.Info("inbound notification filtered by source policy",
			"table", note.Table, "operation", string(note.Type))
		return
	}

	err := r.handle(ctx, note)
	if err == nil {
		return
	}

	var transient errTransient
	if errors.As(err, &transient) && !isRetry {
		r.logger.Warn("transient inbound handler failure, retrying once",
			"table", note.Table, "operation", string(note.Type), "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(r.retryDelay):
			r.process(ctx, note, true)
		}
		return
	}

	r.logger.Error("inbound notification dropped",
		"table", note.Table, "operation", string(note.Type), "retried", isRetry, "error", err)
}

// handle maps the table/operation pair onto a domain event and emits it.
func (r *Receiver) handle(ctx context.Context, note notification) error {
	eventType, ok := mapEvent(note.Table, note.Type)
	if !ok {
		r.logger.Info("no handler for inbound table, ignoring",
			"table", note.Table, "operation", string(note.Type))
		return nil
	}

	record := note.Record
	if len(record) == 0 {
		record = note.OldRecord
	}

	tenantID, err := extractTenant(record)
	if err != nil {
		// Unattributable events cannot be fanned out. Not retryable.
		return fmt.Errorf("extracting tenant from %s record: %w", note.Table, err)
	}

	ts := note.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err = r.emitter.Emit(ctx, domain.Event{
		TenantID:  tenantID,
		Type:      eventType,
		Payload:   record,
		Timestamp: ts,
	})
	if err != nil {
		if errors.Is(err, engine.ErrUnknownEventType) {
			return err
		}
		// Resolution and queueing failures are infrastructure hiccups.
		return errTransient{fmt.Errorf("emitting %s: %w", eventType, err)}
	}
	return nil
}

// mapEvent translates a watched table and change operation into a domain
// event type. Tables outside the map are ignored, not errors.
func mapEvent(table string, op domain.ChangeOperation) (domain.EventType, bool) {
	switch strings.ToLower(table) {
	case "content":
		switch op {
		case domain.OpInsert:
			return domain.EventContentCreated, true
		case domain.OpUpdate:
			return domain.EventContentUpdated, true
		case domain.OpDelete:
			return domain.EventContentDeleted, true
		}
	case "scheduled_posts":
		switch op {
		case domain.OpInsert:
			return domain.EventPostScheduled, true
		case domain.OpUpdate:
			return domain.EventPostPublished, true
		case domain.OpDelete:
			return domain.EventPostCancelled, true
		}
	case "approvals":
		switch op {
		case domain.OpInsert:
			return domain.EventApprovalRequested, true
		case domain.OpUpdate:
			return domain.EventApprovalCompleted, true
		}
	case "library_items":
		switch op {
		case domain.OpInsert:
			return domain.EventLibraryItemAdded, true
		case domain.OpUpdate:
			return domain.EventLibraryItemRecycled, true
		}
	}
	return "", false
}

// extractTenant pulls the owning workspace out of the changed record.
func extractTenant(record json.RawMessage) (string, error) {
	var fields struct {
		WorkspaceID string `json:"workspace_id"`
		TenantID    string `json:"tenant_id"`
	}
	if err := json.Unmarshal(record, &fields); err != nil {
		return "", fmt.Errorf("decoding record: %w", err)
	}
	if fields.WorkspaceID != "" {
		return fields.WorkspaceID, nil
	}
	if fields.TenantID != "" {
		return fields.TenantID, nil
	}
	return "", fmt.Errorf("record has no workspace_id or tenant_id")
}

func sourceAddr(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
