package domain

import (
	"encoding/json"
	"time"
)

// EventType identifies a domain event. The vocabulary is closed: anything
// outside the set below is rejected before it can reach a subscriber.
type EventType string

// VocabularyVersion changes whenever event types are added or retired.
const VocabularyVersion = "2025-07"

const (
	// Content lifecycle
	EventContentCreated   EventType = "content.created"
	EventContentUpdated   EventType = "content.updated"
	EventContentDeleted   EventType = "content.deleted"
	EventContentPublished EventType = "content.published"

	// Post lifecycle
	EventPostScheduled EventType = "post.scheduled"
	EventPostPublished EventType = "post.published"
	EventPostFailed    EventType = "post.failed"
	EventPostCancelled EventType = "post.cancelled"

	// Approval lifecycle
	EventApprovalRequested EventType = "approval.requested"
	EventApprovalCompleted EventType = "approval.completed"
	EventApprovalRejected  EventType = "approval.rejected"

	// Library / recycling
	EventLibraryItemAdded    EventType = "library.item_added"
	EventLibraryItemRecycled EventType = "library.item_recycled"

	// Performance milestones
	EventPerformanceMilestone EventType = "performance.milestone"

	// Integrations
	EventIntegrationConnected    EventType = "integration.connected"
	EventIntegrationSyncComplete EventType = "integration.sync_completed"
	EventIntegrationSyncFailed   EventType = "integration.sync_failed"

	// Users and workspaces
	EventUserJoined       EventType = "user.joined"
	EventUserRemoved      EventType = "user.removed"
	EventWorkspaceUpdated EventType = "workspace.updated"

	// Test deliveries triggered from the management API.
	EventTestPing EventType = "test.ping"
)

var eventTypes = map[EventType]struct{}{
	EventContentCreated:          {},
	EventContentUpdated:          {},
	EventContentDeleted:          {},
	EventContentPublished:        {},
	EventPostScheduled:           {},
	EventPostPublished:           {},
	EventPostFailed:              {},
	EventPostCancelled:           {},
	EventApprovalRequested:       {},
	EventApprovalCompleted:       {},
	EventApprovalRejected:        {},
	EventLibraryItemAdded:        {},
	EventLibraryItemRecycled:     {},
	EventPerformanceMilestone:    {},
	EventIntegrationConnected:    {},
	EventIntegrationSyncComplete: {},
	EventIntegrationSyncFailed:   {},
	EventUserJoined:              {},
	EventUserRemoved:             {},
	EventWorkspaceUpdated:        {},
	EventTestPing:                {},
}

// Valid reports whether t belongs to the closed vocabulary.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

func (t EventType) String() string { return string(t) }

// Event is a typed, timestamped fact about a tenant-scoped occurrence.
// Events are transient: they exist on the wire and in delivery jobs but are
// never persisted as standalone records.
type Event struct {
	TenantID  string          `json:"tenant_id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ChangeOperation is the kind of database change an inbound notification
// describes.
type ChangeOperation string

const (
	OpInsert ChangeOperation = "INSERT"
	OpUpdate ChangeOperation = "UPDATE"
	OpDelete ChangeOperation = "DELETE"
)

// Valid reports whether op is one of the three recognized operations.
func (op ChangeOperation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}
