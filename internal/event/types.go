// Package event is the in-process publish/subscribe hub that decouples the
// sync engine from downstream consumers.
//
// Event kinds form a closed set with typed payloads, so subscribers
// type-switch on the payload instead of probing loose maps.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies an event variant.
type Kind string

const (
	KindOperationCompleted Kind = "operation_completed"
	KindOperationFailed    Kind = "operation_failed"
	KindFileCreated        Kind = "file_created"
	KindFileUpdated        Kind = "file_updated"
	KindFileDeleted        Kind = "file_deleted"
	KindSyncFallback       Kind = "sync_fallback"
	KindWatchRenewed       Kind = "watch_renewed"
)

// Source identifiers for well-known publishers.
const (
	SourceSyncEngine = "sync_engine"
	SourceWatcher    = "watcher"
)

// Payload is implemented by every event payload variant. The Event.Kind tag
// names the variant; subscribers type-switch on the concrete payload.
type Payload interface {
	isEventPayload()
}

// Event is one published notification.
type Event struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Source      string    `json:"source"`
	WorkspaceID string    `json:"workspace_id"`
	Payload     Payload   `json:"payload"`
	Timestamp   time.Time `json:"timestamp"`
}

// OperationSummary is the payload for operation_completed / operation_failed.
type OperationSummary struct {
	OperationID    string        `json:"operation_id"`
	WorkspaceID    string        `json:"workspace_id"`
	SyncKind       string        `json:"sync_kind"` // "full" or "incremental"
	ItemsProcessed int           `json:"items_processed"`
	ItemsFailed    int           `json:"items_failed"`
	Duration       time.Duration `json:"duration_ms"`
	Error          string        `json:"error,omitempty"`
}

func (OperationSummary) isEventPayload() {}

// FileChange is the payload for file_created / file_updated / file_deleted.
type FileChange struct {
	ResourceID  string `json:"resource_id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
}

func (FileChange) isEventPayload() {}

// FallbackNotice is the payload for sync_fallback: an expired change token
// forced an automatic full sync.
type FallbackNotice struct {
	WorkspaceID string `json:"workspace_id"`
	OperationID string `json:"operation_id"`
	Reason      string `json:"reason"`
}

func (FallbackNotice) isEventPayload() {}

// WatchRenewal is the payload for watch_renewed.
type WatchRenewal struct {
	ResourceID string    `json:"resource_id"`
	ChannelID  string    `json:"channel_id"`
	Expiry     time.Time `json:"expiry"`
}

func (WatchRenewal) isEventPayload() {}

// New constructs an Event with a generated ID and current timestamp.
func New(kind Kind, source, workspaceID string, payload Payload) Event {
	return Event{
		ID:          "evt_" + uuid.NewString(),
		Kind:        kind,
		Source:      source,
		WorkspaceID: workspaceID,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
}
