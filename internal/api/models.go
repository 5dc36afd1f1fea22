package api

import "github.com/backlinehq/syncd/internal/store"

// SyncRequest is the body of POST /workspaces/:id/sync.
type SyncRequest struct {
	Kind string `json:"kind"` // "full" or "incremental"; empty = incremental
}

// SyncAccepted is returned when an operation has been queued.
type SyncAccepted struct {
	Operation *store.Operation `json:"operation"`
}

// OperationDetail is one operation with its per-file records.
type OperationDetail struct {
	Operation *store.Operation `json:"operation"`
	Items     []*store.Item    `json:"items"`
}

// OperationList is a page of recent operations, newest first.
type OperationList struct {
	Operations []*store.Operation `json:"operations"`
	Count      int                `json:"count"`
}

// FileList is a workspace's current file snapshot.
type FileList struct {
	Files []*store.FileRecord `json:"files"`
	Count int                 `json:"count"`
}

// WatchDetail describes a workspace's push channel.
type WatchDetail struct {
	Watch *store.Watch `json:"watch"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
