package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	serrors "github.com/backlinehq/syncd/internal/errors"
)

// Operation kinds.
const (
	KindFull        = "full"
	KindIncremental = "incremental"
)

// Operation statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Item actions and outcomes.
const (
	ActionCreated   = "created"
	ActionUpdated   = "updated"
	ActionDeleted   = "deleted"
	ActionUnchanged = "unchanged"

	OutcomeOK      = "ok"
	OutcomeRetried = "retried"
	OutcomeFailed  = "failed"
)

// Operation is one recorded sync attempt for a workspace.
type Operation struct {
	ID             string `json:"id"`
	WorkspaceID    string `json:"workspace_id"`
	Kind           string `json:"kind"`
	Status         string `json:"status"`
	ItemsProcessed int    `json:"items_processed"`
	ItemsFailed    int    `json:"items_failed"`
	Error          string `json:"error,omitempty"`
	StartedAt      int64  `json:"started_at,omitempty"`  // unix ms, 0 = not started
	FinishedAt     int64  `json:"finished_at,omitempty"` // unix ms, 0 = not finished
	CreatedAt      int64  `json:"created_at"`
}

// Item is one file or folder touched during an operation.
type Item struct {
	OperationID string `json:"operation_id"`
	RemoteID    string `json:"remote_id"`
	Action      string `json:"action"`
	Outcome     string `json:"outcome"`
	Attempts    int    `json:"attempts"`
	Error       string `json:"error,omitempty"`
	RecordedAt  int64  `json:"recorded_at"`
}

// FileRecord is the last-known state of one remote file, used by full sync to
// compute create/update/delete actions.
type FileRecord struct {
	WorkspaceID  string
	RemoteID     string
	Name         string
	MimeType     string
	ModifiedTime int64 // unix ms
	MD5          string
}

// SaveOperation inserts or updates an operation row.
func (s *Store) SaveOperation(op *Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if op.CreatedAt == 0 {
		op.CreatedAt = time.Now().UnixMilli()
	}

	query := `
	INSERT OR REPLACE INTO sync_operations (
		id, workspace_id, kind, status, items_processed, items_failed,
		error, started_at, finished_at, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		op.ID, op.WorkspaceID, op.Kind, op.Status,
		op.ItemsProcessed, op.ItemsFailed,
		sql.NullString{String: op.Error, Valid: op.Error != ""},
		sql.NullInt64{Int64: op.StartedAt, Valid: op.StartedAt != 0},
		sql.NullInt64{Int64: op.FinishedAt, Valid: op.FinishedAt != 0},
		op.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save operation: %w", err)
	}
	return nil
}

// GetOperation retrieves an operation by ID.
func (s *Store) GetOperation(id string) (*Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op := &Operation{}
	var errMsg sql.NullString
	var startedAt, finishedAt sql.NullInt64

	query := `
	SELECT id, workspace_id, kind, status, items_processed, items_failed,
	       error, started_at, finished_at, created_at
	FROM sync_operations WHERE id = ?
	`

	err := s.db.QueryRow(query, id).Scan(
		&op.ID, &op.WorkspaceID, &op.Kind, &op.Status,
		&op.ItemsProcessed, &op.ItemsFailed,
		&errMsg, &startedAt, &finishedAt, &op.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, serrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}

	op.Error = errMsg.String
	op.StartedAt = startedAt.Int64
	op.FinishedAt = finishedAt.Int64
	return op, nil
}

// ListOperations returns a workspace's operations, newest first.
func (s *Store) ListOperations(workspaceID string, limit int) ([]*Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	query := `
	SELECT id, workspace_id, kind, status, items_processed, items_failed,
	       error, started_at, finished_at, created_at
	FROM sync_operations
	WHERE workspace_id = ?
	ORDER BY created_at DESC
	LIMIT ?
	`

	rows, err := s.db.Query(query, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op := &Operation{}
		var errMsg sql.NullString
		var startedAt, finishedAt sql.NullInt64
		if err := rows.Scan(
			&op.ID, &op.WorkspaceID, &op.Kind, &op.Status,
			&op.ItemsProcessed, &op.ItemsFailed,
			&errMsg, &startedAt, &finishedAt, &op.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Error = errMsg.String
		op.StartedAt = startedAt.Int64
		op.FinishedAt = finishedAt.Int64
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// SaveItem records one item outcome within an operation.
func (s *Store) SaveItem(item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveItemLocked(s.db, item)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) saveItemLocked(db execer, item *Item) error {
	if item.RecordedAt == 0 {
		item.RecordedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
	INSERT OR REPLACE INTO sync_items (operation_id, remote_id, action, outcome, attempts, error, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.OperationID, item.RemoteID, item.Action, item.Outcome, item.Attempts, item.Error, item.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

// ItemsForOperation returns all recorded items of an operation.
func (s *Store) ItemsForOperation(operationID string) ([]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
	SELECT operation_id, remote_id, action, outcome, attempts, error, recorded_at
	FROM sync_items WHERE operation_id = ? ORDER BY recorded_at`,
		operationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it := &Item{}
		if err := rows.Scan(&it.OperationID, &it.RemoteID, &it.Action, &it.Outcome, &it.Attempts, &it.Error, &it.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// KnownFiles returns the last-known file snapshot for a workspace.
func (s *Store) KnownFiles(workspaceID string) (map[string]*FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
	SELECT workspace_id, remote_id, name, mime_type, modified_time, md5
	FROM known_files WHERE workspace_id = ?`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list known files: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*FileRecord)
	for rows.Next() {
		fr := &FileRecord{}
		if err := rows.Scan(&fr.WorkspaceID, &fr.RemoteID, &fr.Name, &fr.MimeType, &fr.ModifiedTime, &fr.MD5); err != nil {
			return nil, fmt.Errorf("failed to scan known file: %w", err)
		}
		out[fr.RemoteID] = fr
	}
	return out, rows.Err()
}

// ChangeBatch is one durably-recorded slice of sync work: item outcomes, the
// resulting snapshot mutations, and the change-token advance that covers
// them. Applied atomically so the token never moves past unrecorded items.
type ChangeBatch struct {
	Items       []*Item
	Upserts     []*FileRecord
	Deletes     []string // remote ids removed from the snapshot
	WorkspaceID string
	WatchedID   string // watched resource whose token advances; empty = no advance
	NewToken    string
}

// ApplyChangeBatch records a batch in a single transaction.
func (s *Store) ApplyChangeBatch(ctx context.Context, batch *ChangeBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	defer tx.Rollback()

	for _, item := range batch.Items {
		if err := s.saveItemLocked(tx, item); err != nil {
			return err
		}
	}
	for _, fr := range batch.Upserts {
		if _, err := tx.Exec(`
		INSERT OR REPLACE INTO known_files (workspace_id, remote_id, name, mime_type, modified_time, md5)
		VALUES (?, ?, ?, ?, ?, ?)`,
			fr.WorkspaceID, fr.RemoteID, fr.Name, fr.MimeType, fr.ModifiedTime, fr.MD5,
		); err != nil {
			return fmt.Errorf("failed to upsert known file: %w", err)
		}
	}
	for _, remoteID := range batch.Deletes {
		if _, err := tx.Exec(
			`DELETE FROM known_files WHERE workspace_id = ? AND remote_id = ?`,
			batch.WorkspaceID, remoteID,
		); err != nil {
			return fmt.Errorf("failed to delete known file: %w", err)
		}
	}
	if batch.WatchedID != "" && batch.NewToken != "" {
		if _, err := tx.Exec(
			`UPDATE watched_resources SET change_token = ?, updated_at = ? WHERE remote_id = ?`,
			batch.NewToken, time.Now().UnixMilli(), batch.WatchedID,
		); err != nil {
			return fmt.Errorf("failed to advance change token: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}
