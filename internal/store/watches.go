package store

import (
	"database/sql"
	"fmt"
	"time"

	serrors "github.com/backlinehq/syncd/internal/errors"
)

// Watch is one remote resource under webhook observation.
type Watch struct {
	RemoteID    string `json:"remote_id"`
	WorkspaceID string `json:"workspace_id"`
	ChannelID   string `json:"channel_id"`
	Expiry      int64  `json:"expiry"` // unix ms
	ChangeToken string `json:"change_token"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// SaveWatch inserts or updates a watched resource.
func (s *Store) SaveWatch(w *Watch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if w.CreatedAt == 0 {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	_, err := s.db.Exec(`
	INSERT OR REPLACE INTO watched_resources (
		remote_id, workspace_id, channel_id, expiry, change_token, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.RemoteID, w.WorkspaceID, w.ChannelID, w.Expiry, w.ChangeToken, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save watch: %w", err)
	}
	return nil
}

func scanWatch(row interface{ Scan(...any) error }) (*Watch, error) {
	w := &Watch{}
	err := row.Scan(&w.RemoteID, &w.WorkspaceID, &w.ChannelID, &w.Expiry, &w.ChangeToken, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, serrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan watch: %w", err)
	}
	return w, nil
}

const watchColumns = `remote_id, workspace_id, channel_id, expiry, change_token, created_at, updated_at`

// GetWatch retrieves a watch by the watched resource's remote id.
func (s *Store) GetWatch(remoteID string) (*Watch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanWatch(s.db.QueryRow(
		`SELECT `+watchColumns+` FROM watched_resources WHERE remote_id = ?`, remoteID))
}

// GetWatchByChannel retrieves a watch by its webhook channel id. Used by the
// webhook receiver to validate incoming notifications.
func (s *Store) GetWatchByChannel(channelID string) (*Watch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanWatch(s.db.QueryRow(
		`SELECT `+watchColumns+` FROM watched_resources WHERE channel_id = ?`, channelID))
}

// WatchForWorkspace retrieves the watch covering a workspace root.
func (s *Store) WatchForWorkspace(workspaceID string) (*Watch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanWatch(s.db.QueryRow(
		`SELECT `+watchColumns+` FROM watched_resources WHERE workspace_id = ?`, workspaceID))
}

// ListWatches returns every watched resource, used by the renewal loop.
func (s *Store) ListWatches() ([]*Watch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + watchColumns + ` FROM watched_resources`)
	if err != nil {
		return nil, fmt.Errorf("failed to list watches: %w", err)
	}
	defer rows.Close()

	var out []*Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWatch removes a watched resource, e.g. when a workspace's sync
// configuration is torn down.
func (s *Store) DeleteWatch(remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM watched_resources WHERE remote_id = ?`, remoteID)
	if err != nil {
		return fmt.Errorf("failed to delete watch: %w", err)
	}
	return nil
}
