package store

import (
	"context"
	"fmt"
	"time"
)

// RunRetention prunes operation history older than the given window, along
// with the per-item records belonging to pruned operations.
func (s *Store) RunRetention(ctx context.Context, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-window).UnixMilli()

	_, err := s.db.ExecContext(ctx, `
	DELETE FROM sync_items WHERE operation_id IN (
		SELECT id FROM sync_operations WHERE finished_at > 0 AND finished_at < ?
	)`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune sync items: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM sync_operations WHERE finished_at > 0 AND finished_at < ?`,
		cutoff,
	)
	if err != nil {
		return fmt.Errorf("failed to prune sync operations: %w", err)
	}

	return nil
}

// RetentionLoop runs retention on a fixed period until ctx is cancelled.
func (s *Store) RetentionLoop(ctx context.Context, period, window time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunRetention(ctx, window); err != nil {
				s.logger.Error().Err(err).Msg("retention pass failed")
			}
		}
	}
}
