package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/backlinehq/syncd/internal/errors"
	"github.com/backlinehq/syncd/internal/store"
)

// checkQueue holds pending change checks, one per resource id. Duplicate
// notifications for a resource collapse into the single pending check; a
// notification arriving while its check is already running enqueues a new one.
type checkQueue struct {
	mu      sync.Mutex
	pending map[string]struct{}
	ch      chan string
	logger  zerolog.Logger
}

func newCheckQueue(size int, logger zerolog.Logger) *checkQueue {
	return &checkQueue{
		pending: make(map[string]struct{}),
		ch:      make(chan string, size),
		logger:  logger,
	}
}

// enqueue adds a check for the resource. It reports whether the check was
// queued; false means it was deduplicated or the queue is full.
func (q *checkQueue) enqueue(resourceID string) bool {
	q.mu.Lock()
	if _, dup := q.pending[resourceID]; dup {
		q.mu.Unlock()
		return false
	}
	q.pending[resourceID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.ch <- resourceID:
		return true
	default:
		q.mu.Lock()
		delete(q.pending, resourceID)
		q.mu.Unlock()
		q.logger.Warn().Str("resource", resourceID).Msg("check queue full, dropping notification")
		return false
	}
}

// take removes the resource from the pending set as it is handed to the
// dispatcher, so a fresh notification during the check queues another one.
func (q *checkQueue) take(resourceID string) {
	q.mu.Lock()
	delete(q.pending, resourceID)
	q.mu.Unlock()
}

func (q *checkQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// NotifyDisposition classifies what the engine did with a webhook delivery.
type NotifyDisposition string

const (
	NotifyQueued    NotifyDisposition = "queued"
	NotifyDuplicate NotifyDisposition = "duplicate"
	NotifyUnknown   NotifyDisposition = "unknown_channel"
	NotifyDropped   NotifyDisposition = "dropped"
)

// HandleNotification validates a webhook delivery against the registered
// watches and enqueues a change check for the resource. Deliveries for
// channels this daemon never registered are discarded.
func (e *Engine) HandleNotification(channelID, resourceID string) NotifyDisposition {
	w, err := e.store.GetWatchByChannel(channelID)
	if err != nil {
		if !errors.Is(err, serrors.ErrNotFound) {
			e.logger.Error().Err(err).Str("channel", channelID).Msg("watch lookup failed")
		}
		e.metrics.RecordWebhook(string(NotifyUnknown))
		return NotifyUnknown
	}
	if resourceID != "" && w.RemoteID != resourceID {
		e.logger.Debug().
			Str("channel", channelID).
			Str("resource", resourceID).
			Msg("notification resource does not match channel")
		e.metrics.RecordWebhook(string(NotifyUnknown))
		return NotifyUnknown
	}

	if !e.checks.enqueue(w.RemoteID) {
		e.metrics.RecordWebhook(string(NotifyDuplicate))
		return NotifyDuplicate
	}
	e.metrics.RecordWebhook(string(NotifyQueued))
	return NotifyQueued
}

// dispatchChecks drains the check queue, triggering an incremental sync for
// the watched resource's workspace. A workspace mid-sync gets its check
// retried shortly after, so changes landing during a run are not lost.
func (e *Engine) dispatchChecks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case resourceID := <-e.checks.ch:
			e.checks.take(resourceID)
			e.runCheck(ctx, resourceID)
		}
	}
}

func (e *Engine) runCheck(ctx context.Context, resourceID string) {
	w, err := e.store.GetWatch(resourceID)
	if err != nil {
		e.logger.Warn().Err(err).Str("resource", resourceID).Msg("check for unknown resource")
		return
	}

	_, err = e.TriggerSync(w.WorkspaceID, store.KindIncremental)
	if err == nil {
		return
	}
	if !errors.Is(err, serrors.ErrAlreadyRunning) {
		e.logger.Error().Err(err).Str("workspace", w.WorkspaceID).Msg("could not start check sync")
		return
	}

	// Re-queue after the in-flight operation has had a moment to finish.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
			e.checks.enqueue(resourceID)
		}
	}()
}
