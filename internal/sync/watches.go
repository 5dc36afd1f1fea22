package sync

import (
	"context"
	"errors"
	"time"

	serrors "github.com/backlinehq/syncd/internal/errors"
	"github.com/backlinehq/syncd/internal/event"
	"github.com/backlinehq/syncd/internal/store"
)

// ensureWatch makes sure the workspace root has a live push channel and
// stores the given change token as the workspace's cursor. Called at the end
// of every full sync; the first one establishes the watch.
func (e *Engine) ensureWatch(ctx context.Context, workspaceID, token string) error {
	rootID := e.rootFor(workspaceID)

	w, err := e.store.GetWatch(rootID)
	if err != nil && !errors.Is(err, serrors.ErrNotFound) {
		return err
	}

	if w != nil && time.UnixMilli(w.Expiry).After(time.Now().Add(e.cfg.RenewalLead)) {
		w.ChangeToken = token
		return e.store.SaveWatch(w)
	}

	ch, err := e.client.RegisterWatch(ctx, workspaceID, rootID, e.cfg.WebhookCallbackURL)
	if err != nil {
		return err
	}

	nw := &store.Watch{
		RemoteID:    rootID,
		WorkspaceID: workspaceID,
		ChannelID:   ch.ID,
		Expiry:      ch.Expiration,
		ChangeToken: token,
	}
	if w != nil {
		nw.CreatedAt = w.CreatedAt
	}
	if err := e.store.SaveWatch(nw); err != nil {
		return err
	}

	e.logger.Info().
		Str("workspace", workspaceID).
		Str("resource", rootID).
		Str("channel", ch.ID).
		Time("expiry", ch.ExpiresAt()).
		Msg("watch established")
	return nil
}

// renewalLoop re-registers watch channels before the remote side expires
// them, keeping webhook delivery uninterrupted.
func (e *Engine) renewalLoop(ctx context.Context) {
	if e.cfg.RenewalPeriod <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.RenewalPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.renewExpiring(ctx)
		}
	}
}

func (e *Engine) renewExpiring(ctx context.Context) {
	watches, err := e.store.ListWatches()
	if err != nil {
		e.logger.Error().Err(err).Msg("could not list watches for renewal")
		return
	}

	deadline := time.Now().Add(e.cfg.RenewalLead)
	for _, w := range watches {
		if time.UnixMilli(w.Expiry).After(deadline) {
			continue
		}
		if err := e.renewWatch(ctx, w); err != nil {
			e.logger.Error().Err(err).
				Str("workspace", w.WorkspaceID).
				Str("resource", w.RemoteID).
				Msg("watch renewal failed")
			e.metrics.RecordError("watcher", "renewal_failed")
		}
	}
}

func (e *Engine) renewWatch(ctx context.Context, w *store.Watch) error {
	ch, err := e.client.RegisterWatch(ctx, w.WorkspaceID, w.RemoteID, e.cfg.WebhookCallbackURL)
	if err != nil {
		return err
	}

	// Best effort: the old channel dies on its own at expiry anyway.
	if err := e.client.StopWatch(ctx, w.WorkspaceID, w.ChannelID, w.RemoteID); err != nil {
		e.logger.Debug().Err(err).Str("channel", w.ChannelID).Msg("could not stop superseded channel")
	}

	w.ChannelID = ch.ID
	w.Expiry = ch.Expiration
	if err := e.store.SaveWatch(w); err != nil {
		return err
	}

	e.bus.Publish(event.New(event.KindWatchRenewed, event.SourceWatcher, w.WorkspaceID, event.WatchRenewal{
		ResourceID: w.RemoteID,
		ChannelID:  ch.ID,
		Expiry:     ch.ExpiresAt(),
	}))

	e.logger.Info().
		Str("workspace", w.WorkspaceID).
		Str("resource", w.RemoteID).
		Str("channel", ch.ID).
		Time("expiry", ch.ExpiresAt()).
		Msg("watch renewed")
	return nil
}

// RemoveWatch tears down the workspace's push channel and forgets its cursor.
func (e *Engine) RemoveWatch(ctx context.Context, workspaceID string) error {
	w, err := e.store.WatchForWorkspace(workspaceID)
	if err != nil {
		return err
	}
	if err := e.client.StopWatch(ctx, workspaceID, w.ChannelID, w.RemoteID); err != nil {
		e.logger.Warn().Err(err).Str("channel", w.ChannelID).Msg("could not stop remote channel")
	}
	return e.store.DeleteWatch(w.RemoteID)
}
