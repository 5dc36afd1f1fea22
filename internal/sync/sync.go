package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/backlinehq/syncd/internal/drive"
	serrors "github.com/backlinehq/syncd/internal/errors"
	"github.com/backlinehq/syncd/internal/event"
	"github.com/backlinehq/syncd/internal/retry"
	"github.com/backlinehq/syncd/internal/store"
)

// itemEffect is a successfully applied item, announced after its batch is
// durably recorded.
type itemEffect struct {
	id      string
	action  string
	name    string
	mime    string
	parents []string
}

func (e *Engine) rootFor(workspaceID string) string {
	if e.cfg.RootFor != nil {
		return e.cfg.RootFor(workspaceID)
	}
	return workspaceID
}

// fullSync walks the whole remote tree, diffs it against the local snapshot
// and records one operation-sized batch. It finishes by resetting the change
// cursor to "now" and making sure the workspace root is watched.
func (e *Engine) fullSync(ctx context.Context, op *store.Operation) (opResult, error) {
	ws := op.WorkspaceID

	known, err := e.store.KnownFiles(ws)
	if err != nil {
		return opResult{}, err
	}

	remote, err := e.listTree(ctx, ws)
	if err != nil {
		return opResult{}, err
	}

	var res opResult
	batch := &store.ChangeBatch{WorkspaceID: ws}
	var effects []itemEffect

	seen := make(map[string]struct{}, len(remote))
	for i := range remote {
		f := &remote[i]
		seen[f.ID] = struct{}{}

		action := store.ActionUnchanged
		prev, ok := known[f.ID]
		switch {
		case !ok:
			action = store.ActionCreated
		case fileChanged(prev, f):
			action = store.ActionUpdated
		}
		if action == store.ActionUnchanged {
			continue
		}
		if fx, ok := e.processItem(ctx, op, batch, &res, f, action); ok {
			effects = append(effects, fx)
		}
	}

	for id, prev := range known {
		if _, ok := seen[id]; ok {
			continue
		}
		gone := &drive.File{ID: id, Name: prev.Name, MimeType: prev.MimeType}
		if fx, ok := e.processItem(ctx, op, batch, &res, gone, store.ActionDeleted); ok {
			effects = append(effects, fx)
		}
	}

	// Snapshot mutations land before the cursor moves.
	if err := e.store.ApplyChangeBatch(ctx, batch); err != nil {
		return res, err
	}
	e.announce(ws, effects)

	token, err := e.client.StartPageToken(ctx, ws)
	if err != nil {
		// The snapshot is consistent; only the cursor reset failed. The next
		// incremental run will fall back to a full sync.
		e.logger.Warn().Err(err).Str("workspace", ws).Msg("could not reset change cursor after full sync")
		return res, nil
	}
	if err := e.ensureWatch(ctx, ws, token); err != nil {
		e.logger.Warn().Err(err).Str("workspace", ws).Msg("could not establish watch after full sync")
	}
	return res, nil
}

// incrementalSync consumes the change feed page by page, advancing the stored
// cursor only after each page's batch is durably recorded. An expired cursor
// triggers an automatic full sync.
func (e *Engine) incrementalSync(ctx context.Context, op *store.Operation) (opResult, error) {
	ws := op.WorkspaceID

	w, err := e.store.WatchForWorkspace(ws)
	if err != nil {
		if errors.Is(err, serrors.ErrNotFound) {
			return e.fallbackFull(ctx, op, "workspace has no change cursor")
		}
		return opResult{}, err
	}
	if w.ChangeToken == "" {
		return e.fallbackFull(ctx, op, "empty change cursor")
	}

	known, err := e.store.KnownFiles(ws)
	if err != nil {
		return opResult{}, err
	}

	var res opResult
	token := w.ChangeToken
	for {
		page, err := e.client.ListChanges(ctx, ws, token)
		if err != nil {
			if errors.Is(err, serrors.ErrTokenExpired) {
				return e.fallbackFull(ctx, op, "change cursor expired")
			}
			return res, err
		}

		batch := &store.ChangeBatch{WorkspaceID: ws}
		var effects []itemEffect
		for _, ch := range page.Changes {
			f, action := classifyChange(ch, known)
			if action == store.ActionUnchanged {
				continue
			}
			fx, ok := e.processItem(ctx, op, batch, &res, f, action)
			if !ok {
				continue
			}
			effects = append(effects, fx)
			// Keep the in-memory snapshot current so later pages classify
			// against what this page already applied.
			if action == store.ActionDeleted {
				delete(known, f.ID)
			} else {
				known[f.ID] = recordFrom(ws, f)
			}
		}

		next := page.NextPageToken
		if next == "" {
			next = page.NewStartPageToken
		}
		if next != "" && next != token {
			batch.WatchedID = w.RemoteID
			batch.NewToken = next
		}
		if err := e.store.ApplyChangeBatch(ctx, batch); err != nil {
			return res, err
		}
		e.announce(ws, effects)
		if next != "" {
			token = next
		}

		if page.NextPageToken == "" {
			e.cache.Invalidate("changes")
			return res, nil
		}
	}
}

// fallbackFull records that an incremental run degraded to a full resync and
// runs the full pass under the same operation.
func (e *Engine) fallbackFull(ctx context.Context, op *store.Operation, reason string) (opResult, error) {
	e.logger.Warn().
		Str("workspace", op.WorkspaceID).
		Str("operation", op.ID).
		Str("reason", reason).
		Msg("falling back to full sync")

	e.bus.Publish(event.New(event.KindSyncFallback, event.SourceSyncEngine, op.WorkspaceID, event.FallbackNotice{
		WorkspaceID: op.WorkspaceID,
		OperationID: op.ID,
		Reason:      reason,
	}))

	op.Kind = store.KindFull
	return e.fullSync(ctx, op)
}

// processItem runs the per-item work under the retry policy and appends the
// resulting item row plus snapshot mutation to the batch. It reports whether
// the item succeeded.
func (e *Engine) processItem(ctx context.Context, op *store.Operation, batch *store.ChangeBatch, res *opResult, f *drive.File, action string) (itemEffect, bool) {
	item := &store.Item{
		OperationID: op.ID,
		RemoteID:    f.ID,
		Action:      action,
		Outcome:     store.OutcomeOK,
		Attempts:    1,
	}
	res.processed++

	var itemErr error
	if action != store.ActionDeleted {
		// Refetch metadata so the recorded state is authoritative, not the
		// possibly stale listing or change entry.
		e.cache.Invalidate(f.ID)
		itemErr = retry.DoNotify(ctx, e.cfg.ItemRetry, func(ctx context.Context) error {
			fresh, err := e.client.GetMetadata(ctx, op.WorkspaceID, f.ID)
			if err != nil {
				return err
			}
			*f = *fresh
			return nil
		}, func(attempt int, err error) {
			item.Attempts = attempt + 1
			e.logger.Warn().Err(err).
				Str("operation", op.ID).
				Str("remote_id", f.ID).
				Int("attempt", attempt+1).
				Msg("item sync attempt failed")
		})
	}

	if itemErr != nil {
		itemErr = fmt.Errorf("%w: %v", serrors.ErrItemSyncFailed, itemErr)
		item.Outcome = store.OutcomeFailed
		item.Error = itemErr.Error()
		res.failed++
		e.metrics.RecordError("sync", "item_failed")
	} else {
		if item.Attempts > 1 {
			item.Outcome = store.OutcomeRetried
		}
		if action == store.ActionDeleted {
			batch.Deletes = append(batch.Deletes, f.ID)
		} else {
			batch.Upserts = append(batch.Upserts, recordFrom(op.WorkspaceID, f))
		}
	}

	batch.Items = append(batch.Items, item)
	e.metrics.RecordItem(action, item.Outcome)

	if itemErr != nil {
		return itemEffect{}, false
	}
	return itemEffect{
		id:      f.ID,
		action:  action,
		name:    f.Name,
		mime:    f.MimeType,
		parents: f.Parents,
	}, true
}

// announce invalidates cache entries and publishes file events for applied
// items. Called only after their batch is recorded.
func (e *Engine) announce(workspaceID string, effects []itemEffect) {
	for _, fx := range effects {
		e.cache.Invalidate(fx.id)
		for _, p := range fx.parents {
			e.cache.Invalidate(p)
		}

		var kind event.Kind
		switch fx.action {
		case store.ActionCreated:
			kind = event.KindFileCreated
		case store.ActionUpdated:
			kind = event.KindFileUpdated
		case store.ActionDeleted:
			kind = event.KindFileDeleted
		default:
			continue
		}
		e.bus.Publish(event.New(kind, event.SourceSyncEngine, workspaceID, event.FileChange{
			ResourceID:  fx.id,
			WorkspaceID: workspaceID,
			Name:        fx.name,
			MimeType:    fx.mime,
		}))
	}
}

// listTree walks the remote folder tree breadth-first from the workspace root.
func (e *Engine) listTree(ctx context.Context, workspaceID string) ([]drive.File, error) {
	var out []drive.File
	queue := []string{e.rootFor(workspaceID)}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]

		pageToken := ""
		for {
			page, err := e.client.List(ctx, workspaceID, parent, pageToken)
			if err != nil {
				return nil, err
			}
			for _, f := range page.Files {
				if f.Trashed {
					continue
				}
				out = append(out, f)
				if f.IsFolder() {
					queue = append(queue, f.ID)
				}
			}
			if page.NextPageToken == "" {
				break
			}
			pageToken = page.NextPageToken
		}
	}
	return out, nil
}

// classifyChange maps one change-feed entry to a file plus sync action,
// against the current snapshot. ActionUnchanged means skip.
func classifyChange(ch drive.Change, known map[string]*store.FileRecord) (*drive.File, string) {
	prev, have := known[ch.FileID]

	if ch.Removed || (ch.File != nil && ch.File.Trashed) {
		if !have {
			return nil, store.ActionUnchanged
		}
		return &drive.File{ID: ch.FileID, Name: prev.Name, MimeType: prev.MimeType}, store.ActionDeleted
	}
	if ch.File == nil {
		return nil, store.ActionUnchanged
	}
	if !have {
		return ch.File, store.ActionCreated
	}
	if fileChanged(prev, ch.File) {
		return ch.File, store.ActionUpdated
	}
	return nil, store.ActionUnchanged
}

// fileChanged reports whether the remote file differs from the recorded state.
// Content checksums win when both sides have one.
func fileChanged(prev *store.FileRecord, f *drive.File) bool {
	if prev.MD5 != "" && f.MD5Checksum != "" {
		if prev.MD5 != f.MD5Checksum {
			return true
		}
	} else if f.ModifiedTime.UnixMilli() != prev.ModifiedTime {
		return true
	}
	return prev.Name != f.Name || prev.MimeType != f.MimeType
}

func recordFrom(workspaceID string, f *drive.File) *store.FileRecord {
	return &store.FileRecord{
		WorkspaceID:  workspaceID,
		RemoteID:     f.ID,
		Name:         f.Name,
		MimeType:     f.MimeType,
		ModifiedTime: f.ModifiedTime.UnixMilli(),
		MD5:          f.MD5Checksum,
	}
}
