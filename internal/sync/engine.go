// Package sync orchestrates full and incremental synchronization of a
// workspace's remote drive folder into the local snapshot, and turns webhook
// notifications into queued change checks.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/backlinehq/syncd/internal/cache"
	"github.com/backlinehq/syncd/internal/drive"
	serrors "github.com/backlinehq/syncd/internal/errors"
	"github.com/backlinehq/syncd/internal/event"
	"github.com/backlinehq/syncd/internal/metrics"
	"github.com/backlinehq/syncd/internal/retry"
	"github.com/backlinehq/syncd/internal/store"
)

// Config controls engine concurrency and timing.
type Config struct {
	MaxConcurrent      int           // global ceiling on operations in flight
	OpTimeout          time.Duration // wall-clock limit per operation
	ItemRetry          retry.Config  // per-item retry policy
	WebhookCallbackURL string        // callback registered with remote watches
	RenewalLead        time.Duration // renew watches expiring within this window
	RenewalPeriod      time.Duration // how often the renewal loop wakes
	CheckQueueSize     int           // pending webhook checks before drops

	// RootFor maps a workspace id to the remote folder id that anchors its
	// tree. Nil means the workspace id is itself the root folder id.
	RootFor func(workspaceID string) string
}

// DefaultConfig returns engine defaults suitable for a single-node daemon.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  4,
		OpTimeout:      10 * time.Minute,
		ItemRetry:      retry.Config{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Jitter: true},
		RenewalLead:    1 * time.Hour,
		RenewalPeriod:  5 * time.Minute,
		CheckQueueSize: 256,
	}
}

// Engine runs sync operations. At most one operation per workspace is in
// flight at a time; a global semaphore bounds the total.
type Engine struct {
	cfg     Config
	client  *drive.Client
	store   *store.Store
	cache   *cache.Manager
	bus     *event.Bus
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	running map[string]string // workspace id -> operation id
	sem     chan struct{}

	checks *checkQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. Call Start before triggering syncs.
func New(cfg Config, client *drive.Client, st *store.Store, cacheMgr *cache.Manager, bus *event.Bus, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.CheckQueueSize <= 0 {
		cfg.CheckQueueSize = 256
	}
	e := &Engine{
		cfg:     cfg,
		client:  client,
		store:   st,
		cache:   cacheMgr,
		bus:     bus,
		metrics: m,
		logger:  logger.With().Str("component", "sync").Logger(),
		running: make(map[string]string),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
	}
	e.checks = newCheckQueue(cfg.CheckQueueSize, e.logger)
	return e
}

// Start launches the check dispatcher and the watch renewal loop.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.dispatchChecks(e.ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.renewalLoop(e.ctx)
	}()

	e.logger.Info().
		Int("max_concurrent", e.cfg.MaxConcurrent).
		Dur("op_timeout", e.cfg.OpTimeout).
		Msg("sync engine started")
}

// Stop cancels background work and waits for in-flight operations.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info().Msg("sync engine stopped")
}

// TriggerSync starts an operation for a workspace. It returns the pending
// operation immediately; the sync itself runs in the background. If the
// workspace already has an operation in flight it returns ErrAlreadyRunning.
func (e *Engine) TriggerSync(workspaceID, kind string) (*store.Operation, error) {
	if kind != store.KindFull && kind != store.KindIncremental {
		return nil, fmt.Errorf("unknown sync kind %q", kind)
	}

	op := &store.Operation{
		ID:          "op_" + uuid.NewString(),
		WorkspaceID: workspaceID,
		Kind:        kind,
		Status:      store.StatusPending,
	}

	e.mu.Lock()
	if cur, ok := e.running[workspaceID]; ok {
		e.mu.Unlock()
		e.logger.Debug().Str("workspace", workspaceID).Str("operation", cur).Msg("sync already in flight")
		return nil, serrors.ErrAlreadyRunning
	}
	e.running[workspaceID] = op.ID
	e.mu.Unlock()

	if err := e.store.SaveOperation(op); err != nil {
		e.mu.Lock()
		delete(e.running, workspaceID)
		e.mu.Unlock()
		return nil, err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runOperation(op)
	}()

	return op, nil
}

// Operation returns a recorded operation by id.
func (e *Engine) Operation(id string) (*store.Operation, error) {
	return e.store.GetOperation(id)
}

// Operations returns recent operations for a workspace, newest first.
func (e *Engine) Operations(workspaceID string, limit int) ([]*store.Operation, error) {
	return e.store.ListOperations(workspaceID, limit)
}

// Items returns the per-file records of one operation.
func (e *Engine) Items(operationID string) ([]*store.Item, error) {
	return e.store.ItemsForOperation(operationID)
}

// IsRunning reports whether a workspace has an operation in flight.
func (e *Engine) IsRunning(workspaceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[workspaceID]
	return ok
}

func (e *Engine) runOperation(op *store.Operation) {
	started := time.Now()

	// Workspace slot is already claimed; this bounds the global total.
	select {
	case e.sem <- struct{}{}:
	case <-e.ctx.Done():
		e.finish(op, opResult{}, started, e.ctx.Err())
		return
	}
	defer func() { <-e.sem }()

	op.Status = store.StatusRunning
	op.StartedAt = time.Now().UnixMilli()
	if err := e.store.SaveOperation(op); err != nil {
		e.logger.Error().Err(err).Str("operation", op.ID).Msg("failed to mark operation running")
	}

	ctx := e.ctx
	if e.cfg.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.OpTimeout)
		defer cancel()
	}

	var res opResult
	var err error
	switch op.Kind {
	case store.KindFull:
		res, err = e.fullSync(ctx, op)
	default:
		res, err = e.incrementalSync(ctx, op)
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = serrors.ErrOperationTimeout
	}
	e.finish(op, res, started, err)
}

// opResult accumulates per-operation counters.
type opResult struct {
	processed int
	failed    int
}

func (e *Engine) finish(op *store.Operation, res opResult, started time.Time, runErr error) {
	op.ItemsProcessed = res.processed
	op.ItemsFailed = res.failed
	op.FinishedAt = time.Now().UnixMilli()

	kind := event.KindOperationCompleted
	if runErr != nil {
		op.Status = store.StatusFailed
		op.Error = runErr.Error()
		kind = event.KindOperationFailed
		e.metrics.RecordError("sync", "operation_failed")
	} else {
		op.Status = store.StatusCompleted
	}

	e.mu.Lock()
	delete(e.running, op.WorkspaceID)
	e.mu.Unlock()

	if err := e.store.SaveOperation(op); err != nil {
		e.logger.Error().Err(err).Str("operation", op.ID).Msg("failed to persist operation result")
	}

	duration := time.Since(started)
	e.metrics.RecordOperation(op.Kind, op.Status)
	e.metrics.ObserveSyncDuration(op.Kind, duration.Seconds())

	e.bus.Publish(event.New(kind, event.SourceSyncEngine, op.WorkspaceID, event.OperationSummary{
		OperationID:    op.ID,
		WorkspaceID:    op.WorkspaceID,
		SyncKind:       op.Kind,
		ItemsProcessed: res.processed,
		ItemsFailed:    res.failed,
		Duration:       duration,
		Error:          op.Error,
	}))

	log := e.logger.Info()
	if runErr != nil {
		log = e.logger.Error().Err(runErr)
	}
	log.Str("operation", op.ID).
		Str("workspace", op.WorkspaceID).
		Str("kind", op.Kind).
		Str("status", op.Status).
		Int("items_processed", res.processed).
		Int("items_failed", res.failed).
		Dur("duration", duration).
		Msg("sync operation finished")
}
