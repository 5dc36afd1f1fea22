package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	serrors "github.com/backlinehq/syncd/internal/errors"
	"github.com/backlinehq/syncd/internal/event"
	"github.com/backlinehq/syncd/internal/health"
	"github.com/backlinehq/syncd/internal/store"
	syncengine "github.com/backlinehq/syncd/internal/sync"
)

const defaultPageLimit = 50

// Handlers carries the dependencies of the management API endpoints.
type Handlers struct {
	engine  *syncengine.Engine
	store   *store.Store
	bus     *event.Bus
	checker *health.Checker
	logger  zerolog.Logger
}

// NewHandlers creates the endpoint handlers.
func NewHandlers(engine *syncengine.Engine, st *store.Store, bus *event.Bus, checker *health.Checker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		engine:  engine,
		store:   st,
		bus:     bus,
		checker: checker,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// TriggerSync queues a sync operation for a workspace.
// POST /api/v1/workspaces/:id/sync
func (h *Handlers) TriggerSync(c *fiber.Ctx) error {
	workspaceID := c.Params("id")

	req := SyncRequest{Kind: store.KindIncremental}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_body", "Bad Request", "request body is not valid JSON")
		}
	}
	if req.Kind == "" {
		req.Kind = store.KindIncremental
	}
	if req.Kind != store.KindFull && req.Kind != store.KindIncremental {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_kind", "Bad Request", "kind must be \"full\" or \"incremental\"")
	}

	op, err := h.engine.TriggerSync(workspaceID, req.Kind)
	if err != nil {
		if errors.Is(err, serrors.ErrAlreadyRunning) {
			return problemResponse(c, fiber.StatusConflict,
				"sync_in_flight", "Conflict", "workspace already has a sync operation in flight")
		}
		h.logger.Error().Err(err).Str("workspace", workspaceID).Msg("trigger sync failed")
		return fiber.ErrInternalServerError
	}

	return c.Status(fiber.StatusAccepted).JSON(SyncAccepted{Operation: op})
}

// GetOperation returns one operation with its items.
// GET /api/v1/operations/:id
func (h *Handlers) GetOperation(c *fiber.Ctx) error {
	id := c.Params("id")

	op, err := h.engine.Operation(id)
	if err != nil {
		if errors.Is(err, serrors.ErrNotFound) {
			return problemResponse(c, fiber.StatusNotFound,
				"not_found", "Not Found", "no such operation")
		}
		return fiber.ErrInternalServerError
	}

	items, err := h.engine.Items(id)
	if err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(OperationDetail{Operation: op, Items: items})
}

// ListOperations returns a workspace's recent operations.
// GET /api/v1/workspaces/:id/operations
func (h *Handlers) ListOperations(c *fiber.Ctx) error {
	workspaceID := c.Params("id")
	limit := queryLimit(c, defaultPageLimit)

	ops, err := h.engine.Operations(workspaceID, limit)
	if err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(OperationList{Operations: ops, Count: len(ops)})
}

// ListFiles returns a workspace's current file snapshot.
// GET /api/v1/workspaces/:id/files
func (h *Handlers) ListFiles(c *fiber.Ctx) error {
	workspaceID := c.Params("id")

	known, err := h.store.KnownFiles(workspaceID)
	if err != nil {
		return fiber.ErrInternalServerError
	}
	files := make([]*store.FileRecord, 0, len(known))
	for _, f := range known {
		files = append(files, f)
	}
	return c.JSON(FileList{Files: files, Count: len(files)})
}

// GetWatch returns a workspace's push channel.
// GET /api/v1/workspaces/:id/watch
func (h *Handlers) GetWatch(c *fiber.Ctx) error {
	workspaceID := c.Params("id")

	w, err := h.store.WatchForWorkspace(workspaceID)
	if err != nil {
		if errors.Is(err, serrors.ErrNotFound) {
			return problemResponse(c, fiber.StatusNotFound,
				"not_found", "Not Found", "workspace has no watch")
		}
		return fiber.ErrInternalServerError
	}
	return c.JSON(WatchDetail{Watch: w})
}

// DeleteWatch tears down a workspace's push channel.
// DELETE /api/v1/workspaces/:id/watch
func (h *Handlers) DeleteWatch(c *fiber.Ctx) error {
	workspaceID := c.Params("id")

	if err := h.engine.RemoveWatch(c.Context(), workspaceID); err != nil {
		if errors.Is(err, serrors.ErrNotFound) {
			return problemResponse(c, fiber.StatusNotFound,
				"not_found", "Not Found", "workspace has no watch")
		}
		h.logger.Error().Err(err).Str("workspace", workspaceID).Msg("delete watch failed")
		return fiber.ErrInternalServerError
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ListEvents returns recently published events, oldest first.
// GET /api/v1/events
func (h *Handlers) ListEvents(c *fiber.Ctx) error {
	limit := queryLimit(c, defaultPageLimit)
	return c.JSON(fiber.Map{"events": h.bus.History(limit)})
}

// Liveness is the /healthz probe.
// Liveness always answers ok; it reports the last cached dependency results
// without re-running the checks.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "checks": h.checker.LastResults()})
}

// Readiness is the /readyz probe: ready only when every registered health
// check passes.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	results := h.checker.RunAll(c.Context())
	ready := true
	for _, st := range results {
		if st != health.StatusOK {
			ready = false
		}
	}
	status := fiber.StatusOK
	if !ready {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"ready": ready, "checks": results})
}

func queryLimit(c *fiber.Ctx, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
