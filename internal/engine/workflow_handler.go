package engine

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"loom-backend/internal/instrument"
	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

// WorkflowHandler handles workflow runtime HTTP endpoints.
type WorkflowHandler struct {
	store    *store.Store
	registry *metadata.Registry
}

func NewWorkflowHandler(s *store.Store, reg *metadata.Registry) *WorkflowHandler {
	return &WorkflowHandler{store: s, registry: reg}
}

// RegisterWorkflowRoutes adds workflow runtime routes.
// Must be registered AFTER admin routes but BEFORE dynamic entity routes.
func RegisterWorkflowRoutes(app *fiber.App, h *WorkflowHandler, middleware ...fiber.Handler) {
	wf := app.Group("/api/_workflows", middleware...)
	wf.Get("/pending", h.ListPending)
	wf.Get("/:id", h.GetInstance)
	wf.Post("/:id/approve", h.Approve)
	wf.Post("/:id/reject", h.Reject)
	wf.Delete("/:id", h.Delete)
}

func (h *WorkflowHandler) GetInstance(c *fiber.Ctx) error {
	id := c.Params("id")
	instance, err := loadWorkflowInstance(c.Context(), h.store, id)
	if err != nil {
		return respondError(c, NotFoundError("workflow instance", id))
	}
	return c.JSON(fiber.Map{"data": instance})
}

func (h *WorkflowHandler) ListPending(c *fiber.Ctx) error {
	instances, err := ListPendingInstances(c.Context(), h.store)
	if err != nil {
		return err
	}
	if instances == nil {
		instances = []*metadata.WorkflowInstance{}
	}
	return c.JSON(fiber.Map{"data": instances})
}

func (h *WorkflowHandler) Approve(c *fiber.Ctx) error {
	return h.resolve(c, "approved", "workflow.approve")
}

func (h *WorkflowHandler) Reject(c *fiber.Ctx) error {
	return h.resolve(c, "rejected", "workflow.reject")
}

func (h *WorkflowHandler) resolve(c *fiber.Ctx, action, spanName string) error {
	ctx := c.UserContext()
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "workflow", "handler", spanName)
	defer span.End()
	c.SetUserContext(ctx)

	id := c.Params("id")
	span.SetMetadata("instance_id", id)
	userID := actorID(c)

	instance, err := ResolveWorkflowAction(c.Context(), h.store, h.registry, id, action, userID)
	if err != nil {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, NotFoundError("workflow instance", id))
		}
		return respondError(c, InvalidStateError(err.Error()))
	}

	span.SetStatus("ok")
	return c.JSON(fiber.Map{"data": instance})
}

func (h *WorkflowHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := DeleteWorkflowInstance(c.Context(), h.store, id); err != nil {
		return respondError(c, NotFoundError("workflow instance", id))
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"deleted": true}})
}

// actorID identifies who approved or rejected: the authenticated user when
// present, otherwise the X-User-ID header.
func actorID(c *fiber.Ctx) string {
	if user := getUser(c); user != nil && user.ID != "" {
		return user.ID
	}
	return c.Get("X-User-ID", "anonymous")
}

func loadWorkflowInstance(ctx context.Context, s *store.Store, id string) (*metadata.WorkflowInstance, error) {
	wfStore := &SQLWorkflowStore{}
	return wfStore.LoadInstance(ctx, s.DB, s.Dialect, id)
}
