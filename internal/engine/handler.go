package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgconn"

	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

// Handler serves the generic record API: one set of CRUD routes covering
// every registered entity, driven entirely by metadata.
type Handler struct {
	store    *store.Store
	registry *metadata.Registry
}

func NewHandler(s *store.Store, reg *metadata.Registry) *Handler {
	return &Handler{store: s, registry: reg}
}

// List handles GET /api/:entity with filtering, sorting, paging and includes.
func (h *Handler) List(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	user := getUser(c)
	if appErr := CheckPermission(user, entity.Name, "read", h.registry, nil); appErr != nil {
		return respondError(c, appErr)
	}

	plan, err := ParseQueryParams(c, entity, h.registry, h.store.Dialect)
	if err != nil {
		return h.writeError(c, err)
	}

	// Row-level security filters ride along as ordinary where clauses.
	if filters := GetReadFilters(user, entity.Name, h.registry); len(filters) > 0 {
		plan.Filters = append(plan.Filters, filters...)
	}

	qr := BuildSelectSQL(plan)
	rows, err := store.QueryRows(c.Context(), h.store.DB, qr.SQL, qr.Params...)
	if err != nil {
		return fmt.Errorf("list %s: %w", entity.Name, err)
	}
	h.fixBooleans(entity, rows)

	cr := BuildCountSQL(plan)
	countRow, err := store.QueryRow(c.Context(), h.store.DB, cr.SQL, cr.Params...)
	if err != nil {
		return fmt.Errorf("count %s: %w", entity.Name, err)
	}

	if len(plan.Includes) > 0 {
		if err := LoadIncludes(c.Context(), h.store.DB, h.store.Dialect, h.registry, entity, rows, plan.Includes); err != nil {
			return fmt.Errorf("load includes: %w", err)
		}
	}

	if rows == nil {
		rows = []map[string]any{}
	}

	return c.JSON(fiber.Map{
		"data": rows,
		"meta": fiber.Map{
			"page":     plan.Page,
			"per_page": plan.PerPage,
			"total":    countRow["count"],
		},
	})
}

// GetByID handles GET /api/:entity/:id. The id may be a primary key or, for
// sluggable entities, a slug.
func (h *Handler) GetByID(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	user := getUser(c)
	if appErr := CheckPermission(user, entity.Name, "read", h.registry, nil); appErr != nil {
		return respondError(c, appErr)
	}

	id := c.Params("id")
	row, err := fetchRecord(c.Context(), h.store.DB, entity, id, h.store.Dialect)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, NotFoundError(entity.Name, id))
		}
		return fmt.Errorf("get %s/%s: %w", entity.Name, id, err)
	}

	rows := []map[string]any{row}
	h.fixBooleans(entity, rows)
	if includes := parseIncludes(c); len(includes) > 0 {
		if err := LoadIncludes(c.Context(), h.store.DB, h.store.Dialect, h.registry, entity, rows, includes); err != nil {
			return fmt.Errorf("load includes: %w", err)
		}
	}

	return c.JSON(fiber.Map{"data": rows[0]})
}

// Create handles POST /api/:entity.
func (h *Handler) Create(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	user := getUser(c)
	if appErr := CheckPermission(user, entity.Name, "create", h.registry, nil); appErr != nil {
		return respondError(c, appErr)
	}

	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}

	plan, planErr := PlanWrite(entity, h.registry, body, nil)
	if planErr != nil {
		return respondError(c, planErr)
	}
	plan.User = user

	record, err := ExecuteWritePlan(c.Context(), h.store, h.registry, plan)
	if err != nil {
		return h.writeError(c, err)
	}

	h.fixBooleans(entity, []map[string]any{record})
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": record})
}

// Update handles PUT /api/:entity/:id.
func (h *Handler) Update(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	id := c.Params("id")
	current, err := fetchRecord(c.Context(), h.store.DB, entity, id, h.store.Dialect)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, NotFoundError(entity.Name, id))
		}
		return fmt.Errorf("fetch %s/%s: %w", entity.Name, id, err)
	}

	// Permission conditions are checked against the stored row, not the
	// incoming payload; otherwise a client could edit itself into access.
	user := getUser(c)
	if appErr := CheckPermission(user, entity.Name, "update", h.registry, current); appErr != nil {
		return respondError(c, appErr)
	}

	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}

	// The URL may have carried a slug; the plan needs the real key.
	pkVal := current[entity.PrimaryKey.Field]
	plan, planErr := PlanWrite(entity, h.registry, body, pkVal)
	if planErr != nil {
		return respondError(c, planErr)
	}
	plan.User = user

	record, err := ExecuteWritePlan(c.Context(), h.store, h.registry, plan)
	if err != nil {
		return h.writeError(c, err)
	}

	h.fixBooleans(entity, []map[string]any{record})
	return c.JSON(fiber.Map{"data": record})
}

// Delete handles DELETE /api/:entity/:id.
func (h *Handler) Delete(c *fiber.Ctx) error {
	entity, err := h.resolveEntity(c)
	if err != nil {
		return err
	}

	id := c.Params("id")
	current, err := fetchRecord(c.Context(), h.store.DB, entity, id, h.store.Dialect)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, NotFoundError(entity.Name, id))
		}
		return fmt.Errorf("fetch %s/%s: %w", entity.Name, id, err)
	}

	user := getUser(c)
	if appErr := CheckPermission(user, entity.Name, "delete", h.registry, current); appErr != nil {
		return respondError(c, appErr)
	}

	pkVal := current[entity.PrimaryKey.Field]
	if err := ExecuteDelete(c.Context(), h.store, h.registry, entity, pkVal, current, user); err != nil {
		return h.writeError(c, err)
	}

	return c.JSON(fiber.Map{"data": fiber.Map{"id": pkVal}})
}

// resolveEntity looks up the entity named in the route. The returned error is
// an *AppError so callers can hand it straight to the fiber error handler.
func (h *Handler) resolveEntity(c *fiber.Ctx) (*metadata.Entity, error) {
	name := c.Params("entity")
	entity := h.registry.GetEntity(name)
	if entity == nil {
		return nil, UnknownEntityError(name)
	}
	return entity, nil
}

// fixBooleans repairs 0/1 integers on boolean fields for SQLite reads.
func (h *Handler) fixBooleans(entity *metadata.Entity, rows []map[string]any) {
	if !h.store.Dialect.NeedsBoolFix() {
		return
	}
	var boolFields []string
	for _, f := range entity.Fields {
		if f.Type == "boolean" {
			boolFields = append(boolFields, f.Name)
		}
	}
	store.NormalizeBooleans(rows, boolFields)
}

func getUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}

func respondError(c *fiber.Ctx, appErr *AppError) error {
	return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
}

// writeError maps pipeline failures to API errors: AppErrors pass through,
// unique violations become CONFLICT (with the constraint detail when the
// driver offers one), anything else bubbles up as a 500.
func (h *Handler) writeError(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return respondError(c, appErr)
	}

	if errors.Is(err, store.ErrUniqueViolation) {
		msg := "A record with this value already exists"
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Detail != "" {
			msg = pgErr.Detail
		}
		return respondError(c, ConflictError(msg))
	}

	return err
}

func parseIncludes(c *fiber.Ctx) []string {
	inc := c.Query("include")
	if inc == "" {
		return nil
	}
	var includes []string
	for _, name := range strings.Split(inc, ",") {
		if name = strings.TrimSpace(name); name != "" {
			includes = append(includes, name)
		}
	}
	return includes
}
