package admin

import (
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"loom-backend/internal/engine"
	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

// Handler serves /api/_admin: CRUD over the metadata catalog itself. Every
// mutation reloads the registry so the engine picks the change up without a
// restart, and entity/relation changes run the migrator to keep the physical
// schema in step.
type Handler struct {
	store    *store.Store
	registry *metadata.Registry
	migrator *store.Migrator
}

func NewHandler(s *store.Store, reg *metadata.Registry, mig *store.Migrator) *Handler {
	return &Handler{store: s, registry: reg, migrator: mig}
}

// RegisterRoutes mounts the admin API. The caller supplies auth middleware;
// these endpoints assume an admin user.
func RegisterRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	grp := app.Group("/api/_admin", middleware...)

	grp.Get("/entities", h.ListEntities)
	grp.Get("/entities/:name", h.GetEntity)
	grp.Post("/entities", h.CreateEntity)
	grp.Put("/entities/:name", h.UpdateEntity)
	grp.Delete("/entities/:name", h.DeleteEntity)

	grp.Get("/relations", h.ListRelations)
	grp.Get("/relations/:name", h.GetRelation)
	grp.Post("/relations", h.CreateRelation)
	grp.Put("/relations/:name", h.UpdateRelation)
	grp.Delete("/relations/:name", h.DeleteRelation)

	for _, res := range definitionResources() {
		res := res
		grp.Get("/"+res.path, h.listResource(res))
		grp.Get("/"+res.path+"/:id", h.getResource(res))
		grp.Post("/"+res.path, h.createResource(res))
		grp.Put("/"+res.path+"/:id", h.updateResource(res))
		grp.Delete("/"+res.path+"/:id", h.deleteResource(res))
	}

	grp.Get("/users", h.ListUsers)
	grp.Get("/users/:id", h.GetUser)
	grp.Post("/users", h.CreateUser)
	grp.Put("/users/:id", h.UpdateUser)
	grp.Delete("/users/:id", h.DeleteUser)

	grp.Get("/webhook-logs", h.ListWebhookLogs)
	grp.Get("/webhook-logs/:id", h.GetWebhookLog)
	grp.Post("/webhook-logs/:id/retry", h.RetryWebhookLog)

	grp.Get("/export", h.Export)
	grp.Post("/import", h.Import)
}

const entityColumns = "name, table_name, definition, created_at, updated_at"

func (h *Handler) ListEntities(c *fiber.Ctx) error {
	rows, err := store.QueryRows(c.Context(), h.store.DB,
		"SELECT "+entityColumns+" FROM _entities ORDER BY name")
	if err != nil {
		return fmt.Errorf("list entities: %w", err)
	}
	return c.JSON(fiber.Map{"data": emptyIfNil(rows)})
}

func (h *Handler) GetEntity(c *fiber.Ctx) error {
	name := c.Params("name")
	pb := h.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(c.Context(), h.store.DB,
		fmt.Sprintf("SELECT %s FROM _entities WHERE name = %s", entityColumns, pb.Add(name)),
		pb.Params()...)
	if err != nil {
		return engine.NotFoundError("entity", name)
	}
	return c.JSON(fiber.Map{"data": row})
}

func (h *Handler) CreateEntity(c *fiber.Ctx) error {
	var entity metadata.Entity
	if err := c.BodyParser(&entity); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if err := validateEntity(&entity); err != nil {
		return engine.NewAppError("VALIDATION_FAILED", 422, err.Error())
	}
	if h.registry.GetEntity(entity.Name) != nil {
		return engine.ConflictError("Entity already exists: " + entity.Name)
	}

	defJSON, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}
	pb := h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("INSERT INTO _entities (name, table_name, definition) VALUES (%s, %s, %s)",
			pb.Add(entity.Name), pb.Add(entity.Table), pb.Add(defJSON)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}

	if err := h.migrator.Migrate(c.Context(), &entity); err != nil {
		return fmt.Errorf("migrate entity %s: %w", entity.Name, err)
	}
	if err := h.reload(c); err != nil {
		return err
	}
	return c.Status(201).JSON(fiber.Map{"data": entity})
}

func (h *Handler) UpdateEntity(c *fiber.Ctx) error {
	name := c.Params("name")
	if h.registry.GetEntity(name) == nil {
		return engine.NotFoundError("entity", name)
	}

	var entity metadata.Entity
	if err := c.BodyParser(&entity); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	// The URL wins over whatever the body claims to be named.
	entity.Name = name
	if err := validateEntity(&entity); err != nil {
		return engine.NewAppError("VALIDATION_FAILED", 422, err.Error())
	}

	defJSON, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}
	pb := h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("UPDATE _entities SET table_name = %s, definition = %s, updated_at = %s WHERE name = %s",
			pb.Add(entity.Table), pb.Add(defJSON), h.store.Dialect.NowExpr(), pb.Add(name)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}

	if err := h.migrator.Migrate(c.Context(), &entity); err != nil {
		return fmt.Errorf("migrate entity %s: %w", entity.Name, err)
	}
	if err := h.reload(c); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": entity})
}

func (h *Handler) DeleteEntity(c *fiber.Ctx) error {
	name := c.Params("name")
	if h.registry.GetEntity(name) == nil {
		return engine.NotFoundError("entity", name)
	}

	// Relations referencing the entity go first; _relations has no FK but a
	// dangling relation would break the registry on reload.
	pb := h.store.Dialect.NewParamBuilder()
	_, err := store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("DELETE FROM _relations WHERE source = %s OR target = %s", pb.Add(name), pb.Add(name)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete relations for entity %s: %w", name, err)
	}

	pb = h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("DELETE FROM _entities WHERE name = %s", pb.Add(name)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete entity %s: %w", name, err)
	}

	if err := h.reload(c); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"name": name, "deleted": true}})
}

const relationColumns = "name, source, target, definition, created_at, updated_at"

func (h *Handler) ListRelations(c *fiber.Ctx) error {
	rows, err := store.QueryRows(c.Context(), h.store.DB,
		"SELECT "+relationColumns+" FROM _relations ORDER BY name")
	if err != nil {
		return fmt.Errorf("list relations: %w", err)
	}
	return c.JSON(fiber.Map{"data": emptyIfNil(rows)})
}

func (h *Handler) GetRelation(c *fiber.Ctx) error {
	name := c.Params("name")
	pb := h.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(c.Context(), h.store.DB,
		fmt.Sprintf("SELECT %s FROM _relations WHERE name = %s", relationColumns, pb.Add(name)),
		pb.Params()...)
	if err != nil {
		return engine.NotFoundError("relation", name)
	}
	return c.JSON(fiber.Map{"data": row})
}

func (h *Handler) CreateRelation(c *fiber.Ctx) error {
	var rel metadata.Relation
	if err := c.BodyParser(&rel); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if err := validateRelation(&rel, h.registry); err != nil {
		return engine.NewAppError("VALIDATION_FAILED", 422, err.Error())
	}
	if h.registry.GetRelation(rel.Name) != nil {
		return engine.ConflictError("Relation already exists: " + rel.Name)
	}

	if err := h.insertRelation(c, &rel); err != nil {
		return err
	}
	if err := h.reload(c); err != nil {
		return err
	}
	return c.Status(201).JSON(fiber.Map{"data": rel})
}

func (h *Handler) insertRelation(c *fiber.Ctx, rel *metadata.Relation) error {
	defJSON, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("marshal relation: %w", err)
	}
	pb := h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("INSERT INTO _relations (name, source, target, definition) VALUES (%s, %s, %s, %s)",
			pb.Add(rel.Name), pb.Add(rel.Source), pb.Add(rel.Target), pb.Add(defJSON)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("insert relation: %w", err)
	}

	if rel.IsManyToMany() {
		src := h.registry.GetEntity(rel.Source)
		tgt := h.registry.GetEntity(rel.Target)
		if src != nil && tgt != nil {
			if err := h.migrator.MigrateJoinTable(c.Context(), rel, src, tgt); err != nil {
				return fmt.Errorf("create join table: %w", err)
			}
		}
	}
	return nil
}

func (h *Handler) UpdateRelation(c *fiber.Ctx) error {
	name := c.Params("name")
	if h.registry.GetRelation(name) == nil {
		return engine.NotFoundError("relation", name)
	}

	var rel metadata.Relation
	if err := c.BodyParser(&rel); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	rel.Name = name
	if err := validateRelation(&rel, h.registry); err != nil {
		return engine.NewAppError("VALIDATION_FAILED", 422, err.Error())
	}

	defJSON, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("marshal relation: %w", err)
	}
	pb := h.store.Dialect.NewParamBuilder()
	_, err = store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("UPDATE _relations SET source = %s, target = %s, definition = %s, updated_at = %s WHERE name = %s",
			pb.Add(rel.Source), pb.Add(rel.Target), pb.Add(defJSON), h.store.Dialect.NowExpr(), pb.Add(name)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("update relation: %w", err)
	}

	if err := h.reload(c); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": rel})
}

func (h *Handler) DeleteRelation(c *fiber.Ctx) error {
	name := c.Params("name")
	if h.registry.GetRelation(name) == nil {
		return engine.NotFoundError("relation", name)
	}

	pb := h.store.Dialect.NewParamBuilder()
	_, err := store.Exec(c.Context(), h.store.DB,
		fmt.Sprintf("DELETE FROM _relations WHERE name = %s", pb.Add(name)),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete relation %s: %w", name, err)
	}

	if err := h.reload(c); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"name": name, "deleted": true}})
}

func (h *Handler) reload(c *fiber.Ctx) error {
	if err := metadata.Reload(c.Context(), h.store.DB, h.registry); err != nil {
		return fmt.Errorf("reload registry: %w", err)
	}
	return nil
}

func (h *Handler) fixBools(rows []map[string]any, cols []string) {
	if len(cols) > 0 && h.store.Dialect.NeedsBoolFix() {
		store.NormalizeBooleans(rows, cols)
	}
}

func emptyIfNil(rows []map[string]any) []map[string]any {
	if rows == nil {
		return []map[string]any{}
	}
	return rows
}
