package admin

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"loom-backend/internal/engine"
	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

// colValue is one column of a definition row, in insert order.
type colValue struct {
	col string
	val any
}

// definitionResource describes one id-keyed metadata table well enough for
// the generic CRUD handlers below. The five definition resources (rules,
// state machines, workflows, permissions, webhooks) differ only in columns,
// validation and how the request body maps onto them.
type definitionResource struct {
	path     string // URL segment under /api/_admin
	label    string // singular, for error messages
	table    string
	columns  []string
	boolCols []string
	rolesCol string // column to decode from TEXT[]/JSON into []string, if any
	orderBy  string
	// build validates the body and maps it to column values. A non-empty
	// second return is a 422 message.
	build func(h *Handler, c *fiber.Ctx) ([]colValue, string, error)
}

func definitionResources() []definitionResource {
	return []definitionResource{
		{
			path: "rules", label: "rule", table: "_rules",
			columns:  []string{"entity", "hook", "type", "definition", "priority", "active"},
			boolCols: []string{"active"},
			orderBy:  "entity, priority",
			build:    buildRule,
		},
		{
			path: "state-machines", label: "state machine", table: "_state_machines",
			columns:  []string{"entity", "field", "definition", "active"},
			boolCols: []string{"active"},
			orderBy:  "entity",
			build:    buildStateMachine,
		},
		{
			path: "workflows", label: "workflow", table: "_workflows",
			columns:  []string{"name", "trigger", "context", "steps", "active"},
			boolCols: []string{"active"},
			orderBy:  "name",
			build:    buildWorkflow,
		},
		{
			path: "permissions", label: "permission", table: "_permissions",
			columns:  []string{"entity", "action", "roles", "conditions"},
			rolesCol: "roles",
			orderBy:  "entity, action",
			build:    buildPermission,
		},
		{
			path: "webhooks", label: "webhook", table: "_webhooks",
			columns:  []string{"entity", "hook", "url", "method", "headers", "condition", "async", "retry", "active"},
			boolCols: []string{"active", "async"},
			orderBy:  "entity, hook",
			build:    buildWebhook,
		},
	}
}

func (r definitionResource) selectList() string {
	return "id, " + strings.Join(r.columns, ", ") + ", created_at, updated_at"
}

func (h *Handler) normalizeRows(r definitionResource, rows []map[string]any) {
	h.fixBools(rows, r.boolCols)
	if r.rolesCol != "" {
		for _, row := range rows {
			row[r.rolesCol] = metadata.ParseStringArray(row[r.rolesCol])
		}
	}
}

func (h *Handler) listResource(r definitionResource) fiber.Handler {
	return func(c *fiber.Ctx) error {
		rows, err := store.QueryRows(c.Context(), h.store.DB,
			fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", r.selectList(), r.table, r.orderBy))
		if err != nil {
			return fmt.Errorf("list %s: %w", r.table, err)
		}
		rows = emptyIfNil(rows)
		h.normalizeRows(r, rows)
		return c.JSON(fiber.Map{"data": rows})
	}
}

func (h *Handler) getResource(r definitionResource) fiber.Handler {
	return func(c *fiber.Ctx) error {
		row, err := h.fetchResource(c, r, c.Params("id"))
		if err != nil {
			return engine.NotFoundError(r.label, c.Params("id"))
		}
		return c.JSON(fiber.Map{"data": row})
	}
}

func (h *Handler) createResource(r definitionResource) fiber.Handler {
	return func(c *fiber.Ctx) error {
		values, msg, err := r.build(h, c)
		if err != nil {
			return err
		}
		if msg != "" {
			return engine.NewAppError("VALIDATION_FAILED", 422, msg)
		}

		id := store.GenerateUUID()
		pb := h.store.Dialect.NewParamBuilder()
		cols := []string{"id"}
		placeholders := []string{pb.Add(id)}
		for _, cv := range values {
			cols = append(cols, cv.col)
			placeholders = append(placeholders, pb.Add(cv.val))
		}
		_, err = store.Exec(c.Context(), h.store.DB,
			fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
				r.table, strings.Join(cols, ", "), strings.Join(placeholders, ", ")),
			pb.Params()...)
		if err != nil {
			return fmt.Errorf("insert %s: %w", r.label, err)
		}

		if err := h.reload(c); err != nil {
			return err
		}
		row, err := h.fetchResource(c, r, id)
		if err != nil {
			return fmt.Errorf("fetch created %s: %w", r.label, err)
		}
		return c.Status(201).JSON(fiber.Map{"data": row})
	}
}

func (h *Handler) updateResource(r definitionResource) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")
		if !h.resourceExists(c, r, id) {
			return engine.NotFoundError(r.label, id)
		}

		values, msg, err := r.build(h, c)
		if err != nil {
			return err
		}
		if msg != "" {
			return engine.NewAppError("VALIDATION_FAILED", 422, msg)
		}

		pb := h.store.Dialect.NewParamBuilder()
		var sets []string
		for _, cv := range values {
			sets = append(sets, cv.col+" = "+pb.Add(cv.val))
		}
		sets = append(sets, "updated_at = "+h.store.Dialect.NowExpr())
		_, err = store.Exec(c.Context(), h.store.DB,
			fmt.Sprintf("UPDATE %s SET %s WHERE id = %s", r.table, strings.Join(sets, ", "), pb.Add(id)),
			pb.Params()...)
		if err != nil {
			return fmt.Errorf("update %s: %w", r.label, err)
		}

		if err := h.reload(c); err != nil {
			return err
		}
		row, err := h.fetchResource(c, r, id)
		if err != nil {
			return fmt.Errorf("fetch updated %s: %w", r.label, err)
		}
		return c.JSON(fiber.Map{"data": row})
	}
}

func (h *Handler) deleteResource(r definitionResource) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Params("id")
		if !h.resourceExists(c, r, id) {
			return engine.NotFoundError(r.label, id)
		}

		pb := h.store.Dialect.NewParamBuilder()
		_, err := store.Exec(c.Context(), h.store.DB,
			fmt.Sprintf("DELETE FROM %s WHERE id = %s", r.table, pb.Add(id)),
			pb.Params()...)
		if err != nil {
			return fmt.Errorf("delete %s %s: %w", r.label, id, err)
		}

		if err := h.reload(c); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"data": fiber.Map{"id": id, "deleted": true}})
	}
}

func (h *Handler) fetchResource(c *fiber.Ctx, r definitionResource, id string) (map[string]any, error) {
	pb := h.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(c.Context(), h.store.DB,
		fmt.Sprintf("SELECT %s FROM %s WHERE id = %s", r.selectList(), r.table, pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return nil, err
	}
	h.normalizeRows(r, []map[string]any{row})
	return row, nil
}

func (h *Handler) resourceExists(c *fiber.Ctx, r definitionResource, id string) bool {
	pb := h.store.Dialect.NewParamBuilder()
	_, err := store.QueryRow(c.Context(), h.store.DB,
		fmt.Sprintf("SELECT id FROM %s WHERE id = %s", r.table, pb.Add(id)),
		pb.Params()...)
	return err == nil
}

func buildRule(h *Handler, c *fiber.Ctx) ([]colValue, string, error) {
	var rule metadata.Rule
	if err := c.BodyParser(&rule); err != nil {
		return nil, "", engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if err := validateRule(&rule, h.registry); err != nil {
		return nil, err.Error(), nil
	}
	defJSON, err := json.Marshal(rule.Definition)
	if err != nil {
		return nil, "", fmt.Errorf("marshal rule definition: %w", err)
	}
	return []colValue{
		{"entity", rule.Entity},
		{"hook", rule.Hook},
		{"type", rule.Type},
		{"definition", defJSON},
		{"priority", rule.Priority},
		{"active", rule.Active},
	}, "", nil
}

func buildStateMachine(h *Handler, c *fiber.Ctx) ([]colValue, string, error) {
	var sm metadata.StateMachine
	if err := c.BodyParser(&sm); err != nil {
		return nil, "", engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if err := validateStateMachine(&sm, h.registry); err != nil {
		return nil, err.Error(), nil
	}
	defJSON, err := json.Marshal(sm.Definition)
	if err != nil {
		return nil, "", fmt.Errorf("marshal state machine definition: %w", err)
	}
	return []colValue{
		{"entity", sm.Entity},
		{"field", sm.Field},
		{"definition", defJSON},
		{"active", sm.Active},
	}, "", nil
}

func buildWorkflow(h *Handler, c *fiber.Ctx) ([]colValue, string, error) {
	var wf metadata.Workflow
	if err := c.BodyParser(&wf); err != nil {
		return nil, "", engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if err := validateWorkflow(&wf, h.registry); err != nil {
		return nil, err.Error(), nil
	}
	triggerJSON, _ := json.Marshal(wf.Trigger)
	contextJSON, _ := json.Marshal(wf.Context)
	stepsJSON, _ := json.Marshal(wf.Steps)
	return []colValue{
		{"name", wf.Name},
		{"trigger", triggerJSON},
		{"context", contextJSON},
		{"steps", stepsJSON},
		{"active", wf.Active},
	}, "", nil
}

func buildPermission(h *Handler, c *fiber.Ctx) ([]colValue, string, error) {
	var perm metadata.Permission
	if err := c.BodyParser(&perm); err != nil {
		return nil, "", engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if perm.Entity == "" {
		return nil, "entity is required", nil
	}
	switch perm.Action {
	case "read", "create", "update", "delete":
	default:
		return nil, "action must be read, create, update, or delete", nil
	}
	if perm.Roles == nil {
		perm.Roles = []string{}
	}
	condJSON, err := json.Marshal(perm.Conditions)
	if err != nil {
		return nil, "", fmt.Errorf("marshal conditions: %w", err)
	}
	return []colValue{
		{"entity", perm.Entity},
		{"action", perm.Action},
		{"roles", h.store.Dialect.ArrayParam(perm.Roles)},
		{"conditions", condJSON},
	}, "", nil
}

func buildWebhook(h *Handler, c *fiber.Ctx) ([]colValue, string, error) {
	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return nil, "", engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if msg := validateWebhook(body); msg != "" {
		return nil, msg, nil
	}

	setDefault := func(key string, v any) {
		if body[key] == nil {
			body[key] = v
		}
	}
	setDefault("hook", "after_write")
	setDefault("method", "POST")
	setDefault("async", true)
	setDefault("active", true)
	setDefault("headers", map[string]any{})
	setDefault("condition", "")
	setDefault("retry", map[string]any{"max_attempts": 3, "backoff": "exponential"})

	headersJSON, _ := json.Marshal(body["headers"])
	retryJSON, _ := json.Marshal(body["retry"])
	return []colValue{
		{"entity", body["entity"]},
		{"hook", body["hook"]},
		{"url", body["url"]},
		{"method", body["method"]},
		{"headers", string(headersJSON)},
		{"condition", body["condition"]},
		{"async", body["async"]},
		{"retry", string(retryJSON)},
		{"active", body["active"]},
	}, "", nil
}
