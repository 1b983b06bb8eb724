package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"loom-backend/internal/engine"
	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

// Export dumps the whole metadata catalog as one portable JSON document.
// Entities and relations come straight from their definition blobs;
// column-per-attribute tables are reassembled.
func (h *Handler) Export(c *fiber.Ctx) error {
	ctx := c.Context()

	entities, err := h.exportDefinitions(ctx, "_entities")
	if err != nil {
		return err
	}
	relations, err := h.exportDefinitions(ctx, "_relations")
	if err != nil {
		return err
	}

	rules, err := h.exportRows(ctx, "_rules",
		[]string{"entity", "hook", "type", "definition", "priority", "active"},
		"entity, priority", []string{"active"}, "")
	if err != nil {
		return err
	}
	stateMachines, err := h.exportRows(ctx, "_state_machines",
		[]string{"entity", "field", "definition", "active"},
		"entity", []string{"active"}, "")
	if err != nil {
		return err
	}
	workflows, err := h.exportRows(ctx, "_workflows",
		[]string{"name", "trigger", "context", "steps", "active"},
		"name", []string{"active"}, "")
	if err != nil {
		return err
	}
	permissions, err := h.exportRows(ctx, "_permissions",
		[]string{"entity", "action", "roles", "conditions"},
		"entity, action", nil, "roles")
	if err != nil {
		return err
	}
	webhooks, err := h.exportRows(ctx, "_webhooks",
		[]string{"entity", "hook", "url", "method", "headers", "condition", "async", "retry", "active"},
		"entity, hook", []string{"active", "async"}, "")
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": fiber.Map{
		"version":        1,
		"exported_at":    time.Now().UTC().Format(time.RFC3339),
		"entities":       entities,
		"relations":      relations,
		"rules":          rules,
		"state_machines": stateMachines,
		"workflows":      workflows,
		"permissions":    permissions,
		"webhooks":       webhooks,
	}})
}

func (h *Handler) exportDefinitions(ctx context.Context, table string) ([]any, error) {
	rows, err := store.QueryRows(ctx, h.store.DB,
		fmt.Sprintf("SELECT definition FROM %s ORDER BY name", table))
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", table, err)
	}
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, row["definition"])
	}
	return out, nil
}

func (h *Handler) exportRows(ctx context.Context, table string, cols []string, orderBy string, boolCols []string, rolesCol string) ([]map[string]any, error) {
	rows, err := store.QueryRows(ctx, h.store.DB,
		fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(cols, ", "), table, orderBy))
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", table, err)
	}
	h.fixBools(rows, boolCols)
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		entry := make(map[string]any, len(cols))
		for _, col := range cols {
			if col == rolesCol {
				entry[col] = metadata.ParseStringArray(row[col])
			} else {
				entry[col] = row[col]
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

type importPayload struct {
	Version       int                         `json:"version"`
	Entities      []map[string]any            `json:"entities"`
	Relations     []map[string]any            `json:"relations"`
	Rules         []map[string]any            `json:"rules"`
	StateMachines []map[string]any            `json:"state_machines"`
	Workflows     []map[string]any            `json:"workflows"`
	Permissions   []map[string]any            `json:"permissions"`
	Webhooks      []map[string]any            `json:"webhooks"`
	SampleData    map[string][]map[string]any `json:"sample_data"`
}

// importRun accumulates what happened during an import; individual failures
// are collected rather than aborting the whole run.
type importRun struct {
	summary map[string]int
	errors  []string
}

func (ir *importRun) fail(format string, args ...any) {
	ir.errors = append(ir.errors, fmt.Sprintf(format, args...))
}

// Import loads an exported catalog, skipping anything that already exists.
// Order matters: entities before relations before everything that names
// them, with registry reloads in between.
func (h *Handler) Import(c *fiber.Ctx) error {
	var payload importPayload
	if err := c.BodyParser(&payload); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if payload.Version != 1 {
		return engine.NewAppError("VALIDATION_FAILED", 422,
			fmt.Sprintf("Unsupported export version: %d", payload.Version))
	}

	ctx := c.Context()
	run := &importRun{summary: map[string]int{
		"entities": 0, "relations": 0, "rules": 0,
		"state_machines": 0, "workflows": 0,
		"permissions": 0, "webhooks": 0,
	}}

	h.importEntities(ctx, payload.Entities, run)
	_ = metadata.Reload(ctx, h.store.DB, h.registry)
	h.importRelations(ctx, payload.Relations, run)
	h.importKeyed(ctx, payload.Rules, run, "rules", "_rules",
		[]string{"entity", "hook", "type", "definition"}, "definition",
		[]string{"entity", "hook", "type", "definition", "priority", "active"})
	h.importKeyed(ctx, payload.StateMachines, run, "state_machines", "_state_machines",
		[]string{"entity", "field"}, "definition",
		[]string{"entity", "field", "definition", "active"})
	h.importWorkflows(ctx, payload.Workflows, run)
	h.importPermissions(ctx, payload.Permissions, run)
	h.importWebhooks(ctx, payload.Webhooks, run)
	_ = metadata.Reload(ctx, h.store.DB, h.registry)

	if len(payload.SampleData) > 0 {
		h.importSampleData(ctx, &payload, run)
	}

	result := fiber.Map{"message": "Import completed", "summary": run.summary}
	if len(run.errors) > 0 {
		result["errors"] = run.errors
	}
	return c.JSON(fiber.Map{"data": result})
}

func (h *Handler) importEntities(ctx context.Context, raws []map[string]any, run *importRun) {
	for _, raw := range raws {
		name, _ := raw["name"].(string)
		table, _ := raw["table"].(string)
		if name == "" || table == "" || h.registry.GetEntity(name) != nil {
			continue
		}
		defJSON, err := json.Marshal(raw)
		if err != nil {
			run.fail("Entity %s: %v", name, err)
			continue
		}
		pb := h.store.Dialect.NewParamBuilder()
		_, err = store.Exec(ctx, h.store.DB,
			fmt.Sprintf("INSERT INTO _entities (name, table_name, definition) VALUES (%s, %s, %s)",
				pb.Add(name), pb.Add(table), pb.Add(defJSON)),
			pb.Params()...)
		if err != nil {
			run.fail("Entity %s: %v", name, err)
			continue
		}
		var entity metadata.Entity
		if err := json.Unmarshal(defJSON, &entity); err == nil {
			_ = h.migrator.Migrate(ctx, &entity)
		}
		run.summary["entities"]++
	}
}

func (h *Handler) importRelations(ctx context.Context, raws []map[string]any, run *importRun) {
	for _, raw := range raws {
		name, _ := raw["name"].(string)
		if name == "" || h.registry.GetRelation(name) != nil {
			continue
		}
		defJSON, err := json.Marshal(raw)
		if err != nil {
			run.fail("Relation %s: %v", name, err)
			continue
		}
		pb := h.store.Dialect.NewParamBuilder()
		_, err = store.Exec(ctx, h.store.DB,
			fmt.Sprintf("INSERT INTO _relations (name, source, target, definition) VALUES (%s, %s, %s, %s)",
				pb.Add(name), pb.Add(raw["source"]), pb.Add(raw["target"]), pb.Add(defJSON)),
			pb.Params()...)
		if err != nil {
			run.fail("Relation %s: %v", name, err)
			continue
		}
		var rel metadata.Relation
		if err := json.Unmarshal(defJSON, &rel); err == nil && rel.IsManyToMany() {
			src := h.registry.GetEntity(rel.Source)
			tgt := h.registry.GetEntity(rel.Target)
			if src != nil && tgt != nil {
				_ = h.migrator.MigrateJoinTable(ctx, &rel, src, tgt)
			}
		}
		run.summary["relations"]++
	}
}

// importKeyed handles rules and state machines: dedup on the key columns
// (marshalling jsonCol as JSON for comparison), insert the value columns.
func (h *Handler) importKeyed(ctx context.Context, raws []map[string]any, run *importRun,
	summaryKey, table string, keyCols []string, jsonCol string, insertCols []string) {

	rowKey := func(row map[string]any) string {
		parts := make([]string, 0, len(keyCols))
		for _, col := range keyCols {
			if col == jsonCol {
				b, _ := json.Marshal(row[col])
				parts = append(parts, string(b))
			} else {
				parts = append(parts, fmt.Sprintf("%v", row[col]))
			}
		}
		return strings.Join(parts, "|")
	}

	existing, _ := store.QueryRows(ctx, h.store.DB,
		fmt.Sprintf("SELECT %s FROM %s", strings.Join(keyCols, ", "), table))
	seen := make(map[string]bool, len(existing))
	for _, row := range existing {
		seen[rowKey(row)] = true
	}

	for _, raw := range raws {
		key := rowKey(raw)
		if seen[key] {
			continue
		}
		pb := h.store.Dialect.NewParamBuilder()
		placeholders := []string{pb.Add(store.GenerateUUID())}
		for _, col := range insertCols {
			val := raw[col]
			if col == jsonCol {
				b, _ := json.Marshal(val)
				val = b
			}
			placeholders = append(placeholders, pb.Add(val))
		}
		_, err := store.Exec(ctx, h.store.DB,
			fmt.Sprintf("INSERT INTO %s (id, %s) VALUES (%s)",
				table, strings.Join(insertCols, ", "), strings.Join(placeholders, ", ")),
			pb.Params()...)
		if err != nil {
			run.fail("%s (%s): %v", table, key, err)
			continue
		}
		seen[key] = true
		run.summary[summaryKey]++
	}
}

func (h *Handler) importWorkflows(ctx context.Context, raws []map[string]any, run *importRun) {
	for _, raw := range raws {
		name, _ := raw["name"].(string)
		if name == "" {
			continue
		}
		pb := h.store.Dialect.NewParamBuilder()
		if _, err := store.QueryRow(ctx, h.store.DB,
			fmt.Sprintf("SELECT id FROM _workflows WHERE name = %s", pb.Add(name)),
			pb.Params()...); err == nil {
			continue
		}
		triggerJSON, _ := json.Marshal(raw["trigger"])
		contextJSON, _ := json.Marshal(raw["context"])
		stepsJSON, _ := json.Marshal(raw["steps"])
		pb = h.store.Dialect.NewParamBuilder()
		_, err := store.Exec(ctx, h.store.DB,
			fmt.Sprintf("INSERT INTO _workflows (id, name, trigger, context, steps, active) VALUES (%s, %s, %s, %s, %s, %s)",
				pb.Add(store.GenerateUUID()), pb.Add(name), pb.Add(triggerJSON), pb.Add(contextJSON), pb.Add(stepsJSON), pb.Add(raw["active"])),
			pb.Params()...)
		if err != nil {
			run.fail("Workflow %s: %v", name, err)
			continue
		}
		run.summary["workflows"]++
	}
}

func (h *Handler) importPermissions(ctx context.Context, raws []map[string]any, run *importRun) {
	existing, _ := store.QueryRows(ctx, h.store.DB, "SELECT entity, action FROM _permissions")
	seen := make(map[string]bool, len(existing))
	for _, row := range existing {
		seen[fmt.Sprintf("%v|%v", row["entity"], row["action"])] = true
	}
	for _, raw := range raws {
		key := fmt.Sprintf("%v|%v", raw["entity"], raw["action"])
		if seen[key] {
			continue
		}
		condJSON, _ := json.Marshal(raw["conditions"])
		roles := metadata.ParseStringArray(raw["roles"])
		pb := h.store.Dialect.NewParamBuilder()
		_, err := store.Exec(ctx, h.store.DB,
			fmt.Sprintf("INSERT INTO _permissions (id, entity, action, roles, conditions) VALUES (%s, %s, %s, %s, %s)",
				pb.Add(store.GenerateUUID()), pb.Add(raw["entity"]), pb.Add(raw["action"]),
				pb.Add(h.store.Dialect.ArrayParam(roles)), pb.Add(condJSON)),
			pb.Params()...)
		if err != nil {
			run.fail("Permission (%s): %v", key, err)
			continue
		}
		seen[key] = true
		run.summary["permissions"]++
	}
}

func (h *Handler) importWebhooks(ctx context.Context, raws []map[string]any, run *importRun) {
	existing, _ := store.QueryRows(ctx, h.store.DB, "SELECT entity, hook, url FROM _webhooks")
	seen := make(map[string]bool, len(existing))
	for _, row := range existing {
		seen[fmt.Sprintf("%v|%v|%v", row["entity"], row["hook"], row["url"])] = true
	}
	for _, raw := range raws {
		key := fmt.Sprintf("%v|%v|%v", raw["entity"], raw["hook"], raw["url"])
		if seen[key] {
			continue
		}
		orDefault := func(k string, def any) any {
			if raw[k] == nil {
				return def
			}
			return raw[k]
		}
		headersJSON, _ := json.Marshal(raw["headers"])
		retryJSON, _ := json.Marshal(raw["retry"])
		pb := h.store.Dialect.NewParamBuilder()
		_, err := store.Exec(ctx, h.store.DB,
			fmt.Sprintf(`INSERT INTO _webhooks (id, entity, hook, url, method, headers, condition, async, retry, active)
			 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
				pb.Add(store.GenerateUUID()), pb.Add(raw["entity"]), pb.Add(orDefault("hook", "after_write")),
				pb.Add(raw["url"]), pb.Add(orDefault("method", "POST")), pb.Add(string(headersJSON)),
				pb.Add(orDefault("condition", "")), pb.Add(orDefault("async", true)),
				pb.Add(string(retryJSON)), pb.Add(orDefault("active", true))),
			pb.Params()...)
		if err != nil {
			run.fail("Webhook (%s): %v", key, err)
			continue
		}
		seen[key] = true
		run.summary["webhooks"]++
	}
}

// importSampleData inserts seed records straight into the business tables,
// entity tables first, then join tables named by the payload's relations.
func (h *Handler) importSampleData(ctx context.Context, payload *importPayload, run *importRun) {
	run.summary["records"] = 0

	for _, entRaw := range payload.Entities {
		name, _ := entRaw["name"].(string)
		entity := h.registry.GetEntity(name)
		if entity == nil {
			continue
		}
		records := payload.SampleData[name]
		if len(records) == 0 {
			continue
		}
		fieldTypes := make(map[string]string, len(entity.Fields))
		for _, f := range entity.Fields {
			fieldTypes[f.Name] = f.Type
		}
		for _, record := range records {
			if h.insertSampleRow(ctx, entity.Table, record, func(key string, val any) (any, bool) {
				ft, ok := fieldTypes[key]
				if !ok {
					return nil, false
				}
				// JSON numbers arrive as float64; integer columns want int64.
				if f, isFloat := val.(float64); isFloat {
					switch ft {
					case "integer", "int", "bigint":
						return int64(f), true
					}
				}
				return val, true
			}, run, name) {
				run.summary["records"]++
			}
		}
	}

	for key, records := range payload.SampleData {
		if h.registry.GetEntity(key) != nil || len(records) == 0 {
			continue
		}
		var validCols map[string]bool
		for _, rel := range payload.Relations {
			if jt, _ := rel["join_table"].(string); jt == key {
				sjk, _ := rel["source_join_key"].(string)
				tjk, _ := rel["target_join_key"].(string)
				validCols = map[string]bool{sjk: true, tjk: true}
				break
			}
		}
		if validCols == nil {
			continue
		}
		for _, record := range records {
			if h.insertSampleRow(ctx, key, record, func(k string, v any) (any, bool) {
				return v, validCols[k]
			}, run, key) {
				run.summary["records"]++
			}
		}
	}
}

func (h *Handler) insertSampleRow(ctx context.Context, table string, record map[string]any,
	coerce func(string, any) (any, bool), run *importRun, label string) bool {

	pb := h.store.Dialect.NewParamBuilder()
	cols := make([]string, 0, len(record))
	placeholders := make([]string, 0, len(record))
	for key, val := range record {
		v, ok := coerce(key, val)
		if !ok {
			continue
		}
		cols = append(cols, `"`+key+`"`)
		placeholders = append(placeholders, pb.Add(v))
	}
	if len(cols) == 0 {
		return false
	}
	_, err := store.Exec(ctx, h.store.DB,
		fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s) ON CONFLICT DO NOTHING`,
			table, strings.Join(cols, ", "), strings.Join(placeholders, ", ")),
		pb.Params()...)
	if err != nil {
		run.fail("Record %s: %v", label, err)
		return false
	}
	return true
}
