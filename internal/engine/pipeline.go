package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"loom-backend/internal/instrument"
	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

var (
	uuidRE = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	intRE  = regexp.MustCompile(`^\d+$`)
)

// ExecuteWritePlan runs a planned write as one transaction:
//
//	fetch old row -> rules -> state machines -> slug -> file fields ->
//	INSERT/UPDATE -> child writes -> sync before_write webhooks -> commit
//
// A failing sync webhook rolls the whole write back. After commit the fresh
// row is re-read, workflows are triggered for any state transition, and
// async after_write webhooks fire in the background.
func ExecuteWritePlan(ctx context.Context, s *store.Store, reg *metadata.Registry, plan *WritePlan) (map[string]any, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "writer", "write.execute")
	defer span.End()
	span.SetEntity(plan.Entity.Name, fmt.Sprintf("%v", plan.ID))

	fail := func(stage string, err error) (map[string]any, error) {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		if stage == "" {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", stage, err)
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fail("begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	old := map[string]any{}
	if !plan.IsCreate {
		if fetched, err := fetchRecord(ctx, tx, plan.Entity, plan.ID, s.Dialect); err == nil {
			old = fetched
		}
	}

	if errs := EvaluateRules(ctx, reg, plan.Entity.Name, "before_write", plan.Fields, old, plan.IsCreate); len(errs) > 0 {
		span.SetStatus("error")
		return nil, ValidationError(errs)
	}

	if errs := EvaluateStateMachines(ctx, reg, plan.Entity.Name, plan.Fields, old, plan.IsCreate); len(errs) > 0 {
		span.SetStatus("error")
		return nil, ValidationError(errs)
	}

	if err := autoGenerateSlug(ctx, tx, plan.Entity, s.Dialect, plan.Fields, plan.IsCreate, old, plan.ID); err != nil {
		return fail("", err)
	}

	if err := resolveFileFields(ctx, tx, plan.Entity, plan.Fields, s.Dialect); err != nil {
		return fail("", err)
	}

	var parentID any
	if plan.IsCreate {
		sql, params := BuildInsertSQL(plan.Entity, plan.Fields, s.Dialect)
		row, err := store.QueryRow(ctx, tx, sql, params...)
		if err != nil {
			return fail("insert "+plan.Entity.Table, s.Dialect.MapError(err))
		}
		parentID = row[plan.Entity.PrimaryKey.Field]
	} else {
		parentID = plan.ID
		sql, params := BuildUpdateSQL(plan.Entity, plan.ID, plan.Fields, s.Dialect)
		if sql != "" {
			if _, err := store.Exec(ctx, tx, sql, params...); err != nil {
				return fail("update "+plan.Entity.Table, s.Dialect.MapError(err))
			}
		}
	}

	for _, childOp := range plan.ChildOps {
		if err := ExecuteChildWrite(ctx, tx, s.Dialect, reg, parentID, childOp); err != nil {
			return fail("child write "+childOp.Relation.Name, s.Dialect.MapError(err))
		}
	}

	action := "update"
	if plan.IsCreate {
		action = "create"
	}
	if err := FireSyncWebhooks(ctx, tx, s.Dialect, reg, "before_write", plan.Entity.Name, action, plan.Fields, old, plan.User); err != nil {
		return fail("sync webhook", err)
	}

	if err := tx.Commit(); err != nil {
		return fail("commit", s.Dialect.MapError(err))
	}

	record, err := fetchRecord(ctx, s.DB, plan.Entity, parentID, s.Dialect)
	if err != nil {
		return fail("fetch record", err)
	}

	for _, sm := range reg.GetStateMachinesForEntity(plan.Entity.Name) {
		oldState := ""
		if v, ok := old[sm.Field]; ok && v != nil {
			oldState = fmt.Sprintf("%v", v)
		}
		newState := ""
		if v, ok := plan.Fields[sm.Field]; ok && v != nil {
			newState = fmt.Sprintf("%v", v)
		}
		if newState != "" && oldState != newState {
			TriggerWorkflows(ctx, s, reg, plan.Entity.Name, sm.Field, newState, record, parentID)
		}
	}

	FireAsyncWebhooks(ctx, s, reg, "after_write", plan.Entity.Name, action, record, old, plan.User)

	span.SetStatus("ok")
	return record, nil
}

// ExecuteDelete removes a record as one transaction: on_delete cascades for
// every relation the entity owns, then the row itself (soft when the entity
// says so), then sync before_delete webhooks. A restrict cascade or a failed
// sync webhook aborts with nothing deleted. Async after_delete webhooks fire
// post-commit with the record as it stood.
func ExecuteDelete(ctx context.Context, s *store.Store, reg *metadata.Registry, entity *metadata.Entity, id any, record map[string]any, user *metadata.UserContext) error {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "writer", "delete.execute")
	defer span.End()
	span.SetEntity(entity.Name, fmt.Sprintf("%v", id))

	fail := func(stage string, err error) error {
		span.SetStatus("error")
		span.SetMetadata("error", err.Error())
		if stage == "" {
			return err
		}
		return fmt.Errorf("%s: %w", stage, err)
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fail("begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := CascadeDelete(ctx, tx, s.Dialect, reg, entity, id); err != nil {
		return fail("", err)
	}

	var sql string
	var params []any
	if entity.SoftDelete {
		sql, params = BuildSoftDeleteSQL(entity, id, s.Dialect)
	} else {
		sql, params = BuildHardDeleteSQL(entity, id, s.Dialect)
	}
	affected, err := store.Exec(ctx, tx, sql, params...)
	if err != nil {
		return fail("delete "+entity.Table, err)
	}
	if affected == 0 {
		span.SetStatus("error")
		return NotFoundError(entity.Name, fmt.Sprintf("%v", id))
	}

	if err := FireSyncWebhooks(ctx, tx, s.Dialect, reg, "before_delete", entity.Name, "delete", record, nil, user); err != nil {
		return fail("sync webhook", err)
	}

	if err := tx.Commit(); err != nil {
		return fail("commit", err)
	}

	FireAsyncWebhooks(ctx, s, reg, "after_delete", entity.Name, "delete", record, nil, user)

	span.SetStatus("ok")
	return nil
}

// fetchRecord reads one row by primary key. For sluggable entities a
// parameter that does not look like the PK type is first tried against the
// slug field, so handlers accept either form of identifier.
func fetchRecord(ctx context.Context, q store.Querier, entity *metadata.Entity, id any, dialect store.Dialect) (map[string]any, error) {
	columns := entity.FieldNames()
	if entity.SoftDelete && entity.GetField("deleted_at") == nil {
		columns = append(columns, "deleted_at")
	}
	colList := strings.Join(columns, ", ")

	notDeleted := ""
	if entity.SoftDelete {
		notDeleted = " AND deleted_at IS NULL"
	}

	idStr := fmt.Sprintf("%v", id)
	if entity.Slug != nil && !looksLikePK(entity, idStr) {
		slugSQL := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s%s",
			colList, entity.Table, entity.Slug.Field, dialect.Placeholder(1), notDeleted)
		if row, err := store.QueryRow(ctx, q, slugSQL, idStr); err == nil {
			return row, nil
		}
	}

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s%s",
		colList, entity.Table, entity.PrimaryKey.Field, dialect.Placeholder(1), notDeleted)
	return store.QueryRow(ctx, q, sql, id)
}

func looksLikePK(entity *metadata.Entity, value string) bool {
	switch entity.PrimaryKey.Type {
	case "uuid":
		return uuidRE.MatchString(value)
	case "int", "integer", "bigint":
		return intRE.MatchString(value)
	default:
		// String PKs are indistinguishable from slugs; try the slug first.
		return false
	}
}

// resolveFileFields swaps a bare file id in a file-type field for the full
// metadata object ({id, filename, size, mime_type}) read from _files. Values
// that are already objects pass through, a dangling id is a 404.
func resolveFileFields(ctx context.Context, q store.Querier, entity *metadata.Entity, fields map[string]any, dialect store.Dialect) error {
	for _, f := range entity.Fields {
		if f.Type != "file" {
			continue
		}
		val, ok := fields[f.Name]
		if !ok || val == nil {
			continue
		}
		if _, isMap := val.(map[string]any); isMap {
			continue
		}
		fileID := fmt.Sprintf("%v", val)
		if !uuidRE.MatchString(fileID) {
			continue
		}

		row, err := store.QueryRow(ctx, q,
			fmt.Sprintf("SELECT id, filename, size, mime_type FROM _files WHERE id = %s", dialect.Placeholder(1)), fileID)
		if err != nil {
			return NewAppError("NOT_FOUND", 404, fmt.Sprintf("File %s not found", fileID))
		}

		fields[f.Name] = map[string]any{
			"id":        row["id"],
			"filename":  row["filename"],
			"size":      row["size"],
			"mime_type": row["mime_type"],
		}
	}
	return nil
}
