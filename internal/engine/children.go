package engine

import (
	"context"
	"fmt"
	"strings"

	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

// Child writes run inside the parent's transaction. Three modes:
//
//	diff    - update rows by PK, insert rows without one, delete rows
//	          carrying "_delete": true; untouched rows stay
//	replace - like diff, but rows absent from the payload are deleted
//	append  - insert-only; rows carrying a PK are skipped
//
// Many-to-many relations apply the same modes to the join table, where rows
// are identified by the target record's id.

// ExecuteChildWrite applies one nested relation payload under the parent id.
func ExecuteChildWrite(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, parentID any, rw *RelationWrite) error {
	if rw.Relation.IsManyToMany() {
		return executeJoinTableWrite(ctx, q, dialect, reg, parentID, rw)
	}
	return executeChildRowWrite(ctx, q, dialect, reg, parentID, rw)
}

func executeChildRowWrite(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, parentID any, rw *RelationWrite) error {
	rel := rw.Relation
	target := reg.GetEntity(rel.Target)
	if target == nil {
		return fmt.Errorf("unknown target entity: %s", rel.Target)
	}

	switch rw.WriteMode {
	case "replace":
		return childRowsReplace(ctx, q, dialect, target, rel, parentID, rw.Data)
	case "append":
		return childRowsAppend(ctx, q, dialect, target, rel, parentID, rw.Data)
	default:
		return childRowsDiff(ctx, q, dialect, target, rel, parentID, rw.Data)
	}
}

func childRowsDiff(ctx context.Context, q store.Querier, dialect store.Dialect, target *metadata.Entity, rel *metadata.Relation, parentID any, data []map[string]any) error {
	pkField := target.PrimaryKey.Field

	existing, err := fetchCurrentChildren(ctx, q, dialect, target, rel, parentID)
	if err != nil {
		return err
	}
	byPK := indexByPK(existing, pkField)

	for _, row := range data {
		if isDeleteMarker(row) {
			// A _delete marker without a PK has nothing to point at; ignore it.
			if pk := row[pkField]; pk != nil {
				if err := deleteChild(ctx, q, dialect, target, pk); err != nil {
					return err
				}
			}
			continue
		}

		pk := row[pkField]
		if pk == nil {
			row[rel.TargetKey] = parentID
			if err := insertChild(ctx, q, dialect, target, row); err != nil {
				return err
			}
			continue
		}
		// Updates only apply to rows currently attached to this parent;
		// a foreign PK in the payload cannot steal another parent's child.
		if _, attached := byPK[fmt.Sprintf("%v", pk)]; attached {
			if err := updateChild(ctx, q, dialect, target, pk, row); err != nil {
				return err
			}
		}
	}

	return nil
}

func childRowsReplace(ctx context.Context, q store.Querier, dialect store.Dialect, target *metadata.Entity, rel *metadata.Relation, parentID any, data []map[string]any) error {
	pkField := target.PrimaryKey.Field

	existing, err := fetchCurrentChildren(ctx, q, dialect, target, rel, parentID)
	if err != nil {
		return err
	}
	byPK := indexByPK(existing, pkField)
	seen := make(map[string]bool, len(data))

	for _, row := range data {
		pk := row[pkField]
		if pk == nil {
			row[rel.TargetKey] = parentID
			if err := insertChild(ctx, q, dialect, target, row); err != nil {
				return err
			}
			continue
		}
		pkStr := fmt.Sprintf("%v", pk)
		if _, attached := byPK[pkStr]; attached {
			seen[pkStr] = true
			if err := updateChild(ctx, q, dialect, target, pk, row); err != nil {
				return err
			}
		}
	}

	for pkStr, row := range byPK {
		if !seen[pkStr] {
			if err := deleteChild(ctx, q, dialect, target, row[pkField]); err != nil {
				return err
			}
		}
	}

	return nil
}

func childRowsAppend(ctx context.Context, q store.Querier, dialect store.Dialect, target *metadata.Entity, rel *metadata.Relation, parentID any, data []map[string]any) error {
	pkField := target.PrimaryKey.Field
	for _, row := range data {
		if row[pkField] != nil {
			continue
		}
		row[rel.TargetKey] = parentID
		if err := insertChild(ctx, q, dialect, target, row); err != nil {
			return err
		}
	}
	return nil
}

func executeJoinTableWrite(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, parentID any, rw *RelationWrite) error {
	rel := rw.Relation
	target := reg.GetEntity(rel.Target)
	if target == nil {
		return fmt.Errorf("unknown target entity: %s", rel.Target)
	}

	switch rw.WriteMode {
	case "replace":
		pb := dialect.NewParamBuilder()
		delSQL := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", rel.JoinTable, rel.SourceJoinKey, pb.Add(parentID))
		if _, err := store.Exec(ctx, q, delSQL, pb.Params()...); err != nil {
			return fmt.Errorf("clear join rows: %w", err)
		}
		for _, row := range rw.Data {
			targetID := joinTargetID(row, target)
			if targetID == nil {
				continue
			}
			if err := insertJoinRow(ctx, q, dialect, rel, parentID, targetID, false); err != nil {
				return err
			}
		}

	case "append":
		for _, row := range rw.Data {
			targetID := joinTargetID(row, target)
			if targetID == nil {
				continue
			}
			if err := insertJoinRow(ctx, q, dialect, rel, parentID, targetID, true); err != nil {
				return err
			}
		}

	default: // diff
		pb := dialect.NewParamBuilder()
		curSQL := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
			rel.TargetJoinKey, rel.JoinTable, rel.SourceJoinKey, pb.Add(parentID))
		currentRows, err := store.QueryRows(ctx, q, curSQL, pb.Params()...)
		if err != nil {
			return fmt.Errorf("fetch join rows: %w", err)
		}
		attached := make(map[string]bool, len(currentRows))
		for _, r := range currentRows {
			if v := r[rel.TargetJoinKey]; v != nil {
				attached[fmt.Sprintf("%v", v)] = true
			}
		}

		for _, row := range rw.Data {
			targetID := joinTargetID(row, target)
			if targetID == nil {
				continue
			}
			if isDeleteMarker(row) {
				pb := dialect.NewParamBuilder()
				delSQL := fmt.Sprintf("DELETE FROM %s WHERE %s = %s AND %s = %s",
					rel.JoinTable, rel.SourceJoinKey, pb.Add(parentID), rel.TargetJoinKey, pb.Add(targetID))
				if _, err := store.Exec(ctx, q, delSQL, pb.Params()...); err != nil {
					return fmt.Errorf("detach join row: %w", err)
				}
				continue
			}
			if !attached[fmt.Sprintf("%v", targetID)] {
				if err := insertJoinRow(ctx, q, dialect, rel, parentID, targetID, false); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func isDeleteMarker(row map[string]any) bool {
	del, ok := row["_delete"]
	return ok && del == true
}

func joinTargetID(row map[string]any, target *metadata.Entity) any {
	if id := row[target.PrimaryKey.Field]; id != nil {
		return id
	}
	return row["id"]
}

func fetchCurrentChildren(ctx context.Context, q store.Querier, dialect store.Dialect, entity *metadata.Entity, rel *metadata.Relation, parentID any) ([]map[string]any, error) {
	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		strings.Join(entity.FieldNames(), ", "), entity.Table, rel.TargetKey, pb.Add(parentID))
	if entity.SoftDelete {
		sql += " AND deleted_at IS NULL"
	}
	return store.QueryRows(ctx, q, sql, pb.Params()...)
}

func indexByPK(rows []map[string]any, pkField string) map[string]map[string]any {
	m := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		if pk := row[pkField]; pk != nil {
			m[fmt.Sprintf("%v", pk)] = row
		}
	}
	return m
}

// insertChild and updateChild validate the row the same way top-level writes
// are validated: a missing required field or an enum violation is a 422, not
// a driver error surfacing as a 500.
func insertChild(ctx context.Context, q store.Querier, dialect store.Dialect, entity *metadata.Entity, fields map[string]any) error {
	if errs := ValidateFields(entity, fields, true); len(errs) > 0 {
		return ValidationError(errs)
	}
	sql, params := BuildInsertSQL(entity, fields, dialect)
	if _, err := store.QueryRows(ctx, q, sql, params...); err != nil {
		return fmt.Errorf("insert %s: %w", entity.Table, err)
	}
	return nil
}

func updateChild(ctx context.Context, q store.Querier, dialect store.Dialect, entity *metadata.Entity, id any, fields map[string]any) error {
	if errs := ValidateFields(entity, fields, false); len(errs) > 0 {
		return ValidationError(errs)
	}
	sql, params := BuildUpdateSQL(entity, id, fields, dialect)
	if sql == "" {
		return nil
	}
	if _, err := store.Exec(ctx, q, sql, params...); err != nil {
		return fmt.Errorf("update %s: %w", entity.Table, err)
	}
	return nil
}

// deleteChild honors the target entity's delete mode: soft-deleted entities
// keep the row with deleted_at stamped, others lose it.
func deleteChild(ctx context.Context, q store.Querier, dialect store.Dialect, entity *metadata.Entity, id any) error {
	var sql string
	var params []any
	if entity.SoftDelete {
		sql, params = BuildSoftDeleteSQL(entity, id, dialect)
	} else {
		sql, params = BuildHardDeleteSQL(entity, id, dialect)
	}
	if _, err := store.Exec(ctx, q, sql, params...); err != nil {
		return fmt.Errorf("delete %s: %w", entity.Table, err)
	}
	return nil
}

func insertJoinRow(ctx context.Context, q store.Querier, dialect store.Dialect, rel *metadata.Relation, sourceID, targetID any, ignoreConflict bool) error {
	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (%s, %s)",
		rel.JoinTable, rel.SourceJoinKey, rel.TargetJoinKey, pb.Add(sourceID), pb.Add(targetID))
	if ignoreConflict {
		sql += " ON CONFLICT DO NOTHING"
	}
	if _, err := store.Exec(ctx, q, sql, pb.Params()...); err != nil {
		return fmt.Errorf("insert join row in %s: %w", rel.JoinTable, err)
	}
	return nil
}
