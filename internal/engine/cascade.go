package engine

import (
	"context"
	"fmt"

	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

// CascadeDelete applies the on_delete policy of every relation the entity is
// source of, inside the caller's transaction and before the parent row goes:
//
//	cascade  - children follow the parent (soft-deleted when the target
//	           entity is soft-delete, removed otherwise)
//	set_null - children are orphaned by nulling the foreign key
//	restrict - the delete aborts with CONFLICT while children exist
//	detach   - join rows go, the records on the far side stay
func CascadeDelete(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, entity *metadata.Entity, recordID any) error {
	for _, rel := range reg.GetRelationsForSource(entity.Name) {
		if err := applyOnDelete(ctx, q, dialect, reg, rel, recordID); err != nil {
			return fmt.Errorf("on_delete for relation %s: %w", rel.Name, err)
		}
	}
	return nil
}

func applyOnDelete(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, rel *metadata.Relation, parentID any) error {
	target := reg.GetEntity(rel.Target)

	switch rel.OnDelete {
	case "cascade":
		if rel.IsManyToMany() {
			return removeJoinRows(ctx, q, dialect, rel, parentID)
		}
		if target == nil {
			return nil
		}
		pb := dialect.NewParamBuilder()
		var sql string
		if target.SoftDelete {
			sql = fmt.Sprintf("UPDATE %s SET deleted_at = %s WHERE %s = %s AND deleted_at IS NULL",
				target.Table, dialect.NowExpr(), rel.TargetKey, pb.Add(parentID))
		} else {
			sql = fmt.Sprintf("DELETE FROM %s WHERE %s = %s", target.Table, rel.TargetKey, pb.Add(parentID))
		}
		_, err := store.Exec(ctx, q, sql, pb.Params()...)
		return err

	case "set_null":
		if target == nil {
			return nil
		}
		pb := dialect.NewParamBuilder()
		sql := fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = %s",
			target.Table, rel.TargetKey, rel.TargetKey, pb.Add(parentID))
		_, err := store.Exec(ctx, q, sql, pb.Params()...)
		return err

	case "restrict":
		if target == nil {
			return nil
		}
		pb := dialect.NewParamBuilder()
		sql := fmt.Sprintf("SELECT COUNT(*) AS count FROM %s WHERE %s = %s", target.Table, rel.TargetKey, pb.Add(parentID))
		if target.SoftDelete {
			sql += " AND deleted_at IS NULL"
		}
		row, err := store.QueryRow(ctx, q, sql, pb.Params()...)
		if err != nil {
			return err
		}
		if count, ok := row["count"].(int64); ok && count > 0 {
			return ConflictError(fmt.Sprintf("Cannot delete: %d related %s records exist", count, rel.Target))
		}
		return nil

	case "detach":
		if rel.IsManyToMany() {
			return removeJoinRows(ctx, q, dialect, rel, parentID)
		}
		return nil
	}

	return nil
}

func removeJoinRows(ctx context.Context, q store.Querier, dialect store.Dialect, rel *metadata.Relation, parentID any) error {
	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", rel.JoinTable, rel.SourceJoinKey, pb.Add(parentID))
	_, err := store.Exec(ctx, q, sql, pb.Params()...)
	return err
}
