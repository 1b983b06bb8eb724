package engine

import (
	"context"
	"fmt"
	"strings"

	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

// LoadIncludes eagerly attaches related rows to an already-fetched result
// set, one batched query per include rather than one per row. The direction
// of each relation decides the shape: forward one-to-many yields arrays,
// one-to-one a single object or null, reverse relations the referenced
// parent object.
func LoadIncludes(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, entity *metadata.Entity, rows []map[string]any, includes []string) error {
	if len(rows) == 0 || len(includes) == 0 {
		return nil
	}

	for _, incName := range includes {
		rel := reg.FindRelationForEntity(incName, entity.Name)
		if rel == nil {
			continue
		}
		var err error
		switch {
		case rel.Source == entity.Name:
			err = loadForwardRelation(ctx, q, dialect, reg, entity, rel, rows, incName)
		case rel.Target == entity.Name:
			err = loadReverseRelation(ctx, q, dialect, reg, rel, rows, incName)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func loadForwardRelation(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, parent *metadata.Entity, rel *metadata.Relation, rows []map[string]any, incName string) error {
	parentPK := parent.PrimaryKey.Field
	parentIDs := collectValues(rows, parentPK)
	if len(parentIDs) == 0 {
		return nil
	}

	if rel.IsManyToMany() {
		return loadManyToMany(ctx, q, dialect, reg, rel, rows, parentPK, parentIDs, incName)
	}

	target := reg.GetEntity(rel.Target)
	if target == nil {
		return fmt.Errorf("unknown target entity: %s", rel.Target)
	}

	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(target.FieldNames(), ", "), target.Table,
		dialect.InExpr(rel.TargetKey, pb, parentIDs))
	if target.SoftDelete {
		sql += " AND deleted_at IS NULL"
	}

	childRows, err := store.QueryRows(ctx, q, sql, pb.Params()...)
	if err != nil {
		return fmt.Errorf("load include %s: %w", incName, err)
	}

	grouped := make(map[string][]map[string]any)
	for _, child := range childRows {
		fk := fmt.Sprintf("%v", child[rel.TargetKey])
		grouped[fk] = append(grouped[fk], child)
	}

	for _, row := range rows {
		pk := fmt.Sprintf("%v", row[parentPK])
		if rel.IsOneToOne() {
			if children := grouped[pk]; len(children) > 0 {
				row[incName] = children[0]
			} else {
				row[incName] = nil
			}
		} else {
			if grouped[pk] == nil {
				row[incName] = []map[string]any{}
			} else {
				row[incName] = grouped[pk]
			}
		}
	}

	return nil
}

func loadManyToMany(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, rel *metadata.Relation, rows []map[string]any, parentPK string, parentIDs []any, incName string) error {
	target := reg.GetEntity(rel.Target)
	if target == nil {
		return fmt.Errorf("unknown target entity: %s", rel.Target)
	}

	pb := dialect.NewParamBuilder()
	joinSQL := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s",
		rel.SourceJoinKey, rel.TargetJoinKey, rel.JoinTable,
		dialect.InExpr(rel.SourceJoinKey, pb, parentIDs))
	joinRows, err := store.QueryRows(ctx, q, joinSQL, pb.Params()...)
	if err != nil {
		return fmt.Errorf("load join table %s: %w", rel.JoinTable, err)
	}

	if len(joinRows) == 0 {
		for _, row := range rows {
			row[incName] = []map[string]any{}
		}
		return nil
	}

	var targetIDs []any
	seen := make(map[string]bool)
	for _, jr := range joinRows {
		tid := fmt.Sprintf("%v", jr[rel.TargetJoinKey])
		if !seen[tid] {
			seen[tid] = true
			targetIDs = append(targetIDs, jr[rel.TargetJoinKey])
		}
	}

	pb = dialect.NewParamBuilder()
	targetSQL := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(target.FieldNames(), ", "), target.Table,
		dialect.InExpr(target.PrimaryKey.Field, pb, targetIDs))
	if target.SoftDelete {
		targetSQL += " AND deleted_at IS NULL"
	}
	targetRows, err := store.QueryRows(ctx, q, targetSQL, pb.Params()...)
	if err != nil {
		return fmt.Errorf("load targets for %s: %w", incName, err)
	}

	targetByPK := make(map[string]map[string]any, len(targetRows))
	for _, tr := range targetRows {
		targetByPK[fmt.Sprintf("%v", tr[target.PrimaryKey.Field])] = tr
	}

	sourceToTargets := make(map[string][]map[string]any)
	for _, jr := range joinRows {
		sid := fmt.Sprintf("%v", jr[rel.SourceJoinKey])
		tid := fmt.Sprintf("%v", jr[rel.TargetJoinKey])
		if t, ok := targetByPK[tid]; ok {
			sourceToTargets[sid] = append(sourceToTargets[sid], t)
		}
	}

	for _, row := range rows {
		pk := fmt.Sprintf("%v", row[parentPK])
		if targets, ok := sourceToTargets[pk]; ok {
			row[incName] = targets
		} else {
			row[incName] = []map[string]any{}
		}
	}

	return nil
}

func loadReverseRelation(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, rel *metadata.Relation, rows []map[string]any, incName string) error {
	source := reg.GetEntity(rel.Source)
	if source == nil {
		return fmt.Errorf("unknown source entity: %s", rel.Source)
	}

	fkValues := collectValues(rows, rel.TargetKey)
	if len(fkValues) == 0 {
		return nil
	}

	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(source.FieldNames(), ", "), source.Table,
		dialect.InExpr(rel.SourceKey, pb, fkValues))
	if source.SoftDelete {
		sql += " AND deleted_at IS NULL"
	}

	parentRows, err := store.QueryRows(ctx, q, sql, pb.Params()...)
	if err != nil {
		return fmt.Errorf("load reverse include %s: %w", incName, err)
	}

	parentByPK := make(map[string]map[string]any, len(parentRows))
	for _, pr := range parentRows {
		parentByPK[fmt.Sprintf("%v", pr[rel.SourceKey])] = pr
	}

	for _, row := range rows {
		row[incName] = parentByPK[fmt.Sprintf("%v", row[rel.TargetKey])]
	}

	return nil
}

func collectValues(rows []map[string]any, field string) []any {
	seen := make(map[string]bool)
	var values []any
	for _, row := range rows {
		v := row[field]
		if v == nil {
			continue
		}
		s := fmt.Sprintf("%v", v)
		if !seen[s] {
			seen[s] = true
			values = append(values, v)
		}
	}
	return values
}
