package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

// SQL text for dynamic tables is assembled from metadata loaded out of the
// system tables, never from request input; only values travel as parameters.

// BuildInsertSQL builds the INSERT for a planned create. Auto "create" and
// "update" fields get the database's now() expression. Generated uuid keys
// use the column DEFAULT where the database supports one, otherwise the id
// is generated here. The statement RETURNING clause yields the new row's
// primary key.
func BuildInsertSQL(entity *metadata.Entity, fields map[string]any, dialect store.Dialect) (string, []any) {
	pb := dialect.NewParamBuilder()
	var cols, vals []string

	pk := entity.PrimaryKey
	if pk.Generated && pk.Type == "uuid" && dialect.UUIDDefault() == "" {
		cols = append(cols, pk.Field)
		vals = append(vals, pb.Add(store.GenerateUUID()))
	}

	for _, f := range entity.Fields {
		switch f.Auto {
		case "create", "update":
			cols = append(cols, f.Name)
			vals = append(vals, dialect.NowExpr())
			continue
		}
		val, ok := fields[f.Name]
		if !ok {
			continue
		}
		cols = append(cols, f.Name)
		vals = append(vals, pb.Add(normalizeParam(val)))
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		entity.Table, strings.Join(cols, ", "), strings.Join(vals, ", "), pk.Field)
	return sql, pb.Params()
}

// BuildUpdateSQL builds the UPDATE for a planned update. Returns "" when the
// body supplied no updatable fields, so callers can skip the statement while
// still running the rest of the pipeline (child writes may be the whole
// point of the request).
func BuildUpdateSQL(entity *metadata.Entity, id any, fields map[string]any, dialect store.Dialect) (string, []any) {
	pb := dialect.NewParamBuilder()
	var sets []string
	touched := false

	for _, f := range entity.Fields {
		if f.Name == entity.PrimaryKey.Field {
			continue
		}
		if f.Auto == "update" {
			sets = append(sets, fmt.Sprintf("%s = %s", f.Name, dialect.NowExpr()))
			continue
		}
		if f.Auto == "create" {
			continue
		}
		val, ok := fields[f.Name]
		if !ok {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", f.Name, pb.Add(normalizeParam(val))))
		touched = true
	}

	if !touched {
		return "", nil
	}

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		entity.Table, strings.Join(sets, ", "), entity.PrimaryKey.Field, pb.Add(id))
	if entity.SoftDelete {
		sql += " AND deleted_at IS NULL"
	}
	return sql, pb.Params()
}

// BuildSoftDeleteSQL marks a row deleted by stamping deleted_at.
func BuildSoftDeleteSQL(entity *metadata.Entity, id any, dialect store.Dialect) (string, []any) {
	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("UPDATE %s SET deleted_at = %s WHERE %s = %s AND deleted_at IS NULL",
		entity.Table, dialect.NowExpr(), entity.PrimaryKey.Field, pb.Add(id))
	return sql, pb.Params()
}

// BuildHardDeleteSQL removes a row outright.
func BuildHardDeleteSQL(entity *metadata.Entity, id any, dialect store.Dialect) (string, []any) {
	pb := dialect.NewParamBuilder()
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		entity.Table, entity.PrimaryKey.Field, pb.Add(id))
	return sql, pb.Params()
}

// normalizeParam converts structured values (json/file fields, arrays) to
// their JSON text form for binding; scalars pass through.
func normalizeParam(val any) any {
	switch val.(type) {
	case map[string]any, []any, []map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return val
		}
		return string(b)
	}
	return val
}
