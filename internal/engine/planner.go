package engine

import (
	"fmt"
	"strings"

	"loom-backend/internal/metadata"
)

// RelationWrite is one nested child payload extracted from a request body:
// the relation it travels through, the write mode to apply, and the rows.
type RelationWrite struct {
	Relation  *metadata.Relation
	WriteMode string
	Data      []map[string]any
}

// WritePlan is the validated shape of a write request, ready for execution.
// Planning touches no SQL; everything here comes from metadata and the body.
type WritePlan struct {
	IsCreate bool
	Entity   *metadata.Entity
	Fields   map[string]any
	ID       any // nil for create
	ChildOps []*RelationWrite
	User     *metadata.UserContext
}

// PlanWrite splits the body into scalar fields and nested relation writes,
// then validates the fields. Unknown keys are rejected outright; a typo'd
// field name silently dropped would be worse than a 400.
func PlanWrite(entity *metadata.Entity, reg *metadata.Registry, body map[string]any, existingID any) (*WritePlan, *AppError) {
	fields, childOps, unknown := SeparateFieldsAndRelations(entity, reg, body)
	if len(unknown) > 0 {
		return nil, NewAppError("UNKNOWN_FIELD", 400,
			fmt.Sprintf("Unknown field(s) for %s: %s", entity.Name, strings.Join(unknown, ", ")))
	}

	isCreate := existingID == nil
	if errs := ValidateFields(entity, fields, isCreate); len(errs) > 0 {
		return nil, ValidationError(errs)
	}

	return &WritePlan{
		IsCreate: isCreate,
		Entity:   entity,
		Fields:   fields,
		ID:       existingID,
		ChildOps: childOps,
	}, nil
}

// SeparateFieldsAndRelations partitions body keys into entity fields, nested
// relation writes, and unknown keys. A relation key matches either the
// relation's name or its target entity name; the value may be a single object
// or an array of objects.
func SeparateFieldsAndRelations(entity *metadata.Entity, reg *metadata.Registry, body map[string]any) (map[string]any, []*RelationWrite, []string) {
	fields := make(map[string]any)
	var childOps []*RelationWrite
	var unknown []string

	relations := reg.GetRelationsForSource(entity.Name)

	for key, val := range body {
		if entity.HasField(key) {
			fields[key] = val
			continue
		}

		rel := matchRelation(relations, key)
		if rel == nil {
			unknown = append(unknown, key)
			continue
		}

		rows, ok := coerceRelationRows(val)
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		childOps = append(childOps, &RelationWrite{
			Relation:  rel,
			WriteMode: rel.DefaultWriteMode(),
			Data:      rows,
		})
	}

	return fields, childOps, unknown
}

func matchRelation(relations []*metadata.Relation, key string) *metadata.Relation {
	for _, rel := range relations {
		if rel.Name == key || rel.Target == key {
			return rel
		}
	}
	return nil
}

func coerceRelationRows(val any) ([]map[string]any, bool) {
	switch v := val.(type) {
	case nil:
		return nil, true
	case []any:
		rows := make([]map[string]any, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			rows = append(rows, m)
		}
		return rows, true
	case map[string]any:
		return []map[string]any{v}, true
	default:
		return nil, false
	}
}

// ValidateFields checks the planned fields against the entity definition:
// required fields must be present on create, enum fields must hold a declared
// value, and auto-managed fields may not be set by the client.
func ValidateFields(entity *metadata.Entity, fields map[string]any, isCreate bool) []ErrorDetail {
	var errs []ErrorDetail

	for _, f := range entity.Fields {
		val, present := fields[f.Name]

		if f.IsAuto() || (f.Name == entity.PrimaryKey.Field && entity.PrimaryKey.Generated) {
			if present {
				// Server-managed values are stripped, not rejected; clients
				// often echo back records they previously read.
				delete(fields, f.Name)
			}
			continue
		}

		if isCreate && f.Required && (!present || val == nil || val == "") {
			// Fields the database defaults are not required from the client.
			if f.Default == nil {
				errs = append(errs, ErrorDetail{
					Field:   f.Name,
					Rule:    "required",
					Message: fmt.Sprintf("%s is required", f.Name),
				})
			}
			continue
		}

		if present && val != nil && len(f.Enum) > 0 {
			s := fmt.Sprintf("%v", val)
			found := false
			for _, allowed := range f.Enum {
				if s == allowed {
					found = true
					break
				}
			}
			if !found {
				errs = append(errs, ErrorDetail{
					Field:   f.Name,
					Rule:    "enum",
					Message: fmt.Sprintf("%s must be one of: %s", f.Name, strings.Join(f.Enum, ", ")),
				})
			}
		}
	}

	return errs
}
