package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

const (
	defaultPerPage = 25
	maxPerPage     = 100
)

// QueryPlan is a validated list query: every field name in it has been
// checked against the entity, so SQL assembly below never sees raw input.
type QueryPlan struct {
	Entity   *metadata.Entity
	Dialect  store.Dialect
	Filters  []WhereClause
	Sorts    []OrderClause
	Page     int
	PerPage  int
	Includes []string
}

type WhereClause struct {
	Field    string
	Operator string
	Value    any
}

type OrderClause struct {
	Field string
	Dir   string // ASC or DESC
}

type QueryResult struct {
	SQL    string
	Params []any
}

// ParseQueryParams validates the request's filter[field.op], sort, paging and
// include parameters against the entity definition.
func ParseQueryParams(c *fiber.Ctx, entity *metadata.Entity, reg *metadata.Registry, dialect store.Dialect) (*QueryPlan, error) {
	plan := &QueryPlan{
		Entity:  entity,
		Dialect: dialect,
		Page:    1,
		PerPage: defaultPerPage,
	}

	for key, val := range c.Queries() {
		if !strings.HasPrefix(key, "filter[") || !strings.HasSuffix(key, "]") {
			continue
		}
		field, op := parseFilterKey(key[7 : len(key)-1])

		if !entity.HasField(field) {
			return nil, NewAppError("UNKNOWN_FIELD", 400, fmt.Sprintf("Unknown filter field: %s", field))
		}

		coerced, err := coerceValue(entity.GetField(field), val, op)
		if err != nil {
			return nil, NewAppError("INVALID_PAYLOAD", 400, fmt.Sprintf("Invalid filter value for %s: %v", field, err))
		}

		plan.Filters = append(plan.Filters, WhereClause{Field: field, Operator: op, Value: coerced})
	}

	if sortParam := c.Query("sort"); sortParam != "" {
		for _, part := range strings.Split(sortParam, ",") {
			part = strings.TrimSpace(part)
			field, dir := part, "ASC"
			if strings.HasPrefix(part, "-") {
				field, dir = part[1:], "DESC"
			}
			if !entity.HasField(field) {
				return nil, NewAppError("UNKNOWN_FIELD", 400, fmt.Sprintf("Unknown sort field: %s", field))
			}
			plan.Sorts = append(plan.Sorts, OrderClause{Field: field, Dir: dir})
		}
	}

	if p := c.Query("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			plan.Page = v
		}
	}
	if pp := c.Query("per_page"); pp != "" {
		if v, err := strconv.Atoi(pp); err == nil && v > 0 {
			plan.PerPage = v
			if plan.PerPage > maxPerPage {
				plan.PerPage = maxPerPage
			}
		}
	}

	if inc := c.Query("include"); inc != "" {
		for _, name := range strings.Split(inc, ",") {
			name = strings.TrimSpace(name)
			if reg.FindRelationForEntity(name, entity.Name) == nil {
				return nil, NewAppError("UNKNOWN_FIELD", 400, fmt.Sprintf("Unknown include: %s", name))
			}
			plan.Includes = append(plan.Includes, name)
		}
	}

	return plan, nil
}

// BuildSelectSQL renders the plan as a parameterized SELECT with paging.
func BuildSelectSQL(plan *QueryPlan) QueryResult {
	pb := plan.Dialect.NewParamBuilder()
	entity := plan.Entity

	columns := strings.Join(entity.FieldNames(), ", ")
	if entity.SoftDelete && entity.GetField("deleted_at") == nil {
		columns += ", deleted_at"
	}

	sql := fmt.Sprintf("SELECT %s FROM %s", columns, entity.Table)
	sql += whereSQL(plan, pb)

	if len(plan.Sorts) > 0 {
		var orderParts []string
		for _, s := range plan.Sorts {
			orderParts = append(orderParts, s.Field+" "+s.Dir)
		}
		sql += " ORDER BY " + strings.Join(orderParts, ", ")
	}

	sql += fmt.Sprintf(" LIMIT %s OFFSET %s", pb.Add(plan.PerPage), pb.Add((plan.Page-1)*plan.PerPage))

	return QueryResult{SQL: sql, Params: pb.Params()}
}

// BuildCountSQL renders the plan's filters as a COUNT for paging metadata.
func BuildCountSQL(plan *QueryPlan) QueryResult {
	pb := plan.Dialect.NewParamBuilder()
	sql := fmt.Sprintf("SELECT COUNT(*) AS count FROM %s", plan.Entity.Table)
	sql += whereSQL(plan, pb)
	return QueryResult{SQL: sql, Params: pb.Params()}
}

func whereSQL(plan *QueryPlan, pb store.ParamBuilder) string {
	var where []string
	if plan.Entity.SoftDelete {
		where = append(where, "deleted_at IS NULL")
	}
	for _, f := range plan.Filters {
		where = append(where, buildWhereClause(f, pb, plan.Dialect))
	}
	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}

func buildWhereClause(f WhereClause, pb store.ParamBuilder, dialect store.Dialect) string {
	switch f.Operator {
	case "neq":
		return fmt.Sprintf("%s != %s", f.Field, pb.Add(f.Value))
	case "gt":
		return fmt.Sprintf("%s > %s", f.Field, pb.Add(f.Value))
	case "gte":
		return fmt.Sprintf("%s >= %s", f.Field, pb.Add(f.Value))
	case "lt":
		return fmt.Sprintf("%s < %s", f.Field, pb.Add(f.Value))
	case "lte":
		return fmt.Sprintf("%s <= %s", f.Field, pb.Add(f.Value))
	case "in":
		return dialect.InExpr(f.Field, pb, toAnySlice(f.Value))
	case "not_in":
		return dialect.NotInExpr(f.Field, pb, toAnySlice(f.Value))
	case "like":
		return fmt.Sprintf("%s LIKE %s", f.Field, pb.Add(f.Value))
	default: // eq
		return fmt.Sprintf("%s = %s", f.Field, pb.Add(f.Value))
	}
}

func toAnySlice(v any) []any {
	switch vv := v.(type) {
	case []any:
		return vv
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

// parseFilterKey splits "total.gte" into ("total", "gte"); a bare field means eq.
func parseFilterKey(key string) (string, string) {
	if field, op, ok := strings.Cut(key, "."); ok {
		return field, op
	}
	return key, "eq"
}

// coerceValue converts a query-string value to the field's Go type. in/not_in
// take a comma-separated list, coerced element-wise.
func coerceValue(field *metadata.Field, val, op string) (any, error) {
	if op == "in" || op == "not_in" {
		parts := strings.Split(val, ",")
		coerced := make([]any, len(parts))
		for i, p := range parts {
			v, err := coerceSingleValue(field, strings.TrimSpace(p))
			if err != nil {
				return nil, err
			}
			coerced[i] = v
		}
		return coerced, nil
	}
	return coerceSingleValue(field, val)
}

func coerceSingleValue(field *metadata.Field, val string) (any, error) {
	switch field.Type {
	case "int", "integer":
		return strconv.Atoi(val)
	case "bigint":
		return strconv.ParseInt(val, 10, 64)
	case "float", "decimal":
		return strconv.ParseFloat(val, 64)
	case "boolean":
		return strconv.ParseBool(val)
	default:
		return val, nil
	}
}
