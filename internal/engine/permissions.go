package engine

import (
	"fmt"
	"strings"

	"loom-backend/internal/metadata"
)

// CheckPermission decides whether the user may perform an action on an
// entity. No user is 401; admins bypass everything. Otherwise the declared
// policies are tried in turn and any one that matches by role and passes its
// conditions grants access. For update and delete the conditions run against
// the stored record.
func CheckPermission(user *metadata.UserContext, entity, action string, reg *metadata.Registry, currentRecord map[string]any) *AppError {
	if user == nil {
		return UnauthorizedError("Authentication required")
	}
	if user.IsAdmin() {
		return nil
	}

	policies := reg.GetPermissions(entity, action)
	if len(policies) == 0 {
		return ForbiddenError(fmt.Sprintf("No permission for %s on %s", action, entity))
	}

	for _, p := range policies {
		if !rolesOverlap(user.Roles, p.Roles) {
			continue
		}
		if len(p.Conditions) == 0 {
			return nil
		}
		if currentRecord != nil && conditionsHold(p.Conditions, currentRecord) {
			return nil
		}
		// Creates and list reads have no stored record for conditions to
		// inspect; a role match is enough (reads are narrowed by filters).
		if currentRecord == nil && (action == "create" || action == "read") {
			return nil
		}
	}

	return ForbiddenError(fmt.Sprintf("Permission denied for %s on %s", action, entity))
}

// GetReadFilters turns the conditions of matching read policies into where
// clauses, narrowing list queries to the rows the user may see. Admins get
// no filters.
func GetReadFilters(user *metadata.UserContext, entity string, reg *metadata.Registry) []WhereClause {
	if user == nil || user.IsAdmin() {
		return nil
	}

	var filters []WhereClause
	for _, p := range reg.GetPermissions(entity, "read") {
		if !rolesOverlap(user.Roles, p.Roles) {
			continue
		}
		for _, cond := range p.Conditions {
			filters = append(filters, WhereClause{
				Field:    cond.Field,
				Operator: cond.Operator,
				Value:    cond.Value,
			})
		}
	}
	return filters
}

func rolesOverlap(userRoles, policyRoles []string) bool {
	for _, ur := range userRoles {
		for _, pr := range policyRoles {
			if strings.EqualFold(ur, pr) {
				return true
			}
		}
	}
	return false
}

// conditionsHold is AND semantics: every condition must pass, and a condition
// naming a field the record lacks fails closed.
func conditionsHold(conditions []metadata.PermissionCondition, record map[string]any) bool {
	for _, cond := range conditions {
		val, ok := record[cond.Field]
		if !ok {
			return false
		}
		if !conditionHolds(cond.Operator, val, cond.Value) {
			return false
		}
	}
	return true
}

func conditionHolds(operator string, recordVal, condVal any) bool {
	switch operator {
	case "eq":
		return fmt.Sprintf("%v", recordVal) == fmt.Sprintf("%v", condVal)
	case "neq":
		return fmt.Sprintf("%v", recordVal) != fmt.Sprintf("%v", condVal)
	case "in":
		return valueInList(recordVal, condVal)
	case "not_in":
		return !valueInList(recordVal, condVal)
	case "gt", "gte", "lt", "lte":
		a, okA := toFloat64(recordVal)
		b, okB := toFloat64(condVal)
		if !okA || !okB {
			return false
		}
		switch operator {
		case "gt":
			return a > b
		case "gte":
			return a >= b
		case "lt":
			return a < b
		default:
			return a <= b
		}
	default:
		return false
	}
}

func valueInList(val, list any) bool {
	valStr := fmt.Sprintf("%v", val)
	switch l := list.(type) {
	case []any:
		for _, item := range l {
			if fmt.Sprintf("%v", item) == valStr {
				return true
			}
		}
	case []string:
		for _, item := range l {
			if item == valStr {
				return true
			}
		}
	}
	return false
}
