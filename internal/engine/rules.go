package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"loom-backend/internal/instrument"
	"loom-backend/internal/metadata"
)

// EvaluateRules runs the active rules for an entity hook against a pending
// write. Rules execute in three phases: field checks, then expression checks,
// then computed fields. Computed fields only run when the first two phases
// produced no errors, so they never see an invalid record. The fields map is
// mutated in place by computed rules.
func EvaluateRules(ctx context.Context, reg *metadata.Registry, entityName, hook string, fields, old map[string]any, isCreate bool) []ErrorDetail {
	_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "rules", "rules.evaluate")
	defer span.End()
	span.SetEntity(entityName, "")

	rules := reg.GetRulesForEntity(entityName, hook)
	if len(rules) == 0 {
		span.SetStatus("ok")
		return nil
	}

	env := ruleEnv(fields, old, isCreate)
	var errs []ErrorDetail

	for _, r := range rules {
		if r.Type != "field" {
			continue
		}
		if detail := EvaluateFieldRule(r, fields); detail != nil {
			errs = append(errs, *detail)
			if r.Definition.StopOnFail {
				span.SetStatus("error")
				return errs
			}
		}
	}

	for _, r := range rules {
		if r.Type != "expression" {
			continue
		}
		if detail := EvaluateExpressionRule(r, env); detail != nil {
			errs = append(errs, *detail)
			if r.Definition.StopOnFail {
				span.SetStatus("error")
				return errs
			}
		}
	}

	if len(errs) > 0 {
		span.SetStatus("error")
		return errs
	}

	for _, r := range rules {
		if r.Type != "computed" {
			continue
		}
		val, err := EvaluateComputedField(r, env)
		if err != nil {
			// A broken computed rule fails the write but does not stop
			// sibling computed rules from being reported too.
			errs = append(errs, ErrorDetail{Field: r.Definition.Field, Rule: "computed", Message: err.Error()})
			continue
		}
		fields[r.Definition.Field] = val
	}

	if len(errs) > 0 {
		span.SetStatus("error")
	} else {
		span.SetStatus("ok")
	}
	return errs
}

// EvaluateFieldRule checks one field constraint (min, max, min_length,
// max_length, pattern). Absent or null fields pass: presence is the job of
// required-field validation, not field rules. Values of the wrong type for
// the operator also pass rather than erroring.
func EvaluateFieldRule(rule *metadata.Rule, record map[string]any) *ErrorDetail {
	fieldName := rule.Definition.Field
	val, exists := record[fieldName]
	if !exists || val == nil {
		return nil
	}

	op := rule.Definition.Operator
	msg := rule.Definition.Message
	if msg == "" {
		msg = fmt.Sprintf("field %s failed %s validation", fieldName, op)
	}
	fail := &ErrorDetail{Field: fieldName, Rule: op, Message: msg}

	switch op {
	case "min", "max":
		num, okV := toFloat64(val)
		threshold, okT := toFloat64(rule.Definition.Value)
		if !okV || !okT {
			return nil
		}
		if (op == "min" && num < threshold) || (op == "max" && num > threshold) {
			return fail
		}

	case "min_length", "max_length":
		s, okS := val.(string)
		threshold, okT := toFloat64(rule.Definition.Value)
		if !okS || !okT {
			return nil
		}
		if (op == "min_length" && len(s) < int(threshold)) || (op == "max_length" && len(s) > int(threshold)) {
			return fail
		}

	case "pattern":
		s, okS := val.(string)
		pattern, okP := rule.Definition.Value.(string)
		if !okS || !okP {
			return nil
		}
		matched, err := regexp.MatchString(pattern, s)
		if err != nil || !matched {
			return fail
		}
	}

	return nil
}

// EvaluateExpressionRule runs an expression rule. The expression states the
// VIOLATION: true means the rule failed. Compilation and evaluation errors
// fail the write too, since silently passing a broken rule would let bad
// data through.
func EvaluateExpressionRule(rule *metadata.Rule, env map[string]any) *ErrorDetail {
	violated, err := cachedBool(&rule.Compiled, rule.Definition.Expression, env)
	if err != nil {
		return &ErrorDetail{Rule: "expression", Message: fmt.Sprintf("rule evaluation error: %v", err)}
	}
	if violated {
		msg := rule.Definition.Message
		if msg == "" {
			msg = "Expression rule violated"
		}
		return &ErrorDetail{Rule: "expression", Message: msg}
	}
	return nil
}

// EvaluateComputedField evaluates a computed rule and returns the value to
// store in the rule's target field.
func EvaluateComputedField(rule *metadata.Rule, env map[string]any) (any, error) {
	val, err := cachedValue(&rule.Compiled, rule.Definition.Expression, env)
	if err != nil {
		return nil, fmt.Errorf("computed field %s: %w", rule.Definition.Field, err)
	}
	return val, nil
}

// toFloat64 coerces the numeric types JSON decoding and database reads
// produce. Numeric strings are accepted; anything else reports false so the
// caller skips the comparison.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
