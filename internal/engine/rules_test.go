package engine

import (
	"context"
	"strings"
	"testing"

	"loom-backend/internal/metadata"
)

func fieldRule(field, op string, value any, msg string) *metadata.Rule {
	return &metadata.Rule{
		Type:   "field",
		Active: true,
		Definition: metadata.RuleDefinition{
			Field:    field,
			Operator: op,
			Value:    value,
			Message:  msg,
		},
	}
}

func TestFieldRuleNumericBounds(t *testing.T) {
	cases := []struct {
		name   string
		op     string
		limit  any
		record map[string]any
		fails  bool
	}{
		{"min passes at limit", "min", float64(1), map[string]any{"priority": float64(1)}, false},
		{"min fails below limit", "min", float64(1), map[string]any{"priority": float64(0)}, true},
		{"max passes below limit", "max", float64(5), map[string]any{"priority": float64(3)}, false},
		{"max fails above limit", "max", float64(5), map[string]any{"priority": float64(9)}, true},
		{"numeric string is coerced", "max", float64(5), map[string]any{"priority": "7"}, true},
		{"non-numeric value is skipped", "min", float64(1), map[string]any{"priority": "urgent"}, false},
		{"absent field is skipped", "min", float64(1), map[string]any{}, false},
		{"nil value is skipped", "min", float64(1), map[string]any{"priority": nil}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			detail := EvaluateFieldRule(fieldRule("priority", tc.op, tc.limit, ""), tc.record)
			if tc.fails && detail == nil {
				t.Fatal("expected a violation, got none")
			}
			if !tc.fails && detail != nil {
				t.Fatalf("expected pass, got violation: %s", detail.Message)
			}
		})
	}
}

func TestFieldRuleLengths(t *testing.T) {
	rule := fieldRule("title", "min_length", float64(3), "Title too short")

	detail := EvaluateFieldRule(rule, map[string]any{"title": "ab"})
	if detail == nil {
		t.Fatal("expected min_length violation")
	}
	if detail.Field != "title" || detail.Rule != "min_length" {
		t.Fatalf("unexpected detail: %+v", detail)
	}
	if detail.Message != "Title too short" {
		t.Fatalf("custom message not used: %s", detail.Message)
	}

	if detail := EvaluateFieldRule(rule, map[string]any{"title": "abc"}); detail != nil {
		t.Fatalf("expected pass at limit, got: %s", detail.Message)
	}

	long := fieldRule("title", "max_length", float64(10), "")
	if detail := EvaluateFieldRule(long, map[string]any{"title": strings.Repeat("x", 11)}); detail == nil {
		t.Fatal("expected max_length violation")
	} else if detail.Message == "" {
		t.Fatal("expected a default message")
	}
}

func TestFieldRulePattern(t *testing.T) {
	rule := fieldRule("email", "pattern", `^[^@\s]+@[^@\s]+$`, "")

	if detail := EvaluateFieldRule(rule, map[string]any{"email": "agent@example.com"}); detail != nil {
		t.Fatalf("expected match, got: %s", detail.Message)
	}
	if detail := EvaluateFieldRule(rule, map[string]any{"email": "not-an-email"}); detail == nil {
		t.Fatal("expected pattern violation")
	}

	// An unparseable pattern counts as a violation, not a silent pass.
	bad := fieldRule("email", "pattern", "([", "")
	if detail := EvaluateFieldRule(bad, map[string]any{"email": "x"}); detail == nil {
		t.Fatal("expected violation for broken pattern")
	}
}

func TestExpressionRuleStatesTheViolation(t *testing.T) {
	rule := &metadata.Rule{
		Type:   "expression",
		Active: true,
		Definition: metadata.RuleDefinition{
			Expression: `record.priority > 3 && record.tier == "free"`,
			Message:    "Free tier tickets cap at priority 3",
		},
	}

	env := ruleEnv(map[string]any{"priority": 5, "tier": "free"}, map[string]any{}, true)
	detail := EvaluateExpressionRule(rule, env)
	if detail == nil {
		t.Fatal("expected violation")
	}
	if detail.Message != "Free tier tickets cap at priority 3" {
		t.Fatalf("unexpected message: %s", detail.Message)
	}
	if rule.Compiled == nil {
		t.Fatal("compiled program was not cached on the rule")
	}

	env = ruleEnv(map[string]any{"priority": 2, "tier": "free"}, map[string]any{}, true)
	if detail := EvaluateExpressionRule(rule, env); detail != nil {
		t.Fatalf("expected pass, got: %s", detail.Message)
	}
}

func TestExpressionRuleEvaluationErrorFailsTheWrite(t *testing.T) {
	rule := &metadata.Rule{
		Type:       "expression",
		Active:     true,
		Definition: metadata.RuleDefinition{Expression: `record.priority ++ garbage(`},
	}
	detail := EvaluateExpressionRule(rule, ruleEnv(map[string]any{}, map[string]any{}, true))
	if detail == nil {
		t.Fatal("expected a broken expression to be reported")
	}
	if !strings.Contains(detail.Message, "rule evaluation error") {
		t.Fatalf("unexpected message: %s", detail.Message)
	}
}

func TestComputedFieldProducesValue(t *testing.T) {
	rule := &metadata.Rule{
		Type:   "computed",
		Active: true,
		Definition: metadata.RuleDefinition{
			Field:      "total",
			Expression: "record.quantity * record.unit_price",
		},
	}
	env := ruleEnv(map[string]any{"quantity": 3, "unit_price": 2.5}, map[string]any{}, true)
	val, err := EvaluateComputedField(rule, env)
	if err != nil {
		t.Fatalf("computed field: %v", err)
	}
	if got, ok := val.(float64); !ok || got != 7.5 {
		t.Fatalf("expected 7.5, got %v", val)
	}
}

func TestEvaluateRulesRunsPhasesInOrder(t *testing.T) {
	reg := metadata.NewRegistry()
	reg.Replace(metadata.Snapshot{Rules: []*metadata.Rule{
		{
			Entity: "ticket", Hook: "before_write", Type: "field", Active: true, Priority: 1,
			Definition: metadata.RuleDefinition{Field: "priority", Operator: "max", Value: float64(5), Message: "Priority cap is 5"},
		},
		{
			Entity: "ticket", Hook: "before_write", Type: "expression", Active: true, Priority: 2,
			Definition: metadata.RuleDefinition{Expression: `record.title == ""`, Message: "Title is required"},
		},
		{
			Entity: "ticket", Hook: "before_write", Type: "computed", Active: true, Priority: 3,
			Definition: metadata.RuleDefinition{Field: "slug_length", Expression: "len(record.title)"},
		},
	}})
	ctx := context.Background()

	t.Run("valid write applies computed fields", func(t *testing.T) {
		fields := map[string]any{"title": "printer on fire", "priority": 2}
		errs := EvaluateRules(ctx, reg, "ticket", "before_write", fields, map[string]any{}, true)
		if len(errs) != 0 {
			t.Fatalf("unexpected errors: %+v", errs)
		}
		if got, ok := fields["slug_length"].(int); !ok || got != len("printer on fire") {
			t.Fatalf("computed field not applied: %v", fields["slug_length"])
		}
	})

	t.Run("validation failure suppresses computed fields", func(t *testing.T) {
		fields := map[string]any{"title": "", "priority": 9}
		errs := EvaluateRules(ctx, reg, "ticket", "before_write", fields, map[string]any{}, true)
		if len(errs) != 2 {
			t.Fatalf("expected both violations, got %+v", errs)
		}
		if _, present := fields["slug_length"]; present {
			t.Fatal("computed field ran despite validation errors")
		}
	})

	t.Run("no rules means no errors", func(t *testing.T) {
		if errs := EvaluateRules(ctx, reg, "agent", "before_write", map[string]any{}, map[string]any{}, true); errs != nil {
			t.Fatalf("unexpected errors: %+v", errs)
		}
	})
}

func TestEvaluateRulesStopOnFail(t *testing.T) {
	reg := metadata.NewRegistry()
	reg.Replace(metadata.Snapshot{Rules: []*metadata.Rule{
		{
			Entity: "ticket", Hook: "before_write", Type: "field", Active: true, Priority: 1,
			Definition: metadata.RuleDefinition{
				Field: "priority", Operator: "max", Value: float64(5),
				Message: "Priority cap is 5", StopOnFail: true,
			},
		},
		{
			Entity: "ticket", Hook: "before_write", Type: "expression", Active: true, Priority: 2,
			Definition: metadata.RuleDefinition{Expression: "true", Message: "Always violated"},
		},
	}})

	fields := map[string]any{"priority": 9}
	errs := EvaluateRules(context.Background(), reg, "ticket", "before_write", fields, map[string]any{}, true)
	if len(errs) != 1 {
		t.Fatalf("expected evaluation to stop after the first failure, got %+v", errs)
	}
	if errs[0].Message != "Priority cap is 5" {
		t.Fatalf("unexpected error: %+v", errs[0])
	}
}
