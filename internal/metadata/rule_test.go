package metadata

import (
	"encoding/json"
	"testing"
)

func TestRuleDefinitionDecode(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		check func(t *testing.T, def RuleDefinition)
	}{
		{
			name: "field rule",
			raw:  `{"field":"priority","operator":"in","value":["low","normal","urgent"],"message":"unknown priority"}`,
			check: func(t *testing.T, def RuleDefinition) {
				if def.Field != "priority" || def.Operator != "in" {
					t.Fatalf("field/operator = %q/%q", def.Field, def.Operator)
				}
				vals, ok := def.Value.([]any)
				if !ok || len(vals) != 3 {
					t.Fatalf("value = %v", def.Value)
				}
				if def.Message != "unknown priority" {
					t.Fatalf("message = %q", def.Message)
				}
			},
		},
		{
			name: "expression rule with related load",
			raw:  `{"expression":"record.status == 'closed' && record.resolution == nil","stop_on_fail":true,"related_load":[{"relation":"replies","filter":{"internal":false}}]}`,
			check: func(t *testing.T, def RuleDefinition) {
				if def.Expression == "" || !def.StopOnFail {
					t.Fatalf("expression=%q stop_on_fail=%v", def.Expression, def.StopOnFail)
				}
				if len(def.RelatedLoad) != 1 || def.RelatedLoad[0].Relation != "replies" {
					t.Fatalf("related_load = %v", def.RelatedLoad)
				}
				if def.RelatedLoad[0].Filter["internal"] != false {
					t.Fatalf("filter = %v", def.RelatedLoad[0].Filter)
				}
			},
		},
		{
			name: "computed field",
			raw:  `{"field":"age_hours","expression":"(now() - record.created_at) / duration('1h')"}`,
			check: func(t *testing.T, def RuleDefinition) {
				if def.Field != "age_hours" {
					t.Fatalf("field = %q", def.Field)
				}
				if def.Expression == "" {
					t.Fatal("expression missing")
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var def RuleDefinition
			if err := json.Unmarshal([]byte(tc.raw), &def); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			tc.check(t, def)
		})
	}
}

func TestRuleDecodeFullRow(t *testing.T) {
	raw := `{
		"id": "rule-7",
		"entity": "ticket",
		"hook": "before_delete",
		"type": "expression",
		"definition": {"expression": "record.status != 'open'", "message": "open tickets cannot be deleted"},
		"priority": 3,
		"active": true
	}`
	var rule Rule
	if err := json.Unmarshal([]byte(raw), &rule); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rule.Entity != "ticket" || rule.Hook != "before_delete" || rule.Type != "expression" {
		t.Fatalf("decoded rule: %+v", rule)
	}
	if rule.Priority != 3 || !rule.Active {
		t.Fatalf("priority/active: %d/%v", rule.Priority, rule.Active)
	}
	if rule.Definition.Message != "open tickets cannot be deleted" {
		t.Fatalf("message = %q", rule.Definition.Message)
	}
	if rule.Compiled != nil {
		t.Fatal("Compiled must never come from JSON")
	}
}
