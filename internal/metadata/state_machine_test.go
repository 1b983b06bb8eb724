package metadata

import (
	"encoding/json"
	"testing"
)

func TestStateMachineDefinitionDecode(t *testing.T) {
	raw := `{
		"initial": "open",
		"transitions": [
			{
				"from": "open",
				"to": "in_progress",
				"roles": ["agent", "supervisor"],
				"guard": "record.assignee_id != nil",
				"actions": [{"type": "set_field", "field": "started_at", "value": "now"}]
			},
			{
				"from": ["open", "in_progress"],
				"to": "closed",
				"roles": ["supervisor"]
			}
		]
	}`

	var def StateMachineDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if def.Initial != "open" {
		t.Fatalf("initial = %q", def.Initial)
	}
	if len(def.Transitions) != 2 {
		t.Fatalf("transitions = %d", len(def.Transitions))
	}

	// Scalar "from" must decode to a one-element slice.
	first := def.Transitions[0]
	if len(first.From) != 1 || first.From[0] != "open" {
		t.Fatalf("from = %v", first.From)
	}
	if first.Guard != "record.assignee_id != nil" {
		t.Fatalf("guard = %q", first.Guard)
	}
	if len(first.Actions) != 1 || first.Actions[0].Field != "started_at" {
		t.Fatalf("actions = %v", first.Actions)
	}

	second := def.Transitions[1]
	if len(second.From) != 2 || second.From[1] != "in_progress" {
		t.Fatalf("array from = %v", second.From)
	}
	if second.To != "closed" {
		t.Fatalf("to = %q", second.To)
	}
}

func TestTransitionFromRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   TransitionFrom
		json string
	}{
		{"single collapses to string", TransitionFrom{"open"}, `"open"`},
		{"multiple stays an array", TransitionFrom{"open", "held"}, `["open","held"]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(data) != tc.json {
				t.Fatalf("marshal = %s, want %s", data, tc.json)
			}
			var back TransitionFrom
			if err := json.Unmarshal(data, &back); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(back) != len(tc.in) {
				t.Fatalf("round trip lost elements: %v", back)
			}
		})
	}
}

func TestRegistryStateMachinesFilterInactive(t *testing.T) {
	reg := NewRegistry()
	reg.Replace(Snapshot{StateMachines: []*StateMachine{
		{ID: "1", Entity: "ticket", Field: "status", Active: true,
			Definition: StateMachineDefinition{Initial: "open"}},
		{ID: "2", Entity: "ticket", Field: "tier", Active: false,
			Definition: StateMachineDefinition{Initial: "basic"}},
		{ID: "3", Entity: "agent", Field: "availability", Active: true,
			Definition: StateMachineDefinition{Initial: "offline"}},
	}})

	ticketSMs := reg.GetStateMachinesForEntity("ticket")
	if len(ticketSMs) != 1 || ticketSMs[0].Field != "status" {
		t.Fatalf("want only the active ticket machine, got %v", ticketSMs)
	}
	if len(reg.GetStateMachinesForEntity("agent")) != 1 {
		t.Fatal("agent machine missing")
	}
	if len(reg.GetStateMachinesForEntity("nothing")) != 0 {
		t.Fatal("unknown entity should have no machines")
	}
}
