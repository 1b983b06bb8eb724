package metadata

import (
	"encoding/json"
	"testing"
)

func TestStepGotoDecode(t *testing.T) {
	cases := []struct {
		name, raw, want string
	}{
		{"object form", `{"goto": "notify"}`, "notify"},
		{"end sentinel", `"end"`, "end"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var sg StepGoto
			if err := json.Unmarshal([]byte(tc.raw), &sg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if sg.Goto != tc.want {
				t.Fatalf("goto = %q, want %q", sg.Goto, tc.want)
			}
		})
	}
}

func TestStepGotoEncode(t *testing.T) {
	if data, _ := json.Marshal(StepGoto{Goto: "notify"}); string(data) != `{"goto":"notify"}` {
		t.Fatalf("object form = %s", data)
	}
	// "end" collapses back to the bare string.
	if data, _ := json.Marshal(StepGoto{Goto: "end"}); string(data) != `"end"` {
		t.Fatalf("end form = %s", data)
	}
}

func TestWorkflowDecodeFullDefinition(t *testing.T) {
	raw := `{
		"id": "wf-esc",
		"name": "ticket_escalation",
		"trigger": {"type": "state_change", "entity": "ticket", "field": "status", "to": "escalated"},
		"context": {"record_id": "trigger.record_id", "tier": "trigger.record.tier"},
		"steps": [
			{
				"id": "supervisor_sign_off",
				"type": "approval",
				"assignee": {"type": "role", "role": "supervisor"},
				"timeout": "24h",
				"on_approve": {"goto": "check_tier"},
				"on_reject": {"goto": "reopen"},
				"on_timeout": {"goto": "reopen"}
			},
			{
				"id": "check_tier",
				"type": "condition",
				"expression": "context.tier == 'enterprise'",
				"on_true": {"goto": "page_oncall"},
				"on_false": "end"
			},
			{
				"id": "page_oncall",
				"type": "action",
				"actions": [{"type": "webhook", "url": "https://pager.example.com/trigger", "method": "POST"}],
				"then": "end"
			},
			{
				"id": "reopen",
				"type": "action",
				"actions": [{"type": "set_field", "entity": "ticket", "record_id": "context.record_id", "field": "status", "value": "open"}],
				"then": "end"
			}
		],
		"active": true
	}`

	var wf Workflow
	if err := json.Unmarshal([]byte(raw), &wf); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if wf.Name != "ticket_escalation" || !wf.Active {
		t.Fatalf("name/active = %q/%v", wf.Name, wf.Active)
	}
	if wf.Trigger.Entity != "ticket" || wf.Trigger.To != "escalated" {
		t.Fatalf("trigger = %+v", wf.Trigger)
	}
	if wf.Context["tier"] != "trigger.record.tier" {
		t.Fatalf("context = %v", wf.Context)
	}
	if len(wf.Steps) != 4 {
		t.Fatalf("steps = %d", len(wf.Steps))
	}

	approval := wf.Steps[0]
	if approval.Type != "approval" || approval.Assignee == nil || approval.Assignee.Role != "supervisor" {
		t.Fatalf("approval step = %+v", approval)
	}
	if approval.Timeout != "24h" || approval.OnTimeout == nil || approval.OnTimeout.Goto != "reopen" {
		t.Fatalf("timeout wiring = %q -> %v", approval.Timeout, approval.OnTimeout)
	}

	cond := wf.Steps[1]
	if cond.Type != "condition" || cond.OnTrue.Goto != "page_oncall" {
		t.Fatalf("condition step = %+v", cond)
	}
	// Bare "end" as a branch target.
	if cond.OnFalse == nil || cond.OnFalse.Goto != "end" {
		t.Fatalf("on_false = %v", cond.OnFalse)
	}

	action := wf.Steps[2]
	if len(action.Actions) != 1 || action.Actions[0].Type != "webhook" {
		t.Fatalf("action step = %+v", action)
	}
}

func TestWorkflowFindStep(t *testing.T) {
	wf := Workflow{Steps: []WorkflowStep{
		{ID: "first", Type: "action"},
		{ID: "second", Type: "condition"},
	}}

	if s := wf.FindStep("second"); s == nil || s.Type != "condition" {
		t.Fatalf("FindStep(second) = %v", s)
	}
	if s := wf.FindStep("ghost"); s != nil {
		t.Fatalf("FindStep(ghost) = %v, want nil", s)
	}
}

func TestWorkflowEncodeDecodeKeepsBranches(t *testing.T) {
	wf := Workflow{
		Name:    "auto_close",
		Trigger: WorkflowTrigger{Type: "state_change", Entity: "ticket", Field: "status", To: "resolved"},
		Context: map[string]string{"record_id": "trigger.record_id"},
		Steps: []WorkflowStep{{
			ID:   "close",
			Type: "action",
			Actions: []WorkflowAction{
				{Type: "set_field", Entity: "ticket", RecordID: "context.record_id", Field: "status", Value: "closed"},
			},
			Then: &StepGoto{Goto: "end"},
		}},
		Active: true,
	}

	data, err := json.Marshal(wf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Workflow
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Steps[0].Then == nil || back.Steps[0].Then.Goto != "end" {
		t.Fatalf("then lost in round trip: %+v", back.Steps[0])
	}
	if back.Steps[0].Actions[0].RecordID != "context.record_id" {
		t.Fatalf("action lost in round trip: %+v", back.Steps[0].Actions[0])
	}
}
