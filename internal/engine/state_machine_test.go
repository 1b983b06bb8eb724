package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"loom-backend/internal/metadata"
)

func ticketStateMachine() *metadata.StateMachine {
	return &metadata.StateMachine{
		Entity: "ticket",
		Field:  "status",
		Active: true,
		Definition: metadata.StateMachineDefinition{
			Initial: "open",
			Transitions: []metadata.Transition{
				{From: metadata.TransitionFrom{"open"}, To: "in_progress"},
				{From: metadata.TransitionFrom{"open", "in_progress"}, To: "closed",
					Guard: `record.resolution != ""`,
					Actions: []metadata.TransitionAction{
						{Type: "set_field", Field: "closed_at", Value: "now"},
					}},
				{From: metadata.TransitionFrom{"closed"}, To: "open"},
			},
		},
	}
}

func ticketRegistry(t *testing.T) *metadata.Registry {
	t.Helper()
	reg := metadata.NewRegistry()
	reg.Replace(metadata.Snapshot{StateMachines: []*metadata.StateMachine{ticketStateMachine()}})
	return reg
}

func TestFindTransition(t *testing.T) {
	sm := ticketStateMachine()

	if tr := FindTransition(sm, "open", "in_progress"); tr == nil {
		t.Fatal("expected declared transition open -> in_progress")
	}
	// Array from: both origins reach closed.
	if tr := FindTransition(sm, "in_progress", "closed"); tr == nil || tr.Guard == "" {
		t.Fatalf("expected guarded transition in_progress -> closed, got %+v", tr)
	}
	if tr := FindTransition(sm, "in_progress", "open"); tr != nil {
		t.Fatal("undeclared edge should not resolve")
	}
	if tr := FindTransition(sm, "", "closed"); tr != nil {
		t.Fatal("empty origin should not match")
	}
}

func TestStateMachineEnforcesInitialStateOnCreate(t *testing.T) {
	reg := ticketRegistry(t)
	ctx := context.Background()

	errs := EvaluateStateMachines(ctx, reg, "ticket", map[string]any{"status": "open"}, nil, true)
	if len(errs) != 0 {
		t.Fatalf("creating in the initial state should pass: %+v", errs)
	}

	errs = EvaluateStateMachines(ctx, reg, "ticket", map[string]any{"status": "closed"}, nil, true)
	if len(errs) != 1 {
		t.Fatalf("expected one violation, got %+v", errs)
	}
	if errs[0].Field != "status" || !strings.Contains(errs[0].Message, "Initial state") {
		t.Fatalf("unexpected detail: %+v", errs[0])
	}
}

func TestStateMachineTransitions(t *testing.T) {
	reg := ticketRegistry(t)
	ctx := context.Background()

	t.Run("declared transition passes", func(t *testing.T) {
		fields := map[string]any{"status": "in_progress"}
		old := map[string]any{"status": "open"}
		if errs := EvaluateStateMachines(ctx, reg, "ticket", fields, old, false); len(errs) != 0 {
			t.Fatalf("unexpected errors: %+v", errs)
		}
	})

	t.Run("undeclared transition is rejected", func(t *testing.T) {
		fields := map[string]any{"status": "open"}
		old := map[string]any{"status": "in_progress"}
		errs := EvaluateStateMachines(ctx, reg, "ticket", fields, old, false)
		if len(errs) != 1 || !strings.Contains(errs[0].Message, "Invalid transition") {
			t.Fatalf("expected invalid transition, got %+v", errs)
		}
	})

	t.Run("same state is a no-op", func(t *testing.T) {
		fields := map[string]any{"status": "open", "title": "renamed"}
		old := map[string]any{"status": "open"}
		if errs := EvaluateStateMachines(ctx, reg, "ticket", fields, old, false); len(errs) != 0 {
			t.Fatalf("unexpected errors: %+v", errs)
		}
	})

	t.Run("untouched state field is ignored", func(t *testing.T) {
		fields := map[string]any{"title": "renamed"}
		old := map[string]any{"status": "closed"}
		if errs := EvaluateStateMachines(ctx, reg, "ticket", fields, old, false); len(errs) != 0 {
			t.Fatalf("unexpected errors: %+v", errs)
		}
	})

	t.Run("entity without machines passes", func(t *testing.T) {
		if errs := EvaluateStateMachines(ctx, reg, "agent", map[string]any{"status": "x"}, nil, false); errs != nil {
			t.Fatalf("unexpected errors: %+v", errs)
		}
	})
}

func TestStateMachineGuard(t *testing.T) {
	reg := ticketRegistry(t)
	ctx := context.Background()

	t.Run("guard blocks the transition", func(t *testing.T) {
		fields := map[string]any{"status": "closed", "resolution": ""}
		old := map[string]any{"status": "in_progress"}
		errs := EvaluateStateMachines(ctx, reg, "ticket", fields, old, false)
		if len(errs) != 1 || !strings.Contains(errs[0].Message, "blocked by guard") {
			t.Fatalf("expected guard rejection, got %+v", errs)
		}
	})

	t.Run("guard allows and actions run", func(t *testing.T) {
		fields := map[string]any{"status": "closed", "resolution": "restarted the print spooler"}
		old := map[string]any{"status": "in_progress"}
		errs := EvaluateStateMachines(ctx, reg, "ticket", fields, old, false)
		if len(errs) != 0 {
			t.Fatalf("unexpected errors: %+v", errs)
		}
		stamp, ok := fields["closed_at"].(string)
		if !ok {
			t.Fatalf("set_field action did not run: %v", fields["closed_at"])
		}
		if _, err := time.Parse(time.RFC3339, stamp); err != nil {
			t.Fatalf("closed_at is not an RFC3339 timestamp: %q", stamp)
		}
	})
}

func TestStateMachineGuardEvaluationError(t *testing.T) {
	sm := ticketStateMachine()
	sm.Definition.Transitions[1].Guard = "record.resolution ++ ("
	reg := metadata.NewRegistry()
	reg.Replace(metadata.Snapshot{StateMachines: []*metadata.StateMachine{sm}})

	fields := map[string]any{"status": "closed", "resolution": "done"}
	old := map[string]any{"status": "open"}
	errs := EvaluateStateMachines(context.Background(), reg, "ticket", fields, old, false)
	if len(errs) != 1 || !strings.Contains(errs[0].Message, "Guard evaluation error") {
		t.Fatalf("expected guard error to fail the write, got %+v", errs)
	}
}

func TestExecuteActionsSetField(t *testing.T) {
	transition := &metadata.Transition{
		Actions: []metadata.TransitionAction{
			{Type: "set_field", Field: "assignee", Value: "triage-bot"},
			{Type: "set_field", Field: "updated_flag", Value: true},
		},
	}
	fields := map[string]any{}
	ExecuteActions(transition, fields)

	if fields["assignee"] != "triage-bot" {
		t.Fatalf("literal value not set: %v", fields["assignee"])
	}
	if fields["updated_flag"] != true {
		t.Fatalf("boolean value not set: %v", fields["updated_flag"])
	}
}

// The webhook body must be marshaled before the dispatch goroutine starts;
// the pipeline keeps mutating the fields map after the actions run.
func TestExecuteActionsWebhookSnapshotsPayload(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	transition := &metadata.Transition{
		Actions: []metadata.TransitionAction{
			{Type: "webhook", URL: srv.URL, Method: "POST"},
		},
	}
	fields := map[string]any{"status": "closed"}
	ExecuteActions(transition, fields)
	fields["status"] = "reopened"

	select {
	case payload := <-received:
		if payload["status"] != "closed" {
			t.Fatalf("webhook saw mutated fields: %v", payload["status"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was never delivered")
	}
}
