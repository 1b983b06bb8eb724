//go:build integration

package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"

	"loom-backend/internal/admin"
	"loom-backend/internal/config"
	"loom-backend/internal/engine"
	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

// The suite runs the full HTTP surface against a throwaway SQLite database in
// a temp directory, so it needs no external services. Build with
// -tags integration.

type testEnv struct {
	app   *fiber.App
	store *store.Store
	reg   *metadata.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	s, err := store.New(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Path:   t.TempDir(),
		Name:   "engine_test",
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, s.DB, reg); err != nil {
		t.Fatalf("load metadata: %v", err)
	}

	// Same registration order as the server: the /api/:entity wildcard last.
	app := fiber.New(fiber.Config{ErrorHandler: engine.FiberErrorHandler})

	// Stand-in for the auth middleware: every request runs as an admin whose
	// id comes from X-User-ID, so tests control the acting user.
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user", &metadata.UserContext{
			ID:    c.Get("X-User-ID", "test-admin"),
			Roles: []string{"admin"},
		})
		return c.Next()
	})

	admin.RegisterRoutes(app, admin.NewHandler(s, reg, store.NewMigrator(s)))
	engine.RegisterWorkflowRoutes(app, engine.NewWorkflowHandler(s, reg))
	engine.RegisterDynamicRoutes(app, engine.NewHandler(s, reg))

	return &testEnv{app: app, store: s, reg: reg}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// request sends a JSON request and decodes the JSON response body.
func (e *testEnv) request(t *testing.T, method, path string, body any, wantStatus int) map[string]any {
	t.Helper()
	resp := e.do(t, method, path, body, nil)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: status %d, want %d\nbody: %s", method, path, resp.StatusCode, wantStatus, raw)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode response %q: %v", raw, err)
	}
	return decoded
}

func dataMap(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	if !ok {
		t.Fatalf("response has no data object: %v", body)
	}
	return data
}

func dataList(t *testing.T, body map[string]any) []any {
	t.Helper()
	data, ok := body["data"].([]any)
	if !ok {
		t.Fatalf("response has no data array: %v", body)
	}
	return data
}

func errorObj(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("response has no error object: %v", body)
	}
	return e
}

func firstDetailField(t *testing.T, errObj map[string]any) string {
	t.Helper()
	details, ok := errObj["details"].([]any)
	if !ok || len(details) == 0 {
		t.Fatalf("error has no details: %v", errObj)
	}
	detail, ok := details[0].(map[string]any)
	if !ok {
		t.Fatalf("malformed detail: %v", details[0])
	}
	field, _ := detail["field"].(string)
	return field
}

// define posts a metadata document to /api/_admin and expects it to land.
func (e *testEnv) define(t *testing.T, resource string, body map[string]any) {
	t.Helper()
	e.request(t, http.MethodPost, "/api/_admin/"+resource, body, 201)
}

func ticketEntity() map[string]any {
	return map[string]any{
		"name":        "tickets",
		"table":       "tickets",
		"primary_key": map[string]any{"field": "id", "type": "uuid", "generated": true},
		"fields": []map[string]any{
			{"name": "id", "type": "uuid"},
			{"name": "title", "type": "string", "required": true},
			{"name": "ref", "type": "string", "unique": true},
			{"name": "priority", "type": "int"},
			{"name": "status", "type": "string"},
			{"name": "resolution", "type": "string"},
			{"name": "closed_at", "type": "string", "nullable": true},
			{"name": "title_length", "type": "int"},
		},
	}
}

func ticketStatusMachine() map[string]any {
	return map[string]any{
		"entity": "tickets",
		"field":  "status",
		"active": true,
		"definition": map[string]any{
			"initial": "open",
			"transitions": []map[string]any{
				{"from": "open", "to": "in_progress"},
				{
					"from":  []string{"open", "in_progress"},
					"to":    "closed",
					"guard": `record.resolution != ""`,
					"actions": []map[string]any{
						{"type": "set_field", "field": "closed_at", "value": "now"},
					},
				},
				{"from": "closed", "to": "open"},
			},
		},
	}
}

func TestTicketLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.define(t, "entities", ticketEntity())

	body := env.request(t, http.MethodPost, "/api/tickets",
		map[string]any{"title": "printer on fire", "ref": "T-100", "priority": 2}, 201)
	created := dataMap(t, body)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("create returned no id: %v", created)
	}
	if created["title"] != "printer on fire" {
		t.Fatalf("unexpected title: %v", created["title"])
	}

	t.Run("duplicate unique field conflicts", func(t *testing.T) {
		body := env.request(t, http.MethodPost, "/api/tickets",
			map[string]any{"title": "second printer", "ref": "T-100"}, 409)
		if code := errorObj(t, body)["code"]; code != "CONFLICT" {
			t.Fatalf("expected CONFLICT, got %v", code)
		}
	})

	t.Run("get by id", func(t *testing.T) {
		body := env.request(t, http.MethodGet, "/api/tickets/"+id, nil, 200)
		if got := dataMap(t, body)["ref"]; got != "T-100" {
			t.Fatalf("unexpected ref: %v", got)
		}
	})

	t.Run("list carries pagination meta", func(t *testing.T) {
		body := env.request(t, http.MethodGet, "/api/tickets", nil, 200)
		if got := len(dataList(t, body)); got != 1 {
			t.Fatalf("expected 1 row, got %d", got)
		}
		meta, ok := body["meta"].(map[string]any)
		if !ok {
			t.Fatalf("list response has no meta: %v", body)
		}
		if total, _ := meta["total"].(float64); total != 1 {
			t.Fatalf("expected total 1, got %v", meta["total"])
		}
	})

	t.Run("update", func(t *testing.T) {
		body := env.request(t, http.MethodPut, "/api/tickets/"+id,
			map[string]any{"priority": 4}, 200)
		if got, _ := dataMap(t, body)["priority"].(float64); got != 4 {
			t.Fatalf("priority not updated: %v", dataMap(t, body)["priority"])
		}
	})

	t.Run("delete", func(t *testing.T) {
		env.request(t, http.MethodDelete, "/api/tickets/"+id, nil, 200)
		body := env.request(t, http.MethodGet, "/api/tickets/"+id, nil, 404)
		if code := errorObj(t, body)["code"]; code != "NOT_FOUND" {
			t.Fatalf("expected NOT_FOUND, got %v", code)
		}
	})
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.define(t, "entities", ticketEntity())

	// A fresh app without the user middleware: the permission layer must turn
	// anonymous requests away instead of serving them.
	app := fiber.New(fiber.Config{ErrorHandler: engine.FiberErrorHandler})
	engine.RegisterDynamicRoutes(app, engine.NewHandler(env.store, env.reg))

	req, err := http.NewRequest(http.MethodGet, "/api/tickets", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if code := errorObj(t, decoded)["code"]; code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %v", code)
	}
}

func commentEntity() map[string]any {
	return map[string]any{
		"name":        "comments",
		"table":       "comments",
		"primary_key": map[string]any{"field": "id", "type": "uuid", "generated": true},
		"fields": []map[string]any{
			{"name": "id", "type": "uuid"},
			{"name": "ticket_id", "type": "uuid"},
			{"name": "body", "type": "string", "required": true},
			{"name": "kind", "type": "string", "enum": []string{"note", "reply"}},
		},
	}
}

func TestChildRowValidation(t *testing.T) {
	env := newTestEnv(t)
	env.define(t, "entities", ticketEntity())
	env.define(t, "entities", commentEntity())
	env.define(t, "relations", map[string]any{
		"name": "comments", "type": "one_to_many",
		"source": "tickets", "target": "comments",
		"target_key": "ticket_id",
		"ownership":  "source", "on_delete": "cascade",
	})

	t.Run("enum violation rolls back the whole write", func(t *testing.T) {
		body := env.request(t, http.MethodPost, "/api/tickets", map[string]any{
			"title": "broken keyboard",
			"comments": []map[string]any{
				{"body": "swapped the batteries", "kind": "gossip"},
			},
		}, 422)
		errObj := errorObj(t, body)
		if errObj["code"] != "VALIDATION_FAILED" {
			t.Fatalf("expected VALIDATION_FAILED, got %v", errObj["code"])
		}
		if field := firstDetailField(t, errObj); field != "kind" {
			t.Fatalf("expected detail on kind, got %q", field)
		}
		// The parent insert rode the same transaction.
		body = env.request(t, http.MethodGet, "/api/tickets", nil, 200)
		if got := len(dataList(t, body)); got != 0 {
			t.Fatalf("parent persisted despite child validation failure: %d rows", got)
		}
	})

	t.Run("missing required child field is a validation error", func(t *testing.T) {
		body := env.request(t, http.MethodPost, "/api/tickets", map[string]any{
			"title": "broken keyboard",
			"comments": []map[string]any{
				{"kind": "note"},
			},
		}, 422)
		if field := firstDetailField(t, errorObj(t, body)); field != "body" {
			t.Fatalf("expected detail on body, got %q", field)
		}
	})

	t.Run("valid children persist with the parent", func(t *testing.T) {
		env.request(t, http.MethodPost, "/api/tickets", map[string]any{
			"title": "broken keyboard",
			"comments": []map[string]any{
				{"body": "swapped the batteries", "kind": "note"},
			},
		}, 201)
		body := env.request(t, http.MethodGet, "/api/comments", nil, 200)
		if got := len(dataList(t, body)); got != 1 {
			t.Fatalf("expected 1 comment, got %d", got)
		}
	})
}

func TestRequestValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	env.define(t, "entities", ticketEntity())

	t.Run("unknown entity", func(t *testing.T) {
		body := env.request(t, http.MethodGet, "/api/ghosts", nil, 404)
		if code := errorObj(t, body)["code"]; code != "UNKNOWN_ENTITY" {
			t.Fatalf("expected UNKNOWN_ENTITY, got %v", code)
		}
	})

	t.Run("missing required field", func(t *testing.T) {
		body := env.request(t, http.MethodPost, "/api/tickets",
			map[string]any{"priority": 1}, 422)
		errObj := errorObj(t, body)
		if errObj["code"] != "VALIDATION_FAILED" {
			t.Fatalf("expected VALIDATION_FAILED, got %v", errObj["code"])
		}
		if field := firstDetailField(t, errObj); field != "title" {
			t.Fatalf("expected detail on title, got %q", field)
		}
	})

	t.Run("unknown field is rejected", func(t *testing.T) {
		body := env.request(t, http.MethodPost, "/api/tickets",
			map[string]any{"title": "x", "colour": "red"}, 400)
		if code := errorObj(t, body)["code"]; code != "UNKNOWN_FIELD" {
			t.Fatalf("expected UNKNOWN_FIELD, got %v", code)
		}
	})
}

func TestRulesEnforcedThroughTheAPI(t *testing.T) {
	env := newTestEnv(t)
	env.define(t, "entities", ticketEntity())
	env.define(t, "rules", map[string]any{
		"entity": "tickets", "hook": "before_write", "type": "field",
		"priority": 1, "active": true,
		"definition": map[string]any{
			"field": "priority", "operator": "max", "value": 5,
			"message": "Priority cap is 5",
		},
	})
	env.define(t, "rules", map[string]any{
		"entity": "tickets", "hook": "before_write", "type": "computed",
		"priority": 2, "active": true,
		"definition": map[string]any{
			"field": "title_length", "expression": "len(record.title)",
		},
	})

	t.Run("field rule rejects the write", func(t *testing.T) {
		body := env.request(t, http.MethodPost, "/api/tickets",
			map[string]any{"title": "everything is broken", "priority": 9}, 422)
		errObj := errorObj(t, body)
		if errObj["code"] != "VALIDATION_FAILED" {
			t.Fatalf("expected VALIDATION_FAILED, got %v", errObj["code"])
		}
		if field := firstDetailField(t, errObj); field != "priority" {
			t.Fatalf("expected detail on priority, got %q", field)
		}
	})

	t.Run("computed field is materialized", func(t *testing.T) {
		body := env.request(t, http.MethodPost, "/api/tickets",
			map[string]any{"title": "slow wifi", "priority": 2}, 201)
		got, _ := dataMap(t, body)["title_length"].(float64)
		if int(got) != len("slow wifi") {
			t.Fatalf("computed field not stored: %v", dataMap(t, body)["title_length"])
		}
	})
}

func TestStateMachineEnforcedThroughTheAPI(t *testing.T) {
	env := newTestEnv(t)
	env.define(t, "entities", ticketEntity())
	env.define(t, "state-machines", ticketStatusMachine())

	t.Run("create must use the initial state", func(t *testing.T) {
		body := env.request(t, http.MethodPost, "/api/tickets",
			map[string]any{"title": "vpn down", "status": "closed"}, 422)
		if code := errorObj(t, body)["code"]; code != "VALIDATION_FAILED" {
			t.Fatalf("expected VALIDATION_FAILED, got %v", code)
		}
	})

	body := env.request(t, http.MethodPost, "/api/tickets",
		map[string]any{"title": "vpn down", "status": "open"}, 201)
	id := dataMap(t, body)["id"].(string)

	t.Run("undeclared transition is rejected", func(t *testing.T) {
		env.request(t, http.MethodPut, "/api/tickets/"+id,
			map[string]any{"status": "archived"}, 422)
	})

	t.Run("guard blocks closing without a resolution", func(t *testing.T) {
		env.request(t, http.MethodPut, "/api/tickets/"+id,
			map[string]any{"status": "closed"}, 422)
	})

	t.Run("guarded transition runs its actions", func(t *testing.T) {
		env.request(t, http.MethodPut, "/api/tickets/"+id,
			map[string]any{"status": "in_progress"}, 200)
		body := env.request(t, http.MethodPut, "/api/tickets/"+id,
			map[string]any{"status": "closed", "resolution": "rebooted the gateway"}, 200)
		record := dataMap(t, body)
		if record["status"] != "closed" {
			t.Fatalf("transition did not apply: %v", record["status"])
		}
		if stamp, _ := record["closed_at"].(string); stamp == "" {
			t.Fatalf("set_field action did not stamp closed_at: %v", record["closed_at"])
		}
	})
}

func reviewWorkflow() map[string]any {
	return map[string]any{
		"name":   "ticket_review",
		"active": true,
		"trigger": map[string]any{
			"type": "state_change", "entity": "tickets",
			"field": "status", "to": "in_progress",
		},
		"context": map[string]any{"ticket_id": "trigger.record_id"},
		"steps": []map[string]any{
			{
				"id": "review", "type": "approval", "timeout": "72h",
				"on_approve": map[string]any{"goto": "mark"},
				"on_reject":  "end",
			},
			{
				"id": "mark", "type": "action",
				"actions": []map[string]any{
					{
						"type": "set_field", "entity": "tickets",
						"record_id": "context.ticket_id",
						"field":     "resolution", "value": "cleared by review",
					},
				},
				"then": "end",
			},
		},
	}
}

func TestWorkflowApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	env.define(t, "entities", ticketEntity())
	env.define(t, "state-machines", ticketStatusMachine())
	env.define(t, "workflows", reviewWorkflow())

	body := env.request(t, http.MethodPost, "/api/tickets",
		map[string]any{"title": "db failover stuck", "status": "open"}, 201)
	ticketID := dataMap(t, body)["id"].(string)

	// The state change to in_progress starts the workflow.
	env.request(t, http.MethodPut, "/api/tickets/"+ticketID,
		map[string]any{"status": "in_progress"}, 200)

	body = env.request(t, http.MethodGet, "/api/_workflows/pending", nil, 200)
	pending := dataList(t, body)
	if len(pending) != 1 {
		t.Fatalf("expected one pending instance, got %d", len(pending))
	}
	instance := pending[0].(map[string]any)
	instanceID := instance["id"].(string)
	if instance["current_step"] != "review" {
		t.Fatalf("instance paused at %v, want review", instance["current_step"])
	}
	wfCtx, _ := instance["context"].(map[string]any)
	if wfCtx["ticket_id"] != ticketID {
		t.Fatalf("context.ticket_id = %v, want %s", wfCtx["ticket_id"], ticketID)
	}

	resp := env.do(t, http.MethodPost, "/api/_workflows/"+instanceID+"/approve", nil,
		map[string]string{"X-User-ID": "supervisor-1"})
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("approve failed: %d %s", resp.StatusCode, raw)
	}
	var approved map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&approved); err != nil {
		t.Fatalf("decode approve response: %v", err)
	}
	if status := dataMap(t, approved)["status"]; status != "completed" {
		t.Fatalf("instance status after approval: %v", status)
	}

	// The action step ran against the triggering ticket.
	body = env.request(t, http.MethodGet, "/api/tickets/"+ticketID, nil, 200)
	if got := dataMap(t, body)["resolution"]; got != "cleared by review" {
		t.Fatalf("workflow action did not update the ticket: %v", got)
	}

	// The audit trail names the approver.
	body = env.request(t, http.MethodGet, "/api/_workflows/"+instanceID, nil, 200)
	history, _ := dataMap(t, body)["history"].([]any)
	foundApproval := false
	for _, raw := range history {
		entry, _ := raw.(map[string]any)
		if entry["step"] == "review" && entry["status"] == "approved" && entry["by"] == "supervisor-1" {
			foundApproval = true
		}
	}
	if !foundApproval {
		t.Fatalf("no approval entry in history: %v", history)
	}
}

func TestWorkflowConditionBranching(t *testing.T) {
	env := newTestEnv(t)
	env.define(t, "entities", ticketEntity())
	env.define(t, "state-machines", ticketStatusMachine())
	env.define(t, "workflows", map[string]any{
		"name":   "escalation_triage",
		"active": true,
		"trigger": map[string]any{
			"type": "state_change", "entity": "tickets",
			"field": "status", "to": "in_progress",
		},
		"context": map[string]any{
			"ticket_id": "trigger.record_id",
			"priority":  "trigger.record.priority",
		},
		"steps": []map[string]any{
			{
				"id": "triage", "type": "condition",
				"expression": "context.priority > 3",
				"on_true":    map[string]any{"goto": "flag"},
				"on_false":   "end",
			},
			{
				"id": "flag", "type": "action",
				"actions": []map[string]any{
					{
						"type": "set_field", "entity": "tickets",
						"record_id": "context.ticket_id",
						"field":     "resolution", "value": "escalated",
					},
				},
				"then": "end",
			},
		},
	})

	startTicket := func(t *testing.T, title string, priority int) string {
		t.Helper()
		body := env.request(t, http.MethodPost, "/api/tickets",
			map[string]any{"title": title, "status": "open", "priority": priority}, 201)
		id := dataMap(t, body)["id"].(string)
		env.request(t, http.MethodPut, "/api/tickets/"+id,
			map[string]any{"status": "in_progress"}, 200)
		return id
	}

	t.Run("true branch runs the action", func(t *testing.T) {
		id := startTicket(t, "outage", 5)
		body := env.request(t, http.MethodGet, "/api/tickets/"+id, nil, 200)
		if got := dataMap(t, body)["resolution"]; got != "escalated" {
			t.Fatalf("expected escalation, got %v", got)
		}
	})

	t.Run("false branch completes without side effects", func(t *testing.T) {
		id := startTicket(t, "typo in footer", 1)
		body := env.request(t, http.MethodGet, "/api/tickets/"+id, nil, 200)
		if got, _ := dataMap(t, body)["resolution"].(string); got != "" {
			t.Fatalf("low priority ticket was escalated: %v", got)
		}
	})

	// Both instances ran to completion; nothing is paused.
	body := env.request(t, http.MethodGet, "/api/_workflows/pending", nil, 200)
	if got := len(dataList(t, body)); got != 0 {
		t.Fatalf("expected no pending instances, got %d", got)
	}
}

func TestWorkflowRejectAndDelete(t *testing.T) {
	env := newTestEnv(t)
	env.define(t, "entities", ticketEntity())
	env.define(t, "state-machines", ticketStatusMachine())
	env.define(t, "workflows", reviewWorkflow())

	body := env.request(t, http.MethodPost, "/api/tickets",
		map[string]any{"title": "flaky build agent", "status": "open"}, 201)
	ticketID := dataMap(t, body)["id"].(string)
	env.request(t, http.MethodPut, "/api/tickets/"+ticketID,
		map[string]any{"status": "in_progress"}, 200)

	body = env.request(t, http.MethodGet, "/api/_workflows/pending", nil, 200)
	pending := dataList(t, body)
	if len(pending) != 1 {
		t.Fatalf("expected one pending instance, got %d", len(pending))
	}
	instanceID := pending[0].(map[string]any)["id"].(string)

	body = env.request(t, http.MethodPost, "/api/_workflows/"+instanceID+"/reject", nil, 200)
	if status := dataMap(t, body)["status"]; status != "completed" {
		t.Fatalf("instance status after rejection: %v", status)
	}

	// Rejection skips the action step; the ticket keeps its resolution.
	body = env.request(t, http.MethodGet, "/api/tickets/"+ticketID, nil, 200)
	if got, _ := dataMap(t, body)["resolution"].(string); got != "" {
		t.Fatalf("rejected workflow still ran actions: %v", got)
	}

	// A resolved instance may not be approved again.
	env.request(t, http.MethodPost, "/api/_workflows/"+instanceID+"/approve", nil, 422)

	env.request(t, http.MethodDelete, "/api/_workflows/"+instanceID, nil, 200)
	env.request(t, http.MethodGet, "/api/_workflows/"+instanceID, nil, 404)
}
