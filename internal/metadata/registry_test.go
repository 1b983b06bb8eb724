package metadata

import (
	"reflect"
	"testing"
)

func TestRegistryReplaceSwapsWholeCatalog(t *testing.T) {
	reg := NewRegistry()
	reg.Replace(Snapshot{
		Entities: []*Entity{{Name: "ticket", Table: "tickets"}},
		Rules: []*Rule{
			{ID: "r1", Entity: "ticket", Hook: "before_write", Active: true},
		},
	})

	if reg.GetEntity("ticket") == nil {
		t.Fatal("ticket entity missing after first replace")
	}
	if len(reg.GetRulesForEntity("ticket", "before_write")) != 1 {
		t.Fatal("ticket rule missing after first replace")
	}

	// A second replace must drop everything the new snapshot omits.
	reg.Replace(Snapshot{Entities: []*Entity{{Name: "agent", Table: "agents"}}})
	if reg.GetEntity("ticket") != nil {
		t.Fatal("stale entity survived replace")
	}
	if got := reg.GetRulesForEntity("ticket", "before_write"); len(got) != 0 {
		t.Fatalf("stale rules survived replace: %d", len(got))
	}
	if reg.GetEntity("agent") == nil {
		t.Fatal("agent entity missing after second replace")
	}
}

func TestRegistryRulesFilteredAndOrdered(t *testing.T) {
	reg := NewRegistry()
	reg.Replace(Snapshot{Rules: []*Rule{
		{ID: "late", Entity: "ticket", Hook: "before_write", Priority: 20, Active: true},
		{ID: "early", Entity: "ticket", Hook: "before_write", Priority: 5, Active: true},
		{ID: "off", Entity: "ticket", Hook: "before_write", Priority: 1, Active: false},
		{ID: "del", Entity: "ticket", Hook: "before_delete", Priority: 1, Active: true},
		{ID: "other", Entity: "agent", Hook: "before_write", Priority: 1, Active: true},
	}})

	got := reg.GetRulesForEntity("ticket", "before_write")
	if len(got) != 2 {
		t.Fatalf("want 2 active before_write rules, got %d", len(got))
	}
	if got[0].ID != "early" || got[1].ID != "late" {
		t.Fatalf("rules out of priority order: %s, %s", got[0].ID, got[1].ID)
	}
	if len(reg.GetRulesForEntity("ticket", "before_delete")) != 1 {
		t.Fatal("before_delete rule not indexed separately")
	}
	if len(reg.GetRulesForEntity("unknown", "before_write")) != 0 {
		t.Fatal("unknown entity should have no rules")
	}
}

func TestRegistryPermissionsKeyedByEntityAction(t *testing.T) {
	reg := NewRegistry()
	reg.Replace(Snapshot{Permissions: []*Permission{
		{ID: "p1", Entity: "ticket", Action: "create", Roles: []string{"agent", "supervisor"}},
		{ID: "p2", Entity: "ticket", Action: "read", Roles: []string{"viewer"}},
		{ID: "p3", Entity: "agent", Action: "create", Roles: []string{"supervisor"}},
	}})

	perms := reg.GetPermissions("ticket", "create")
	if len(perms) != 1 {
		t.Fatalf("want 1 policy for ticket:create, got %d", len(perms))
	}
	if !reflect.DeepEqual(perms[0].Roles, []string{"agent", "supervisor"}) {
		t.Fatalf("unexpected roles: %v", perms[0].Roles)
	}
	if len(reg.GetPermissions("ticket", "delete")) != 0 {
		t.Fatal("ticket:delete should have no policies")
	}
}

func TestRegistryWebhooksDropInactive(t *testing.T) {
	reg := NewRegistry()
	reg.Replace(Snapshot{Webhooks: []*Webhook{
		{ID: "w1", Entity: "ticket", Hook: "after_write", URL: "http://live", Active: true},
		{ID: "w2", Entity: "ticket", Hook: "after_write", URL: "http://off", Active: false},
		{ID: "w3", Entity: "ticket", Hook: "before_delete", URL: "http://veto", Active: true},
	}})

	hooks := reg.GetWebhooksForEntityHook("ticket", "after_write")
	if len(hooks) != 1 || hooks[0].URL != "http://live" {
		t.Fatalf("want only the active after_write hook, got %v", hooks)
	}
	if len(reg.GetWebhooksForEntityHook("ticket", "before_delete")) != 1 {
		t.Fatal("before_delete hook missing")
	}
}

func TestRegistryWorkflowTriggerIndex(t *testing.T) {
	reg := NewRegistry()
	reg.Replace(Snapshot{Workflows: []*Workflow{
		{ID: "1", Name: "escalation", Active: true,
			Trigger: WorkflowTrigger{Type: "state_change", Entity: "ticket", Field: "status", To: "escalated"}},
		{ID: "2", Name: "retired", Active: false,
			Trigger: WorkflowTrigger{Type: "state_change", Entity: "ticket", Field: "status", To: "escalated"}},
	}})

	matched := reg.GetWorkflowsForTrigger("ticket", "status", "escalated")
	if len(matched) != 1 || matched[0].Name != "escalation" {
		t.Fatalf("trigger index should hold only active workflows, got %v", matched)
	}

	// Inactive workflows stay reachable by name for in-flight instances.
	if reg.GetWorkflow("retired") == nil {
		t.Fatal("inactive workflow should still resolve by name")
	}
	if len(reg.GetWorkflowsForTrigger("ticket", "status", "closed")) != 0 {
		t.Fatal("unmatched trigger should return nothing")
	}
}

func TestFindRelationForEntity(t *testing.T) {
	reg := NewRegistry()
	reg.Replace(Snapshot{
		Entities: []*Entity{{Name: "ticket"}, {Name: "labels"}},
		Relations: []*Relation{
			{Name: "ticket_labels", Type: "many_to_many", Source: "ticket", Target: "labels"},
			{Name: "replies", Type: "one_to_many", Source: "ticket", Target: "reply"},
		},
	})

	cases := []struct {
		alias, entity, want string
	}{
		{"replies", "ticket", "replies"},      // relation's own name
		{"labels", "ticket", "ticket_labels"}, // target entity as alias
		{"missing", "ticket", ""},
	}
	for _, tc := range cases {
		rel := reg.FindRelationForEntity(tc.alias, tc.entity)
		switch {
		case tc.want == "" && rel != nil:
			t.Errorf("FindRelationForEntity(%q, %q) = %q, want nil", tc.alias, tc.entity, rel.Name)
		case tc.want != "" && (rel == nil || rel.Name != tc.want):
			t.Errorf("FindRelationForEntity(%q, %q) = %v, want %q", tc.alias, tc.entity, rel, tc.want)
		}
	}
}

func TestAllEntitiesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Replace(Snapshot{Entities: []*Entity{
		{Name: "ticket"}, {Name: "agent"}, {Name: "label"},
	}})

	var names []string
	for _, e := range reg.AllEntities() {
		names = append(names, e.Name)
	}
	if !reflect.DeepEqual(names, []string{"agent", "label", "ticket"}) {
		t.Fatalf("entities not sorted by name: %v", names)
	}
}

func TestParseStringArray(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want []string
	}{
		{"nil", nil, []string{}},
		{"native slice", []string{"agent"}, []string{"agent"}},
		{"any slice", []any{"agent", "viewer"}, []string{"agent", "viewer"}},
		{"json text", `["agent","viewer"]`, []string{"agent", "viewer"}},
		{"pg literal", "{agent,viewer}", []string{"agent", "viewer"}},
		{"pg quoted", `{"agent","first line"}`, []string{"agent", "first line"}},
		{"empty json", "[]", []string{}},
		{"empty pg", "{}", []string{}},
		{"bytes", []byte(`["viewer"]`), []string{"viewer"}},
		{"bare string", "agent", []string{"agent"}},
	}
	for _, tc := range cases {
		if got := ParseStringArray(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("%s: ParseStringArray = %v, want %v", tc.name, got, tc.want)
		}
	}
}
