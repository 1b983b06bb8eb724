package admin

import (
	"fmt"
	"strings"

	"loom-backend/internal/metadata"
)

func validateEntity(e *metadata.Entity) error {
	if e.Name == "" {
		return fmt.Errorf("entity name is required")
	}
	if e.Table == "" {
		return fmt.Errorf("table name is required")
	}
	if len(e.Fields) == 0 {
		return fmt.Errorf("entity must have at least one field")
	}
	if e.PrimaryKey.Field == "" {
		return fmt.Errorf("primary key field is required")
	}
	if !e.HasField(e.PrimaryKey.Field) {
		return fmt.Errorf("primary key field %s not found in fields", e.PrimaryKey.Field)
	}

	if e.Slug != nil {
		slugField := e.GetField(e.Slug.Field)
		if slugField == nil {
			return fmt.Errorf("slug field %q not found in fields", e.Slug.Field)
		}
		if slugField.Type != "string" && slugField.Type != "text" {
			return fmt.Errorf("slug field %q must be of type string or text", e.Slug.Field)
		}
		if !slugField.Unique {
			return fmt.Errorf("slug field %q must have unique: true", e.Slug.Field)
		}
		if e.Slug.Source != "" && !e.HasField(e.Slug.Source) {
			return fmt.Errorf("slug source field %q not found in fields", e.Slug.Source)
		}
	}
	return nil
}

func validateRelation(r *metadata.Relation, reg *metadata.Registry) error {
	if r.Name == "" {
		return fmt.Errorf("relation name is required")
	}
	if r.Source == "" || r.Target == "" {
		return fmt.Errorf("source and target are required")
	}
	if reg.GetEntity(r.Source) == nil {
		return fmt.Errorf("source entity not found: %s", r.Source)
	}
	if reg.GetEntity(r.Target) == nil {
		return fmt.Errorf("target entity not found: %s", r.Target)
	}
	switch r.Type {
	case "one_to_one", "one_to_many", "many_to_many":
	default:
		return fmt.Errorf("invalid relation type: %s", r.Type)
	}
	if r.IsManyToMany() && r.JoinTable == "" {
		return fmt.Errorf("join_table is required for many_to_many relations")
	}
	return nil
}

func validateRule(r *metadata.Rule, reg *metadata.Registry) error {
	if r.Entity == "" {
		return fmt.Errorf("entity is required")
	}
	if reg.GetEntity(r.Entity) == nil {
		return fmt.Errorf("entity not found: %s", r.Entity)
	}
	if r.Hook != "before_write" && r.Hook != "before_delete" {
		return fmt.Errorf("invalid hook: %s (must be before_write or before_delete)", r.Hook)
	}
	if r.Type != "field" && r.Type != "expression" && r.Type != "computed" {
		return fmt.Errorf("invalid rule type: %s (must be field, expression, or computed)", r.Type)
	}
	return nil
}

func validateStateMachine(sm *metadata.StateMachine, reg *metadata.Registry) error {
	if sm.Entity == "" {
		return fmt.Errorf("entity is required")
	}
	if reg.GetEntity(sm.Entity) == nil {
		return fmt.Errorf("entity not found: %s", sm.Entity)
	}
	if sm.Field == "" {
		return fmt.Errorf("field is required")
	}
	if len(sm.Definition.Transitions) == 0 {
		return fmt.Errorf("at least one transition is required")
	}
	return nil
}

func validateWorkflow(wf *metadata.Workflow, reg *metadata.Registry) error {
	if wf.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if wf.Trigger.Type == "" {
		return fmt.Errorf("trigger type is required")
	}
	if wf.Trigger.Entity == "" {
		return fmt.Errorf("trigger entity is required")
	}
	if len(wf.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}

	stepIDs := make(map[string]bool, len(wf.Steps))
	for _, s := range wf.Steps {
		if s.ID == "" {
			return fmt.Errorf("step id is required")
		}
		if stepIDs[s.ID] {
			return fmt.Errorf("duplicate step id: %s", s.ID)
		}
		stepIDs[s.ID] = true
		if s.Type != "action" && s.Type != "condition" && s.Type != "approval" {
			return fmt.Errorf("invalid step type: %s (must be action, condition, or approval)", s.Type)
		}
	}

	// Every goto must land on a real step or the "end" sentinel.
	checkGoto := func(sg *metadata.StepGoto) error {
		if sg == nil || sg.Goto == "end" {
			return nil
		}
		if !stepIDs[sg.Goto] {
			return fmt.Errorf("goto target not found: %s", sg.Goto)
		}
		return nil
	}
	for _, s := range wf.Steps {
		for _, sg := range []*metadata.StepGoto{s.Then, s.OnTrue, s.OnFalse, s.OnApprove, s.OnReject, s.OnTimeout} {
			if err := checkGoto(sg); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateWebhook works on the raw body because webhooks are stored
// column-per-attribute rather than as a definition blob.
func validateWebhook(body map[string]any) string {
	entity, _ := body["entity"].(string)
	if entity == "" {
		return "entity is required"
	}

	if hook, _ := body["hook"].(string); hook != "" {
		switch hook {
		case "before_write", "after_write", "before_delete", "after_delete":
		default:
			return "hook must be after_write, before_write, after_delete, or before_delete"
		}
	}

	url, _ := body["url"].(string)
	if url == "" {
		return "url is required"
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "url must start with http:// or https://"
	}

	if method, _ := body["method"].(string); method != "" {
		switch method {
		case "POST", "PUT", "PATCH", "GET", "DELETE":
		default:
			return "method must be POST, PUT, PATCH, GET, or DELETE"
		}
	}
	return ""
}
