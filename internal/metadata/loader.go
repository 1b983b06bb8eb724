package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

// LoadAll reads every system table into a fresh snapshot and installs it.
// The swap is atomic: readers see either the old catalog or the new one,
// never a mix.
func LoadAll(ctx context.Context, db *sql.DB, reg *Registry) error {
	var snap Snapshot
	var err error

	if snap.Entities, err = loadDefinitions[Entity](ctx, db, "_entities"); err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	if snap.Relations, err = loadDefinitions[Relation](ctx, db, "_relations"); err != nil {
		return fmt.Errorf("load relations: %w", err)
	}
	if snap.Rules, err = loadRules(ctx, db); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	if snap.StateMachines, err = loadStateMachines(ctx, db); err != nil {
		return fmt.Errorf("load state machines: %w", err)
	}
	if snap.Workflows, err = loadWorkflows(ctx, db); err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}
	if snap.Permissions, err = loadPermissions(ctx, db); err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}
	if snap.Webhooks, err = loadWebhooks(ctx, db); err != nil {
		return fmt.Errorf("load webhooks: %w", err)
	}

	reg.Replace(snap)
	log.Printf("metadata: loaded %d entities, %d relations, %d rules, %d state machines, %d workflows, %d permissions, %d webhooks",
		len(snap.Entities), len(snap.Relations), len(snap.Rules), len(snap.StateMachines),
		len(snap.Workflows), len(snap.Permissions), len(snap.Webhooks))
	return nil
}

// Reload re-reads everything after an admin mutation.
func Reload(ctx context.Context, db *sql.DB, reg *Registry) error {
	return LoadAll(ctx, db, reg)
}

// loadDefinitions reads a table whose rows are (name, definition JSON blob)
// and decodes each blob into T. Rows with broken JSON are logged and skipped
// rather than taking the whole catalog down.
func loadDefinitions[T any](ctx context.Context, db *sql.DB, table string) ([]*T, error) {
	rows, err := db.QueryContext(ctx,
		fmt.Sprintf("SELECT name, definition FROM %s ORDER BY name", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var name string
		var blob []byte
		if err := rows.Scan(&name, &blob); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		item := new(T)
		if err := json.Unmarshal(blob, item); err != nil {
			log.Printf("metadata: skipping %s/%s, bad definition: %v", table, name, err)
			continue
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func loadRules(ctx context.Context, db *sql.DB) ([]*Rule, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, entity, hook, type, definition, priority, active FROM _rules ORDER BY entity, priority")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		var r Rule
		var blob []byte
		if err := rows.Scan(&r.ID, &r.Entity, &r.Hook, &r.Type, &blob, &r.Priority, &r.Active); err != nil {
			return nil, fmt.Errorf("scan rule row: %w", err)
		}
		if err := json.Unmarshal(blob, &r.Definition); err != nil {
			log.Printf("metadata: skipping rule %s, bad definition: %v", r.ID, err)
			continue
		}
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

func loadStateMachines(ctx context.Context, db *sql.DB) ([]*StateMachine, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, entity, field, definition, active FROM _state_machines ORDER BY entity")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var machines []*StateMachine
	for rows.Next() {
		var sm StateMachine
		var blob []byte
		if err := rows.Scan(&sm.ID, &sm.Entity, &sm.Field, &blob, &sm.Active); err != nil {
			return nil, fmt.Errorf("scan state machine row: %w", err)
		}
		if err := json.Unmarshal(blob, &sm.Definition); err != nil {
			log.Printf("metadata: skipping state machine %s, bad definition: %v", sm.ID, err)
			continue
		}
		machines = append(machines, &sm)
	}
	return machines, rows.Err()
}

func loadWorkflows(ctx context.Context, db *sql.DB) ([]*Workflow, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, name, trigger, context, steps, active FROM _workflows ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		var wf Workflow
		var trigger, wfCtx, steps []byte
		if err := rows.Scan(&wf.ID, &wf.Name, &trigger, &wfCtx, &steps, &wf.Active); err != nil {
			return nil, fmt.Errorf("scan workflow row: %w", err)
		}
		bad := json.Unmarshal(trigger, &wf.Trigger) != nil ||
			json.Unmarshal(steps, &wf.Steps) != nil
		if !bad && len(wfCtx) > 0 {
			bad = json.Unmarshal(wfCtx, &wf.Context) != nil
		}
		if bad {
			log.Printf("metadata: skipping workflow %s, bad definition", wf.Name)
			continue
		}
		workflows = append(workflows, &wf)
	}
	return workflows, rows.Err()
}

func loadPermissions(ctx context.Context, db *sql.DB) ([]*Permission, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, entity, action, roles, conditions FROM _permissions ORDER BY entity, action")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var permissions []*Permission
	for rows.Next() {
		var p Permission
		var roles any
		var conds []byte
		if err := rows.Scan(&p.ID, &p.Entity, &p.Action, &roles, &conds); err != nil {
			return nil, fmt.Errorf("scan permission row: %w", err)
		}
		p.Roles = ParseStringArray(roles)
		if len(conds) > 0 {
			if err := json.Unmarshal(conds, &p.Conditions); err != nil {
				log.Printf("metadata: skipping permission %s, bad conditions: %v", p.ID, err)
				continue
			}
		}
		permissions = append(permissions, &p)
	}
	return permissions, rows.Err()
}

func loadWebhooks(ctx context.Context, db *sql.DB) ([]*Webhook, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, entity, hook, url, method, headers, condition, async, retry, active FROM _webhooks ORDER BY entity, hook")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []*Webhook
	for rows.Next() {
		var wh Webhook
		var headers, retry []byte
		var condition sql.NullString
		if err := rows.Scan(&wh.ID, &wh.Entity, &wh.Hook, &wh.URL, &wh.Method,
			&headers, &condition, &wh.Async, &retry, &wh.Active); err != nil {
			return nil, fmt.Errorf("scan webhook row: %w", err)
		}
		wh.Condition = condition.String
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &wh.Headers); err != nil {
				log.Printf("metadata: skipping webhook %s, bad headers: %v", wh.ID, err)
				continue
			}
		}
		if len(retry) > 0 {
			if err := json.Unmarshal(retry, &wh.Retry); err != nil {
				log.Printf("metadata: skipping webhook %s, bad retry config: %v", wh.ID, err)
				continue
			}
		}
		webhooks = append(webhooks, &wh)
	}
	return webhooks, rows.Err()
}

// ParseStringArray normalizes a roles column into []string regardless of how
// the driver hands it back: a native slice, a JSON array (SQLite stores
// arrays as JSON text), or a Postgres array literal like {admin,editor}.
func ParseStringArray(src any) []string {
	switch v := src.(type) {
	case nil:
		return []string{}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	case []byte:
		return parseArrayText(string(v))
	case string:
		return parseArrayText(v)
	default:
		return []string{}
	}
}

func parseArrayText(s string) []string {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == "[]" || s == "{}":
		return []string{}
	case strings.HasPrefix(s, "["):
		var out []string
		if err := json.Unmarshal([]byte(s), &out); err == nil {
			return out
		}
		return []string{}
	case strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}"):
		parts := strings.Split(s[1:len(s)-1], ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.Trim(strings.TrimSpace(p), `"`); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return []string{s}
	}
}
