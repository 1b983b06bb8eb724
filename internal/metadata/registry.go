package metadata

import (
	"sort"
	"sync/atomic"
)

// Snapshot is one complete, consistent view of the metadata catalog as read
// from the system tables.
type Snapshot struct {
	Entities      []*Entity
	Relations     []*Relation
	Rules         []*Rule
	StateMachines []*StateMachine
	Workflows     []*Workflow
	Permissions   []*Permission
	Webhooks      []*Webhook
}

// catalog holds the indexed form of a snapshot. It is immutable once built;
// the registry swaps whole catalogs, so readers never see a half-applied
// reload.
type catalog struct {
	entities        map[string]*Entity
	relationsByName map[string]*Relation
	relationsBySrc  map[string][]*Relation
	rules           map[string][]*Rule // "entity:hook", active only, by priority
	stateMachines   map[string][]*StateMachine
	workflowsByName map[string]*Workflow
	workflowTrigger map[string][]*Workflow // "entity:field:to", active only
	permissions     map[string][]*Permission
	webhooks        map[string][]*Webhook // "entity:hook", active only

	entityNames   []string
	relationNames []string
}

// Registry gives the rest of the engine lock-free reads over the current
// metadata catalog.
type Registry struct {
	current atomic.Pointer[catalog]
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.Replace(Snapshot{})
	return r
}

// Replace indexes the snapshot and installs it as the current catalog.
func (r *Registry) Replace(snap Snapshot) {
	r.current.Store(buildCatalog(snap))
}

func buildCatalog(snap Snapshot) *catalog {
	c := &catalog{
		entities:        make(map[string]*Entity, len(snap.Entities)),
		relationsByName: make(map[string]*Relation, len(snap.Relations)),
		relationsBySrc:  make(map[string][]*Relation),
		rules:           make(map[string][]*Rule),
		stateMachines:   make(map[string][]*StateMachine),
		workflowsByName: make(map[string]*Workflow, len(snap.Workflows)),
		workflowTrigger: make(map[string][]*Workflow),
		permissions:     make(map[string][]*Permission),
		webhooks:        make(map[string][]*Webhook),
	}

	for _, e := range snap.Entities {
		c.entities[e.Name] = e
		c.entityNames = append(c.entityNames, e.Name)
	}
	sort.Strings(c.entityNames)

	for _, rel := range snap.Relations {
		c.relationsByName[rel.Name] = rel
		c.relationsBySrc[rel.Source] = append(c.relationsBySrc[rel.Source], rel)
		c.relationNames = append(c.relationNames, rel.Name)
	}
	sort.Strings(c.relationNames)

	// Inactive rules, machines, triggers and webhooks are dropped at index
	// time so the hot path never filters.
	for _, rule := range snap.Rules {
		if rule.Active {
			key := rule.Entity + ":" + rule.Hook
			c.rules[key] = append(c.rules[key], rule)
		}
	}
	for _, rules := range c.rules {
		sort.SliceStable(rules, func(i, j int) bool {
			return rules[i].Priority < rules[j].Priority
		})
	}

	for _, sm := range snap.StateMachines {
		if sm.Active {
			c.stateMachines[sm.Entity] = append(c.stateMachines[sm.Entity], sm)
		}
	}

	// Inactive workflows stay resolvable by name so in-flight instances can
	// still finish; they just stop being triggered.
	for _, wf := range snap.Workflows {
		c.workflowsByName[wf.Name] = wf
		if wf.Active && wf.Trigger.Type == "state_change" {
			key := wf.Trigger.Entity + ":" + wf.Trigger.Field + ":" + wf.Trigger.To
			c.workflowTrigger[key] = append(c.workflowTrigger[key], wf)
		}
	}

	for _, p := range snap.Permissions {
		key := p.Entity + ":" + p.Action
		c.permissions[key] = append(c.permissions[key], p)
	}

	for _, wh := range snap.Webhooks {
		if wh.Active {
			key := wh.Entity + ":" + wh.Hook
			c.webhooks[key] = append(c.webhooks[key], wh)
		}
	}

	return c
}

func (r *Registry) load() *catalog {
	return r.current.Load()
}

// GetEntity returns the entity with the given name, or nil.
func (r *Registry) GetEntity(name string) *Entity {
	return r.load().entities[name]
}

// AllEntities returns all entities, sorted by name.
func (r *Registry) AllEntities() []*Entity {
	c := r.load()
	out := make([]*Entity, 0, len(c.entityNames))
	for _, name := range c.entityNames {
		out = append(out, c.entities[name])
	}
	return out
}

// GetRelation returns a relation by name, or nil.
func (r *Registry) GetRelation(name string) *Relation {
	return r.load().relationsByName[name]
}

// GetRelationsForSource returns all relations whose source is the given entity.
func (r *Registry) GetRelationsForSource(entityName string) []*Relation {
	return r.load().relationsBySrc[entityName]
}

// AllRelations returns all relations, sorted by name.
func (r *Registry) AllRelations() []*Relation {
	c := r.load()
	out := make([]*Relation, 0, len(c.relationNames))
	for _, name := range c.relationNames {
		out = append(out, c.relationsByName[name])
	}
	return out
}

// FindRelationForEntity resolves an include alias against the given entity.
// The alias may be the relation's own name, the name of the entity on the
// other side, or implicit "{entity}_{alias}" naming.
func (r *Registry) FindRelationForEntity(alias string, entityName string) *Relation {
	c := r.load()
	if rel := c.relationsByName[alias]; rel != nil && (rel.Source == entityName || rel.Target == entityName) {
		return rel
	}
	for _, name := range c.relationNames {
		rel := c.relationsByName[name]
		if (rel.Source == entityName && rel.Target == alias) ||
			(rel.Target == entityName && rel.Source == alias) {
			return rel
		}
	}
	return c.relationsByName[entityName+"_"+alias]
}

// GetRulesForEntity returns active rules for an entity and hook, in priority
// order.
func (r *Registry) GetRulesForEntity(entityName, hook string) []*Rule {
	return r.load().rules[entityName+":"+hook]
}

// GetStateMachinesForEntity returns active state machines for an entity.
func (r *Registry) GetStateMachinesForEntity(entityName string) []*StateMachine {
	return r.load().stateMachines[entityName]
}

// GetWorkflowsForTrigger returns active workflows listening for the given
// state change.
func (r *Registry) GetWorkflowsForTrigger(entity, field, toState string) []*Workflow {
	return r.load().workflowTrigger[entity+":"+field+":"+toState]
}

// GetWorkflow returns a workflow by name, active or not, or nil.
func (r *Registry) GetWorkflow(name string) *Workflow {
	return r.load().workflowsByName[name]
}

// GetPermissions returns the permission policies for an entity + action pair.
func (r *Registry) GetPermissions(entity, action string) []*Permission {
	return r.load().permissions[entity+":"+action]
}

// GetWebhooksForEntityHook returns active webhooks for an entity + hook pair.
func (r *Registry) GetWebhooksForEntityHook(entity, hook string) []*Webhook {
	return r.load().webhooks[entity+":"+hook]
}
