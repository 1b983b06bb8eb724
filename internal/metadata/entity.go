package metadata

// SlugConfig enables URL-friendly identifiers for an entity. The slug column
// must exist in Fields as a unique string; when Source is set the engine
// derives the slug from that field on create (and on update if
// RegenerateOnUpdate is set).
type SlugConfig struct {
	Field              string `json:"field"`
	Source             string `json:"source,omitempty"`
	RegenerateOnUpdate bool   `json:"regenerate_on_update,omitempty"`
}

// Entity is one decoded definition row from _entities. It is the unit the
// whole engine operates on: tables, CRUD routes, validation and migrations
// all derive from it.
type Entity struct {
	Name       string      `json:"name"`
	Table      string      `json:"table"`
	PrimaryKey PrimaryKey  `json:"primary_key"`
	SoftDelete bool        `json:"soft_delete"`
	Slug       *SlugConfig `json:"slug,omitempty"`
	Fields     []Field     `json:"fields"`
}

type PrimaryKey struct {
	Field     string `json:"field"`
	Type      string `json:"type"` // uuid, int, bigint, string
	Generated bool   `json:"generated"`
}

// GetField returns the named field, or nil. The pointer aliases the entity's
// own slice so callers can read computed attributes without copying.
func (e *Entity) GetField(name string) *Field {
	for i := range e.Fields {
		if e.Fields[i].Name == name {
			return &e.Fields[i]
		}
	}
	return nil
}

func (e *Entity) HasField(name string) bool {
	return e.GetField(name) != nil
}

func (e *Entity) FieldNames() []string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Name
	}
	return names
}

// WritableFields lists the fields a client may supply on INSERT: everything
// except generated primary keys and engine-managed timestamp fields.
func (e *Entity) WritableFields() []Field {
	out := make([]Field, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.IsAuto() || (f.Name == e.PrimaryKey.Field && e.PrimaryKey.Generated) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// UpdatableFields lists the fields a client may change on UPDATE. The primary
// key, auto-managed fields and the soft-delete marker are off limits.
func (e *Entity) UpdatableFields() []Field {
	out := make([]Field, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.IsAuto() || f.Name == e.PrimaryKey.Field || f.Name == "deleted_at" {
			continue
		}
		out = append(out, f)
	}
	return out
}
