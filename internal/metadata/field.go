package metadata

// Field is one column of an entity definition. Type names are abstract
// (string, text, integer, decimal, boolean, timestamp, uuid, json); the
// migrator maps them to dialect-specific column types.
type Field struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Required  bool     `json:"required,omitempty"`
	Unique    bool     `json:"unique,omitempty"`
	Default   any      `json:"default,omitempty"`
	Nullable  bool     `json:"nullable,omitempty"`
	Enum      []string `json:"enum,omitempty"`
	Precision int      `json:"precision,omitempty"`
	Auto      string   `json:"auto,omitempty"` // "create" or "update"
}

// IsAuto reports whether the engine stamps this field itself (created_at /
// updated_at style columns); clients cannot write it.
func (f Field) IsAuto() bool {
	return f.Auto == "create" || f.Auto == "update"
}
