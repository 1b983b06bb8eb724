package metadata

// Permission is one access policy row: which roles may perform an action on
// an entity, optionally narrowed by record-level conditions.
type Permission struct {
	ID         string                `json:"id,omitempty"`
	Entity     string                `json:"entity"`
	Action     string                `json:"action"`
	Roles      []string              `json:"roles"`
	Conditions []PermissionCondition `json:"conditions,omitempty"`
}

// PermissionCondition compares a record field against a value; "$user.id"
// resolves to the calling user at check time.
type PermissionCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}
