package metadata

// RelatedLoadSpec names a relation the engine must pre-fetch into the
// expression environment before evaluating a rule.
type RelatedLoadSpec struct {
	Relation string         `json:"relation"`
	Filter   map[string]any `json:"filter,omitempty"`
}

// RuleDefinition is the decoded definition blob of a rule. Which fields
// matter depends on the rule type: field rules use Field/Operator/Value,
// expression and computed rules use Expression.
type RuleDefinition struct {
	Field    string `json:"field,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value,omitempty"`

	Expression string `json:"expression,omitempty"`

	Message    string `json:"message,omitempty"`
	StopOnFail bool   `json:"stop_on_fail,omitempty"`

	RelatedLoad []RelatedLoadSpec `json:"related_load,omitempty"`
}

// Rule is one row of _rules: a validation or computed-field rule attached to
// an entity's write or delete pipeline.
type Rule struct {
	ID         string         `json:"id"`
	Entity     string         `json:"entity"`
	Hook       string         `json:"hook"`
	Type       string         `json:"type"` // "field", "expression", "computed"
	Definition RuleDefinition `json:"definition"`
	Priority   int            `json:"priority"`
	Active     bool           `json:"active"`

	// Compiled caches the compiled expression program across evaluations.
	Compiled any `json:"-"`
}
