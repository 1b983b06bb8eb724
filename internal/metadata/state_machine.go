package metadata

import "encoding/json"

// TransitionAction is a side effect attached to a state transition.
type TransitionAction struct {
	Type   string `json:"type"`            // "set_field", "webhook", "create_record", "send_event"
	Field  string `json:"field,omitempty"` // set_field target; Value "now" stamps the current time
	Value  any    `json:"value,omitempty"`
	URL    string `json:"url,omitempty"` // webhook target
	Method string `json:"method,omitempty"`
	Event  string `json:"event,omitempty"`
	Entity string `json:"entity,omitempty"`
}

// TransitionFrom accepts both "draft" and ["draft","review"] in JSON.
type TransitionFrom []string

func (t *TransitionFrom) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*t = many
	return nil
}

func (t TransitionFrom) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

// Transition is one allowed edge in the state graph, optionally gated by
// roles and a guard expression.
type Transition struct {
	From    TransitionFrom     `json:"from"`
	To      string             `json:"to"`
	Roles   []string           `json:"roles,omitempty"`
	Guard   string             `json:"guard,omitempty"`
	Actions []TransitionAction `json:"actions,omitempty"`

	// CompiledGuard caches the compiled guard program.
	CompiledGuard any `json:"-"`
}

// StateMachineDefinition is the decoded definition blob of a state machine.
type StateMachineDefinition struct {
	Initial     string       `json:"initial"`
	Transitions []Transition `json:"transitions"`
}

// StateMachine constrains one field of an entity to a transition graph.
type StateMachine struct {
	ID         string                 `json:"id"`
	Entity     string                 `json:"entity"`
	Field      string                 `json:"field"`
	Definition StateMachineDefinition `json:"definition"`
	Active     bool                   `json:"active"`
}
