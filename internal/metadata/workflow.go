package metadata

import (
	"encoding/json"

	"github.com/expr-lang/expr/vm"
)

// StepGoto is a branch target. The JSON form is either {"goto":"step_id"}
// or the bare string "end".
type StepGoto struct {
	Goto string
}

func (s *StepGoto) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		s.Goto = str
		return nil
	}
	var obj struct {
		Goto string `json:"goto"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	s.Goto = obj.Goto
	return nil
}

func (s StepGoto) MarshalJSON() ([]byte, error) {
	if s.Goto == "end" {
		return json.Marshal("end")
	}
	return json.Marshal(struct {
		Goto string `json:"goto"`
	}{Goto: s.Goto})
}

// WorkflowTrigger says which state change starts a workflow.
type WorkflowTrigger struct {
	Type   string `json:"type"` // "state_change"
	Entity string `json:"entity"`
	Field  string `json:"field,omitempty"`
	To     string `json:"to,omitempty"`
}

// WorkflowAssignee resolves who owns an approval step.
type WorkflowAssignee struct {
	Type string `json:"type"`           // "relation", "role", "fixed"
	Path string `json:"path,omitempty"` // relation path into the record
	Role string `json:"role,omitempty"`
	User string `json:"user,omitempty"`
}

// WorkflowAction is one side effect an action step performs.
type WorkflowAction struct {
	Type     string `json:"type"` // "set_field", "webhook", "send_event", "create_record"
	Entity   string `json:"entity,omitempty"`
	RecordID string `json:"record_id,omitempty"` // context path, e.g. "context.record_id"
	Field    string `json:"field,omitempty"`
	Value    any    `json:"value,omitempty"`
	URL      string `json:"url,omitempty"`
	Method   string `json:"method,omitempty"`
	Event    string `json:"event,omitempty"`
}

// WorkflowStep is one node of a workflow. Only the field group matching its
// Type is populated: action steps run Actions then follow Then, condition
// steps evaluate Expression and branch, approval steps pause until resolved
// or timed out.
type WorkflowStep struct {
	ID   string `json:"id"`
	Type string `json:"type"` // "action", "condition", "approval"

	Actions []WorkflowAction `json:"actions,omitempty"`
	Then    *StepGoto        `json:"then,omitempty"`

	Expression         string      `json:"expression,omitempty"`
	CompiledExpression *vm.Program `json:"-"`
	OnTrue             *StepGoto   `json:"on_true,omitempty"`
	OnFalse            *StepGoto   `json:"on_false,omitempty"`

	Assignee  *WorkflowAssignee `json:"assignee,omitempty"`
	Timeout   string            `json:"timeout,omitempty"` // duration string, e.g. "72h"
	OnApprove *StepGoto         `json:"on_approve,omitempty"`
	OnReject  *StepGoto         `json:"on_reject,omitempty"`
	OnTimeout *StepGoto         `json:"on_timeout,omitempty"`
}

// Workflow is one row of _workflows.
type Workflow struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Trigger WorkflowTrigger   `json:"trigger"`
	Context map[string]string `json:"context"`
	Steps   []WorkflowStep    `json:"steps"`
	Active  bool              `json:"active"`
}

// WorkflowHistoryEntry is one line of an instance's audit trail.
type WorkflowHistoryEntry struct {
	Step   string `json:"step"`
	Status string `json:"status"` // "completed", "approved", "rejected", "timed_out"
	By     string `json:"by,omitempty"`
	At     string `json:"at"`
}

// WorkflowInstance is one execution of a workflow, persisted in
// _workflow_instances.
type WorkflowInstance struct {
	ID                  string                 `json:"id"`
	WorkflowID          string                 `json:"workflow_id"`
	WorkflowName        string                 `json:"workflow_name"`
	Status              string                 `json:"status"` // "running", "completed", "failed", "cancelled"
	CurrentStep         string                 `json:"current_step"`
	CurrentStepDeadline *string                `json:"current_step_deadline,omitempty"`
	Context             map[string]any         `json:"context"`
	History             []WorkflowHistoryEntry `json:"history"`
	CreatedAt           string                 `json:"created_at,omitempty"`
	UpdatedAt           string                 `json:"updated_at,omitempty"`
}

// FindStep returns the step with the given ID, or nil.
func (w *Workflow) FindStep(id string) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}
