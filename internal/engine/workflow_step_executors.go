package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

// StepResult tells the engine what happened after a step ran: the instance
// either pauses in place or moves to the named next step. An empty NextGoto
// (or "end") completes the workflow.
type StepResult struct {
	Paused   bool
	NextGoto string
}

// StepExecutorContext carries the collaborators step executors draw on.
type StepExecutorContext struct {
	ActionExecutors map[string]ActionExecutor
	Evaluator       ExpressionEvaluator
	Registry        *metadata.Registry
}

// StepExecutor runs one step type against a workflow instance.
type StepExecutor interface {
	Execute(ctx context.Context, q store.Querier, dialect store.Dialect, ectx *StepExecutorContext, instance *metadata.WorkflowInstance, step *metadata.WorkflowStep) (*StepResult, error)
}

// DefaultStepExecutors maps the built-in step types to their executors.
func DefaultStepExecutors() map[string]StepExecutor {
	return map[string]StepExecutor{
		"action":    actionStep{},
		"condition": conditionStep{},
		"approval":  approvalStep{},
	}
}

func markStep(instance *metadata.WorkflowInstance, stepID, status string) {
	instance.History = append(instance.History, metadata.WorkflowHistoryEntry{
		Step:   stepID,
		Status: status,
		At:     time.Now().UTC().Format(time.RFC3339),
	})
}

func gotoTarget(g *metadata.StepGoto) string {
	if g == nil {
		return ""
	}
	return g.Goto
}

// actionStep runs the step's actions in order. The first failing action
// aborts the step and fails the instance.
type actionStep struct{}

func (actionStep) Execute(ctx context.Context, q store.Querier, dialect store.Dialect, ectx *StepExecutorContext,
	instance *metadata.WorkflowInstance, step *metadata.WorkflowStep) (*StepResult, error) {

	for i := range step.Actions {
		action := &step.Actions[i]
		executor, ok := ectx.ActionExecutors[action.Type]
		if !ok {
			log.Printf("WARN: workflow %s step %s: no executor for action type %q", instance.WorkflowName, step.ID, action.Type)
			continue
		}
		if err := executor.Execute(ctx, q, dialect, ectx.Registry, instance, action); err != nil {
			return nil, fmt.Errorf("action %s: %w", action.Type, err)
		}
	}

	markStep(instance, step.ID, "completed")
	return &StepResult{NextGoto: gotoTarget(step.Then)}, nil
}

// conditionStep evaluates the step expression and picks the on_true or
// on_false branch. The taken branch is recorded in history.
type conditionStep struct{}

func (conditionStep) Execute(_ context.Context, _ store.Querier, _ store.Dialect, ectx *StepExecutorContext,
	instance *metadata.WorkflowInstance, step *metadata.WorkflowStep) (*StepResult, error) {

	if step.Expression == "" {
		return nil, fmt.Errorf("condition step %s has no expression", step.ID)
	}

	matched, err := ectx.Evaluator.EvaluateBool(step.Expression, map[string]any{
		"context": instance.Context,
	})
	if err != nil {
		return nil, err
	}

	branch, taken := step.OnFalse, "on_false"
	if matched {
		branch, taken = step.OnTrue, "on_true"
	}
	markStep(instance, step.ID, taken)
	return &StepResult{NextGoto: gotoTarget(branch)}, nil
}

// approvalStep pauses the instance until a decision or timeout. A step
// timeout like "24h" sets the deadline the scheduler sweeps against.
type approvalStep struct{}

func (approvalStep) Execute(_ context.Context, _ store.Querier, _ store.Dialect, _ *StepExecutorContext,
	instance *metadata.WorkflowInstance, step *metadata.WorkflowStep) (*StepResult, error) {

	if step.Timeout != "" {
		d, err := time.ParseDuration(step.Timeout)
		if err != nil {
			log.Printf("WARN: workflow %s step %s: bad timeout %q, approval will wait forever", instance.WorkflowName, step.ID, step.Timeout)
		} else {
			deadline := time.Now().UTC().Add(d).Format(time.RFC3339)
			instance.CurrentStepDeadline = &deadline
		}
	}
	return &StepResult{Paused: true}, nil
}
