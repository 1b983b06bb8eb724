package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"loom-backend/internal/instrument"
	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

// WorkflowEngine drives workflow instances through their step lists: starting
// them off state transitions, advancing past action and condition steps,
// pausing on approvals, and resuming on resolution or timeout. Persistence,
// step execution and expression evaluation are all injected so tests can swap
// them out.
type WorkflowEngine struct {
	instances       WorkflowStore
	registry        *metadata.Registry
	q               store.Querier
	dialect         store.Dialect
	stepExecutors   map[string]StepExecutor
	actionExecutors map[string]ActionExecutor
	evaluator       ExpressionEvaluator
}

func NewWorkflowEngine(
	q store.Querier,
	dialect store.Dialect,
	registry *metadata.Registry,
	instances WorkflowStore,
	stepExecutors map[string]StepExecutor,
	actionExecutors map[string]ActionExecutor,
	evaluator ExpressionEvaluator,
) *WorkflowEngine {
	return &WorkflowEngine{
		q:               q,
		dialect:         dialect,
		registry:        registry,
		instances:       instances,
		stepExecutors:   stepExecutors,
		actionExecutors: actionExecutors,
		evaluator:       evaluator,
	}
}

// NewDefaultWorkflowEngine wires the engine with the SQL instance store and
// the built-in step and action executors.
func NewDefaultWorkflowEngine(s *store.Store, reg *metadata.Registry) *WorkflowEngine {
	return NewWorkflowEngine(
		s.DB,
		s.Dialect,
		reg,
		&SQLWorkflowStore{},
		DefaultStepExecutors(),
		DefaultActionExecutors(),
		NewExprLangEvaluator(),
	)
}

// Trigger starts an instance of every active workflow whose trigger matches
// the given state transition. Failures are logged, never propagated: a broken
// workflow must not fail the write that triggered it.
func (e *WorkflowEngine) Trigger(ctx context.Context,
	entity, field, toState string, record map[string]any, recordID any) {

	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "workflow", "engine", "workflow.trigger")
	defer span.End()
	span.SetEntity(entity, fmt.Sprintf("%v", recordID))
	span.SetMetadata("field", field)
	span.SetMetadata("to_state", toState)

	matched := e.registry.GetWorkflowsForTrigger(entity, field, toState)
	if len(matched) == 0 {
		span.SetStatus("ok")
		return
	}

	status := "ok"
	for _, wf := range matched {
		if err := e.startInstance(ctx, wf, record, recordID); err != nil {
			log.Printf("ERROR: starting workflow %s: %v", wf.Name, err)
			status = "error"
		}
	}
	span.SetStatus(status)
}

// ResolveAction applies an approve/reject decision to a paused instance and
// resumes it along the matching branch. Only running instances paused on an
// approval step accept a decision.
func (e *WorkflowEngine) ResolveAction(ctx context.Context,
	instanceID, action, userID string) (*metadata.WorkflowInstance, error) {

	instance, err := e.instances.LoadInstance(ctx, e.q, e.dialect, instanceID)
	if err != nil {
		return nil, err
	}
	if instance.Status != "running" {
		return nil, fmt.Errorf("workflow instance is not running (status: %s)", instance.Status)
	}

	wf := e.registry.GetWorkflow(instance.WorkflowName)
	if wf == nil {
		return nil, fmt.Errorf("workflow definition not found: %s", instance.WorkflowName)
	}
	step := wf.FindStep(instance.CurrentStep)
	if step == nil {
		return nil, fmt.Errorf("current step not found: %s", instance.CurrentStep)
	}
	if step.Type != "approval" {
		return nil, fmt.Errorf("current step is not an approval step")
	}

	var branch *metadata.StepGoto
	switch action {
	case "approved":
		branch = step.OnApprove
	case "rejected":
		branch = step.OnReject
	default:
		return nil, fmt.Errorf("invalid action: %s", action)
	}

	// Two concurrent decisions both load the instance as running; the claim
	// is atomic, so exactly one proceeds and the other fails here.
	claimed, err := e.instances.ClaimInstance(ctx, e.q, e.dialect, instance.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("workflow instance is no longer running")
	}

	instance.History = append(instance.History, metadata.WorkflowHistoryEntry{
		Step:   step.ID,
		Status: action,
		By:     userID,
		At:     time.Now().UTC().Format(time.RFC3339),
	})
	instance.CurrentStepDeadline = nil

	next := ""
	if branch != nil {
		next = branch.Goto
	}
	if next == "" || next == "end" {
		instance.Status = "completed"
		instance.CurrentStep = ""
		if err := e.instances.PersistInstance(ctx, e.q, e.dialect, instance); err != nil {
			return nil, err
		}
		return instance, nil
	}

	instance.CurrentStep = next
	if err := e.advance(ctx, instance, wf); err != nil {
		return nil, err
	}
	return e.instances.LoadInstance(ctx, e.q, e.dialect, instance.ID)
}

// ProcessTimeouts sweeps instances whose approval deadline has passed and
// routes each along its on_timeout branch.
func (e *WorkflowEngine) ProcessTimeouts(ctx context.Context) {
	overdue, err := e.instances.FindTimedOut(ctx, e.q, e.dialect)
	if err != nil {
		log.Printf("ERROR: workflow timeout query failed: %v", err)
		return
	}
	for _, instance := range overdue {
		if err := e.expireStep(ctx, instance); err != nil {
			log.Printf("ERROR: processing timeout for instance %s: %v", instance.ID, err)
		}
	}
}

func (e *WorkflowEngine) startInstance(ctx context.Context,
	wf *metadata.Workflow, record map[string]any, recordID any) error {

	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", wf.Name)
	}
	first := wf.Steps[0].ID
	wfCtx := buildWorkflowContext(wf.Context, record, recordID)

	instanceID, err := e.instances.CreateInstance(ctx, e.q, e.dialect, WorkflowInstanceData{
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		CurrentStep:  first,
		Context:      wfCtx,
	})
	if err != nil {
		return err
	}
	log.Printf("Started workflow %s (instance %s)", wf.Name, instanceID)

	return e.advance(ctx, &metadata.WorkflowInstance{
		ID:           instanceID,
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		Status:       "running",
		CurrentStep:  first,
		Context:      wfCtx,
		History:      []metadata.WorkflowHistoryEntry{},
	}, wf)
}

// advance runs steps from the instance's current position until the workflow
// completes, fails, or pauses on an approval. The instance is persisted on
// every exit path.
func (e *WorkflowEngine) advance(ctx context.Context,
	instance *metadata.WorkflowInstance, wf *metadata.Workflow) error {

	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "workflow", "engine", "workflow.advance")
	defer span.End()
	span.SetMetadata("workflow", wf.Name)
	span.SetMetadata("instance_id", instance.ID)

	stepCtx := &StepExecutorContext{
		ActionExecutors: e.actionExecutors,
		Evaluator:       e.evaluator,
		Registry:        e.registry,
	}

	for instance.Status == "running" {
		step := wf.FindStep(instance.CurrentStep)
		if step == nil {
			instance.Status = "failed"
			span.SetStatus("error")
			span.SetMetadata("error", "step not found")
			return e.instances.PersistInstance(ctx, e.q, e.dialect, instance)
		}

		executor, ok := e.stepExecutors[step.Type]
		if !ok {
			span.SetStatus("error")
			span.SetMetadata("error", fmt.Sprintf("unknown step type: %s", step.Type))
			return fmt.Errorf("unknown step type: %s", step.Type)
		}

		result, err := executor.Execute(ctx, e.q, e.dialect, stepCtx, instance, step)
		if err != nil {
			log.Printf("ERROR: workflow %s step %s failed: %v", wf.Name, step.ID, err)
			instance.Status = "failed"
			span.SetStatus("error")
			span.SetMetadata("error", err.Error())
			return e.instances.PersistInstance(ctx, e.q, e.dialect, instance)
		}

		if result.Paused {
			span.SetStatus("ok")
			span.SetMetadata("paused_at", instance.CurrentStep)
			return e.instances.PersistInstance(ctx, e.q, e.dialect, instance)
		}
		if result.NextGoto == "" || result.NextGoto == "end" {
			instance.Status = "completed"
			instance.CurrentStep = ""
			break
		}
		instance.CurrentStep = result.NextGoto
	}

	span.SetStatus("ok")
	return e.instances.PersistInstance(ctx, e.q, e.dialect, instance)
}

// expireStep handles one overdue approval. No on_timeout branch fails the
// instance; goto "end" completes it; anything else resumes at that step.
func (e *WorkflowEngine) expireStep(ctx context.Context, instance *metadata.WorkflowInstance) error {
	wf := e.registry.GetWorkflow(instance.WorkflowName)
	if wf == nil {
		log.Printf("WARN: workflow definition not found for timed-out instance %s: %s", instance.ID, instance.WorkflowName)
		return nil
	}
	step := wf.FindStep(instance.CurrentStep)
	if step == nil || step.Type != "approval" {
		return nil
	}

	// An approval arriving between the sweep query and here wins; the sweep
	// quietly skips the instance.
	claimed, err := e.instances.ClaimInstance(ctx, e.q, e.dialect, instance.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	log.Printf("Workflow instance %s step %s timed out", instance.ID, step.ID)

	instance.History = append(instance.History, metadata.WorkflowHistoryEntry{
		Step:   instance.CurrentStep,
		Status: "timed_out",
		At:     time.Now().UTC().Format(time.RFC3339),
	})
	instance.CurrentStepDeadline = nil

	next := ""
	if step.OnTimeout != nil {
		next = step.OnTimeout.Goto
	}
	switch next {
	case "":
		instance.Status = "failed"
		instance.CurrentStep = ""
		return e.instances.PersistInstance(ctx, e.q, e.dialect, instance)
	case "end":
		instance.Status = "completed"
		instance.CurrentStep = ""
		return e.instances.PersistInstance(ctx, e.q, e.dialect, instance)
	default:
		instance.CurrentStep = next
		return e.advance(ctx, instance, wf)
	}
}

// TriggerWorkflows is the write pipeline's entry point: fire-and-forget
// workflow starts after a committed state change.
func TriggerWorkflows(ctx context.Context, s *store.Store, reg *metadata.Registry,
	entity, field, toState string, record map[string]any, recordID any) {
	NewDefaultWorkflowEngine(s, reg).Trigger(ctx, entity, field, toState, record, recordID)
}

// ResolveWorkflowAction applies an approve/reject decision to a paused instance.
func ResolveWorkflowAction(ctx context.Context, s *store.Store, reg *metadata.Registry,
	instanceID, action, userID string) (*metadata.WorkflowInstance, error) {
	return NewDefaultWorkflowEngine(s, reg).ResolveAction(ctx, instanceID, action, userID)
}

// ListPendingInstances returns running instances, newest first.
func ListPendingInstances(ctx context.Context, s *store.Store) ([]*metadata.WorkflowInstance, error) {
	instances := &SQLWorkflowStore{}
	return instances.ListPending(ctx, s.DB, s.Dialect)
}

// DeleteWorkflowInstance removes an instance row, reporting not-found when
// the id matches nothing.
func DeleteWorkflowInstance(ctx context.Context, s *store.Store, id string) error {
	instances := &SQLWorkflowStore{}
	if _, err := instances.LoadInstance(ctx, s.DB, s.Dialect, id); err != nil {
		return err
	}
	return instances.DeleteInstance(ctx, s.DB, s.Dialect, id)
}

// buildWorkflowContext applies the workflow's context mappings to the
// triggering record. Paths resolve against {"trigger": {"record_id", "record"}}.
func buildWorkflowContext(mappings map[string]string, record map[string]any, recordID any) map[string]any {
	src := map[string]any{
		"trigger": map[string]any{
			"record_id": recordID,
			"record":    record,
		},
	}
	out := make(map[string]any, len(mappings))
	for key, path := range mappings {
		out[key] = resolveContextPath(src, path)
	}
	return out
}

func resolveContextPath(data map[string]any, path string) any {
	if path == "" {
		return nil
	}
	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}
