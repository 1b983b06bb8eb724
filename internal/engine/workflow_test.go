package engine

import (
	"context"
	"strings"
	"testing"

	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

// staleReadStore simulates two resolvers racing on one instance: every load
// still shows the instance as running, and only the first claim succeeds.
type staleReadStore struct {
	template  metadata.WorkflowInstance
	claimed   bool
	lastSaved *metadata.WorkflowInstance
}

func (s *staleReadStore) CreateInstance(ctx context.Context, q store.Querier, d store.Dialect, data WorkflowInstanceData) (string, error) {
	return "", nil
}

func (s *staleReadStore) LoadInstance(ctx context.Context, q store.Querier, d store.Dialect, id string) (*metadata.WorkflowInstance, error) {
	cp := s.template
	return &cp, nil
}

func (s *staleReadStore) PersistInstance(ctx context.Context, q store.Querier, d store.Dialect, instance *metadata.WorkflowInstance) error {
	s.lastSaved = instance
	return nil
}

func (s *staleReadStore) ClaimInstance(ctx context.Context, q store.Querier, d store.Dialect, id string) (bool, error) {
	if s.claimed {
		return false, nil
	}
	s.claimed = true
	return true, nil
}

func (s *staleReadStore) ListPending(ctx context.Context, q store.Querier, d store.Dialect) ([]*metadata.WorkflowInstance, error) {
	return nil, nil
}

func (s *staleReadStore) FindTimedOut(ctx context.Context, q store.Querier, d store.Dialect) ([]*metadata.WorkflowInstance, error) {
	return nil, nil
}

func (s *staleReadStore) DeleteInstance(ctx context.Context, q store.Querier, d store.Dialect, id string) error {
	return nil
}

// Two decisions arriving on the same paused instance: both load it as
// running, but the instance claim lets exactly one proceed.
func TestResolveActionSingleWinner(t *testing.T) {
	wf := &metadata.Workflow{
		Name:   "sign_off",
		Active: true,
		Steps: []metadata.WorkflowStep{
			{
				ID: "review", Type: "approval",
				OnApprove: &metadata.StepGoto{Goto: "end"},
				OnReject:  &metadata.StepGoto{Goto: "end"},
			},
		},
	}
	reg := metadata.NewRegistry()
	reg.Replace(metadata.Snapshot{Workflows: []*metadata.Workflow{wf}})

	instances := &staleReadStore{template: metadata.WorkflowInstance{
		ID:           "wi-1",
		WorkflowName: "sign_off",
		Status:       "running",
		CurrentStep:  "review",
		Context:      map[string]any{},
	}}
	wfe := NewWorkflowEngine(nil, nil, reg, instances,
		DefaultStepExecutors(), DefaultActionExecutors(), NewExprLangEvaluator())

	ctx := context.Background()
	first, err := wfe.ResolveAction(ctx, "wi-1", "approved", "lead-1")
	if err != nil {
		t.Fatalf("first decision failed: %v", err)
	}
	if first.Status != "completed" {
		t.Fatalf("first decision status = %s, want completed", first.Status)
	}
	if instances.lastSaved == nil || instances.lastSaved.Status != "completed" {
		t.Fatalf("winner's final state not persisted: %+v", instances.lastSaved)
	}

	_, err = wfe.ResolveAction(ctx, "wi-1", "approved", "lead-2")
	if err == nil {
		t.Fatal("second decision should fail once the claim is taken")
	}
	if !strings.Contains(err.Error(), "no longer running") {
		t.Fatalf("unexpected error: %v", err)
	}
}
