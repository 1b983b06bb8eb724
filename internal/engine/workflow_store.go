package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

// WorkflowStore persists workflow instances. The engine never touches
// _workflow_instances directly.
type WorkflowStore interface {
	CreateInstance(ctx context.Context, q store.Querier, dialect store.Dialect, data WorkflowInstanceData) (string, error)
	LoadInstance(ctx context.Context, q store.Querier, dialect store.Dialect, id string) (*metadata.WorkflowInstance, error)
	PersistInstance(ctx context.Context, q store.Querier, dialect store.Dialect, instance *metadata.WorkflowInstance) error
	ClaimInstance(ctx context.Context, q store.Querier, dialect store.Dialect, id string) (bool, error)
	ListPending(ctx context.Context, q store.Querier, dialect store.Dialect) ([]*metadata.WorkflowInstance, error)
	FindTimedOut(ctx context.Context, q store.Querier, dialect store.Dialect) ([]*metadata.WorkflowInstance, error)
	DeleteInstance(ctx context.Context, q store.Querier, dialect store.Dialect, id string) error
}

// WorkflowInstanceData seeds a new instance at its first step.
type WorkflowInstanceData struct {
	WorkflowID   string
	WorkflowName string
	CurrentStep  string
	Context      map[string]any
}

const instanceColumns = "id, workflow_id, workflow_name, status, current_step, " +
	"current_step_deadline, context, history, created_at, updated_at"

// SQLWorkflowStore is the WorkflowStore backed by _workflow_instances.
type SQLWorkflowStore struct{}

func (s *SQLWorkflowStore) CreateInstance(ctx context.Context, q store.Querier, dialect store.Dialect, data WorkflowInstanceData) (string, error) {
	ctxJSON, err := json.Marshal(data.Context)
	if err != nil {
		return "", fmt.Errorf("marshal workflow context: %w", err)
	}
	historyJSON, _ := json.Marshal([]metadata.WorkflowHistoryEntry{})

	// Ids are generated here rather than by column default so both dialects
	// take the same path and the caller gets the id without RETURNING.
	id := store.GenerateUUID()
	pb := dialect.NewParamBuilder()
	_, err = store.Exec(ctx, q,
		fmt.Sprintf(`INSERT INTO _workflow_instances (id, workflow_id, workflow_name, status, current_step, context, history)
		 VALUES (%s, %s, %s, 'running', %s, %s, %s)`,
			pb.Add(id), pb.Add(data.WorkflowID), pb.Add(data.WorkflowName),
			pb.Add(data.CurrentStep), pb.Add(string(ctxJSON)), pb.Add(string(historyJSON))),
		pb.Params()...)
	if err != nil {
		return "", fmt.Errorf("insert workflow instance: %w", err)
	}
	return id, nil
}

func (s *SQLWorkflowStore) LoadInstance(ctx context.Context, q store.Querier, dialect store.Dialect, id string) (*metadata.WorkflowInstance, error) {
	row, err := store.QueryRow(ctx, q,
		fmt.Sprintf("SELECT %s FROM _workflow_instances WHERE id = %s", instanceColumns, dialect.Placeholder(1)), id)
	if err != nil {
		return nil, fmt.Errorf("workflow instance %s: %w", id, store.ErrNotFound)
	}
	return instanceFromRow(row), nil
}

func (s *SQLWorkflowStore) PersistInstance(ctx context.Context, q store.Querier, dialect store.Dialect, instance *metadata.WorkflowInstance) error {
	ctxJSON, err := json.Marshal(instance.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	historyJSON, err := json.Marshal(instance.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	// Completed and failed instances clear current_step to NULL.
	var step *string
	if instance.CurrentStep != "" {
		step = &instance.CurrentStep
	}

	pb := dialect.NewParamBuilder()
	_, err = store.Exec(ctx, q,
		fmt.Sprintf(`UPDATE _workflow_instances
		 SET status = %s, current_step = %s, current_step_deadline = %s, context = %s, history = %s, updated_at = %s
		 WHERE id = %s`,
			pb.Add(instance.Status), pb.Add(step), pb.Add(instance.CurrentStepDeadline),
			pb.Add(string(ctxJSON)), pb.Add(string(historyJSON)), dialect.NowExpr(), pb.Add(instance.ID)),
		pb.Params()...)
	return err
}

// ClaimInstance flips a running instance to 'resolving' in one statement, so
// of two concurrent resolvers exactly one proceeds. The winner's next
// PersistInstance writes the final status and releases the claim.
func (s *SQLWorkflowStore) ClaimInstance(ctx context.Context, q store.Querier, dialect store.Dialect, id string) (bool, error) {
	pb := dialect.NewParamBuilder()
	n, err := store.Exec(ctx, q,
		fmt.Sprintf(`UPDATE _workflow_instances SET status = 'resolving', updated_at = %s
		 WHERE id = %s AND status = 'running'`, dialect.NowExpr(), pb.Add(id)),
		pb.Params()...)
	if err != nil {
		return false, fmt.Errorf("claim workflow instance: %w", err)
	}
	return n == 1, nil
}

func (s *SQLWorkflowStore) ListPending(ctx context.Context, q store.Querier, dialect store.Dialect) ([]*metadata.WorkflowInstance, error) {
	rows, err := store.QueryRows(ctx, q, fmt.Sprintf(
		`SELECT %s FROM _workflow_instances
		 WHERE status = 'running' AND current_step IS NOT NULL
		 ORDER BY created_at DESC`, instanceColumns))
	if err != nil {
		return nil, err
	}
	return instancesFromRows(rows), nil
}

func (s *SQLWorkflowStore) FindTimedOut(ctx context.Context, q store.Querier, dialect store.Dialect) ([]*metadata.WorkflowInstance, error) {
	rows, err := store.QueryRows(ctx, q, fmt.Sprintf(
		`SELECT %s FROM _workflow_instances
		 WHERE status = 'running'
		   AND current_step_deadline IS NOT NULL
		   AND current_step_deadline < %s`, instanceColumns, dialect.NowExpr()))
	if err != nil {
		return nil, err
	}
	return instancesFromRows(rows), nil
}

func (s *SQLWorkflowStore) DeleteInstance(ctx context.Context, q store.Querier, dialect store.Dialect, id string) error {
	pb := dialect.NewParamBuilder()
	if _, err := store.Exec(ctx, q,
		"DELETE FROM _workflow_instances WHERE id = "+pb.Add(id), pb.Params()...); err != nil {
		return fmt.Errorf("delete workflow instance: %w", err)
	}
	return nil
}

func instancesFromRows(rows []map[string]any) []*metadata.WorkflowInstance {
	instances := make([]*metadata.WorkflowInstance, 0, len(rows))
	for _, row := range rows {
		instances = append(instances, instanceFromRow(row))
	}
	return instances
}

// instanceFromRow rebuilds an instance from a row. Context and history come
// back as JSON text on sqlite and as decoded values on postgres; both forms
// are accepted, and rows with mangled JSON load with empty context/history
// rather than failing the sweep.
func instanceFromRow(row map[string]any) *metadata.WorkflowInstance {
	instance := &metadata.WorkflowInstance{
		ID:           textColumn(row, "id"),
		WorkflowID:   textColumn(row, "workflow_id"),
		WorkflowName: textColumn(row, "workflow_name"),
		Status:       textColumn(row, "status"),
		CurrentStep:  textColumn(row, "current_step"),
		CreatedAt:    textColumn(row, "created_at"),
		UpdatedAt:    textColumn(row, "updated_at"),
		Context:      map[string]any{},
		History:      []metadata.WorkflowHistoryEntry{},
	}
	if d := textColumn(row, "current_step_deadline"); d != "" {
		instance.CurrentStepDeadline = &d
	}

	switch v := row["context"].(type) {
	case map[string]any:
		instance.Context = v
	case string:
		if err := json.Unmarshal([]byte(v), &instance.Context); err != nil {
			log.Printf("WARN: workflow instance %s: bad context JSON: %v", instance.ID, err)
		}
	}

	switch v := row["history"].(type) {
	case string:
		json.Unmarshal([]byte(v), &instance.History)
	case []any:
		if data, err := json.Marshal(v); err == nil {
			json.Unmarshal(data, &instance.History)
		}
	}

	return instance
}

func textColumn(row map[string]any, col string) string {
	v, ok := row[col]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
