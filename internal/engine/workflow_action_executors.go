package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"loom-backend/internal/metadata"
	"loom-backend/internal/store"
)

// ActionExecutor runs one workflow action type.
type ActionExecutor interface {
	Execute(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry, instance *metadata.WorkflowInstance, action *metadata.WorkflowAction) error
}

// DefaultActionExecutors maps the built-in action types to their executors.
func DefaultActionExecutors() map[string]ActionExecutor {
	return map[string]ActionExecutor{
		"set_field":     setFieldAction{},
		"webhook":       webhookAction{},
		"create_record": notImplementedAction("create_record"),
		"send_event":    notImplementedAction("send_event"),
	}
}

// setFieldAction writes a single column on a record named by the action's
// record_id context path. The literal value "now" becomes the current time.
type setFieldAction struct{}

func (setFieldAction) Execute(ctx context.Context, q store.Querier, dialect store.Dialect, reg *metadata.Registry,
	instance *metadata.WorkflowInstance, action *metadata.WorkflowAction) error {

	if action.Entity == "" || action.Field == "" {
		return fmt.Errorf("set_field action needs entity and field")
	}
	entity := reg.GetEntity(action.Entity)
	if entity == nil {
		return fmt.Errorf("set_field: unknown entity %s", action.Entity)
	}

	recordID := resolveContextPath(map[string]any{"context": instance.Context}, action.RecordID)
	if recordID == nil {
		return fmt.Errorf("set_field: record_id path %q resolved to nothing", action.RecordID)
	}

	value := action.Value
	if s, ok := value.(string); ok && s == "now" {
		value = time.Now().UTC().Format(time.RFC3339)
	}

	pb := dialect.NewParamBuilder()
	stmt := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s",
		entity.Table, action.Field, pb.Add(value), entity.PrimaryKey.Field, pb.Add(recordID))
	if _, err := store.Exec(ctx, q, stmt, pb.Params()...); err != nil {
		return fmt.Errorf("set_field %s.%s: %w", entity.Table, action.Field, err)
	}
	return nil
}

// webhookAction POSTs the instance context to the action URL. A non-2xx
// response fails the step, and with it the instance.
type webhookAction struct{}

func (webhookAction) Execute(ctx context.Context, _ store.Querier, _ store.Dialect, _ *metadata.Registry,
	instance *metadata.WorkflowInstance, action *metadata.WorkflowAction) error {

	method := action.Method
	if method == "" {
		method = "POST"
	}
	body, _ := json.Marshal(instance.Context)

	result := DispatchWebhookDirect(ctx, action.URL, method, nil, body)
	if result.Error != "" {
		return fmt.Errorf("workflow webhook %s %s: %s", method, action.URL, result.Error)
	}
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		return fmt.Errorf("workflow webhook %s %s: HTTP %d", method, action.URL, result.StatusCode)
	}
	return nil
}

// notImplementedAction logs and skips action types the engine accepts in
// definitions but cannot execute yet.
type notImplementedAction string

func (a notImplementedAction) Execute(_ context.Context, _ store.Querier, _ store.Dialect, _ *metadata.Registry,
	instance *metadata.WorkflowInstance, _ *metadata.WorkflowAction) error {
	log.Printf("WARN: workflow %s: action type %q is not implemented, skipping", instance.WorkflowName, string(a))
	return nil
}
