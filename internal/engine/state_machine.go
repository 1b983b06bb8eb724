package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"loom-backend/internal/instrument"
	"loom-backend/internal/metadata"
)

// EvaluateStateMachines validates state-field changes in a pending write
// against every active machine for the entity. A write that moves a state
// field must follow a declared transition whose guard allows it; successful
// transitions run their actions, which may mutate fields.
func EvaluateStateMachines(ctx context.Context, reg *metadata.Registry, entityName string, fields, old map[string]any, isCreate bool) []ErrorDetail {
	_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "state_machine", "state.transition")
	defer span.End()
	span.SetEntity(entityName, "")

	machines := reg.GetStateMachinesForEntity(entityName)
	if len(machines) == 0 {
		span.SetStatus("ok")
		return nil
	}

	var errs []ErrorDetail
	for _, sm := range machines {
		errs = append(errs, evaluateStateMachine(sm, fields, old, isCreate)...)
	}

	if len(errs) > 0 {
		span.SetStatus("error")
	} else {
		span.SetStatus("ok")
	}
	return errs
}

func evaluateStateMachine(sm *metadata.StateMachine, fields, old map[string]any, isCreate bool) []ErrorDetail {
	newState, present := fields[sm.Field]
	if !present {
		return nil // state field untouched, nothing to check
	}
	newStateStr := fmt.Sprintf("%v", newState)

	smError := func(msg string) []ErrorDetail {
		return []ErrorDetail{{Field: sm.Field, Rule: "state_machine", Message: msg}}
	}

	if isCreate {
		if sm.Definition.Initial != "" && newStateStr != sm.Definition.Initial {
			return smError(fmt.Sprintf("Initial state must be '%s', got '%s'", sm.Definition.Initial, newStateStr))
		}
		return nil
	}

	oldState := ""
	if v, ok := old[sm.Field]; ok && v != nil {
		oldState = fmt.Sprintf("%v", v)
	}
	if oldState == newStateStr {
		return nil
	}

	transition := FindTransition(sm, oldState, newStateStr)
	if transition == nil {
		return smError(fmt.Sprintf("Invalid transition from '%s' to '%s'", oldState, newStateStr))
	}

	if transition.Guard != "" {
		env := ruleEnv(fields, old, false)
		allowed, err := cachedBool(&transition.CompiledGuard, transition.Guard, env)
		if err != nil {
			return smError(fmt.Sprintf("Guard evaluation error: %v", err))
		}
		if !allowed {
			return smError(fmt.Sprintf("Transition from '%s' to '%s' blocked by guard", oldState, newStateStr))
		}
	}

	ExecuteActions(transition, fields)
	return nil
}

// FindTransition returns the transition declaring the move oldState -> newState,
// or nil when no transition covers it.
func FindTransition(sm *metadata.StateMachine, oldState, newState string) *metadata.Transition {
	for i := range sm.Definition.Transitions {
		t := &sm.Definition.Transitions[i]
		if t.To != newState {
			continue
		}
		for _, from := range t.From {
			if from == oldState {
				return t
			}
		}
	}
	return nil
}

// ExecuteActions runs the actions attached to a transition. set_field mutates
// the pending write (the sentinel value "now" becomes the current UTC time);
// webhook fires in the background and never blocks or fails the write.
func ExecuteActions(transition *metadata.Transition, fields map[string]any) {
	for _, action := range transition.Actions {
		switch action.Type {
		case "set_field":
			val := action.Value
			if s, ok := val.(string); ok && s == "now" {
				val = time.Now().UTC().Format(time.RFC3339)
			}
			fields[action.Field] = val

		case "webhook":
			// Marshal before spawning: the pipeline keeps mutating fields
			// after the actions run.
			body, err := json.Marshal(fields)
			if err != nil {
				log.Printf("WARN: state machine webhook payload: %v", err)
				continue
			}
			go func(a metadata.TransitionAction, body []byte) {
				result := DispatchWebhookDirect(context.Background(), a.URL, a.Method, nil, body)
				if result.Error != "" {
					log.Printf("WARN: state machine webhook %s %s failed: %s", a.Method, a.URL, result.Error)
				} else if result.StatusCode < 200 || result.StatusCode >= 300 {
					log.Printf("WARN: state machine webhook %s %s returned HTTP %d", a.Method, a.URL, result.StatusCode)
				}
			}(action, body)

		case "create_record", "send_event":
			log.Printf("WARN: transition action type %q is not implemented, skipping", action.Type)

		default:
			log.Printf("WARN: unknown transition action type: %s", action.Type)
		}
	}
}
