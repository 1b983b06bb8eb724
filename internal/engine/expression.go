package engine

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Expressions from metadata (rule expressions, state machine guards, webhook
// and workflow conditions) are compiled once and the program is cached on the
// descriptor that owns it. Descriptors are replaced wholesale on registry
// reload, which drops stale programs along with them.

// CompileBool compiles an expression that must produce a boolean.
func CompileBool(expression string) (*vm.Program, error) {
	prog, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	return prog, nil
}

// CompileValue compiles an expression that may produce any value (computed fields).
func CompileValue(expression string) (*vm.Program, error) {
	prog, err := expr.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	return prog, nil
}

// RunBool evaluates a boolean program. A non-bool result is reported as an
// EVAL_TYPE error rather than coerced; truthiness is always explicit.
func RunBool(prog *vm.Program, env map[string]any) (bool, error) {
	result, err := expr.Run(prog, env)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("EVAL_TYPE: expression must evaluate to a boolean, got %T", result)
	}
	return b, nil
}

// cachedBool compiles on first use, storing the program in *slot (a field on
// the owning metadata descriptor), then evaluates it.
func cachedBool(slot *any, expression string, env map[string]any) (bool, error) {
	prog, ok := (*slot).(*vm.Program)
	if !ok || prog == nil {
		compiled, err := CompileBool(expression)
		if err != nil {
			return false, err
		}
		*slot = compiled
		prog = compiled
	}
	return RunBool(prog, env)
}

// cachedValue is cachedBool for value-producing expressions.
func cachedValue(slot *any, expression string, env map[string]any) (any, error) {
	prog, ok := (*slot).(*vm.Program)
	if !ok || prog == nil {
		compiled, err := CompileValue(expression)
		if err != nil {
			return nil, err
		}
		*slot = compiled
		prog = compiled
	}
	return expr.Run(prog, env)
}

// ruleEnv builds the standard evaluation environment shared by rules, guards
// and webhook conditions: the incoming record, the stored row it replaces,
// and the write action.
func ruleEnv(fields, old map[string]any, isCreate bool) map[string]any {
	action := "update"
	if isCreate {
		action = "create"
	}
	return map[string]any{
		"record": fields,
		"old":    old,
		"action": action,
	}
}
