package engine

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExpressionEvaluator evaluates workflow step conditions against an
// environment built from the instance context.
type ExpressionEvaluator interface {
	EvaluateBool(expression string, env map[string]any) (bool, error)
}

// ExprLangEvaluator compiles conditions with expr-lang and keeps compiled
// programs around so repeated steps don't recompile.
type ExprLangEvaluator struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
}

func NewExprLangEvaluator() *ExprLangEvaluator {
	return &ExprLangEvaluator{programs: map[string]*vm.Program{}}
}

func (e *ExprLangEvaluator) EvaluateBool(expression string, env map[string]any) (bool, error) {
	prog, err := e.program(expression)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("run condition %q: %w", expression, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not produce a boolean", expression)
	}
	return b, nil
}

func (e *ExprLangEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prog, ok := e.programs[expression]; ok {
		return prog, nil
	}
	prog, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expression, err)
	}
	e.programs[expression] = prog
	return prog, nil
}
