package expr

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator evaluates flow predicates and multi-instance selectors using
// CEL (Common Expression Language). Compiled programs are cached by
// expression text.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new expression evaluator with caching
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]cel.Program),
	}
}

// Activation is the variable set visible to an expression.
type Activation struct {
	// Case data variables
	Data map[string]any
	// Work item outputs, when evaluating on a completion
	Output map[string]any
	// Error payload, when evaluating an error arc
	Error map[string]any
	// Per-instance input fragment, for multi-instance predicates
	Instance any
}

// EvaluateBool evaluates an expression that must yield a boolean
func (e *Evaluator) EvaluateBool(expression string, act Activation) (bool, error) {
	out, err := e.eval(expression, act)
	if err != nil {
		return false, err
	}

	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not return boolean, got %T", expression, out)
	}
	return result, nil
}

// EvaluateValue evaluates an expression and returns its native value.
// Used for multi-instance selectors, which yield sequences.
func (e *Evaluator) EvaluateValue(expression string, act Activation) (any, error) {
	return e.eval(expression, act)
}

func (e *Evaluator) eval(expression string, act Activation) (any, error) {
	e.mu.RLock()
	prg, exists := e.cache[expression]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compile(expression)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		e.cache[expression] = prg
		e.mu.Unlock()
	}

	vars := map[string]any{
		"data":     nilToEmpty(act.Data),
		"output":   nilToEmpty(act.Output),
		"error":    nilToEmpty(act.Error),
		"instance": act.Instance,
	}

	out, _, err := prg.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("CEL evaluation error in %q: %w", expression, err)
	}

	return out.Value(), nil
}

func (e *Evaluator) compile(expression string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.DynType),
		cel.Variable("output", cel.DynType),
		cel.Variable("error", cel.DynType),
		cel.Variable("instance", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error in %q: %w", expression, issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return prg, nil
}

// ClearCache clears the compiled expression cache
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}

// CacheSize returns the number of cached expressions
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func nilToEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
