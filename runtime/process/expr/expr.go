// Package expr evaluates the expressions embedded in process definitions:
// sequence flow conditions, conditional event gates and script task bodies.
// Expressions use expr-lang syntax and read the variables visible to the
// evaluating scope. Compiled programs are cached since the same handful of
// expressions runs for every instance of a definition.
package expr

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"

	"goa.design/flow/runtime/process/engine"
)

// DefaultCacheSize bounds the compiled program cache.
const DefaultCacheSize = 512

// Evaluator compiles and runs expressions. It is safe for concurrent use.
type Evaluator struct {
	cache *lru.Cache[string, *vm.Program]
}

// New returns an evaluator with the given compile cache size. Zero or
// negative means DefaultCacheSize.
func New(cacheSize int) (*Evaluator, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *vm.Program](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create expression cache: %w", err)
	}
	return &Evaluator{cache: cache}, nil
}

// Evaluate runs the expression against the given variables and returns its
// value. Compilation failures and runtime failures both surface as
// evaluation errors.
func (e *Evaluator) Evaluate(expression string, vars map[string]any) (any, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	if vars == nil {
		vars = map[string]any{}
	}
	out, err := expr.Run(program, vars)
	if err != nil {
		return nil, engine.Wrap(engine.KindExpressionRuntime, fmt.Sprintf("evaluate %q", expression), err)
	}
	return out, nil
}

// EvaluateCondition runs the expression and requires a boolean result.
func (e *Evaluator) EvaluateCondition(expression string, vars map[string]any) (bool, error) {
	out, err := e.Evaluate(expression, vars)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, engine.Errorf(engine.KindExpressionRuntime, "condition %q evaluated to %T, want bool", expression, out)
	}
	return b, nil
}

// Check verifies expression syntax without running it. It implements the
// deploy-time checker consumed by definition validation.
func (e *Evaluator) Check(expression string) error {
	_, err := e.compile(expression)
	return err
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	src := Unwrap(expression)
	if src == "" {
		return nil, engine.Errorf(engine.KindExpressionSyntax, "empty expression")
	}
	if program, ok := e.cache.Get(src); ok {
		return program, nil
	}
	program, err := expr.Compile(src)
	if err != nil {
		return nil, engine.Wrap(engine.KindExpressionSyntax, fmt.Sprintf("compile %q", src), err)
	}
	e.cache.Add(src, program)
	return program, nil
}

// Unwrap strips the optional ${...} wrapper that process authors carry over
// from BPMN expression syntax.
func Unwrap(expression string) string {
	src := strings.TrimSpace(expression)
	if strings.HasPrefix(src, "${") && strings.HasSuffix(src, "}") {
		src = strings.TrimSpace(src[2 : len(src)-1])
	}
	return src
}
