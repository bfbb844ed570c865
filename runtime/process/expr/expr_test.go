package expr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/flow/runtime/process/engine"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	e, err := New(0)
	require.NoError(t, err)

	out, err := e.Evaluate("amount * 2", map[string]any{"amount": 21})
	require.NoError(t, err)
	require.Equal(t, 42, out)

	out, err = e.Evaluate(`customer.tier == "gold"`, map[string]any{
		"customer": map[string]any{"tier": "gold"},
	})
	require.NoError(t, err)
	require.Equal(t, true, out)
}

func TestEvaluateCondition(t *testing.T) {
	t.Parallel()

	e, err := New(8)
	require.NoError(t, err)

	ok, err := e.EvaluateCondition("amount > 100", map[string]any{"amount": 250})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.EvaluateCondition("amount > 100", map[string]any{"amount": 50})
	require.NoError(t, err)
	require.False(t, ok)

	_, err = e.EvaluateCondition(`"not a bool"`, nil)
	require.Error(t, err)
	require.Equal(t, engine.KindExpressionRuntime, engine.KindOf(err))
}

func TestEvaluateWrappedExpression(t *testing.T) {
	t.Parallel()

	e, err := New(8)
	require.NoError(t, err)

	ok, err := e.EvaluateCondition("${ approved }", map[string]any{"approved": true})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateRuntimeFailure(t *testing.T) {
	t.Parallel()

	e, err := New(8)
	require.NoError(t, err)

	// The variable is absent so the comparison has nothing to work with.
	_, err = e.EvaluateCondition("missing > 10", map[string]any{})
	require.Error(t, err)
	require.Equal(t, engine.KindExpressionRuntime, engine.KindOf(err))
}

func TestCheck(t *testing.T) {
	t.Parallel()

	e, err := New(8)
	require.NoError(t, err)

	require.NoError(t, e.Check("a && b || c"))

	err = e.Check("a &&")
	require.Error(t, err)
	require.Equal(t, engine.KindExpressionSyntax, engine.KindOf(err))

	err = e.Check("")
	require.Error(t, err)
}

func TestCompileCache(t *testing.T) {
	t.Parallel()

	e, err := New(2)
	require.NoError(t, err)

	p1, err := e.compile("x + 1")
	require.NoError(t, err)
	p2, err := e.compile("x + 1")
	require.NoError(t, err)
	require.Same(t, p1, p2)

	// The wrapper form hits the same cache entry.
	p3, err := e.compile("${x + 1}")
	require.NoError(t, err)
	require.Same(t, p1, p3)
}

func TestUnwrap(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a > b", Unwrap("${a > b}"))
	require.Equal(t, "a > b", Unwrap("  ${ a > b }  "))
	require.Equal(t, "a > b", Unwrap("a > b"))
	require.Equal(t, "", Unwrap("${}"))
}
