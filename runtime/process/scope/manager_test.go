package scope_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/flow/runtime/process/clock"
	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/scope"
	"goa.design/flow/runtime/process/store/inmem"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newManager(t *testing.T) (*scope.Manager, *inmem.Store) {
	t.Helper()
	st := inmem.New()
	return scope.NewManager(st.Scopes(), st.Variables(), clock.NewFake(testTime)), st
}

func TestCreateScopeTree(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	root, err := m.CreateScope(ctx, "pi-1", "", scope.KindProcess, "order")
	require.NoError(t, err)
	require.NotEmpty(t, root.ID)
	require.True(t, root.Active)
	require.Equal(t, testTime, root.CreateTime)

	child, err := m.CreateScope(ctx, "pi-1", root.ID, scope.KindSubProcess, "review")
	require.NoError(t, err)
	require.Equal(t, root.ID, child.ParentID)

	_, err = m.CreateScope(ctx, "pi-2", root.ID, scope.KindTask, "approve")
	require.Equal(t, engine.KindConflict, engine.KindOf(err))

	_, err = m.CreateScope(ctx, "pi-1", "missing", scope.KindTask, "approve")
	require.Equal(t, engine.KindNotFound, engine.KindOf(err))
}

func TestSetVariableWritesToDeclaringScope(t *testing.T) {
	t.Parallel()
	m, st := newManager(t)
	ctx := context.Background()

	root, err := m.CreateScope(ctx, "pi-1", "", scope.KindProcess, "order")
	require.NoError(t, err)
	child, err := m.CreateScope(ctx, "pi-1", root.ID, scope.KindSubProcess, "review")
	require.NoError(t, err)

	require.NoError(t, m.SetVariable(ctx, root.ID, "total", 100))
	// The root declares "total", so a write from the child lands there.
	require.NoError(t, m.SetVariable(ctx, child.ID, "total", 250))

	rootVars, err := st.Variables().ByScope(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, rootVars, 1)
	childVars, err := st.Variables().ByScope(ctx, child.ID)
	require.NoError(t, err)
	require.Empty(t, childVars)

	val, ok, err := m.GetVariable(ctx, child.ID, "total")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(250), val)

	// No ancestor declares "note": the write stays in the child.
	require.NoError(t, m.SetVariable(ctx, child.ID, "note", "rush order"))
	_, ok, err = m.GetVariable(ctx, root.ID, "note")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetLocalShadows(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	root, err := m.CreateScope(ctx, "pi-1", "", scope.KindProcess, "order")
	require.NoError(t, err)
	child, err := m.CreateScope(ctx, "pi-1", root.ID, scope.KindSubProcess, "review")
	require.NoError(t, err)

	require.NoError(t, m.SetVariable(ctx, root.ID, "status", "open"))
	require.NoError(t, m.SetLocal(ctx, child.ID, "status", "reviewing"))

	val, ok, err := m.GetVariable(ctx, child.ID, "status")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "reviewing", val)

	val, ok, err = m.GetVariable(ctx, root.ID, "status")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "open", val)
}

func TestGetVariableAbsent(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	root, err := m.CreateScope(ctx, "pi-1", "", scope.KindProcess, "order")
	require.NoError(t, err)

	val, ok, err := m.GetVariable(ctx, root.ID, "ghost")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, val)
}

func TestVariablesMergedView(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	root, err := m.CreateScope(ctx, "pi-1", "", scope.KindProcess, "order")
	require.NoError(t, err)
	child, err := m.CreateScope(ctx, "pi-1", root.ID, scope.KindSubProcess, "review")
	require.NoError(t, err)

	require.NoError(t, m.SetVariable(ctx, root.ID, "status", "open"))
	require.NoError(t, m.SetVariable(ctx, root.ID, "total", 100))
	require.NoError(t, m.SetLocal(ctx, child.ID, "status", "reviewing"))

	merged, err := m.Variables(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"status": "reviewing", "total": float64(100)}, merged)

	rootView, err := m.Variables(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"status": "open", "total": float64(100)}, rootView)
}

func TestVariableTypesSurviveRoundTrip(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	root, err := m.CreateScope(ctx, "pi-1", "", scope.KindProcess, "order")
	require.NoError(t, err)

	when := time.Date(2025, 7, 4, 9, 30, 0, 0, time.UTC)
	require.NoError(t, m.SetVariable(ctx, root.ID, "approved", true))
	require.NoError(t, m.SetVariable(ctx, root.ID, "deadline", when))
	require.NoError(t, m.SetVariable(ctx, root.ID, "items", []any{"a", "b"}))
	require.NoError(t, m.SetVariable(ctx, root.ID, "nothing", nil))

	val, ok, err := m.GetVariable(ctx, root.ID, "approved")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, true, val)

	val, _, err = m.GetVariable(ctx, root.ID, "deadline")
	require.NoError(t, err)
	require.Equal(t, when, val)

	val, _, err = m.GetVariable(ctx, root.ID, "items")
	require.NoError(t, err)
	require.Equal(t, []any{"a", "b"}, val)

	// Null is declared: present with a nil value.
	val, ok, err = m.GetVariable(ctx, root.ID, "nothing")
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, val)
}

func TestDestroyScopeRecursive(t *testing.T) {
	t.Parallel()
	m, st := newManager(t)
	ctx := context.Background()

	root, err := m.CreateScope(ctx, "pi-1", "", scope.KindProcess, "order")
	require.NoError(t, err)
	child, err := m.CreateScope(ctx, "pi-1", root.ID, scope.KindSubProcess, "review")
	require.NoError(t, err)
	grand, err := m.CreateScope(ctx, "pi-1", child.ID, scope.KindTask, "approve")
	require.NoError(t, err)
	require.NoError(t, m.SetLocal(ctx, grand.ID, "draft", true))

	require.NoError(t, m.DestroyScope(ctx, child.ID))

	for _, id := range []string{child.ID, grand.ID} {
		s, err := st.Scopes().Get(ctx, id)
		require.NoError(t, err)
		require.False(t, s.Active)
	}
	vars, err := st.Variables().ByScope(ctx, grand.ID)
	require.NoError(t, err)
	require.Empty(t, vars)

	// Idempotent, including for scopes that never existed.
	require.NoError(t, m.DestroyScope(ctx, child.ID))
	require.NoError(t, m.DestroyScope(ctx, "missing"))

	// Writes to destroyed scopes are conflicts; the root still works.
	err = m.SetVariable(ctx, child.ID, "x", 1)
	require.Equal(t, engine.KindConflict, engine.KindOf(err))
	require.NoError(t, m.SetVariable(ctx, root.ID, "x", 1))

	// New scopes cannot attach below a destroyed parent.
	_, err = m.CreateScope(ctx, "pi-1", child.ID, scope.KindTask, "late")
	require.Equal(t, engine.KindConflict, engine.KindOf(err))
}

func TestCopyVariables(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	src, err := m.CreateScope(ctx, "pi-1", "", scope.KindProcess, "order")
	require.NoError(t, err)
	dst, err := m.CreateScope(ctx, "pi-2", "", scope.KindProcess, "order")
	require.NoError(t, err)

	require.NoError(t, m.SetVariable(ctx, src.ID, "status", "open"))
	require.NoError(t, m.SetVariable(ctx, src.ID, "total", 100))

	require.NoError(t, m.CopyVariables(ctx, src.ID, dst.ID))
	merged, err := m.Variables(ctx, dst.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"status": "open", "total": float64(100)}, merged)

	// Named copy takes only what resolves.
	other, err := m.CreateScope(ctx, "pi-3", "", scope.KindProcess, "order")
	require.NoError(t, err)
	require.NoError(t, m.CopyVariables(ctx, src.ID, other.ID, "total", "ghost"))
	merged, err = m.Variables(ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"total": float64(100)}, merged)
}

func TestSetVariablesAppliesAll(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	root, err := m.CreateScope(ctx, "pi-1", "", scope.KindProcess, "order")
	require.NoError(t, err)
	require.NoError(t, m.SetVariables(ctx, root.ID, map[string]any{
		"status": "open",
		"total":  100,
	}))
	merged, err := m.Variables(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, merged, 2)
}
