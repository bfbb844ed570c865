package scope_test

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/flow/runtime/process/scope"
)

// treeShape describes a random scope tree: child i attaches to one of the
// scopes created before it (index into the creation order, 0 is the root).
type treeShape struct {
	Parents []int
}

func genTreeShape() gopter.Gen {
	return gen.IntRange(1, 12).FlatMap(func(v any) gopter.Gen {
		n := v.(int)
		return gen.SliceOfN(n, gen.IntRange(0, 1<<30)).Map(func(raw []int) treeShape {
			parents := make([]int, n)
			for i, r := range raw {
				parents[i] = r % (i + 1)
			}
			return treeShape{Parents: parents}
		})
	}, reflect.TypeOf(treeShape{}))
}

// chainDecl describes a scope chain of the given depth with "v" declared
// locally at the listed depths (0 is the root).
type chainDecl struct {
	Depth    int
	Declared []int
}

func genChainDecl() gopter.Gen {
	return gen.IntRange(2, 8).FlatMap(func(v any) gopter.Gen {
		depth := v.(int)
		return gen.SliceOfN(depth, gen.Bool()).Map(func(flags []bool) chainDecl {
			var declared []int
			for i, f := range flags {
				if f {
					declared = append(declared, i)
				}
			}
			if len(declared) == 0 {
				declared = []int{0}
			}
			return chainDecl{Depth: depth, Declared: declared}
		})
	}, reflect.TypeOf(chainDecl{}))
}

// TestScopeTreeAcyclicityProperty checks that any tree built through
// CreateScope stays acyclic: resolution from every scope terminates at the
// root in at most one visit per scope.
func TestScopeTreeAcyclicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every scope resolves to the root without revisits", prop.ForAll(
		func(shape treeShape) bool {
			m, st := newManager(t)
			ctx := context.Background()

			root, err := m.CreateScope(ctx, "pi-1", "", scope.KindProcess, "")
			if err != nil {
				return false
			}
			ids := []string{root.ID}
			for i, parent := range shape.Parents {
				s, err := m.CreateScope(ctx, "pi-1", ids[parent], scope.KindSubProcess, fmt.Sprintf("el-%d", i))
				if err != nil {
					return false
				}
				ids = append(ids, s.ID)
			}

			for _, id := range ids {
				// Variables walks the parent chain and fails on a cycle.
				if _, err := m.Variables(ctx, id); err != nil {
					return false
				}
				// The raw chain must reach the root within len(ids) hops.
				seen := make(map[string]bool, len(ids))
				cur := id
				for cur != "" {
					if seen[cur] {
						return false
					}
					seen[cur] = true
					s, err := st.Scopes().Get(ctx, cur)
					if err != nil {
						return false
					}
					cur = s.ParentID
				}
			}
			return true
		},
		genTreeShape(),
	))

	properties.TestingRun(t)
}

// TestNearestAncestorResolutionProperty checks that reads resolve to the
// nearest declaring scope and that writes land on that same scope.
func TestNearestAncestorResolutionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("leaf reads the deepest declaration, leaf writes update it", prop.ForAll(
		func(c chainDecl) bool {
			m, st := newManager(t)
			ctx := context.Background()

			ids := make([]string, c.Depth)
			parent := ""
			for i := range ids {
				s, err := m.CreateScope(ctx, "pi-1", parent, scope.KindSubProcess, fmt.Sprintf("el-%d", i))
				if err != nil {
					return false
				}
				ids[i] = s.ID
				parent = s.ID
			}
			for _, d := range c.Declared {
				if err := m.SetLocal(ctx, ids[d], "v", fmt.Sprintf("v-%d", d)); err != nil {
					return false
				}
			}

			nearest := c.Declared[len(c.Declared)-1]
			leaf := ids[c.Depth-1]
			val, ok, err := m.GetVariable(ctx, leaf, "v")
			if err != nil || !ok || val != fmt.Sprintf("v-%d", nearest) {
				return false
			}

			// A write from the leaf must land on the nearest declaring scope
			// and leave every other declaration alone.
			if err := m.SetVariable(ctx, leaf, "v", "updated"); err != nil {
				return false
			}
			for _, d := range c.Declared {
				row, err := st.Variables().Get(ctx, ids[d], "v")
				if err != nil {
					return false
				}
				got, err := row.Decode()
				if err != nil {
					return false
				}
				if d == nearest {
					if got != "updated" {
						return false
					}
				} else if got != fmt.Sprintf("v-%d", d) {
					return false
				}
			}
			// No new declaration appeared anywhere on the chain.
			for i, id := range ids {
				rows, err := st.Variables().ByScope(ctx, id)
				if err != nil {
					return false
				}
				declared := false
				for _, d := range c.Declared {
					if d == i {
						declared = true
					}
				}
				if declared != (len(rows) == 1) {
					return false
				}
			}
			return true
		},
		genChainDecl(),
	))

	properties.TestingRun(t)
}

// TestCreateDestroyScopeRoundTripProperty checks the round-trip law: creating
// a scope subtree, writing locals into it and destroying it leaves the
// persistent variable set exactly as it was.
func TestCreateDestroyScopeRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("createScope;destroyScope is a no-op on the variable set", prop.ForAll(
		func(c chainDecl, extra int) bool {
			m, st := newManager(t)
			ctx := context.Background()

			ids := make([]string, c.Depth)
			parent := ""
			for i := range ids {
				s, err := m.CreateScope(ctx, "pi-1", parent, scope.KindSubProcess, fmt.Sprintf("el-%d", i))
				if err != nil {
					return false
				}
				ids[i] = s.ID
				parent = s.ID
			}
			for _, d := range c.Declared {
				if err := m.SetLocal(ctx, ids[d], "v", fmt.Sprintf("v-%d", d)); err != nil {
					return false
				}
			}
			leaf := ids[c.Depth-1]
			before, err := m.Variables(ctx, leaf)
			if err != nil {
				return false
			}

			// Grow a subtree under the leaf, fill it with locals, tear it
			// down again.
			sub, err := m.CreateScope(ctx, "pi-1", leaf, scope.KindTask, "scratch")
			if err != nil {
				return false
			}
			cur := sub.ID
			for i := 0; i < extra; i++ {
				if err := m.SetLocal(ctx, cur, fmt.Sprintf("tmp-%d", i), i); err != nil {
					return false
				}
				child, err := m.CreateScope(ctx, "pi-1", cur, scope.KindLocal, fmt.Sprintf("scratch-%d", i))
				if err != nil {
					return false
				}
				cur = child.ID
			}
			// Shadow an inherited name inside the subtree; the shadow must
			// die with the scope.
			if err := m.SetLocal(ctx, sub.ID, "v", "shadow"); err != nil {
				return false
			}
			if err := m.DestroyScope(ctx, sub.ID); err != nil {
				return false
			}

			after, err := m.Variables(ctx, leaf)
			if err != nil {
				return false
			}
			if len(after) != len(before) {
				return false
			}
			for name, want := range before {
				if after[name] != want {
					return false
				}
			}
			// The destroyed subtree holds no variable rows.
			subRows, err := st.Variables().ByScope(ctx, sub.ID)
			if err != nil || len(subRows) != 0 {
				return false
			}
			return true
		},
		genChainDecl(),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}
