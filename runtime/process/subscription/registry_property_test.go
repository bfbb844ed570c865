package subscription_test

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/flow/runtime/process/subscription"
)

// regOp is one Create call: which instance and activity register, and which
// trigger kind they wait for.
type regOp struct {
	Instance int
	Activity int
	Kind     subscription.Kind
}

var regKinds = []subscription.Kind{
	subscription.KindSignal,
	subscription.KindMessage,
	subscription.KindTimer,
	subscription.KindConditional,
	subscription.KindError,
}

func genRegOps() gopter.Gen {
	return gen.IntRange(1, 25).FlatMap(func(v any) gopter.Gen {
		n := v.(int)
		return gen.SliceOfN(n, gen.IntRange(0, 1<<30)).Map(func(raw []int) []regOp {
			ops := make([]regOp, n)
			for i, r := range raw {
				ops[i] = regOp{
					Instance: r % 2,
					Activity: (r / 2) % 3,
					Kind:     regKinds[(r/6)%len(regKinds)],
				}
			}
			return ops
		})
	}, reflect.TypeOf([]regOp{}))
}

// TestSubscriptionUniquenessProperty checks that any Create sequence leaves
// at most one row per (instance, activity, kind), and that the survivor is
// the most recent registration.
func TestSubscriptionUniquenessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("last registration per (instance, activity, kind) wins", prop.ForAll(
		func(ops []regOp) bool {
			reg, _ := newRegistry(t)
			ctx := context.Background()

			type key struct {
				instance int
				activity int
				kind     subscription.Kind
			}
			last := make(map[key]string)
			for i, op := range ops {
				name := fmt.Sprintf("ev-%d", i)
				_, err := reg.Create(ctx, &subscription.Subscription{
					ProcessInstanceID: fmt.Sprintf("pi-%d", op.Instance),
					ExecutionID:       fmt.Sprintf("ex-%d-%d", op.Instance, op.Activity),
					ActivityID:        fmt.Sprintf("act-%d", op.Activity),
					Kind:              op.Kind,
					EventName:         name,
				})
				if err != nil {
					return false
				}
				last[key{op.Instance, op.Activity, op.Kind}] = name
			}

			for instance := 0; instance < 2; instance++ {
				rows, err := reg.ByInstance(ctx, fmt.Sprintf("pi-%d", instance))
				if err != nil {
					return false
				}
				seen := make(map[key]bool)
				for _, row := range rows {
					var activity int
					if _, err := fmt.Sscanf(row.ActivityID, "act-%d", &activity); err != nil {
						return false
					}
					k := key{instance, activity, row.Kind}
					if seen[k] {
						return false
					}
					seen[k] = true
					if row.EventName != last[k] {
						return false
					}
				}
				// Every registered triple of the instance survives.
				for k := range last {
					if k.instance == instance && !seen[k] {
						return false
					}
				}
			}
			return true
		},
		genRegOps(),
	))

	properties.TestingRun(t)
}

// TestSignalFanOutIdempotenceProperty checks that a signal fan-out reaches
// every matching waiter exactly once: consuming the matches empties the set,
// so a duplicate delivery finds nothing and duplicate consumes are absorbed.
func TestSignalFanOutIdempotenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("duplicate signal delivery is absorbed by consumption", prop.ForAll(
		func(names []int) bool {
			reg, _ := newRegistry(t)
			ctx := context.Background()

			// Waiters spread over three signal names; each waiter is its own
			// instance so no registration replaces another.
			matching := 0
			for i, n := range names {
				name := fmt.Sprintf("sig-%d", n%3)
				if n%3 == 0 {
					matching++
				}
				_, err := reg.Create(ctx, &subscription.Subscription{
					ProcessInstanceID: fmt.Sprintf("pi-%d", i),
					ExecutionID:       fmt.Sprintf("ex-%d", i),
					ActivityID:        "catch",
					Kind:              subscription.KindSignal,
					EventName:         name,
				})
				if err != nil {
					return false
				}
			}

			subs, err := reg.ByName(ctx, subscription.KindSignal, "sig-0", "")
			if err != nil || len(subs) != matching {
				return false
			}
			ids := make([]string, len(subs))
			for i, s := range subs {
				ids[i] = s.ID
			}
			for _, id := range ids {
				if err := reg.Consume(ctx, id); err != nil {
					return false
				}
			}

			// The duplicate delivery: nothing left to fire, consumes no-op.
			again, err := reg.ByName(ctx, subscription.KindSignal, "sig-0", "")
			if err != nil || len(again) != 0 {
				return false
			}
			for _, id := range ids {
				if err := reg.Consume(ctx, id); err != nil {
					return false
				}
			}

			// Waiters on other names are untouched.
			rest := 0
			for _, name := range []string{"sig-1", "sig-2"} {
				subs, err := reg.ByName(ctx, subscription.KindSignal, name, "")
				if err != nil {
					return false
				}
				rest += len(subs)
			}
			return rest == len(names)-matching
		},
		gen.SliceOf(gen.IntRange(0, 1<<30)),
	))

	properties.TestingRun(t)
}
