package definition

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// failingChecker rejects every expression containing "bad".
type failingChecker struct{}

func (failingChecker) Check(expression string) error {
	if strings.Contains(expression, "bad") {
		return errors.New("unknown identifier")
	}
	return nil
}

func buildInvalid(t *testing.T, build func(*Builder)) *ValidationError {
	t.Helper()
	b := NewBuilder("invalid")
	build(b)
	_, err := b.Build()
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	return verr
}

func requireIssue(t *testing.T, verr *ValidationError, fragment string) {
	t.Helper()
	for _, issue := range verr.Issues {
		if strings.Contains(issue, fragment) {
			return
		}
	}
	t.Fatalf("no issue contains %q, got %v", fragment, verr.Issues)
}

func TestValidateServiceTaskNeedsImplementation(t *testing.T) {
	t.Parallel()

	verr := buildInvalid(t, func(b *Builder) {
		b.StartEvent("start").
			ServiceTask("call", "").
			EndEvent("end").
			Flow("start", "call").
			Flow("call", "end")
	})
	requireIssue(t, verr, "requires an implementation")
}

func TestValidateTwoNoneStarts(t *testing.T) {
	t.Parallel()

	verr := buildInvalid(t, func(b *Builder) {
		b.StartEvent("a").
			StartEvent("b").
			EndEvent("end").
			Flow("a", "end").
			Flow("b", "end")
	})
	requireIssue(t, verr, "at most one is allowed")
}

func TestValidateSubProcessNeedsNoneStart(t *testing.T) {
	t.Parallel()

	verr := buildInvalid(t, func(b *Builder) {
		b.StartEvent("start").
			SubProcess("sub", func(b *Builder) {
				b.UserTask("inner").
					EndEvent("iEnd").
					Flow("inner", "iEnd")
			}).
			EndEvent("end").
			Flow("start", "sub").
			Flow("sub", "end")
	})
	requireIssue(t, verr, "requires exactly one none start event")
}

func TestValidateEndEventRules(t *testing.T) {
	t.Parallel()

	verr := buildInvalid(t, func(b *Builder) {
		b.StartEvent("start").
			EndEvent("oops", ErrorCode("")).
			Flow("start", "oops")
	})
	requireIssue(t, verr, "requires an error code")

	verr = buildInvalid(t, func(b *Builder) {
		b.StartEvent("start").
			EndEvent("cancelled", Cancel()).
			Flow("start", "cancelled")
	})
	requireIssue(t, verr, "only allowed inside a transaction")
}

func TestValidateCancelEndNeedsCancelBoundary(t *testing.T) {
	t.Parallel()

	verr := buildInvalid(t, func(b *Builder) {
		b.StartEvent("start").
			Transaction("tx", func(b *Builder) {
				b.StartEvent("tStart").
					EndEvent("abort", Cancel()).
					Flow("tStart", "abort")
			}).
			EndEvent("end").
			Flow("start", "tx").
			Flow("tx", "end")
	})
	requireIssue(t, verr, "no cancel boundary event")
}

func TestValidateBoundaryRules(t *testing.T) {
	t.Parallel()

	verr := buildInvalid(t, func(b *Builder) {
		b.StartEvent("start").
			UserTask("work").
			BoundaryEvent("b1", "nope", Timer(TimerDefinition{Duration: "PT1M"})).
			EndEvent("end").
			EndEvent("timedOut").
			Flow("start", "work").
			Flow("work", "end").
			Flow("b1", "timedOut")
	})
	requireIssue(t, verr, `attached to unknown element "nope"`)

	verr = buildInvalid(t, func(b *Builder) {
		b.StartEvent("start").
			UserTask("work").
			BoundaryEvent("b1", "work").
			EndEvent("end").
			EndEvent("escalated").
			Flow("start", "work").
			Flow("work", "end").
			Flow("b1", "escalated")
	})
	requireIssue(t, verr, "requires an event definition")

	verr = buildInvalid(t, func(b *Builder) {
		b.StartEvent("start").
			UserTask("work").
			BoundaryEvent("b1", "work", Cancel()).
			EndEvent("end").
			EndEvent("cancelled").
			Flow("start", "work").
			Flow("work", "end").
			Flow("b1", "cancelled")
	})
	requireIssue(t, verr, "can only attach to a transaction")
}

func TestValidateCompensationHandlerRules(t *testing.T) {
	t.Parallel()

	verr := buildInvalid(t, func(b *Builder) {
		b.StartEvent("start").
			ServiceTask("charge", "billing.charge").
			BoundaryEvent("onCharge", "charge", CompensationHandler("refund")).
			EndEvent("end").
			Flow("start", "charge").
			Flow("charge", "end")
	})
	requireIssue(t, verr, `unknown handler "refund"`)

	verr = buildInvalid(t, func(b *Builder) {
		b.StartEvent("start").
			ServiceTask("charge", "billing.charge").
			ServiceTask("refund", "billing.refund").
			BoundaryEvent("onCharge", "charge", CompensationHandler("refund")).
			EndEvent("end").
			Flow("start", "charge").
			Flow("charge", "refund").
			Flow("refund", "end")
	})
	requireIssue(t, verr, "must be marked for compensation")
}

func TestValidateParallelGatewayRejectsConditions(t *testing.T) {
	t.Parallel()

	verr := buildInvalid(t, func(b *Builder) {
		b.StartEvent("start").
			ParallelGateway("split").
			EndEvent("a").
			EndEvent("b").
			Flow("start", "split").
			Flow("split", "a", "x > 1").
			Flow("split", "b")
	})
	requireIssue(t, verr, "cannot have conditional flow")
}

func TestValidateFlowTargets(t *testing.T) {
	t.Parallel()

	verr := buildInvalid(t, func(b *Builder) {
		b.StartEvent("start").
			EventSubProcess("esp", func(b *Builder) {
				b.StartEvent("espStart", Message("poke")).
					EndEvent("espEnd").
					Flow("espStart", "espEnd")
			}).
			EndEvent("end").
			Flow("start", "esp").
			Flow("esp", "end")
	})
	requireIssue(t, verr, "enters event sub-process")
}

func TestValidateCrossScopeFlow(t *testing.T) {
	t.Parallel()

	verr := buildInvalid(t, func(b *Builder) {
		b.StartEvent("start").
			SubProcess("sub", func(b *Builder) {
				b.StartEvent("sStart").
					UserTask("inner").
					EndEvent("sEnd").
					Flow("sStart", "inner").
					Flow("inner", "sEnd")
			}).
			EndEvent("end").
			Flow("start", "sub").
			Flow("sub", "end").
			Flow("inner", "end")
	})
	requireIssue(t, verr, "crosses scopes")
}

func TestValidateExpressionSyntax(t *testing.T) {
	t.Parallel()

	def := &Definition{Key: "k", Elements: map[string]*Element{}, Flows: map[string]*SequenceFlow{}}
	def.Elements["start"] = &Element{ID: "start", Kind: KindStartEvent, Event: EventNone, Outgoing: []string{"f1"}}
	def.Elements["end"] = &Element{ID: "end", Kind: KindEndEvent, Event: EventNone, Incoming: []string{"f1"}}
	def.Flows["f1"] = &SequenceFlow{ID: "f1", From: "start", To: "end", Condition: "bad expression"}

	err := def.Validate(failingChecker{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown identifier")

	def.Flows["f1"].Condition = "amount > 10"
	require.NoError(t, def.Validate(failingChecker{}))
}

func TestValidateComputesUpstreamSets(t *testing.T) {
	t.Parallel()

	// start -> split -> (a | b) -> join -> end with the join fed by both
	// branches. The upstream set of each join input contains only its own
	// branch.
	def, err := NewBuilder("fork").
		StartEvent("start").
		ParallelGateway("split").
		UserTask("a").
		UserTask("b").
		ParallelGateway("join").
		EndEvent("end").
		Flow("start", "split").
		Flow("split", "a").
		Flow("split", "b").
		Flow("a", "join").
		Flow("b", "join").
		Flow("join", "end").
		Build()
	require.NoError(t, err)

	a, _ := def.Element("a")
	require.Len(t, a.Outgoing, 1)
	up := def.UpstreamOf(a.Outgoing[0])
	require.True(t, up["a"])
	require.True(t, up["split"])
	require.True(t, up["start"])
	require.False(t, up["b"])
	require.False(t, up["join"])
}

func TestValidateUpstreamCrossesScopeMembranes(t *testing.T) {
	t.Parallel()

	// A token inside the sub-process can still reach the flow leaving it,
	// so inner elements are upstream of that flow.
	def, err := NewBuilder("nested").
		StartEvent("start").
		SubProcess("sub", func(b *Builder) {
			b.StartEvent("sStart").
				UserTask("inner").
				EndEvent("sEnd").
				Flow("sStart", "inner").
				Flow("inner", "sEnd")
		}).
		EndEvent("end").
		Flow("start", "sub").
		Flow("sub", "end").
		Build()
	require.NoError(t, err)

	sub, _ := def.Element("sub")
	up := def.UpstreamOf(sub.Outgoing[0])
	require.True(t, up["inner"])
	require.True(t, up["sub"])
	require.True(t, up["start"])
}
