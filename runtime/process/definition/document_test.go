package definition

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/flow/runtime/process/engine"
)

func TestParseDocumentSchemaViolations(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		data string
	}{
		{"not json", `{"key":`},
		{"missing key", `{"elements":[{"id":"s","kind":"startEvent"}]}`},
		{"empty elements", `{"key":"k","elements":[]}`},
		{"unknown kind", `{"key":"k","elements":[{"id":"s","kind":"magicTask"}]}`},
		{"two timer dialects", `{"key":"k","elements":[{"id":"s","kind":"startEvent","event":"timer","timer":{"date":"2026-01-01T00:00:00Z","cron":"* * * * *"}}]}`},
		{"flow missing target", `{"key":"k","elements":[{"id":"s","kind":"startEvent"}],"flows":[{"id":"f1","from":"s"}]}`},
		{"stray property", `{"key":"k","elements":[{"id":"s","kind":"startEvent","color":"red"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseDocument([]byte(tc.data))
			require.Error(t, err)
			require.Equal(t, engine.KindValidation, engine.KindOf(err))
		})
	}
}

func TestParseDocumentAndCompile(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"key": "approval",
		"name": "Approval",
		"elements": [
			{"id": "start", "kind": "startEvent"},
			{"id": "route", "kind": "exclusiveGateway", "default": "f4"},
			{"id": "approve", "kind": "userTask", "assignee": "lead"},
			{"id": "auto", "kind": "serviceTask", "implementation": "approvals.auto",
				"retry": {"maxAttempts": 5, "initialInterval": "100ms", "backoffCoefficient": 1.5}},
			{"id": "end", "kind": "endEvent"}
		],
		"flows": [
			{"id": "f1", "from": "start", "to": "route"},
			{"id": "f2", "from": "route", "to": "auto", "condition": "amount < 100"},
			{"id": "f4", "from": "route", "to": "approve"},
			{"id": "f3", "from": "approve", "to": "end"},
			{"id": "f5", "from": "auto", "to": "end"}
		]
	}`)

	doc, err := ParseDocument(data)
	require.NoError(t, err)

	def, err := doc.Compile(nil)
	require.NoError(t, err)
	require.Equal(t, "approval", def.Key)

	route, ok := def.Element("route")
	require.True(t, ok)
	require.Equal(t, []string{"f2", "f4"}, route.Outgoing, "document flow order is preserved")
	require.Equal(t, "f4", route.Default)

	auto, _ := def.Element("auto")
	require.NotNil(t, auto.Retry)
	require.Equal(t, 5, auto.Retry.MaxAttempts)
	require.Equal(t, "100ms", auto.Retry.InitialInterval.String())

	approve, _ := def.Element("approve")
	require.Equal(t, "lead", approve.Assignee)
}

func TestCompileRejectsStructuralErrors(t *testing.T) {
	t.Parallel()

	doc := &Document{
		Key: "broken",
		Elements: []ElementDocument{
			{ID: "start", Kind: "startEvent"},
			{ID: "start", Kind: "endEvent"},
		},
	}
	_, err := doc.Compile(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate element ID")

	doc = &Document{
		Key: "broken",
		Elements: []ElementDocument{
			{ID: "orphan", Kind: "userTask", Parent: "ghost"},
		},
	}
	_, err = doc.Compile(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown parent")
}

func TestDocumentRoundTrip(t *testing.T) {
	t.Parallel()

	def, err := NewBuilder("shipping").
		Named("Shipping").
		StartEvent("start").
		Transaction("tx", func(b *Builder) {
			b.StartEvent("tStart").
				ServiceTask("reserve", "stock.reserve").
				ServiceTask("release", "stock.release", ForCompensation()).
				BoundaryEvent("onReserve", "reserve", CompensationHandler("release")).
				EndEvent("tEnd").
				Flow("tStart", "reserve").
				Flow("reserve", "tEnd")
		}).
		BoundaryEvent("late", "tx", Timer(TimerDefinition{Duration: "PT2H"}), NonInterrupting()).
		UserTask("notify").
		EndEvent("end").
		Flow("start", "tx").
		Flow("tx", "end").
		Flow("late", "notify").
		Flow("notify", "end").
		Build()
	require.NoError(t, err)
	def.ID, def.Version = "dep-1", 3

	doc := def.Document()
	rebuilt, err := doc.Compile(nil)
	require.NoError(t, err)

	require.Equal(t, def.ID, rebuilt.ID)
	require.Equal(t, def.Version, rebuilt.Version)
	require.Len(t, rebuilt.Elements, len(def.Elements))
	require.Len(t, rebuilt.Flows, len(def.Flows))

	late, ok := rebuilt.Element("late")
	require.True(t, ok)
	require.False(t, late.Interrupting)
	require.Equal(t, EventTimer, late.Event)
	require.Equal(t, "PT2H", late.Timer.Duration)

	tx, _ := rebuilt.Element("tx")
	require.Equal(t, KindTransaction, tx.Kind)
	require.Equal(t, []string{"tStart", "reserve", "release", "onReserve", "tEnd"}, tx.Children)

	onReserve, _ := rebuilt.Element("onReserve")
	require.Equal(t, "release", onReserve.CompensationHandler)
	require.True(t, onReserve.Interrupting)

	// A second serialization is structurally identical.
	require.Equal(t, doc, rebuilt.Document())
}
