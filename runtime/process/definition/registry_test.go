package definition

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDefinition(t *testing.T, key string) *Definition {
	t.Helper()
	def, err := NewBuilder(key).
		StartEvent("start").
		UserTask("work").
		EndEvent("end").
		Flow("start", "work").
		Flow("work", "end").
		Build()
	require.NoError(t, err)
	return def
}

func TestRegistryDeployVersions(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	v1 := r.Deploy(newTestDefinition(t, "approval"))
	v2 := r.Deploy(newTestDefinition(t, "approval"))

	require.Equal(t, 1, v1.Version)
	require.Equal(t, 2, v2.Version)
	require.NotEmpty(t, v1.ID)
	require.NotEqual(t, v1.ID, v2.ID)

	latest, err := r.Latest("approval")
	require.NoError(t, err)
	require.Same(t, v2, latest)

	got, err := r.Version("approval", 1)
	require.NoError(t, err)
	require.Same(t, v1, got)

	byID, err := r.ByID(v1.ID)
	require.NoError(t, err)
	require.Same(t, v1, byID)
}

func TestRegistryNotFound(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.Latest("ghost")
	require.Error(t, err)

	_, err = r.ByID("nope")
	require.Error(t, err)

	r.Deploy(newTestDefinition(t, "approval"))
	_, err = r.Version("approval", 7)
	require.Error(t, err)
}

func TestRegistryRegisterRehydration(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	d2 := newTestDefinition(t, "approval")
	d2.ID, d2.Version = "id-2", 2
	d1 := newTestDefinition(t, "approval")
	d1.ID, d1.Version = "id-1", 1

	require.NoError(t, r.Register(d2))
	require.NoError(t, r.Register(d1))
	require.NoError(t, r.Register(d1), "same ID twice is a no-op")

	latest, err := r.Latest("approval")
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version)

	require.Error(t, r.Register(newTestDefinition(t, "bare")), "missing identity is rejected")
}

func TestRegistryStartsByEvent(t *testing.T) {
	t.Parallel()

	timerDef, err := NewBuilder("nightly").
		StartEvent("tick", Timer(TimerDefinition{Cron: "0 2 * * *"})).
		ServiceTask("report", "reports.nightly").
		EndEvent("end").
		Flow("tick", "report").
		Flow("report", "end").
		Build()
	require.NoError(t, err)

	msgDef, err := NewBuilder("intake").
		StartEvent("received", Message("ORDER_PLACED")).
		UserTask("triage").
		EndEvent("end").
		Flow("received", "triage").
		Flow("triage", "end").
		Build()
	require.NoError(t, err)

	r := NewRegistry()
	r.Deploy(timerDef)
	r.Deploy(msgDef)
	r.Deploy(newTestDefinition(t, "plain"))

	timers := r.StartsByEvent(EventTimer)
	require.Len(t, timers, 1)
	require.Equal(t, "nightly", timers[0].Definition.Key)
	require.Equal(t, "tick", timers[0].Start.ID)

	msgs := r.StartsByEvent(EventMessage)
	require.Len(t, msgs, 1)
	require.Equal(t, "ORDER_PLACED", msgs[0].Start.MessageRef)

	require.Empty(t, r.StartsByEvent(EventSignal))
	require.Equal(t, []string{"intake", "nightly", "plain"}, r.Keys())
}

func TestRegistryStartsByEventLatestOnly(t *testing.T) {
	t.Parallel()

	build := func(signal string) *Definition {
		def, err := NewBuilder("onboard").
			StartEvent("go", Signal(signal)).
			UserTask("setup").
			EndEvent("end").
			Flow("go", "setup").
			Flow("setup", "end").
			Build()
		require.NoError(t, err)
		return def
	}

	r := NewRegistry()
	r.Deploy(build("V1_SIGNAL"))
	r.Deploy(build("V2_SIGNAL"))

	starts := r.StartsByEvent(EventSignal)
	require.Len(t, starts, 1)
	require.Equal(t, "V2_SIGNAL", starts[0].Start.SignalRef)
}
