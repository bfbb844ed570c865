package timer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/flow/runtime/process/clock"
	"goa.design/flow/runtime/process/definition"
	"goa.design/flow/runtime/process/interpreter"
	"goa.design/flow/runtime/process/store/inmem"
	"goa.design/flow/runtime/process/subscription"
	"goa.design/flow/runtime/process/timer"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t      *testing.T
	poller *timer.Poller
	subs   *subscription.Registry
	defs   *definition.Registry
	clk    *clock.Fake

	mu        sync.Mutex
	submitted []interpreter.WorkItem
	started   []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(testTime)
	f := &fixture{
		t:    t,
		subs: subscription.NewRegistry(inmem.New().Subscriptions(), clk),
		defs: definition.NewRegistry(),
		clk:  clk,
	}
	p, err := timer.NewPoller(timer.PollerOptions{
		Subscriptions: f.subs,
		Definitions:   f.defs,
		Submit: func(item interpreter.WorkItem) {
			f.mu.Lock()
			f.submitted = append(f.submitted, item)
			f.mu.Unlock()
		},
		Start: func(_ context.Context, es definition.EventStart) error {
			f.mu.Lock()
			f.started = append(f.started, es.Definition.Key)
			f.mu.Unlock()
			return nil
		},
		Clock: f.clk,
	})
	require.NoError(t, err)
	f.poller = p
	return f
}

func (f *fixture) timerSub(id string, due time.Time) *subscription.Subscription {
	f.t.Helper()
	sub, err := f.subs.Create(context.Background(), &subscription.Subscription{
		ProcessInstanceID: "pi-" + id,
		ExecutionID:       "ex-" + id,
		ActivityID:        "wait",
		Kind:              subscription.KindTimer,
		Config:            subscription.Config{DueTime: due},
	})
	require.NoError(f.t, err)
	return sub
}

func (f *fixture) pass() {
	f.t.Helper()
	require.NoError(f.t, f.poller.Pass(context.Background()))
}

func (f *fixture) items() []interpreter.WorkItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]interpreter.WorkItem, len(f.submitted))
	copy(out, f.submitted)
	return out
}

func (f *fixture) starts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.started))
	copy(out, f.started)
	return out
}

func TestNewPollerValidatesOptions(t *testing.T) {
	t.Parallel()
	subs := subscription.NewRegistry(inmem.New().Subscriptions(), clock.NewFake(testTime))
	defs := definition.NewRegistry()
	submit := func(interpreter.WorkItem) {}
	start := func(context.Context, definition.EventStart) error { return nil }

	_, err := timer.NewPoller(timer.PollerOptions{Definitions: defs, Submit: submit, Start: start})
	require.EqualError(t, err, "subscription registry is required")
	_, err = timer.NewPoller(timer.PollerOptions{Subscriptions: subs, Submit: submit, Start: start})
	require.EqualError(t, err, "definition registry is required")
	_, err = timer.NewPoller(timer.PollerOptions{Subscriptions: subs, Definitions: defs, Start: start})
	require.EqualError(t, err, "submit is required")
	_, err = timer.NewPoller(timer.PollerOptions{Subscriptions: subs, Definitions: defs, Submit: submit})
	require.EqualError(t, err, "start is required")
}

func TestPassSubmitsDueSubscriptions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	due := f.timerSub("due", testTime.Add(-time.Minute))
	f.timerSub("later", testTime.Add(time.Hour))

	f.pass()

	items := f.items()
	require.Len(t, items, 1)
	require.Equal(t, interpreter.WorkItem{
		Action:            interpreter.ActionResumeFromTimer,
		ProcessInstanceID: due.ProcessInstanceID,
		SubscriptionID:    due.ID,
	}, items[0])
}

func TestPassSkipsInflightDueTime(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sub := f.timerSub("slow", testTime.Add(-time.Minute))

	f.pass()
	f.pass()
	require.Len(t, f.items(), 1, "the same due time must not fire twice")

	// A re-armed cycle moves the due time; the next pass fires again.
	sub.Config.DueTime = testTime.Add(-time.Second)
	require.NoError(t, f.subs.Update(context.Background(), sub))
	f.pass()
	require.Len(t, f.items(), 2)
}

func TestPassConsumedSubscriptionStopsFiring(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sub := f.timerSub("once", testTime.Add(-time.Minute))

	f.pass()
	require.NoError(t, f.subs.Consume(context.Background(), sub.ID))
	f.pass()

	require.Len(t, f.items(), 1)
}

func TestPassFiresTimerStartOnSchedule(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	def, err := definition.NewBuilder("nightly").
		StartEvent("start", definition.Timer(definition.TimerDefinition{Cycle: "R2/PT1H"})).
		EndEvent("done").
		Flow("start", "done").
		Build()
	require.NoError(t, err)
	f.defs.Deploy(def)

	// The first pass arms the schedule one step out; nothing fires yet.
	f.pass()
	require.Empty(t, f.starts())

	f.clk.Advance(time.Hour)
	f.pass()
	require.Equal(t, []string{"nightly"}, f.starts())

	// The second and last repetition, then the schedule is spent.
	f.clk.Advance(time.Hour)
	f.pass()
	f.clk.Advance(time.Hour)
	f.pass()
	require.Equal(t, []string{"nightly", "nightly"}, f.starts())
}

func TestPassCatchesUpMissedOccurrences(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	def, err := definition.NewBuilder("sweep").
		StartEvent("start", definition.Timer(definition.TimerDefinition{Cycle: "R/PT1H"})).
		EndEvent("done").
		Flow("start", "done").
		Build()
	require.NoError(t, err)
	f.defs.Deploy(def)

	f.pass()
	f.clk.Advance(3 * time.Hour)
	f.pass()

	require.Len(t, f.starts(), 3, "a long gap replays every missed occurrence")
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.poller.Start(context.Background()))
	require.EqualError(t, f.poller.Start(context.Background()), "poller already started")
	f.poller.Stop()
	f.poller.Stop()
	require.NoError(t, f.poller.Start(context.Background()))
	f.poller.Stop()
}
