package compensation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/flow/runtime/process/clock"
	"goa.design/flow/runtime/process/compensation"
	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/store/inmem"
	"goa.design/flow/runtime/process/subscription"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newManager(t *testing.T) (*compensation.Manager, *subscription.Registry) {
	t.Helper()
	st := inmem.New()
	clk := clock.NewFake(testTime)
	subs := subscription.NewRegistry(st.Subscriptions(), clk)
	return compensation.NewManager(st.TransactionScopes(), subs, clk, nil), subs
}

func register(t *testing.T, m *compensation.Manager, txID, activityID, handlerID string) {
	t.Helper()
	_, err := m.Register(context.Background(), txID, &subscription.Subscription{
		ProcessInstanceID: "pi-1",
		ActivityID:        activityID,
		Config:            subscription.Config{HandlerActivityID: handlerID},
	})
	require.NoError(t, err)
}

func TestOpenAndRegister(t *testing.T) {
	t.Parallel()
	m, subs := newManager(t)
	ctx := context.Background()

	ts, err := m.Open(ctx, "pi-1", "ex-1", "book-trip", "sc-1")
	require.NoError(t, err)
	require.Equal(t, compensation.StateActive, ts.State)
	require.Equal(t, testTime, ts.CreateTime)

	register(t, m, ts.ID, "book-flight", "cancel-flight")
	register(t, m, ts.ID, "book-hotel", "cancel-hotel")

	rows, err := subs.ByKind(ctx, "pi-1", subscription.KindCompensation)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestRegisterReplacementMovesToNewestPosition(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	ts, err := m.Open(ctx, "pi-1", "ex-1", "book-trip", "sc-1")
	require.NoError(t, err)
	register(t, m, ts.ID, "book-flight", "cancel-flight")
	register(t, m, ts.ID, "book-hotel", "cancel-hotel")
	// The flight is rebooked: its handler re-registers and now replays
	// before the hotel's.
	register(t, m, ts.ID, "book-flight", "cancel-flight-v2")

	done, err := m.Complete(ctx, ts.ID)
	require.NoError(t, err)

	var order []string
	_, err = m.Trigger(ctx, done.ID, func(_ context.Context, sub *subscription.Subscription) error {
		order = append(order, sub.Config.HandlerActivityID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"cancel-flight-v2", "cancel-hotel"}, order)
}

func TestDeregisterDropsRegistrationWithoutRunning(t *testing.T) {
	t.Parallel()
	m, subs := newManager(t)
	ctx := context.Background()

	ts, err := m.Open(ctx, "pi-1", "ex-1", "book-trip", "sc-1")
	require.NoError(t, err)
	register(t, m, ts.ID, "book-flight", "cancel-flight")
	register(t, m, ts.ID, "book-hotel", "cancel-hotel")

	require.NoError(t, m.Deregister(ctx, ts.ID, "book-flight"))
	// Unknown activities are a no-op.
	require.NoError(t, m.Deregister(ctx, ts.ID, "book-car"))

	rows, err := subs.ByKind(ctx, "pi-1", subscription.KindCompensation)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "book-hotel", rows[0].ActivityID)

	done, err := m.Complete(ctx, ts.ID)
	require.NoError(t, err)
	var order []string
	_, err = m.Trigger(ctx, done.ID, func(_ context.Context, sub *subscription.Subscription) error {
		order = append(order, sub.Config.HandlerActivityID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"cancel-hotel"}, order)
}

func TestRegisterRequiresActiveScope(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	ts, err := m.Open(ctx, "pi-1", "ex-1", "book-trip", "sc-1")
	require.NoError(t, err)
	done, err := m.Complete(ctx, ts.ID)
	require.NoError(t, err)

	_, err = m.Register(ctx, done.ID, &subscription.Subscription{
		ProcessInstanceID: "pi-1", ActivityID: "late",
	})
	require.Equal(t, engine.KindConflict, engine.KindOf(err))
}

func TestCompleteConvertsToEventScope(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	ts, err := m.Open(ctx, "pi-1", "ex-1", "book-trip", "sc-1")
	require.NoError(t, err)
	register(t, m, ts.ID, "book-flight", "cancel-flight")

	done, err := m.Complete(ctx, ts.ID)
	require.NoError(t, err)
	require.NotEqual(t, ts.ID, done.ID)
	require.Equal(t, compensation.StateCompleted, done.State)
	require.Len(t, done.SubscriptionIDs, 1)
	require.Equal(t, testTime, done.CompletedTime)

	_, err = m.Complete(ctx, ts.ID)
	require.Equal(t, engine.KindNotFound, engine.KindOf(err))
}

func TestCancelWithCompensationReplaysLIFO(t *testing.T) {
	t.Parallel()
	m, subs := newManager(t)
	ctx := context.Background()

	ts, err := m.Open(ctx, "pi-1", "ex-1", "book-trip", "sc-1")
	require.NoError(t, err)
	register(t, m, ts.ID, "book-flight", "cancel-flight")
	register(t, m, ts.ID, "book-hotel", "cancel-hotel")
	register(t, m, ts.ID, "book-car", "cancel-car")

	var order []string
	failed, err := m.Cancel(ctx, ts.ID, true, func(_ context.Context, sub *subscription.Subscription) error {
		order = append(order, sub.ActivityID)
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, failed)
	require.Equal(t, []string{"book-car", "book-hotel", "book-flight"}, order)

	rows, err := subs.ByKind(ctx, "pi-1", subscription.KindCompensation)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestCancelWithoutCompensationKeepsSubscriptions(t *testing.T) {
	t.Parallel()
	m, subs := newManager(t)
	ctx := context.Background()

	ts, err := m.Open(ctx, "pi-1", "ex-1", "book-trip", "sc-1")
	require.NoError(t, err)
	register(t, m, ts.ID, "book-flight", "cancel-flight")

	failed, err := m.Cancel(ctx, ts.ID, false, func(_ context.Context, _ *subscription.Subscription) error {
		t.Fatal("no handler must run")
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, failed)

	rows, err := subs.ByKind(ctx, "pi-1", subscription.KindCompensation)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestHandlerFailuresNeverStopReplay(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	ts, err := m.Open(ctx, "pi-1", "ex-1", "book-trip", "sc-1")
	require.NoError(t, err)
	register(t, m, ts.ID, "book-flight", "cancel-flight")
	register(t, m, ts.ID, "book-hotel", "cancel-hotel")

	var ran []string
	failed, err := m.Cancel(ctx, ts.ID, true, func(_ context.Context, sub *subscription.Subscription) error {
		ran = append(ran, sub.ActivityID)
		if sub.ActivityID == "book-hotel" {
			return errors.New("refund rejected")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, failed)
	require.Equal(t, []string{"book-hotel", "book-flight"}, ran)
}

func TestTriggerFullReplayRetiresScope(t *testing.T) {
	t.Parallel()
	m, subs := newManager(t)
	ctx := context.Background()

	ts, err := m.Open(ctx, "pi-1", "ex-1", "book-trip", "sc-1")
	require.NoError(t, err)
	register(t, m, ts.ID, "book-flight", "cancel-flight")
	register(t, m, ts.ID, "book-hotel", "cancel-hotel")
	done, err := m.Complete(ctx, ts.ID)
	require.NoError(t, err)

	var order []string
	failed, err := m.Trigger(ctx, done.ID, func(_ context.Context, sub *subscription.Subscription) error {
		order = append(order, sub.ActivityID)
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, failed)
	require.Equal(t, []string{"book-hotel", "book-flight"}, order)

	_, err = m.Trigger(ctx, done.ID, func(_ context.Context, _ *subscription.Subscription) error { return nil })
	require.Equal(t, engine.KindNotFound, engine.KindOf(err))
	rows, err := subs.ByKind(ctx, "pi-1", subscription.KindCompensation)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestTriggerPartialReplayKeepsRest(t *testing.T) {
	t.Parallel()
	m, subs := newManager(t)
	ctx := context.Background()

	ts, err := m.Open(ctx, "pi-1", "ex-1", "book-trip", "sc-1")
	require.NoError(t, err)
	register(t, m, ts.ID, "book-flight", "cancel-flight")
	register(t, m, ts.ID, "book-hotel", "cancel-hotel")
	done, err := m.Complete(ctx, ts.ID)
	require.NoError(t, err)

	var order []string
	failed, err := m.Trigger(ctx, done.ID, func(_ context.Context, sub *subscription.Subscription) error {
		order = append(order, sub.ActivityID)
		return nil
	}, "book-hotel")
	require.NoError(t, err)
	require.Zero(t, failed)
	require.Equal(t, []string{"book-hotel"}, order)

	// The scope stays an event scope with the flight handler intact.
	kept, err := m.Trigger(ctx, done.ID, func(_ context.Context, sub *subscription.Subscription) error {
		order = append(order, sub.ActivityID)
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, kept)
	require.Equal(t, []string{"book-hotel", "book-flight"}, order)
	rows, err := subs.ByKind(ctx, "pi-1", subscription.KindCompensation)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestTriggerOnActiveScopeKeepsItOpen(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	ts, err := m.Open(ctx, "pi-1", "ex-1", "book-trip", "sc-1")
	require.NoError(t, err)
	register(t, m, ts.ID, "book-flight", "cancel-flight")
	register(t, m, ts.ID, "book-hotel", "cancel-hotel")

	var ran []string
	failed, err := m.Trigger(ctx, ts.ID, func(_ context.Context, sub *subscription.Subscription) error {
		ran = append(ran, sub.ActivityID)
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, failed)
	require.Equal(t, []string{"book-hotel", "book-flight"}, ran)

	// The transaction is still running, so the scope stays open and keeps
	// collecting registrations.
	got, err := m.Get(ctx, ts.ID)
	require.NoError(t, err)
	require.Equal(t, compensation.StateActive, got.State)
	require.Empty(t, got.SubscriptionIDs)
	register(t, m, ts.ID, "book-car", "cancel-car")
}

func TestTriggerRejectsCancelledScope(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	ts, err := m.Open(ctx, "pi-1", "ex-1", "book-trip", "sc-1")
	require.NoError(t, err)
	_, err = m.Cancel(ctx, ts.ID, false, nil)
	require.NoError(t, err)
	_, err = m.Trigger(ctx, ts.ID, func(_ context.Context, _ *subscription.Subscription) error { return nil })
	require.Equal(t, engine.KindConflict, engine.KindOf(err))
}

func TestTriggerRequiresHandler(t *testing.T) {
	t.Parallel()
	m, _ := newManager(t)
	ctx := context.Background()

	ts, err := m.Open(ctx, "pi-1", "ex-1", "book-trip", "sc-1")
	require.NoError(t, err)
	done, err := m.Complete(ctx, ts.ID)
	require.NoError(t, err)

	_, err = m.Trigger(ctx, done.ID, nil)
	require.Equal(t, engine.KindValidation, engine.KindOf(err))
}
