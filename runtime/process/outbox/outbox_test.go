package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/flow/runtime/process/clock"
	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/outbox"
	"goa.design/flow/runtime/process/store/inmem"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type (
	busCall struct {
		topic string
		id    string
	}

	fakeBus struct {
		mu    sync.Mutex
		calls []busCall
		fail  map[string]error
	}
)

func (b *fakeBus) Publish(_ context.Context, topic string, ev *outbox.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail[topic]; err != nil {
		return err
	}
	b.calls = append(b.calls, busCall{topic: topic, id: ev.ID})
	return nil
}

func (b *fakeBus) published() []busCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]busCall, len(b.calls))
	copy(out, b.calls)
	return out
}

func TestTopicResolution(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		typ  outbox.Type
		code string
		want string
	}{
		{"instance start", outbox.ProcessInstanceStart, "", "process.instance.start"},
		{"task claimed", outbox.TaskClaimed, "", "process.task.claimed"},
		{"compensation failed", outbox.CompensationFailed, "", "process.compensation.failed"},
		{"custom", outbox.Custom, "order.shipped", "custom.order.shipped"},
		{"custom without code", outbox.Custom, "", "event.unknown"},
		{"unmapped", outbox.Type("BOGUS"), "", "event.unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, tc.typ.Topic(tc.code))
		})
	}
}

func TestAppenderStampsRows(t *testing.T) {
	t.Parallel()
	st := inmem.New()
	clk := clock.NewFake(testTime)
	app := outbox.NewAppender(clk, 3)
	ctx := context.Background()

	ev := &outbox.Event{Type: outbox.ActivityStarted, ProcessInstanceID: "pi-1", ActivityID: "approve"}
	require.NoError(t, app.Append(ctx, st.Outbox(), ev))

	require.NotEmpty(t, ev.ID)
	require.Equal(t, outbox.StatusPending, ev.Status)
	require.Equal(t, testTime, ev.CreateTime)
	require.Equal(t, testTime, ev.UpdateTime)
	require.Equal(t, 3, ev.MaxRetries)
	require.Equal(t, int64(1), ev.Seq)

	stored, err := st.Outbox().Get(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, "pi-1", stored.ProcessInstanceID)
}

func TestAppenderRejectsMissingType(t *testing.T) {
	t.Parallel()
	app := outbox.NewAppender(clock.NewFake(testTime), 0)
	err := app.Append(context.Background(), inmem.New().Outbox(), &outbox.Event{})
	require.Equal(t, engine.KindValidation, engine.KindOf(err))
}

func TestPublisherPass(t *testing.T) {
	t.Parallel()
	st := inmem.New()
	clk := clock.NewFake(testTime)
	app := outbox.NewAppender(clk, 0)
	bus := &fakeBus{}
	pub, err := outbox.NewPublisher(outbox.PublisherOptions{Repo: st.Outbox(), Bus: bus, Clock: clk})
	require.NoError(t, err)
	ctx := context.Background()

	types := []outbox.Type{outbox.ProcessInstanceStart, outbox.ActivityStarted, outbox.TaskCreated}
	for _, typ := range types {
		require.NoError(t, app.Append(ctx, st.Outbox(), &outbox.Event{Type: typ, ProcessInstanceID: "pi-1"}))
	}

	n, err := pub.Pass(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	calls := bus.published()
	require.Len(t, calls, 3)
	require.Equal(t, "process.instance.start", calls[0].topic)
	require.Equal(t, "process.activity.started", calls[1].topic)
	require.Equal(t, "process.task.created", calls[2].topic)

	pending, err := st.Outbox().ListPending(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, pending)
	rows, err := st.Outbox().ByInstance(ctx, "pi-1")
	require.NoError(t, err)
	for _, row := range rows {
		require.Equal(t, outbox.StatusPublished, row.Status)
	}
}

func TestPublisherMarkProcessed(t *testing.T) {
	t.Parallel()
	st := inmem.New()
	clk := clock.NewFake(testTime)
	bus := &fakeBus{}
	pub, err := outbox.NewPublisher(outbox.PublisherOptions{Repo: st.Outbox(), Bus: bus, Clock: clk, MarkProcessed: true})
	require.NoError(t, err)
	ctx := context.Background()

	app := outbox.NewAppender(clk, 0)
	ev := &outbox.Event{Type: outbox.ProcessInstanceEnd, ProcessInstanceID: "pi-1"}
	require.NoError(t, app.Append(ctx, st.Outbox(), ev))

	_, err = pub.Pass(ctx)
	require.NoError(t, err)
	got, err := st.Outbox().Get(ctx, ev.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusProcessed, got.Status)
	require.Equal(t, testTime, got.ProcessedTime)
}

func TestPublisherRetryAndDeadLetter(t *testing.T) {
	t.Parallel()
	st := inmem.New()
	clk := clock.NewFake(testTime)
	bus := &fakeBus{fail: map[string]error{"process.signal.received": errors.New("broker down")}}
	pub, err := outbox.NewPublisher(outbox.PublisherOptions{Repo: st.Outbox(), Bus: bus, Clock: clk})
	require.NoError(t, err)
	jan, err := outbox.NewJanitor(outbox.JanitorOptions{Repo: st.Outbox(), Clock: clk})
	require.NoError(t, err)
	ctx := context.Background()

	app := outbox.NewAppender(clk, 2)
	bad := &outbox.Event{Type: outbox.SignalReceived, ProcessInstanceID: "pi-1"}
	good := &outbox.Event{Type: outbox.TimerFired, ProcessInstanceID: "pi-1"}
	require.NoError(t, app.Append(ctx, st.Outbox(), bad))
	require.NoError(t, app.Append(ctx, st.Outbox(), good))

	// First pass: the good row goes out, the bad one records the failure.
	n, err := pub.Pass(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	row, err := st.Outbox().Get(ctx, bad.ID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusFailed, row.Status)
	require.Equal(t, 1, row.RetryCount)
	require.Equal(t, "broker down", row.ErrorMessage)

	// Retry pass reschedules it, the next pass burns the last attempt.
	n, err = pub.RetryPass(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = pub.Pass(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	row, err = st.Outbox().Get(ctx, bad.ID)
	require.NoError(t, err)
	require.True(t, row.DeadLettered())
	n, err = pub.RetryPass(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	dead, err := jan.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, bad.ID, dead[0].ID)
}

func TestPublisherPreservesAppendOrder(t *testing.T) {
	t.Parallel()
	st := inmem.New()
	clk := clock.NewFake(testTime)
	bus := &fakeBus{}
	pub, err := outbox.NewPublisher(outbox.PublisherOptions{Repo: st.Outbox(), Bus: bus, Clock: clk, BatchSize: 2})
	require.NoError(t, err)
	ctx := context.Background()

	// All rows share one CreateTime; Seq alone must keep the order, across
	// batch boundaries too.
	app := outbox.NewAppender(clk, 0)
	var ids []string
	for _, typ := range []outbox.Type{
		outbox.ProcessInstanceStart, outbox.ActivityStarted, outbox.TaskCreated,
		outbox.TaskCompleted, outbox.ActivityCompleted, outbox.ProcessInstanceEnd,
	} {
		ev := &outbox.Event{Type: typ, ProcessInstanceID: "pi-1"}
		require.NoError(t, app.Append(ctx, st.Outbox(), ev))
		ids = append(ids, ev.ID)
	}

	total, err := pub.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 6, total)

	calls := bus.published()
	require.Len(t, calls, 6)
	for i, call := range calls {
		require.Equal(t, ids[i], call.id)
	}
}

func TestDrainStopsWhenNothingPublishes(t *testing.T) {
	t.Parallel()
	st := inmem.New()
	clk := clock.NewFake(testTime)
	bus := &fakeBus{fail: map[string]error{"process.error.thrown": errors.New("broker down")}}
	pub, err := outbox.NewPublisher(outbox.PublisherOptions{Repo: st.Outbox(), Bus: bus, Clock: clk})
	require.NoError(t, err)
	ctx := context.Background()

	app := outbox.NewAppender(clk, 5)
	require.NoError(t, app.Append(ctx, st.Outbox(), &outbox.Event{Type: outbox.ErrorThrown, ProcessInstanceID: "pi-1"}))

	total, err := pub.Drain(ctx)
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestNewPublisherValidation(t *testing.T) {
	t.Parallel()
	st := inmem.New()
	_, err := outbox.NewPublisher(outbox.PublisherOptions{Bus: &fakeBus{}})
	require.Error(t, err)
	_, err = outbox.NewPublisher(outbox.PublisherOptions{Repo: st.Outbox()})
	require.Error(t, err)
}

func TestPublisherStartStop(t *testing.T) {
	t.Parallel()
	st := inmem.New()
	pub, err := outbox.NewPublisher(outbox.PublisherOptions{Repo: st.Outbox(), Bus: &fakeBus{}})
	require.NoError(t, err)

	require.NoError(t, pub.Start(context.Background()))
	require.Error(t, pub.Start(context.Background()))
	pub.Stop()
	pub.Stop()
	require.NoError(t, pub.Start(context.Background()))
	pub.Stop()
}

func TestJanitorPurge(t *testing.T) {
	t.Parallel()
	st := inmem.New()
	clk := clock.NewFake(testTime)
	jan, err := outbox.NewJanitor(outbox.JanitorOptions{Repo: st.Outbox(), Clock: clk, Retention: 24 * time.Hour})
	require.NoError(t, err)
	ctx := context.Background()

	app := outbox.NewAppender(clk, 0)
	old := &outbox.Event{Type: outbox.ProcessInstanceEnd, ProcessInstanceID: "pi-1"}
	require.NoError(t, app.Append(ctx, st.Outbox(), old))
	require.NoError(t, st.Outbox().MarkProcessed(ctx, old.ID, clk.Now()))

	clk.Advance(12 * time.Hour)
	fresh := &outbox.Event{Type: outbox.ProcessInstanceEnd, ProcessInstanceID: "pi-2"}
	require.NoError(t, app.Append(ctx, st.Outbox(), fresh))
	require.NoError(t, st.Outbox().MarkProcessed(ctx, fresh.ID, clk.Now()))

	// Inside the window: nothing to purge yet.
	n, err := jan.Purge(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	clk.Advance(13 * time.Hour)
	n, err = jan.Purge(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = st.Outbox().Get(ctx, old.ID)
	require.Equal(t, engine.KindNotFound, engine.KindOf(err))
	_, err = st.Outbox().Get(ctx, fresh.ID)
	require.NoError(t, err)
}

func TestMarshalPayload(t *testing.T) {
	t.Parallel()
	data, err := outbox.MarshalPayload(outbox.TaskPayload{ElementID: "approve", Assignee: "alice"})
	require.NoError(t, err)
	require.JSONEq(t, `{"elementId":"approve","assignee":"alice"}`, string(data))

	data, err = outbox.MarshalPayload(nil)
	require.NoError(t, err)
	require.Nil(t, data)
}
