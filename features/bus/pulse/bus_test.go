package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/flow/features/bus/pulse/clients/pulse"
	"goa.design/flow/runtime/process/outbox"
)

type fakeAdd struct {
	event   string
	payload []byte
}

type fakeClient struct {
	stream    *fakeStream
	streamErr error
	names     []string
	closed    bool
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	c.names = append(c.names, name)
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	return c.stream, nil
}

func (c *fakeClient) Close(context.Context) error {
	c.closed = true
	return nil
}

type fakeStream struct {
	sink     *fakeSink
	sinkErr  error
	sinkName string
	adds     []fakeAdd
	addErr   error
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.adds = append(s.adds, fakeAdd{event: event, payload: payload})
	if s.addErr != nil {
		return "", s.addErr
	}
	return "1-0", nil
}

func (s *fakeStream) NewSink(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	s.sinkName = name
	if s.sinkErr != nil {
		return nil, s.sinkErr
	}
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

type fakeSink struct {
	ch     chan *streaming.Event
	acked  []string
	ackErr error
	closed bool
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	s.acked = append(s.acked, evt.ID)
	return s.ackErr
}

func (s *fakeSink) Close(context.Context) { s.closed = true }

func TestNewBusRequiresClient(t *testing.T) {
	_, err := NewBus(Options{})
	require.EqualError(t, err, "pulse client is required")
}

func TestPublishAddsEnvelope(t *testing.T) {
	str := &fakeStream{}
	client := &fakeClient{stream: str}
	bus, err := NewBus(Options{Client: client})
	require.NoError(t, err)

	ev := &outbox.Event{
		ID:                "ev-1",
		Type:              outbox.ActivityStarted,
		ProcessInstanceID: "pi-1",
		ExecutionID:       "ex-1",
		ActivityID:        "approve",
		Seq:               7,
		Payload:           json.RawMessage(`{"element":"approve"}`),
	}
	require.NoError(t, bus.Publish(context.Background(), "process.activity.started", ev))

	require.Equal(t, []string{DefaultStream}, client.names)
	require.Len(t, str.adds, 1)
	require.Equal(t, "process.activity.started", str.adds[0].event)

	var env envelope
	require.NoError(t, json.Unmarshal(str.adds[0].payload, &env))
	require.Equal(t, "ACTIVITY_STARTED", env.Type)
	require.Equal(t, "ev-1", env.EventID)
	require.Equal(t, "pi-1", env.ProcessInstanceID)
	require.Equal(t, "ex-1", env.ExecutionID)
	require.Equal(t, "approve", env.ActivityID)
	require.Equal(t, int64(7), env.Seq)
	require.JSONEq(t, `{"element":"approve"}`, string(env.Payload))
	require.WithinDuration(t, time.Now(), env.Timestamp, time.Minute)
}

func TestPublishValidatesInput(t *testing.T) {
	bus, err := NewBus(Options{Client: &fakeClient{stream: &fakeStream{}}})
	require.NoError(t, err)

	err = bus.Publish(context.Background(), "", &outbox.Event{ID: "ev-1"})
	require.EqualError(t, err, "topic is required")
	err = bus.Publish(context.Background(), "process.instance.start", nil)
	require.EqualError(t, err, "event is required")
}

func TestPublishRoutesByStreamName(t *testing.T) {
	str := &fakeStream{}
	client := &fakeClient{stream: str}
	bus, err := NewBus(Options{
		Client:     client,
		StreamName: func(topic string) string { return "flow/" + topic },
	})
	require.NoError(t, err)

	ev := &outbox.Event{ID: "ev-1", Type: outbox.ProcessInstanceStart}
	require.NoError(t, bus.Publish(context.Background(), "process.instance.start", ev))
	require.Equal(t, []string{"flow/process.instance.start"}, client.names)
}

func TestPublishPropagatesAddError(t *testing.T) {
	boom := errors.New("boom")
	client := &fakeClient{stream: &fakeStream{addErr: boom}}
	bus, err := NewBus(Options{Client: client})
	require.NoError(t, err)

	err = bus.Publish(context.Background(), "process.instance.start", &outbox.Event{ID: "ev-1"})
	require.ErrorIs(t, err, boom)
}

func TestBusCloseDelegates(t *testing.T) {
	client := &fakeClient{stream: &fakeStream{}}
	bus, err := NewBus(Options{Client: client})
	require.NoError(t, err)

	require.NoError(t, bus.Close(context.Background()))
	require.True(t, client.closed)
}
