package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"goa.design/flow/runtime/process/outbox"
)

func marshalEnvelope(t *testing.T, env envelope) []byte {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func TestNewSubscriberRequiresClient(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{})
	require.EqualError(t, err, "pulse client is required")
}

func TestSubscribeEmitsDeliveries(t *testing.T) {
	sink := &fakeSink{ch: make(chan *streaming.Event, 1)}
	str := &fakeStream{sink: sink}
	client := &fakeClient{stream: str}

	sub, err := NewSubscriber(SubscriberOptions{Client: client, Buffer: 2})
	require.NoError(t, err)

	deliveries, errs, cancel, err := sub.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancel()

	require.Equal(t, []string{DefaultStream}, client.names)
	require.Equal(t, "flow_subscriber", str.sinkName)

	published := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	sink.ch <- &streaming.Event{
		ID:        "1-0",
		EventName: "process.instance.start",
		Payload: marshalEnvelope(t, envelope{
			Type:              string(outbox.ProcessInstanceStart),
			EventID:           "ev-1",
			ProcessInstanceID: "pi-1",
			Seq:               1,
			Timestamp:         published,
			Payload:           json.RawMessage(`{"definition_key":"order"}`),
		}),
	}
	close(sink.ch)

	d := <-deliveries
	require.Equal(t, "process.instance.start", d.Topic)
	require.Equal(t, "ev-1", d.Event.ID)
	require.Equal(t, outbox.ProcessInstanceStart, d.Event.Type)
	require.Equal(t, outbox.StatusPublished, d.Event.Status)
	require.Equal(t, "pi-1", d.Event.ProcessInstanceID)
	require.Equal(t, int64(1), d.Event.Seq)
	require.True(t, published.Equal(d.Event.CreateTime))
	require.JSONEq(t, `{"definition_key":"order"}`, string(d.Event.Payload))
	_, more := <-deliveries
	require.False(t, more)
	require.Empty(t, errs)
	require.Equal(t, []string{"1-0"}, sink.acked)
}

func TestSubscribeFiltersTopics(t *testing.T) {
	sink := &fakeSink{ch: make(chan *streaming.Event, 2)}
	client := &fakeClient{stream: &fakeStream{sink: sink}}

	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	deliveries, errs, cancel, err := sub.Subscribe(context.Background(), "process.instance.end")
	require.NoError(t, err)
	defer cancel()

	sink.ch <- &streaming.Event{
		ID:        "1-0",
		EventName: "process.activity.started",
		Payload: marshalEnvelope(t, envelope{
			Type:    string(outbox.ActivityStarted),
			EventID: "ev-1",
		}),
	}
	sink.ch <- &streaming.Event{
		ID:        "2-0",
		EventName: "process.instance.end",
		Payload: marshalEnvelope(t, envelope{
			Type:    string(outbox.ProcessInstanceEnd),
			EventID: "ev-2",
		}),
	}
	close(sink.ch)

	d := <-deliveries
	require.Equal(t, "process.instance.end", d.Topic)
	require.Equal(t, "ev-2", d.Event.ID)
	_, more := <-deliveries
	require.False(t, more)
	require.Empty(t, errs)
	// The filtered event is acked too so it does not redeliver.
	require.Equal(t, []string{"1-0", "2-0"}, sink.acked)
}

func TestSubscribeDecodeError(t *testing.T) {
	sink := &fakeSink{ch: make(chan *streaming.Event, 1)}
	client := &fakeClient{stream: &fakeStream{sink: sink}}

	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	deliveries, errs, cancel, err := sub.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancel()

	sink.ch <- &streaming.Event{ID: "1-0", EventName: "process.instance.start", Payload: []byte("{not json")}
	close(sink.ch)

	require.Empty(t, deliveries)
	require.ErrorContains(t, <-errs, "pulse decode payload")
}

func TestSubscribeAckError(t *testing.T) {
	sink := &fakeSink{ch: make(chan *streaming.Event, 1), ackErr: errors.New("ack failed")}
	client := &fakeClient{stream: &fakeStream{sink: sink}}

	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	deliveries, errs, cancel, err := sub.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancel()

	sink.ch <- &streaming.Event{
		ID:        "1-0",
		EventName: "process.instance.start",
		Payload:   marshalEnvelope(t, envelope{Type: string(outbox.ProcessInstanceStart), EventID: "ev-1"}),
	}
	close(sink.ch)

	<-deliveries
	require.EqualError(t, <-errs, "pulse ack: ack failed")
}

func TestSubscribeCancelClosesChannels(t *testing.T) {
	sink := &fakeSink{ch: make(chan *streaming.Event)}
	client := &fakeClient{stream: &fakeStream{sink: sink}}

	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	deliveries, errs, cancel, err := sub.Subscribe(context.Background())
	require.NoError(t, err)

	cancel()
	for range deliveries {
	}
	for range errs {
	}
	require.True(t, sink.closed)
}
