package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/flow/features/bus/pulse/clients/pulse"
	"goa.design/flow/runtime/process/outbox"
)

type (
	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// Stream is the stream to read. Defaults to DefaultStream.
		Stream string
		// SinkName identifies the Pulse consumer group. Defaults to
		// "flow_subscriber".
		SinkName string
		// Buffer specifies the delivery channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes lifecycle events from a Pulse stream. It wraps a
	// Pulse sink (consumer group) and decodes incoming envelopes back into
	// outbox events.
	Subscriber struct {
		client clientspulse.Client
		stream string
		name   string
		buffer int
	}

	// Delivery is one consumed lifecycle event together with the topic it
	// was published under.
	Delivery struct {
		Topic string
		Event *outbox.Event
	}
)

// NewSubscriber constructs a Pulse-backed subscriber. The Client field in
// opts is required; Stream, SinkName, and Buffer default to sensible values
// if not provided (see SubscriberOptions field documentation).
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	stream := opts.Stream
	if stream == "" {
		stream = DefaultStream
	}
	name := opts.SinkName
	if name == "" {
		name = "flow_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{
		client: opts.Client,
		stream: stream,
		name:   name,
		buffer: buffer,
	}, nil
}

// Subscribe opens a Pulse sink on the configured stream and returns channels
// for deliveries and errors. It spawns a goroutine that consumes from the
// sink, decodes envelopes, and emits deliveries. When topics are given, only
// events published under one of them are delivered; the rest are acked and
// skipped. The returned cancel function stops consumption, closes the sink,
// and closes both channels.
//
// Usage:
//
//	deliveries, errs, cancel, err := sub.Subscribe(ctx, "process.instance.end")
//	defer cancel()
//	for d := range deliveries {
//	    // process d.Event
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	topics ...string,
) (<-chan Delivery, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(s.stream)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, nil, nil, err
	}
	var want map[string]struct{}
	if len(topics) > 0 {
		want = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			want[t] = struct{}{}
		}
	}
	deliveries := make(chan Delivery, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, want, deliveries, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return deliveries, errs, cancelFunc, nil
}

// consume reads events from the Pulse sink channel, decodes them, and emits
// them on the out channel. Events outside the topic filter are acked and
// dropped. Each delivered event is acked after successful emission. Closes
// both channels when ctx is canceled or when the sink channel closes. Sends
// errors on the errs channel if decoding or acking fails, then returns.
func (s *Subscriber) consume(
	ctx context.Context,
	sink clientspulse.Sink,
	want map[string]struct{},
	out chan<- Delivery,
	errs chan<- error,
) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if want != nil {
				if _, match := want[evt.EventName]; !match {
					if ackErr := sink.Ack(ctx, evt); ackErr != nil {
						errs <- fmt.Errorf("pulse ack: %w", ackErr)
						return
					}
					continue
				}
			}
			ev, err := decodeEnvelope(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- Delivery{Topic: evt.EventName, Event: ev}:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEnvelope deserializes the JSON envelope back into an outbox event.
// Consumed events carry StatusPublished; the envelope timestamp stands in
// for the create time. Returns an error if the payload is malformed.
func decodeEnvelope(payload []byte) (*outbox.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	return &outbox.Event{
		ID:                env.EventID,
		Type:              outbox.Type(env.Type),
		Status:            outbox.StatusPublished,
		ProcessInstanceID: env.ProcessInstanceID,
		ExecutionID:       env.ExecutionID,
		ActivityID:        env.ActivityID,
		TaskID:            env.TaskID,
		EventCode:         env.EventCode,
		Payload:           env.Payload,
		Seq:               env.Seq,
		CreateTime:        env.Timestamp,
	}, nil
}
