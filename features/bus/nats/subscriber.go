package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	natsio "github.com/nats-io/nats.go"

	"goa.design/flow/runtime/process/outbox"
)

type (
	// SubscriberOptions configures a NATS-backed subscriber.
	SubscriberOptions struct {
		// Conn is the NATS connection used to consume events. Required.
		Conn Conn
		// SubjectPrefix prefixes every subject. Defaults to
		// DefaultSubjectPrefix.
		SubjectPrefix string
		// Buffer specifies the delivery channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes lifecycle events from NATS subjects and decodes
	// them back into outbox events.
	Subscriber struct {
		conn   Conn
		prefix string
		buffer int
	}

	// Delivery is one consumed lifecycle event together with the topic it
	// was published under.
	Delivery struct {
		Topic string
		Event *outbox.Event
	}
)

// NewSubscriber constructs a NATS-backed subscriber. The Conn field in opts
// is required; SubjectPrefix and Buffer default to sensible values if not
// provided.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Conn == nil {
		return nil, errors.New("nats connection is required")
	}
	prefix := opts.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{conn: opts.Conn, prefix: prefix, buffer: buffer}, nil
}

// Subscribe opens one subscription per topic, or a wildcard subscription
// covering the whole prefix when no topics are given, and returns channels
// for deliveries and errors. It spawns a goroutine that decodes incoming
// messages and emits deliveries. The returned cancel function unsubscribes,
// stops consumption, and closes both channels.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	topics ...string,
) (<-chan Delivery, <-chan error, context.CancelFunc, error) {
	subjects := make([]string, 0, len(topics))
	if len(topics) == 0 {
		subjects = append(subjects, s.prefix+">")
	}
	for _, topic := range topics {
		subjects = append(subjects, s.prefix+topic)
	}
	msgs := make(chan *natsio.Msg, s.buffer)
	subs := make([]*natsio.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := s.conn.ChanSubscribe(subject, msgs)
		if err != nil {
			for _, made := range subs {
				made.Unsubscribe()
			}
			return nil, nil, nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	deliveries := make(chan Delivery, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, msgs, deliveries, errs)
	cancelFunc := func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		cancel()
	}
	return deliveries, errs, cancelFunc, nil
}

// consume reads messages from the subscription channel, decodes them, and
// emits them on the out channel. Closes both channels when ctx is canceled.
// Sends the error on the errs channel if decoding fails, then returns.
func (s *Subscriber) consume(ctx context.Context, msgs <-chan *natsio.Msg, out chan<- Delivery, errs chan<- error) {
	defer close(out)
	defer close(errs)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				errs <- fmt.Errorf("nats decode payload: %w", err)
				return
			}
			d := Delivery{
				Topic: strings.TrimPrefix(msg.Subject, s.prefix),
				Event: &outbox.Event{
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
				},
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}
