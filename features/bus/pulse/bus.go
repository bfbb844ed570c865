// Package pulse publishes lifecycle events to goa.design/pulse streams.
// All topics share one stream by default, with the topic as the event
// name, so a consumer reading the stream sees events in publish order even
// when they span topics. Override StreamName to shard by topic instead.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	clientspulse "goa.design/flow/features/bus/pulse/clients/pulse"
	"goa.design/flow/runtime/process/outbox"
)

// DefaultStream is the stream all topics map to unless StreamName says
// otherwise.
const DefaultStream = "flow/lifecycle"

type (
	// Options configures the bus.
	Options struct {
		// Client is the Pulse client used to publish. Required.
		Client clientspulse.Client
		// StreamName derives the target stream from a topic. Defaults to
		// DefaultStream for every topic.
		StreamName func(topic string) string
	}

	// Bus implements outbox.Bus on Pulse streams. Safe for concurrent
	// Publish calls.
	Bus struct {
		client     clientspulse.Client
		streamName func(topic string) string
	}

	// envelope is the wire form of a lifecycle event.
	envelope struct {
		Type              string          `json:"type"`
		EventID           string          `json:"event_id"`
		ProcessInstanceID string          `json:"process_instance_id,omitempty"`
		ExecutionID       string          `json:"execution_id,omitempty"`
		ActivityID        string          `json:"activity_id,omitempty"`
		TaskID            string          `json:"task_id,omitempty"`
		EventCode         string          `json:"event_code,omitempty"`
		Seq               int64           `json:"seq"`
		Timestamp         time.Time       `json:"timestamp"`
		Payload           json.RawMessage `json:"payload,omitempty"`
	}
)

// NewBus constructs a Pulse-backed lifecycle event bus.
func NewBus(opts Options) (*Bus, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamName := opts.StreamName
	if streamName == nil {
		streamName = func(string) string { return DefaultStream }
	}
	return &Bus{client: opts.Client, streamName: streamName}, nil
}

// Publish implements outbox.Bus.
func (b *Bus) Publish(ctx context.Context, topic string, ev *outbox.Event) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if ev == nil {
		return errors.New("event is required")
	}
	handle, err := b.client.Stream(b.streamName(topic))
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope{
		Type:              string(ev.Type),
		EventID:           ev.ID,
		ProcessInstanceID: ev.ProcessInstanceID,
		ExecutionID:       ev.ExecutionID,
		ActivityID:        ev.ActivityID,
		TaskID:            ev.TaskID,
		EventCode:         ev.EventCode,
		Seq:               ev.Seq,
		Timestamp:         time.Now().UTC(),
		Payload:           ev.Payload,
	})
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, topic, data); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the bus.
func (b *Bus) Close(ctx context.Context) error {
	return b.client.Close(ctx)
}
