// Package nats publishes lifecycle events to NATS subjects. Each topic maps
// to one subject under a configurable prefix, so consumers can use NATS
// wildcards to follow a slice of the lifecycle. Core NATS delivery is
// at-most-once; pair the outbox publisher with the Pulse bus when consumers
// need acked delivery.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	natsio "github.com/nats-io/nats.go"

	"goa.design/flow/runtime/process/outbox"
)

// DefaultSubjectPrefix prefixes every lifecycle subject.
const DefaultSubjectPrefix = "flow."

type (
	// Conn is the slice of *nats.Conn the bus uses.
	Conn interface {
		Publish(subject string, data []byte) error
		ChanSubscribe(subject string, ch chan *natsio.Msg) (*natsio.Subscription, error)
		Drain() error
	}

	// Options configures the bus.
	Options struct {
		// Conn is the NATS connection used to publish. Required.
		Conn Conn
		// SubjectPrefix prefixes every subject. Defaults to
		// DefaultSubjectPrefix.
		SubjectPrefix string
	}

	// Bus implements outbox.Bus on NATS subjects. Safe for concurrent
	// Publish calls.
	Bus struct {
		conn   Conn
		prefix string
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

// NewBus constructs a NATS-backed lifecycle event bus.
func NewBus(opts Options) (*Bus, error) {
	if opts.Conn == nil {
		return nil, errors.New("nats connection is required")
	}
	prefix := opts.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Bus{conn: opts.Conn, prefix: prefix}, nil
}

// Publish implements outbox.Bus. NATS publishes are synchronous and do not
// take a context, so the context is only checked up front.
func (b *Bus) Publish(ctx context.Context, topic string, ev *outbox.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	if ev == nil {
		return errors.New("event is required")
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
	if err := b.conn.Publish(b.prefix+topic, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", b.prefix+topic, err)
	}
	return nil
}

// Close drains the connection so in-flight publishes complete.
func (b *Bus) Close(context.Context) error {
	return b.conn.Drain()
}
