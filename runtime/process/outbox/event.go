// Package outbox implements the transactional lifecycle event log. Every
// state transition appends exactly one row in the same transaction that
// mutated core state; a publisher drains the rows to a bus at least once,
// with retries and dead-lettering for rows that keep failing.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/flow/runtime/process/engine"
)

// Type enumerates the lifecycle event types.
type Type string

const (
	ProcessInstanceStart     Type = "PROCESS_INSTANCE_START"
	ProcessInstanceEnd       Type = "PROCESS_INSTANCE_END"
	ProcessInstanceCancelled Type = "PROCESS_INSTANCE_CANCELLED"
	ProcessInstanceSuspended Type = "PROCESS_INSTANCE_SUSPENDED"
	ProcessInstanceResumed   Type = "PROCESS_INSTANCE_RESUMED"
	ActivityStarted          Type = "ACTIVITY_STARTED"
	ActivityCompleted        Type = "ACTIVITY_COMPLETED"
	ActivityCancelled        Type = "ACTIVITY_CANCELLED"
	TaskCreated              Type = "TASK_CREATED"
	TaskClaimed              Type = "TASK_CLAIMED"
	TaskCompleted            Type = "TASK_COMPLETED"
	VariableSet              Type = "VARIABLE_SET"
	SignalReceived           Type = "SIGNAL_RECEIVED"
	MessageReceived          Type = "MESSAGE_RECEIVED"
	TimerFired               Type = "TIMER_FIRED"
	ErrorThrown              Type = "ERROR_THROWN"
	IncidentRaised           Type = "INCIDENT_RAISED"
	IncidentResolved         Type = "INCIDENT_RESOLVED"
	CompensationTriggered    Type = "COMPENSATION_TRIGGERED"
	CompensationCompleted    Type = "COMPENSATION_COMPLETED"
	CompensationFailed       Type = "COMPENSATION_FAILED"
	TransactionCompleted     Type = "TRANSACTION_COMPLETED"
	TransactionCancelled     Type = "TRANSACTION_CANCELLED"
	Custom                   Type = "CUSTOM"
)

// Status is the delivery state of an outbox row.
type Status string

const (
	// StatusPending rows await the publisher.
	StatusPending Status = "PENDING"
	// StatusPublished rows were accepted by the bus.
	StatusPublished Status = "PUBLISHED"
	// StatusProcessed rows were fully dispatched; the janitor may delete
	// them after the retention window.
	StatusProcessed Status = "PROCESSED"
	// StatusFailed rows await the retry loop, or are dead letters once
	// their retry budget is spent.
	StatusFailed Status = "FAILED"
)

// TopicUnknown is the fallback topic for unmapped event types.
const TopicUnknown = "event.unknown"

var topics = map[Type]string{
	ProcessInstanceStart:     "process.instance.start",
	ProcessInstanceEnd:       "process.instance.end",
	ProcessInstanceCancelled: "process.instance.cancelled",
	ProcessInstanceSuspended: "process.instance.suspended",
	ProcessInstanceResumed:   "process.instance.resumed",
	ActivityStarted:          "process.activity.started",
	ActivityCompleted:        "process.activity.completed",
	ActivityCancelled:        "process.activity.cancelled",
	TaskCreated:              "process.task.created",
	TaskClaimed:              "process.task.claimed",
	TaskCompleted:            "process.task.completed",
	VariableSet:              "process.variable.set",
	SignalReceived:           "process.signal.received",
	MessageReceived:          "process.message.received",
	TimerFired:               "process.timer.fired",
	ErrorThrown:              "process.error.thrown",
	IncidentRaised:           "process.incident.raised",
	IncidentResolved:         "process.incident.resolved",
	CompensationTriggered:    "process.compensation.triggered",
	CompensationCompleted:    "process.compensation.completed",
	CompensationFailed:       "process.compensation.failed",
	TransactionCompleted:     "process.transaction.completed",
	TransactionCancelled:     "process.transaction.cancelled",
}

// Topic resolves the bus topic for the event type. Custom events route by
// their event code; anything unmapped falls back to TopicUnknown.
func (t Type) Topic(eventCode string) string {
	if t == Custom {
		if eventCode == "" {
			return TopicUnknown
		}
		return "custom." + eventCode
	}
	if topic, ok := topics[t]; ok {
		return topic
	}
	return TopicUnknown
}

type (
	// Event is one outbox row.
	Event struct {
		ID     string
		Type   Type
		Status Status
		// Correlation IDs; set whichever apply.
		ProcessInstanceID string
		ExecutionID       string
		ActivityID        string
		TaskID            string
		// EventCode routes Custom events to their topic.
		EventCode string
		Payload   json.RawMessage
		// Seq breaks ties between rows appended at the same instant. The
		// repository assigns it monotonically.
		Seq          int64
		RetryCount   int
		MaxRetries   int
		ErrorMessage string
		CreateTime   time.Time
		UpdateTime   time.Time
		// ProcessedTime is set when the row reaches StatusProcessed.
		ProcessedTime time.Time
	}

	// Repository persists outbox rows. Pending order is (CreateTime, Seq)
	// ascending everywhere, which is what preserves per-instance event
	// order through the publisher.
	Repository interface {
		// Append inserts a row and assigns its Seq.
		Append(ctx context.Context, ev *Event) error
		Get(ctx context.Context, id string) (*Event, error)
		ListPending(ctx context.Context, limit int) ([]*Event, error)
		MarkPublished(ctx context.Context, id string, now time.Time) error
		MarkProcessed(ctx context.Context, id string, now time.Time) error
		// MarkFailed records the error and increments the retry count.
		MarkFailed(ctx context.Context, id, errorMessage string, now time.Time) error
		// ResetFailed flips FAILED rows with retry budget left back to
		// PENDING and returns how many it flipped.
		ResetFailed(ctx context.Context, limit int, now time.Time) (int, error)
		// DeadLetters returns FAILED rows whose retry budget is spent.
		DeadLetters(ctx context.Context, limit int) ([]*Event, error)
		// DeleteProcessedBefore removes PROCESSED rows older than cutoff.
		DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int, error)
		ByInstance(ctx context.Context, processInstanceID string) ([]*Event, error)
	}
)

// DeadLettered reports whether the row is FAILED with no retries left.
func (e *Event) DeadLettered() bool {
	return e.Status == StatusFailed && e.RetryCount >= e.MaxRetries
}

// MarshalPayload encodes an event payload.
func MarshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, engine.Wrap(engine.KindInternal, "encode event payload", err)
	}
	return data, nil
}
