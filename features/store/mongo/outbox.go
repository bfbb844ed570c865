package mongo

import (
	"context"
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/outbox"
)

type (
	outboxRepo struct {
		s *Store
	}

	// eventRow stores Event.Seq at the top level next to _id; unlike the
	// other rows it is part of the entity, drawn from the outbox counter
	// on append and immutable afterwards.
	eventRow struct {
		ID            string `bson:"_id"`
		Seq           int64  `bson:"seq"`
		eventDocument `bson:",inline"`
	}

	eventDocument struct {
		Type              string    `bson:"type"`
		Status            string    `bson:"status"`
		ProcessInstanceID string    `bson:"process_instance_id"`
		ExecutionID       string    `bson:"execution_id"`
		ActivityID        string    `bson:"activity_id"`
		TaskID            string    `bson:"task_id"`
		EventCode         string    `bson:"event_code"`
		Payload           []byte    `bson:"payload"`
		RetryCount        int       `bson:"retry_count"`
		MaxRetries        int       `bson:"max_retries"`
		ErrorMessage      string    `bson:"error_message"`
		CreateTime        time.Time `bson:"create_time"`
		UpdateTime        time.Time `bson:"update_time"`
		ProcessedTime     time.Time `bson:"processed_time"`
	}
)

// pendingAsc is the canonical outbox order.
var pendingAsc = bson.D{{Key: "create_time", Value: 1}, {Key: "seq", Value: 1}}

func fromEvent(ev *outbox.Event) eventDocument {
	return eventDocument{
		Type:              string(ev.Type),
		Status:            string(ev.Status),
		ProcessInstanceID: ev.ProcessInstanceID,
		ExecutionID:       ev.ExecutionID,
		ActivityID:        ev.ActivityID,
		TaskID:            ev.TaskID,
		EventCode:         ev.EventCode,
		Payload:           append([]byte(nil), ev.Payload...),
		RetryCount:        ev.RetryCount,
		MaxRetries:        ev.MaxRetries,
		ErrorMessage:      ev.ErrorMessage,
		CreateTime:        ev.CreateTime.UTC(),
		UpdateTime:        ev.UpdateTime.UTC(),
		ProcessedTime:     ev.ProcessedTime.UTC(),
	}
}

func (r eventRow) toEvent() *outbox.Event {
	return &outbox.Event{
		ID:                r.ID,
		Type:              outbox.Type(r.Type),
		Status:            outbox.Status(r.Status),
		ProcessInstanceID: r.ProcessInstanceID,
		ExecutionID:       r.ExecutionID,
		ActivityID:        r.ActivityID,
		TaskID:            r.TaskID,
		EventCode:         r.EventCode,
		Payload:           json.RawMessage(append([]byte(nil), r.Payload...)),
		Seq:               r.Seq,
		RetryCount:        r.RetryCount,
		MaxRetries:        r.MaxRetries,
		ErrorMessage:      r.ErrorMessage,
		CreateTime:        r.CreateTime,
		UpdateTime:        r.UpdateTime,
		ProcessedTime:     r.ProcessedTime,
	}
}

// Append implements outbox.Repository.
func (r *outboxRepo) Append(ctx context.Context, ev *outbox.Event) error {
	if ev.ID == "" {
		return engine.Errorf(engine.KindValidation, "event id is required")
	}
	seq, err := r.s.nextSeq(ctx, counterOutbox)
	if err != nil {
		return err
	}
	ev.Seq = seq
	if _, err := r.s.events.InsertOne(ctx, eventRow{ID: ev.ID, Seq: seq, eventDocument: fromEvent(ev)}); err != nil {
		return insertErr(err, "event %s already exists", ev.ID)
	}
	return nil
}

// Get implements outbox.Repository.
func (r *outboxRepo) Get(ctx context.Context, id string) (*outbox.Event, error) {
	var row eventRow
	if err := r.s.events.FindOne(ctx, bson.M{"_id": id}).Decode(&row); err != nil {
		return nil, loadErr(err, "event %s not found", id)
	}
	return row.toEvent(), nil
}

// ListPending implements outbox.Repository.
func (r *outboxRepo) ListPending(ctx context.Context, limit int) ([]*outbox.Event, error) {
	return r.list(ctx, bson.M{"status": string(outbox.StatusPending)}, limit)
}

// MarkPublished implements outbox.Repository.
func (r *outboxRepo) MarkPublished(ctx context.Context, id string, now time.Time) error {
	return r.mark(ctx, id, bson.M{"$set": bson.M{
		"status":      string(outbox.StatusPublished),
		"update_time": now.UTC(),
	}})
}

// MarkProcessed implements outbox.Repository.
func (r *outboxRepo) MarkProcessed(ctx context.Context, id string, now time.Time) error {
	return r.mark(ctx, id, bson.M{"$set": bson.M{
		"status":         string(outbox.StatusProcessed),
		"update_time":    now.UTC(),
		"processed_time": now.UTC(),
	}})
}

// MarkFailed implements outbox.Repository.
func (r *outboxRepo) MarkFailed(ctx context.Context, id, errorMessage string, now time.Time) error {
	return r.mark(ctx, id, bson.M{
		"$set": bson.M{
			"status":        string(outbox.StatusFailed),
			"error_message": errorMessage,
			"update_time":   now.UTC(),
		},
		"$inc": bson.M{"retry_count": 1},
	})
}

func (r *outboxRepo) mark(ctx context.Context, id string, update bson.M) error {
	res, err := r.s.events.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return engine.Wrap(engine.KindInternal, "update event", err)
	}
	if res.MatchedCount == 0 {
		return engine.Errorf(engine.KindNotFound, "event %s not found", id)
	}
	return nil
}

// ResetFailed implements outbox.Repository. The retryable rows are read
// first because the limit applies in outbox order; the flip then targets
// their IDs.
func (r *outboxRepo) ResetFailed(ctx context.Context, limit int, now time.Time) (int, error) {
	rows, err := r.list(ctx, bson.M{
		"status": string(outbox.StatusFailed),
		"$expr":  bson.M{"$lt": bson.A{"$retry_count", "$max_retries"}},
	}, limit)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	ids := make([]string, len(rows))
	for i, ev := range rows {
		ids[i] = ev.ID
	}
	if _, err := r.s.events.UpdateMany(ctx, bson.M{"_id": bson.M{"$in": ids}}, bson.M{"$set": bson.M{
		"status":      string(outbox.StatusPending),
		"update_time": now.UTC(),
	}}); err != nil {
		return 0, engine.Wrap(engine.KindInternal, "reset failed events", err)
	}
	return len(ids), nil
}

// DeadLetters implements outbox.Repository.
func (r *outboxRepo) DeadLetters(ctx context.Context, limit int) ([]*outbox.Event, error) {
	return r.list(ctx, bson.M{
		"status": string(outbox.StatusFailed),
		"$expr":  bson.M{"$gte": bson.A{"$retry_count", "$max_retries"}},
	}, limit)
}

// DeleteProcessedBefore implements outbox.Repository.
func (r *outboxRepo) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.s.events.DeleteMany(ctx, bson.M{
		"status":         string(outbox.StatusProcessed),
		"processed_time": bson.M{"$lt": cutoff.UTC()},
	})
	if err != nil {
		return 0, engine.Wrap(engine.KindInternal, "delete processed events", err)
	}
	return int(res.DeletedCount), nil
}

// ByInstance implements outbox.Repository.
func (r *outboxRepo) ByInstance(ctx context.Context, processInstanceID string) ([]*outbox.Event, error) {
	return r.list(ctx, bson.M{"process_instance_id": processInstanceID}, 0)
}

func (r *outboxRepo) list(ctx context.Context, query bson.M, limit int) ([]*outbox.Event, error) {
	opts := options.Find().SetSort(pendingAsc)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.s.events.Find(ctx, query, opts)
	if err != nil {
		return nil, engine.Wrap(engine.KindInternal, "list events", err)
	}
	rows, err := decodeAll[eventRow](ctx, cur, "list events")
	if err != nil {
		return nil, err
	}
	out := make([]*outbox.Event, len(rows))
	for i, row := range rows {
		out[i] = row.toEvent()
	}
	return out, nil
}
