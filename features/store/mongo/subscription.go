package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/subscription"
)

type (
	subscriptionRepo struct {
		s *Store
	}

	subscriptionRow struct {
		ID                   string `bson:"_id"`
		Seq                  int64  `bson:"seq"`
		subscriptionDocument `bson:",inline"`
	}

	subscriptionDocument struct {
		ProcessInstanceID string         `bson:"process_instance_id"`
		ExecutionID       string         `bson:"execution_id"`
		ActivityID        string         `bson:"activity_id"`
		Kind              string         `bson:"kind"`
		EventName         string         `bson:"event_name"`
		Config            configDocument `bson:"config"`
		CreateTime        time.Time      `bson:"create_time"`
	}

	configDocument struct {
		DueTime           time.Time `bson:"due_time"`
		Repeats           int       `bson:"repeats"`
		Expression        string    `bson:"expression"`
		LastState         bool      `bson:"last_state"`
		ScopeID           string    `bson:"scope_id"`
		HandlerActivityID string    `bson:"handler_activity_id"`
		CorrelationKey    string    `bson:"correlation_key"`
	}
)

func fromSubscription(sub *subscription.Subscription) subscriptionDocument {
	return subscriptionDocument{
		ProcessInstanceID: sub.ProcessInstanceID,
		ExecutionID:       sub.ExecutionID,
		ActivityID:        sub.ActivityID,
		Kind:              string(sub.Kind),
		EventName:         sub.EventName,
		Config: configDocument{
			DueTime:           sub.Config.DueTime.UTC(),
			Repeats:           sub.Config.Repeats,
			Expression:        sub.Config.Expression,
			LastState:         sub.Config.LastState,
			ScopeID:           sub.Config.ScopeID,
			HandlerActivityID: sub.Config.HandlerActivityID,
			CorrelationKey:    sub.Config.CorrelationKey,
		},
		CreateTime: sub.CreateTime.UTC(),
	}
}

func (r subscriptionRow) toSubscription() *subscription.Subscription {
	return &subscription.Subscription{
		ID:                r.ID,
		ProcessInstanceID: r.ProcessInstanceID,
		ExecutionID:       r.ExecutionID,
		ActivityID:        r.ActivityID,
		Kind:              subscription.Kind(r.Kind),
		EventName:         r.EventName,
		Config: subscription.Config{
			DueTime:           r.Config.DueTime,
			Repeats:           r.Config.Repeats,
			Expression:        r.Config.Expression,
			LastState:         r.Config.LastState,
			ScopeID:           r.Config.ScopeID,
			HandlerActivityID: r.Config.HandlerActivityID,
			CorrelationKey:    r.Config.CorrelationKey,
		},
		CreateTime: r.CreateTime,
	}
}

// Create implements subscription.Repository.
func (r *subscriptionRepo) Create(ctx context.Context, sub *subscription.Subscription) error {
	seq, err := r.s.nextSeq(ctx, counterRows)
	if err != nil {
		return err
	}
	if _, err := r.s.subscriptions.InsertOne(ctx, subscriptionRow{ID: sub.ID, Seq: seq, subscriptionDocument: fromSubscription(sub)}); err != nil {
		return insertErr(err, "subscription %s already exists", sub.ID)
	}
	return nil
}

// Get implements subscription.Repository.
func (r *subscriptionRepo) Get(ctx context.Context, id string) (*subscription.Subscription, error) {
	var row subscriptionRow
	if err := r.s.subscriptions.FindOne(ctx, bson.M{"_id": id}).Decode(&row); err != nil {
		return nil, loadErr(err, "subscription %s not found", id)
	}
	return row.toSubscription(), nil
}

// Update implements subscription.Repository.
func (r *subscriptionRepo) Update(ctx context.Context, sub *subscription.Subscription) error {
	res, err := r.s.subscriptions.UpdateOne(ctx, bson.M{"_id": sub.ID}, bson.M{"$set": fromSubscription(sub)})
	if err != nil {
		return engine.Wrap(engine.KindInternal, "update subscription", err)
	}
	if res.MatchedCount == 0 {
		return engine.Errorf(engine.KindNotFound, "subscription %s not found", sub.ID)
	}
	return nil
}

// Delete implements subscription.Repository.
func (r *subscriptionRepo) Delete(ctx context.Context, id string) error {
	res, err := r.s.subscriptions.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return engine.Wrap(engine.KindInternal, "delete subscription", err)
	}
	if res.DeletedCount == 0 {
		return engine.Errorf(engine.KindNotFound, "subscription %s not found", id)
	}
	return nil
}

// DeleteByExecution implements subscription.Repository.
func (r *subscriptionRepo) DeleteByExecution(ctx context.Context, executionID string) error {
	if _, err := r.s.subscriptions.DeleteMany(ctx, bson.M{"execution_id": executionID}); err != nil {
		return engine.Wrap(engine.KindInternal, "delete execution subscriptions", err)
	}
	return nil
}

// DeleteByInstance implements subscription.Repository.
func (r *subscriptionRepo) DeleteByInstance(ctx context.Context, processInstanceID string) error {
	if _, err := r.s.subscriptions.DeleteMany(ctx, bson.M{"process_instance_id": processInstanceID}); err != nil {
		return engine.Wrap(engine.KindInternal, "delete instance subscriptions", err)
	}
	return nil
}

// ByInstance implements subscription.Repository.
func (r *subscriptionRepo) ByInstance(ctx context.Context, processInstanceID string) ([]*subscription.Subscription, error) {
	return r.list(ctx, bson.M{"process_instance_id": processInstanceID}, options.Find().SetSort(seqAsc))
}

// ByExecution implements subscription.Repository.
func (r *subscriptionRepo) ByExecution(ctx context.Context, executionID string) ([]*subscription.Subscription, error) {
	return r.list(ctx, bson.M{"execution_id": executionID}, options.Find().SetSort(seqAsc))
}

// ByName implements subscription.Repository.
func (r *subscriptionRepo) ByName(ctx context.Context, kind subscription.Kind, eventName string) ([]*subscription.Subscription, error) {
	return r.list(ctx, bson.M{"kind": string(kind), "event_name": eventName}, options.Find().SetSort(seqAsc))
}

// ByKind implements subscription.Repository.
func (r *subscriptionRepo) ByKind(ctx context.Context, processInstanceID string, kind subscription.Kind) ([]*subscription.Subscription, error) {
	return r.list(ctx, bson.M{"process_instance_id": processInstanceID, "kind": string(kind)}, options.Find().SetSort(seqAsc))
}

// Due implements subscription.Repository.
func (r *subscriptionRepo) Due(ctx context.Context, now time.Time, limit int) ([]*subscription.Subscription, error) {
	query := bson.M{
		"kind":            string(subscription.KindTimer),
		"config.due_time": bson.M{"$lte": now.UTC()},
	}
	opts := options.Find().SetSort(bson.D{{Key: "config.due_time", Value: 1}, {Key: "seq", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return r.list(ctx, query, opts)
}

func (r *subscriptionRepo) list(ctx context.Context, query bson.M, opts *options.FindOptions) ([]*subscription.Subscription, error) {
	cur, err := r.s.subscriptions.Find(ctx, query, opts)
	if err != nil {
		return nil, engine.Wrap(engine.KindInternal, "list subscriptions", err)
	}
	rows, err := decodeAll[subscriptionRow](ctx, cur, "list subscriptions")
	if err != nil {
		return nil, err
	}
	out := make([]*subscription.Subscription, len(rows))
	for i, row := range rows {
		out[i] = row.toSubscription()
	}
	return out, nil
}
