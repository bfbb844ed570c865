package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/task"
)

type (
	taskRepo struct {
		s *Store
	}

	taskRow struct {
		ID           string `bson:"_id"`
		Seq          int64  `bson:"seq"`
		taskDocument `bson:",inline"`
	}

	taskDocument struct {
		ProcessInstanceID string    `bson:"process_instance_id"`
		ExecutionID       string    `bson:"execution_id"`
		ElementID         string    `bson:"element_id"`
		Name              string    `bson:"name"`
		Assignee          string    `bson:"assignee"`
		State             string    `bson:"state"`
		ScopeID           string    `bson:"scope_id"`
		CreateTime        time.Time `bson:"create_time"`
		ClaimTime         time.Time `bson:"claim_time"`
		EndTime           time.Time `bson:"end_time"`
	}
)

func fromTask(t *task.Task) taskDocument {
	return taskDocument{
		ProcessInstanceID: t.ProcessInstanceID,
		ExecutionID:       t.ExecutionID,
		ElementID:         t.ElementID,
		Name:              t.Name,
		Assignee:          t.Assignee,
		State:             string(t.State),
		ScopeID:           t.ScopeID,
		CreateTime:        t.CreateTime.UTC(),
		ClaimTime:         t.ClaimTime.UTC(),
		EndTime:           t.EndTime.UTC(),
	}
}

func (r taskRow) toTask() *task.Task {
	return &task.Task{
		ID:                r.ID,
		ProcessInstanceID: r.ProcessInstanceID,
		ExecutionID:       r.ExecutionID,
		ElementID:         r.ElementID,
		Name:              r.Name,
		Assignee:          r.Assignee,
		State:             task.State(r.State),
		ScopeID:           r.ScopeID,
		CreateTime:        r.CreateTime,
		ClaimTime:         r.ClaimTime,
		EndTime:           r.EndTime,
	}
}

// Create implements task.Repository.
func (r *taskRepo) Create(ctx context.Context, t *task.Task) error {
	seq, err := r.s.nextSeq(ctx, counterRows)
	if err != nil {
		return err
	}
	if _, err := r.s.tasks.InsertOne(ctx, taskRow{ID: t.ID, Seq: seq, taskDocument: fromTask(t)}); err != nil {
		return insertErr(err, "task %s already exists", t.ID)
	}
	return nil
}

// Get implements task.Repository.
func (r *taskRepo) Get(ctx context.Context, id string) (*task.Task, error) {
	var row taskRow
	if err := r.s.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&row); err != nil {
		return nil, loadErr(err, "task %s not found", id)
	}
	return row.toTask(), nil
}

// Update implements task.Repository.
func (r *taskRepo) Update(ctx context.Context, t *task.Task) error {
	res, err := r.s.tasks.UpdateOne(ctx, bson.M{"_id": t.ID}, bson.M{"$set": fromTask(t)})
	if err != nil {
		return engine.Wrap(engine.KindInternal, "update task", err)
	}
	if res.MatchedCount == 0 {
		return engine.Errorf(engine.KindNotFound, "task %s not found", t.ID)
	}
	return nil
}

// Delete implements task.Repository.
func (r *taskRepo) Delete(ctx context.Context, id string) error {
	res, err := r.s.tasks.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return engine.Wrap(engine.KindInternal, "delete task", err)
	}
	if res.DeletedCount == 0 {
		return engine.Errorf(engine.KindNotFound, "task %s not found", id)
	}
	return nil
}

// ByInstance implements task.Repository.
func (r *taskRepo) ByInstance(ctx context.Context, processInstanceID string) ([]*task.Task, error) {
	return r.list(ctx, bson.M{"process_instance_id": processInstanceID}, 0)
}

// List implements task.Repository.
func (r *taskRepo) List(ctx context.Context, filter task.Filter) ([]*task.Task, error) {
	query := bson.M{}
	if filter.ProcessInstanceID != "" {
		query["process_instance_id"] = filter.ProcessInstanceID
	}
	if filter.Assignee != "" {
		query["assignee"] = filter.Assignee
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		query["state"] = bson.M{"$in": states}
	}
	return r.list(ctx, query, filter.Limit)
}

func (r *taskRepo) list(ctx context.Context, query bson.M, limit int) ([]*task.Task, error) {
	opts := options.Find().SetSort(seqAsc)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.s.tasks.Find(ctx, query, opts)
	if err != nil {
		return nil, engine.Wrap(engine.KindInternal, "list tasks", err)
	}
	rows, err := decodeAll[taskRow](ctx, cur, "list tasks")
	if err != nil {
		return nil, err
	}
	out := make([]*task.Task, len(rows))
	for i, row := range rows {
		out[i] = row.toTask()
	}
	return out, nil
}
