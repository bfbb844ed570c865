package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/history"
)

type (
	histProcRepo struct {
		s *Store
	}

	histActRepo struct {
		s *Store
	}

	histTaskRepo struct {
		s *Store
	}

	histProcRow struct {
		ID              string `bson:"_id"`
		Seq             int64  `bson:"seq"`
		histProcDocument `bson:",inline"`
	}

	histProcDocument struct {
		DefinitionID  string    `bson:"definition_id"`
		DefinitionKey string    `bson:"definition_key"`
		Version       int       `bson:"version"`
		BusinessKey   string    `bson:"business_key"`
		TenantID      string    `bson:"tenant_id"`
		State         string    `bson:"state"`
		StartTime     time.Time `bson:"start_time"`
		EndTime       time.Time `bson:"end_time"`
	}

	histActRow struct {
		ID              string `bson:"_id"`
		Seq             int64  `bson:"seq"`
		histActDocument `bson:",inline"`
	}

	histActDocument struct {
		ProcessInstanceID string    `bson:"process_instance_id"`
		ExecutionID       string    `bson:"execution_id"`
		ElementID         string    `bson:"element_id"`
		ElementKind       string    `bson:"element_kind"`
		Name              string    `bson:"name"`
		State             string    `bson:"state"`
		StartTime         time.Time `bson:"start_time"`
		EndTime           time.Time `bson:"end_time"`
	}

	histTaskRow struct {
		ID               string `bson:"_id"`
		Seq              int64  `bson:"seq"`
		histTaskDocument `bson:",inline"`
	}

	histTaskDocument struct {
		ProcessInstanceID string    `bson:"process_instance_id"`
		ElementID         string    `bson:"element_id"`
		Name              string    `bson:"name"`
		Assignee          string    `bson:"assignee"`
		State             string    `bson:"state"`
		CreateTime        time.Time `bson:"create_time"`
		ClaimTime         time.Time `bson:"claim_time"`
		EndTime           time.Time `bson:"end_time"`
	}
)

func fromProcessRecord(rec *history.ProcessRecord) histProcDocument {
	return histProcDocument{
		DefinitionID:  rec.DefinitionID,
		DefinitionKey: rec.DefinitionKey,
		Version:       rec.Version,
		BusinessKey:   rec.BusinessKey,
		TenantID:      rec.TenantID,
		State:         rec.State,
		StartTime:     rec.StartTime.UTC(),
		EndTime:       rec.EndTime.UTC(),
	}
}

func (r histProcRow) toProcessRecord() *history.ProcessRecord {
	return &history.ProcessRecord{
		ProcessInstanceID: r.ID,
		DefinitionID:      r.DefinitionID,
		DefinitionKey:     r.DefinitionKey,
		Version:           r.Version,
		BusinessKey:       r.BusinessKey,
		TenantID:          r.TenantID,
		State:             r.State,
		StartTime:         r.StartTime,
		EndTime:           r.EndTime,
	}
}

func fromActivityRecord(rec *history.ActivityRecord) histActDocument {
	return histActDocument{
		ProcessInstanceID: rec.ProcessInstanceID,
		ExecutionID:       rec.ExecutionID,
		ElementID:         rec.ElementID,
		ElementKind:       rec.ElementKind,
		Name:              rec.Name,
		State:             rec.State,
		StartTime:         rec.StartTime.UTC(),
		EndTime:           rec.EndTime.UTC(),
	}
}

func (r histActRow) toActivityRecord() *history.ActivityRecord {
	return &history.ActivityRecord{
		ID:                r.ID,
		ProcessInstanceID: r.ProcessInstanceID,
		ExecutionID:       r.ExecutionID,
		ElementID:         r.ElementID,
		ElementKind:       r.ElementKind,
		Name:              r.Name,
		State:             r.State,
		StartTime:         r.StartTime,
		EndTime:           r.EndTime,
	}
}

func fromTaskRecord(rec *history.TaskRecord) histTaskDocument {
	return histTaskDocument{
		ProcessInstanceID: rec.ProcessInstanceID,
		ElementID:         rec.ElementID,
		Name:              rec.Name,
		Assignee:          rec.Assignee,
		State:             rec.State,
		CreateTime:        rec.CreateTime.UTC(),
		ClaimTime:         rec.ClaimTime.UTC(),
		EndTime:           rec.EndTime.UTC(),
	}
}

func (r histTaskRow) toTaskRecord() *history.TaskRecord {
	return &history.TaskRecord{
		TaskID:            r.ID,
		ProcessInstanceID: r.ProcessInstanceID,
		ElementID:         r.ElementID,
		Name:              r.Name,
		Assignee:          r.Assignee,
		State:             r.State,
		CreateTime:        r.CreateTime,
		ClaimTime:         r.ClaimTime,
		EndTime:           r.EndTime,
	}
}

// Insert implements history.ProcessRepository.
func (r *histProcRepo) Insert(ctx context.Context, rec *history.ProcessRecord) error {
	seq, err := r.s.nextSeq(ctx, counterRows)
	if err != nil {
		return err
	}
	row := histProcRow{ID: rec.ProcessInstanceID, Seq: seq, histProcDocument: fromProcessRecord(rec)}
	if _, err := r.s.histProcs.InsertOne(ctx, row); err != nil {
		return insertErr(err, "process record %s already exists", rec.ProcessInstanceID)
	}
	return nil
}

// Get implements history.ProcessRepository.
func (r *histProcRepo) Get(ctx context.Context, processInstanceID string) (*history.ProcessRecord, error) {
	var row histProcRow
	if err := r.s.histProcs.FindOne(ctx, bson.M{"_id": processInstanceID}).Decode(&row); err != nil {
		return nil, loadErr(err, "process record %s not found", processInstanceID)
	}
	return row.toProcessRecord(), nil
}

// Update implements history.ProcessRepository.
func (r *histProcRepo) Update(ctx context.Context, rec *history.ProcessRecord) error {
	res, err := r.s.histProcs.UpdateOne(ctx, bson.M{"_id": rec.ProcessInstanceID}, bson.M{"$set": fromProcessRecord(rec)})
	if err != nil {
		return engine.Wrap(engine.KindInternal, "update process record", err)
	}
	if res.MatchedCount == 0 {
		return engine.Errorf(engine.KindNotFound, "process record %s not found", rec.ProcessInstanceID)
	}
	return nil
}

// Delete implements history.ProcessRepository.
func (r *histProcRepo) Delete(ctx context.Context, processInstanceID string) error {
	res, err := r.s.histProcs.DeleteOne(ctx, bson.M{"_id": processInstanceID})
	if err != nil {
		return engine.Wrap(engine.KindInternal, "delete process record", err)
	}
	if res.DeletedCount == 0 {
		return engine.Errorf(engine.KindNotFound, "process record %s not found", processInstanceID)
	}
	return nil
}

// List implements history.ProcessRepository.
func (r *histProcRepo) List(ctx context.Context, definitionKey string, limit int) ([]*history.ProcessRecord, error) {
	query := bson.M{}
	if definitionKey != "" {
		query["definition_key"] = definitionKey
	}
	opts := options.Find().SetSort(seqAsc)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.s.histProcs.Find(ctx, query, opts)
	if err != nil {
		return nil, engine.Wrap(engine.KindInternal, "list process records", err)
	}
	rows, err := decodeAll[histProcRow](ctx, cur, "list process records")
	if err != nil {
		return nil, err
	}
	out := make([]*history.ProcessRecord, len(rows))
	for i, row := range rows {
		out[i] = row.toProcessRecord()
	}
	return out, nil
}

// Insert implements history.ActivityRepository.
func (r *histActRepo) Insert(ctx context.Context, rec *history.ActivityRecord) error {
	seq, err := r.s.nextSeq(ctx, counterRows)
	if err != nil {
		return err
	}
	row := histActRow{ID: rec.ID, Seq: seq, histActDocument: fromActivityRecord(rec)}
	if _, err := r.s.histActs.InsertOne(ctx, row); err != nil {
		return insertErr(err, "activity record %s already exists", rec.ID)
	}
	return nil
}

// Update implements history.ActivityRepository.
func (r *histActRepo) Update(ctx context.Context, rec *history.ActivityRecord) error {
	res, err := r.s.histActs.UpdateOne(ctx, bson.M{"_id": rec.ID}, bson.M{"$set": fromActivityRecord(rec)})
	if err != nil {
		return engine.Wrap(engine.KindInternal, "update activity record", err)
	}
	if res.MatchedCount == 0 {
		return engine.Errorf(engine.KindNotFound, "activity record %s not found", rec.ID)
	}
	return nil
}

// Open implements history.ActivityRepository. With several passes through
// the same element the highest seq wins, so sorting descending and taking
// the first row returns the newest open record.
func (r *histActRepo) Open(ctx context.Context, executionID, elementID string) (*history.ActivityRecord, error) {
	query := bson.M{
		"execution_id": executionID,
		"element_id":   elementID,
		"end_time":     time.Time{},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})
	var row histActRow
	if err := r.s.histActs.FindOne(ctx, query, opts).Decode(&row); err != nil {
		return nil, loadErr(err, "no open activity record for execution %s at %s", executionID, elementID)
	}
	return row.toActivityRecord(), nil
}

// ByInstance implements history.ActivityRepository.
func (r *histActRepo) ByInstance(ctx context.Context, processInstanceID string) ([]*history.ActivityRecord, error) {
	cur, err := r.s.histActs.Find(ctx, bson.M{"process_instance_id": processInstanceID}, options.Find().SetSort(seqAsc))
	if err != nil {
		return nil, engine.Wrap(engine.KindInternal, "list activity records", err)
	}
	rows, err := decodeAll[histActRow](ctx, cur, "list activity records")
	if err != nil {
		return nil, err
	}
	out := make([]*history.ActivityRecord, len(rows))
	for i, row := range rows {
		out[i] = row.toActivityRecord()
	}
	return out, nil
}

// DeleteByInstance implements history.ActivityRepository.
func (r *histActRepo) DeleteByInstance(ctx context.Context, processInstanceID string) error {
	if _, err := r.s.histActs.DeleteMany(ctx, bson.M{"process_instance_id": processInstanceID}); err != nil {
		return engine.Wrap(engine.KindInternal, "delete activity records", err)
	}
	return nil
}

// Insert implements history.TaskRepository.
func (r *histTaskRepo) Insert(ctx context.Context, rec *history.TaskRecord) error {
	seq, err := r.s.nextSeq(ctx, counterRows)
	if err != nil {
		return err
	}
	row := histTaskRow{ID: rec.TaskID, Seq: seq, histTaskDocument: fromTaskRecord(rec)}
	if _, err := r.s.histTasks.InsertOne(ctx, row); err != nil {
		return insertErr(err, "task record %s already exists", rec.TaskID)
	}
	return nil
}

// Get implements history.TaskRepository.
func (r *histTaskRepo) Get(ctx context.Context, taskID string) (*history.TaskRecord, error) {
	var row histTaskRow
	if err := r.s.histTasks.FindOne(ctx, bson.M{"_id": taskID}).Decode(&row); err != nil {
		return nil, loadErr(err, "task record %s not found", taskID)
	}
	return row.toTaskRecord(), nil
}

// Update implements history.TaskRepository.
func (r *histTaskRepo) Update(ctx context.Context, rec *history.TaskRecord) error {
	res, err := r.s.histTasks.UpdateOne(ctx, bson.M{"_id": rec.TaskID}, bson.M{"$set": fromTaskRecord(rec)})
	if err != nil {
		return engine.Wrap(engine.KindInternal, "update task record", err)
	}
	if res.MatchedCount == 0 {
		return engine.Errorf(engine.KindNotFound, "task record %s not found", rec.TaskID)
	}
	return nil
}

// ByInstance implements history.TaskRepository.
func (r *histTaskRepo) ByInstance(ctx context.Context, processInstanceID string) ([]*history.TaskRecord, error) {
	cur, err := r.s.histTasks.Find(ctx, bson.M{"process_instance_id": processInstanceID}, options.Find().SetSort(seqAsc))
	if err != nil {
		return nil, engine.Wrap(engine.KindInternal, "list task records", err)
	}
	rows, err := decodeAll[histTaskRow](ctx, cur, "list task records")
	if err != nil {
		return nil, err
	}
	out := make([]*history.TaskRecord, len(rows))
	for i, row := range rows {
		out[i] = row.toTaskRecord()
	}
	return out, nil
}

// DeleteByInstance implements history.TaskRepository.
func (r *histTaskRepo) DeleteByInstance(ctx context.Context, processInstanceID string) error {
	if _, err := r.s.histTasks.DeleteMany(ctx, bson.M{"process_instance_id": processInstanceID}); err != nil {
		return engine.Wrap(engine.KindInternal, "delete task records", err)
	}
	return nil
}
