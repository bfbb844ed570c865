package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/instance"
)

type (
	instanceRepo struct {
		s *Store
	}

	executionRepo struct {
		s *Store
	}

	incidentRepo struct {
		s *Store
	}

	// instanceRow is the stored form of an instance. The inline document
	// carries every mutable field so updates can $set it whole without
	// touching _id or seq.
	instanceRow struct {
		ID               string `bson:"_id"`
		Seq              int64  `bson:"seq"`
		instanceDocument `bson:",inline"`
	}

	instanceDocument struct {
		DefinitionID  string    `bson:"definition_id"`
		DefinitionKey string    `bson:"definition_key"`
		Version       int       `bson:"version"`
		BusinessKey   string    `bson:"business_key"`
		TenantID      string    `bson:"tenant_id"`
		State         string    `bson:"state"`
		RootScopeID   string    `bson:"root_scope_id"`
		StartTime     time.Time `bson:"start_time"`
		EndTime       time.Time `bson:"end_time"`
		CancelReason  string    `bson:"cancel_reason"`
	}

	executionRow struct {
		ID                string `bson:"_id"`
		Seq               int64  `bson:"seq"`
		executionDocument `bson:",inline"`
	}

	executionDocument struct {
		ProcessInstanceID string    `bson:"process_instance_id"`
		ParentID          string    `bson:"parent_id"`
		ElementID         string    `bson:"element_id"`
		ScopeID           string    `bson:"scope_id"`
		State             string    `bson:"state"`
		EnteredFlowID     string    `bson:"entered_flow_id"`
		CreateTime        time.Time `bson:"create_time"`
	}

	incidentRow struct {
		ID               string `bson:"_id"`
		Seq              int64  `bson:"seq"`
		incidentDocument `bson:",inline"`
	}

	incidentDocument struct {
		ProcessInstanceID string    `bson:"process_instance_id"`
		ExecutionID       string    `bson:"execution_id"`
		ElementID         string    `bson:"element_id"`
		Code              string    `bson:"code"`
		Message           string    `bson:"message"`
		CreateTime        time.Time `bson:"create_time"`
		ResolvedAt        time.Time `bson:"resolved_at"`
	}
)

func fromInstance(inst *instance.Instance) instanceDocument {
	return instanceDocument{
		DefinitionID:  inst.DefinitionID,
		DefinitionKey: inst.DefinitionKey,
		Version:       inst.Version,
		BusinessKey:   inst.BusinessKey,
		TenantID:      inst.TenantID,
		State:         string(inst.State),
		RootScopeID:   inst.RootScopeID,
		StartTime:     inst.StartTime.UTC(),
		EndTime:       inst.EndTime.UTC(),
		CancelReason:  inst.CancelReason,
	}
}

func (r instanceRow) toInstance() *instance.Instance {
	return &instance.Instance{
		ID:            r.ID,
		DefinitionID:  r.DefinitionID,
		DefinitionKey: r.DefinitionKey,
		Version:       r.Version,
		BusinessKey:   r.BusinessKey,
		TenantID:      r.TenantID,
		State:         instance.State(r.State),
		RootScopeID:   r.RootScopeID,
		StartTime:     r.StartTime,
		EndTime:       r.EndTime,
		CancelReason:  r.CancelReason,
	}
}

// Create implements instance.Repository.
func (r *instanceRepo) Create(ctx context.Context, inst *instance.Instance) error {
	seq, err := r.s.nextSeq(ctx, counterRows)
	if err != nil {
		return err
	}
	if _, err := r.s.instances.InsertOne(ctx, instanceRow{ID: inst.ID, Seq: seq, instanceDocument: fromInstance(inst)}); err != nil {
		return insertErr(err, "instance %s already exists", inst.ID)
	}
	return nil
}

// Get implements instance.Repository.
func (r *instanceRepo) Get(ctx context.Context, id string) (*instance.Instance, error) {
	var row instanceRow
	if err := r.s.instances.FindOne(ctx, bson.M{"_id": id}).Decode(&row); err != nil {
		return nil, loadErr(err, "instance %s not found", id)
	}
	return row.toInstance(), nil
}

// Update implements instance.Repository.
func (r *instanceRepo) Update(ctx context.Context, inst *instance.Instance) error {
	res, err := r.s.instances.UpdateOne(ctx, bson.M{"_id": inst.ID}, bson.M{"$set": fromInstance(inst)})
	if err != nil {
		return engine.Wrap(engine.KindInternal, "update instance", err)
	}
	if res.MatchedCount == 0 {
		return engine.Errorf(engine.KindNotFound, "instance %s not found", inst.ID)
	}
	return nil
}

// Delete implements instance.Repository.
func (r *instanceRepo) Delete(ctx context.Context, id string) error {
	res, err := r.s.instances.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return engine.Wrap(engine.KindInternal, "delete instance", err)
	}
	if res.DeletedCount == 0 {
		return engine.Errorf(engine.KindNotFound, "instance %s not found", id)
	}
	return nil
}

// List implements instance.Repository.
func (r *instanceRepo) List(ctx context.Context, filter instance.Filter) ([]*instance.Instance, error) {
	query := bson.M{}
	if filter.DefinitionKey != "" {
		query["definition_key"] = filter.DefinitionKey
	}
	if filter.BusinessKey != "" {
		query["business_key"] = filter.BusinessKey
	}
	if filter.TenantID != "" {
		query["tenant_id"] = filter.TenantID
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		query["state"] = bson.M{"$in": states}
	}
	opts := options.Find().SetSort(seqAsc)
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cur, err := r.s.instances.Find(ctx, query, opts)
	if err != nil {
		return nil, engine.Wrap(engine.KindInternal, "list instances", err)
	}
	rows, err := decodeAll[instanceRow](ctx, cur, "list instances")
	if err != nil {
		return nil, err
	}
	out := make([]*instance.Instance, len(rows))
	for i, row := range rows {
		out[i] = row.toInstance()
	}
	return out, nil
}

func fromExecution(exec *instance.Execution) executionDocument {
	return executionDocument{
		ProcessInstanceID: exec.ProcessInstanceID,
		ParentID:          exec.ParentID,
		ElementID:         exec.ElementID,
		ScopeID:           exec.ScopeID,
		State:             string(exec.State),
		EnteredFlowID:     exec.EnteredFlowID,
		CreateTime:        exec.CreateTime.UTC(),
	}
}

func (r executionRow) toExecution() *instance.Execution {
	return &instance.Execution{
		ID:                r.ID,
		ProcessInstanceID: r.ProcessInstanceID,
		ParentID:          r.ParentID,
		ElementID:         r.ElementID,
		ScopeID:           r.ScopeID,
		State:             instance.ExecutionState(r.State),
		EnteredFlowID:     r.EnteredFlowID,
		CreateTime:        r.CreateTime,
	}
}

// Create implements instance.ExecutionRepository.
func (r *executionRepo) Create(ctx context.Context, exec *instance.Execution) error {
	seq, err := r.s.nextSeq(ctx, counterRows)
	if err != nil {
		return err
	}
	if _, err := r.s.executions.InsertOne(ctx, executionRow{ID: exec.ID, Seq: seq, executionDocument: fromExecution(exec)}); err != nil {
		return insertErr(err, "execution %s already exists", exec.ID)
	}
	return nil
}

// Get implements instance.ExecutionRepository.
func (r *executionRepo) Get(ctx context.Context, id string) (*instance.Execution, error) {
	var row executionRow
	if err := r.s.executions.FindOne(ctx, bson.M{"_id": id}).Decode(&row); err != nil {
		return nil, loadErr(err, "execution %s not found", id)
	}
	return row.toExecution(), nil
}

// Update implements instance.ExecutionRepository.
func (r *executionRepo) Update(ctx context.Context, exec *instance.Execution) error {
	res, err := r.s.executions.UpdateOne(ctx, bson.M{"_id": exec.ID}, bson.M{"$set": fromExecution(exec)})
	if err != nil {
		return engine.Wrap(engine.KindInternal, "update execution", err)
	}
	if res.MatchedCount == 0 {
		return engine.Errorf(engine.KindNotFound, "execution %s not found", exec.ID)
	}
	return nil
}

// Delete implements instance.ExecutionRepository.
func (r *executionRepo) Delete(ctx context.Context, id string) error {
	res, err := r.s.executions.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return engine.Wrap(engine.KindInternal, "delete execution", err)
	}
	if res.DeletedCount == 0 {
		return engine.Errorf(engine.KindNotFound, "execution %s not found", id)
	}
	return nil
}

// ByInstance implements instance.ExecutionRepository.
func (r *executionRepo) ByInstance(ctx context.Context, processInstanceID string) ([]*instance.Execution, error) {
	return r.list(ctx, bson.M{"process_instance_id": processInstanceID})
}

// AtElement implements instance.ExecutionRepository.
func (r *executionRepo) AtElement(ctx context.Context, processInstanceID, elementID string) ([]*instance.Execution, error) {
	return r.list(ctx, bson.M{"process_instance_id": processInstanceID, "element_id": elementID})
}

func (r *executionRepo) list(ctx context.Context, query bson.M) ([]*instance.Execution, error) {
	cur, err := r.s.executions.Find(ctx, query, options.Find().SetSort(seqAsc))
	if err != nil {
		return nil, engine.Wrap(engine.KindInternal, "list executions", err)
	}
	rows, err := decodeAll[executionRow](ctx, cur, "list executions")
	if err != nil {
		return nil, err
	}
	out := make([]*instance.Execution, len(rows))
	for i, row := range rows {
		out[i] = row.toExecution()
	}
	return out, nil
}

func fromIncident(inc *instance.Incident) incidentDocument {
	return incidentDocument{
		ProcessInstanceID: inc.ProcessInstanceID,
		ExecutionID:       inc.ExecutionID,
		ElementID:         inc.ElementID,
		Code:              inc.Code,
		Message:           inc.Message,
		CreateTime:        inc.CreateTime.UTC(),
		ResolvedAt:        inc.ResolvedAt.UTC(),
	}
}

func (r incidentRow) toIncident() *instance.Incident {
	return &instance.Incident{
		ID:                r.ID,
		ProcessInstanceID: r.ProcessInstanceID,
		ExecutionID:       r.ExecutionID,
		ElementID:         r.ElementID,
		Code:              r.Code,
		Message:           r.Message,
		CreateTime:        r.CreateTime,
		ResolvedAt:        r.ResolvedAt,
	}
}

// Create implements instance.IncidentRepository.
func (r *incidentRepo) Create(ctx context.Context, inc *instance.Incident) error {
	seq, err := r.s.nextSeq(ctx, counterRows)
	if err != nil {
		return err
	}
	if _, err := r.s.incidents.InsertOne(ctx, incidentRow{ID: inc.ID, Seq: seq, incidentDocument: fromIncident(inc)}); err != nil {
		return insertErr(err, "incident %s already exists", inc.ID)
	}
	return nil
}

// Get implements instance.IncidentRepository.
func (r *incidentRepo) Get(ctx context.Context, id string) (*instance.Incident, error) {
	var row incidentRow
	if err := r.s.incidents.FindOne(ctx, bson.M{"_id": id}).Decode(&row); err != nil {
		return nil, loadErr(err, "incident %s not found", id)
	}
	return row.toIncident(), nil
}

// Update implements instance.IncidentRepository.
func (r *incidentRepo) Update(ctx context.Context, inc *instance.Incident) error {
	res, err := r.s.incidents.UpdateOne(ctx, bson.M{"_id": inc.ID}, bson.M{"$set": fromIncident(inc)})
	if err != nil {
		return engine.Wrap(engine.KindInternal, "update incident", err)
	}
	if res.MatchedCount == 0 {
		return engine.Errorf(engine.KindNotFound, "incident %s not found", inc.ID)
	}
	return nil
}

// ByInstance implements instance.IncidentRepository.
func (r *incidentRepo) ByInstance(ctx context.Context, processInstanceID string) ([]*instance.Incident, error) {
	return r.list(ctx, bson.M{"process_instance_id": processInstanceID}, 0)
}

// Open implements instance.IncidentRepository.
func (r *incidentRepo) Open(ctx context.Context, limit int) ([]*instance.Incident, error) {
	return r.list(ctx, bson.M{"resolved_at": time.Time{}}, limit)
}

func (r *incidentRepo) list(ctx context.Context, query bson.M, limit int) ([]*instance.Incident, error) {
	opts := options.Find().SetSort(seqAsc)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.s.incidents.Find(ctx, query, opts)
	if err != nil {
		return nil, engine.Wrap(engine.KindInternal, "list incidents", err)
	}
	rows, err := decodeAll[incidentRow](ctx, cur, "list incidents")
	if err != nil {
		return nil, err
	}
	out := make([]*instance.Incident, len(rows))
	for i, row := range rows {
		out[i] = row.toIncident()
	}
	return out, nil
}
