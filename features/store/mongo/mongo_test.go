package mongo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	clientsmongo "goa.design/flow/features/store/mongo/clients/mongo"
	"goa.design/flow/runtime/process/compensation"
	"goa.design/flow/runtime/process/definition"
	"goa.design/flow/runtime/process/engine"
	"goa.design/flow/runtime/process/history"
	"goa.design/flow/runtime/process/instance"
	"goa.design/flow/runtime/process/outbox"
	"goa.design/flow/runtime/process/scope"
	"goa.design/flow/runtime/process/store"
	"goa.design/flow/runtime/process/subscription"
	"goa.design/flow/runtime/process/task"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

// setupMongoDB starts a single-node replica set: InTx needs real Mongo
// transactions, and those need an elected primary.
func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			Cmd:          []string{"--replSet", "rs0", "--bind_ip_all"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	code, _, err := testMongoContainer.Exec(ctx, []string{"mongosh", "--quiet", "--eval", "rs.initiate()"})
	if err != nil || code != 0 {
		fmt.Printf("Failed to initiate replica set (exit %d): %v\n", code, err)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}

	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s/?directConnection=true", host, port.Port())
	testMongoClient, err = mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		err = testMongoClient.Ping(ctx, readpref.Primary())
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			fmt.Printf("Replica set never elected a primary: %v\n", err)
			skipMongoTests = true
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func getMongoStore(t *testing.T) *Store {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	ctx := context.Background()
	dbName := testDBName(t.Name())
	require.NoError(t, testMongoClient.Database(dbName).Drop(ctx))
	cl, err := clientsmongo.New(clientsmongo.Options{Client: testMongoClient, Database: dbName})
	require.NoError(t, err)
	st, err := NewStore(ctx, cl)
	require.NoError(t, err)
	return st
}

func testDBName(name string) string {
	var b strings.Builder
	b.WriteString("flow_")
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

var testBase = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func TestMongoInstanceLifecycle(t *testing.T) {
	st := getMongoStore(t)
	ctx := context.Background()

	inst := &instance.Instance{
		ID:            "i-1",
		DefinitionID:  "order:3",
		DefinitionKey: "order",
		Version:       3,
		BusinessKey:   "po-42",
		TenantID:      "acme",
		State:         instance.StateActive,
		RootScopeID:   "sc-root",
		StartTime:     testBase,
	}
	require.NoError(t, st.Instances().Create(ctx, inst))

	err := st.Instances().Create(ctx, inst)
	require.Error(t, err)
	assert.Equal(t, engine.KindConflict, engine.KindOf(err))

	got, err := st.Instances().Get(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "order", got.DefinitionKey)
	assert.Equal(t, "po-42", got.BusinessKey)
	assert.Equal(t, instance.StateActive, got.State)
	assert.True(t, got.StartTime.Equal(testBase))
	assert.True(t, got.EndTime.IsZero())

	got.State = instance.StateCompleted
	got.EndTime = testBase.Add(time.Hour)
	require.NoError(t, st.Instances().Update(ctx, got))

	got, err = st.Instances().Get(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, instance.StateCompleted, got.State)
	assert.True(t, got.EndTime.Equal(testBase.Add(time.Hour)))

	require.NoError(t, st.Instances().Delete(ctx, "i-1"))
	_, err = st.Instances().Get(ctx, "i-1")
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))
	err = st.Instances().Delete(ctx, "i-1")
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))
}

func TestMongoInstanceListFilters(t *testing.T) {
	st := getMongoStore(t)
	ctx := context.Background()

	mk := func(id, key, tenant string, state instance.State) {
		require.NoError(t, st.Instances().Create(ctx, &instance.Instance{
			ID: id, DefinitionID: key + ":1", DefinitionKey: key,
			TenantID: tenant, State: state, StartTime: testBase,
		}))
	}
	mk("i-1", "order", "acme", instance.StateActive)
	mk("i-2", "order", "acme", instance.StateCompleted)
	mk("i-3", "invoice", "globex", instance.StateActive)

	all, err := st.Instances().List(ctx, instance.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"i-1", "i-2", "i-3"}, instanceIDs(all))

	orders, err := st.Instances().List(ctx, instance.Filter{DefinitionKey: "order"})
	require.NoError(t, err)
	assert.Equal(t, []string{"i-1", "i-2"}, instanceIDs(orders))

	active, err := st.Instances().List(ctx, instance.Filter{States: []instance.State{instance.StateActive}})
	require.NoError(t, err)
	assert.Equal(t, []string{"i-1", "i-3"}, instanceIDs(active))

	limited, err := st.Instances().List(ctx, instance.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"i-1", "i-2"}, instanceIDs(limited))

	tenant, err := st.Instances().List(ctx, instance.Filter{TenantID: "globex"})
	require.NoError(t, err)
	assert.Equal(t, []string{"i-3"}, instanceIDs(tenant))
}

func instanceIDs(list []*instance.Instance) []string {
	ids := make([]string, len(list))
	for i, inst := range list {
		ids[i] = inst.ID
	}
	return ids
}

func TestMongoExecutionsAtElement(t *testing.T) {
	st := getMongoStore(t)
	ctx := context.Background()

	mk := func(id, element string) {
		require.NoError(t, st.Executions().Create(ctx, &instance.Execution{
			ID: id, ProcessInstanceID: "i-1", ElementID: element,
			ScopeID: "sc-root", State: instance.ExecWaiting, CreateTime: testBase,
		}))
	}
	mk("e-1", "join")
	mk("e-2", "join")
	mk("e-3", "task")

	at, err := st.Executions().AtElement(ctx, "i-1", "join")
	require.NoError(t, err)
	require.Len(t, at, 2)
	assert.Equal(t, "e-1", at[0].ID)
	assert.Equal(t, "e-2", at[1].ID)

	byInst, err := st.Executions().ByInstance(ctx, "i-1")
	require.NoError(t, err)
	require.Len(t, byInst, 3)

	require.NoError(t, st.Executions().Delete(ctx, "e-2"))
	at, err = st.Executions().AtElement(ctx, "i-1", "join")
	require.NoError(t, err)
	require.Len(t, at, 1)
}

func TestMongoIncidentsOpen(t *testing.T) {
	st := getMongoStore(t)
	ctx := context.Background()

	require.NoError(t, st.Incidents().Create(ctx, &instance.Incident{
		ID: "inc-1", ProcessInstanceID: "i-1", ExecutionID: "e-1",
		ElementID: "svc", Message: "boom", CreateTime: testBase,
	}))
	require.NoError(t, st.Incidents().Create(ctx, &instance.Incident{
		ID: "inc-2", ProcessInstanceID: "i-1", ExecutionID: "e-2",
		ElementID: "svc", Message: "later", CreateTime: testBase,
	}))

	inc, err := st.Incidents().Get(ctx, "inc-1")
	require.NoError(t, err)
	inc.ResolvedAt = testBase.Add(time.Minute)
	require.NoError(t, st.Incidents().Update(ctx, inc))

	open, err := st.Incidents().Open(ctx, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "inc-2", open[0].ID)

	byInst, err := st.Incidents().ByInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Len(t, byInst, 2)
}

func TestMongoScopesAndVariables(t *testing.T) {
	st := getMongoStore(t)
	ctx := context.Background()

	root := &scope.Scope{ID: "sc-root", ProcessInstanceID: "i-1", Kind: scope.KindProcess, Active: true, CreateTime: testBase}
	child := &scope.Scope{ID: "sc-sub", ProcessInstanceID: "i-1", ParentID: "sc-root", Kind: scope.KindSubProcess, ElementID: "sub", Active: true, CreateTime: testBase}
	require.NoError(t, st.Scopes().Create(ctx, root))
	require.NoError(t, st.Scopes().Create(ctx, child))

	kids, err := st.Scopes().ChildrenOf(ctx, "sc-root")
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, "sc-sub", kids[0].ID)

	tree, err := st.Scopes().ByInstance(ctx, "i-1")
	require.NoError(t, err)
	require.Len(t, tree, 2)
	assert.Equal(t, "sc-root", tree[0].ID)

	child.Active = false
	require.NoError(t, st.Scopes().Update(ctx, child))
	got, err := st.Scopes().Get(ctx, "sc-sub")
	require.NoError(t, err)
	assert.False(t, got.Active)

	va, err := scope.Encode("sc-root", "total", 41.5)
	require.NoError(t, err)
	vb, err := scope.Encode("sc-root", "approved", false)
	require.NoError(t, err)
	require.NoError(t, st.Variables().Upsert(ctx, va))
	require.NoError(t, st.Variables().Upsert(ctx, vb))

	va2, err := scope.Encode("sc-root", "total", 99.0)
	require.NoError(t, err)
	require.NoError(t, st.Variables().Upsert(ctx, va2))

	vars, err := st.Variables().ByScope(ctx, "sc-root")
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Equal(t, "total", vars[0].Name)
	assert.Equal(t, "approved", vars[1].Name)
	assert.Equal(t, []byte(`99`), []byte(vars[0].Value))

	_, err = st.Variables().Get(ctx, "sc-root", "missing")
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))

	require.NoError(t, st.Variables().Delete(ctx, "sc-root", "approved"))
	err = st.Variables().Delete(ctx, "sc-root", "approved")
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))

	require.NoError(t, st.Variables().DeleteByScope(ctx, "sc-root"))
	vars, err = st.Variables().ByScope(ctx, "sc-root")
	require.NoError(t, err)
	assert.Empty(t, vars)
}

func TestMongoSubscriptionQueries(t *testing.T) {
	st := getMongoStore(t)
	ctx := context.Background()

	later := &subscription.Subscription{
		ID: "sub-late", ProcessInstanceID: "i-1", ExecutionID: "e-1",
		ActivityID: "timer-a", Kind: subscription.KindTimer,
		Config:     subscription.Config{DueTime: testBase.Add(2 * time.Hour), Repeats: 3},
		CreateTime: testBase,
	}
	sooner := &subscription.Subscription{
		ID: "sub-soon", ProcessInstanceID: "i-1", ExecutionID: "e-2",
		ActivityID: "timer-b", Kind: subscription.KindTimer,
		Config:     subscription.Config{DueTime: testBase.Add(time.Hour)},
		CreateTime: testBase,
	}
	signal := &subscription.Subscription{
		ID: "sub-sig", ProcessInstanceID: "i-2", ExecutionID: "e-3",
		ActivityID: "catch", Kind: subscription.KindSignal, EventName: "order.cancelled",
		CreateTime: testBase,
	}
	require.NoError(t, st.Subscriptions().Create(ctx, later))
	require.NoError(t, st.Subscriptions().Create(ctx, sooner))
	require.NoError(t, st.Subscriptions().Create(ctx, signal))

	due, err := st.Subscriptions().Due(ctx, testBase.Add(90*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "sub-soon", due[0].ID)

	due, err = st.Subscriptions().Due(ctx, testBase.Add(3*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "sub-soon", due[0].ID)
	assert.Equal(t, "sub-late", due[1].ID)

	byName, err := st.Subscriptions().ByName(ctx, subscription.KindSignal, "order.cancelled")
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, "sub-sig", byName[0].ID)

	byKind, err := st.Subscriptions().ByKind(ctx, "i-1", subscription.KindTimer)
	require.NoError(t, err)
	assert.Len(t, byKind, 2)

	// Repeats and LastState must persist their zero values on update.
	later.Config.Repeats = 0
	later.Config.DueTime = testBase.Add(4 * time.Hour)
	require.NoError(t, st.Subscriptions().Update(ctx, later))
	got, err := st.Subscriptions().Get(ctx, "sub-late")
	require.NoError(t, err)
	assert.Zero(t, got.Config.Repeats)
	assert.True(t, got.Config.DueTime.Equal(testBase.Add(4*time.Hour)))

	require.NoError(t, st.Subscriptions().DeleteByExecution(ctx, "e-2"))
	_, err = st.Subscriptions().Get(ctx, "sub-soon")
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))

	require.NoError(t, st.Subscriptions().DeleteByInstance(ctx, "i-1"))
	rest, err := st.Subscriptions().ByInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestMongoTransactionScopesByElement(t *testing.T) {
	st := getMongoStore(t)
	ctx := context.Background()

	first := &compensation.TransactionScope{
		ID: "ts-1", ProcessInstanceID: "i-1", ParentExecutionID: "e-1",
		ElementID: "book-trip", ScopeID: "sc-tx1", State: compensation.StateCompleted,
		SubscriptionIDs: []string{"sub-a", "sub-b"}, CreateTime: testBase,
	}
	second := &compensation.TransactionScope{
		ID: "ts-2", ProcessInstanceID: "i-1", ParentExecutionID: "e-2",
		ElementID: "book-trip", ScopeID: "sc-tx2", State: compensation.StateActive,
		CreateTime: testBase,
	}
	require.NoError(t, st.TransactionScopes().Create(ctx, first))
	require.NoError(t, st.TransactionScopes().Create(ctx, second))

	newest, err := st.TransactionScopes().ByElement(ctx, "i-1", "book-trip")
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, "ts-2", newest[0].ID)
	assert.Equal(t, "ts-1", newest[1].ID)

	oldestFirst, err := st.TransactionScopes().ByInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "ts-1", oldestFirst[0].ID)

	got, err := st.TransactionScopes().Get(ctx, "ts-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"sub-a", "sub-b"}, got.SubscriptionIDs)

	got.State = compensation.StateCancelled
	got.SubscriptionIDs = append(got.SubscriptionIDs, "sub-c")
	require.NoError(t, st.TransactionScopes().Update(ctx, got))
	got, err = st.TransactionScopes().Get(ctx, "ts-1")
	require.NoError(t, err)
	assert.Equal(t, compensation.StateCancelled, got.State)
	assert.Len(t, got.SubscriptionIDs, 3)

	require.NoError(t, st.TransactionScopes().Delete(ctx, "ts-2"))
	_, err = st.TransactionScopes().Get(ctx, "ts-2")
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))
}

func TestMongoTaskListFilters(t *testing.T) {
	st := getMongoStore(t)
	ctx := context.Background()

	mk := func(id, assignee string, state task.State) {
		require.NoError(t, st.Tasks().Create(ctx, &task.Task{
			ID: id, ProcessInstanceID: "i-1", ExecutionID: "e-" + id,
			ElementID: "approve", Name: "Approve order", Assignee: assignee,
			State: state, ScopeID: "sc-" + id, CreateTime: testBase,
		}))
	}
	mk("t-1", "", task.StateCreated)
	mk("t-2", "alice", task.StateClaimed)
	mk("t-3", "alice", task.StateCompleted)

	mine, err := st.Tasks().List(ctx, task.Filter{Assignee: "alice"})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	openMine, err := st.Tasks().List(ctx, task.Filter{Assignee: "alice", States: []task.State{task.StateClaimed}})
	require.NoError(t, err)
	require.Len(t, openMine, 1)
	assert.Equal(t, "t-2", openMine[0].ID)

	byInst, err := st.Tasks().ByInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Len(t, byInst, 3)
}

func TestMongoOutboxLifecycle(t *testing.T) {
	st := getMongoStore(t)
	ctx := context.Background()
	repo := st.Outbox()

	mk := func(id string, typ outbox.Type) *outbox.Event {
		ev := &outbox.Event{
			ID: id, Type: typ, Status: outbox.StatusPending,
			ProcessInstanceID: "i-1", Payload: []byte(`{"n":1}`),
			MaxRetries: 2, CreateTime: testBase, UpdateTime: testBase,
		}
		require.NoError(t, repo.Append(ctx, ev))
		return ev
	}
	ev1 := mk("ev-1", outbox.ProcessInstanceStart)
	ev2 := mk("ev-2", outbox.ActivityStarted)
	ev3 := mk("ev-3", outbox.ActivityCompleted)
	assert.Less(t, ev1.Seq, ev2.Seq)
	assert.Less(t, ev2.Seq, ev3.Seq)

	pending, err := repo.ListPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ev-1", "ev-2", "ev-3"}, eventIDs(pending))

	require.NoError(t, repo.MarkPublished(ctx, "ev-1", testBase.Add(time.Second)))
	require.NoError(t, repo.MarkProcessed(ctx, "ev-1", testBase.Add(2*time.Second)))

	pending, err = repo.ListPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ev-2", "ev-3"}, eventIDs(pending))

	require.NoError(t, repo.MarkFailed(ctx, "ev-2", "bus down", testBase.Add(3*time.Second)))
	got, err := repo.Get(ctx, "ev-2")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "bus down", got.ErrorMessage)
	assert.False(t, got.DeadLettered())

	n, err := repo.ResetFailed(ctx, 10, testBase.Add(4*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	pending, err = repo.ListPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ev-2", "ev-3"}, eventIDs(pending))

	require.NoError(t, repo.MarkFailed(ctx, "ev-2", "bus down", testBase.Add(5*time.Second)))
	got, err = repo.Get(ctx, "ev-2")
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.True(t, got.DeadLettered())

	n, err = repo.ResetFailed(ctx, 10, testBase.Add(6*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	dead, err := repo.DeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ev-2"}, eventIDs(dead))

	all, err := repo.ByInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	deleted, err := repo.DeleteProcessedBefore(ctx, testBase.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	_, err = repo.Get(ctx, "ev-1")
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))
}

func eventIDs(list []*outbox.Event) []string {
	ids := make([]string, len(list))
	for i, ev := range list {
		ids[i] = ev.ID
	}
	return ids
}

func TestMongoHistoryRecords(t *testing.T) {
	st := getMongoStore(t)
	ctx := context.Background()

	proc := &history.ProcessRecord{
		ProcessInstanceID: "i-1", DefinitionID: "order:1", DefinitionKey: "order",
		Version: 1, State: string(instance.StateActive), StartTime: testBase,
	}
	require.NoError(t, st.HistoryProcesses().Insert(ctx, proc))
	err := st.HistoryProcesses().Insert(ctx, proc)
	assert.Equal(t, engine.KindConflict, engine.KindOf(err))

	proc.State = string(instance.StateCompleted)
	proc.EndTime = testBase.Add(time.Hour)
	require.NoError(t, st.HistoryProcesses().Update(ctx, proc))
	gotProc, err := st.HistoryProcesses().Get(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, string(instance.StateCompleted), gotProc.State)
	assert.True(t, gotProc.EndTime.Equal(testBase.Add(time.Hour)))

	listed, err := st.HistoryProcesses().List(ctx, "order", 0)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	// Two passes through the same element: Open must return the newest
	// record whose end time is unset.
	pass1 := &history.ActivityRecord{
		ID: "act-1", ProcessInstanceID: "i-1", ExecutionID: "e-1",
		ElementID: "svc", ElementKind: "serviceTask", State: "STARTED", StartTime: testBase,
	}
	require.NoError(t, st.HistoryActivities().Insert(ctx, pass1))
	pass1.State = "COMPLETED"
	pass1.EndTime = testBase.Add(time.Minute)
	require.NoError(t, st.HistoryActivities().Update(ctx, pass1))

	pass2 := &history.ActivityRecord{
		ID: "act-2", ProcessInstanceID: "i-1", ExecutionID: "e-1",
		ElementID: "svc", ElementKind: "serviceTask", State: "STARTED", StartTime: testBase.Add(2 * time.Minute),
	}
	require.NoError(t, st.HistoryActivities().Insert(ctx, pass2))

	open, err := st.HistoryActivities().Open(ctx, "e-1", "svc")
	require.NoError(t, err)
	assert.Equal(t, "act-2", open.ID)

	pass2.State = "COMPLETED"
	pass2.EndTime = testBase.Add(3 * time.Minute)
	require.NoError(t, st.HistoryActivities().Update(ctx, pass2))
	_, err = st.HistoryActivities().Open(ctx, "e-1", "svc")
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))

	acts, err := st.HistoryActivities().ByInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "act-1", acts[0].ID)
	assert.Equal(t, "act-2", acts[1].ID)

	tk := &history.TaskRecord{
		TaskID: "t-1", ProcessInstanceID: "i-1", ElementID: "approve",
		Name: "Approve", State: string(task.StateCreated), CreateTime: testBase,
	}
	require.NoError(t, st.HistoryTasks().Insert(ctx, tk))
	tk.Assignee = "alice"
	tk.State = string(task.StateClaimed)
	tk.ClaimTime = testBase.Add(time.Minute)
	require.NoError(t, st.HistoryTasks().Update(ctx, tk))
	gotTask, err := st.HistoryTasks().Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", gotTask.Assignee)

	require.NoError(t, st.HistoryActivities().DeleteByInstance(ctx, "i-1"))
	require.NoError(t, st.HistoryTasks().DeleteByInstance(ctx, "i-1"))
	acts, err = st.HistoryActivities().ByInstance(ctx, "i-1")
	require.NoError(t, err)
	assert.Empty(t, acts)
}

func TestMongoDefinitionsDeployOrder(t *testing.T) {
	st := getMongoStore(t)
	ctx := context.Background()

	docA := &definition.Document{
		ID: "order:1", Key: "order", Version: 1, Name: "Order",
		Elements: []definition.ElementDocument{
			{ID: "start", Kind: "startEvent"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []definition.FlowDocument{{ID: "f1", From: "start", To: "end"}},
	}
	docB := &definition.Document{
		ID: "invoice:1", Key: "invoice", Version: 1,
		Elements: []definition.ElementDocument{
			{ID: "start", Kind: "startEvent"},
			{ID: "end", Kind: "endEvent"},
		},
		Flows: []definition.FlowDocument{{ID: "f1", From: "start", To: "end"}},
	}
	require.NoError(t, st.Definitions().Save(ctx, docA))
	require.NoError(t, st.Definitions().Save(ctx, docB))

	// Redeploying keeps the original position.
	docA.Name = "Order v2"
	require.NoError(t, st.Definitions().Save(ctx, docA))

	all, err := st.Definitions().All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "order:1", all[0].ID)
	assert.Equal(t, "Order v2", all[0].Name)
	assert.Equal(t, "invoice:1", all[1].ID)

	got, err := st.Definitions().Get(ctx, "order:1")
	require.NoError(t, err)
	assert.Equal(t, docA.Elements, got.Elements)
	assert.Equal(t, docA.Flows, got.Flows)

	_, err = st.Definitions().Get(ctx, "missing")
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))
}

func TestMongoInTxCommitsAndRollsBack(t *testing.T) {
	st := getMongoStore(t)
	ctx := context.Background()

	err := st.InTx(ctx, func(ctx context.Context, tx store.TxSet) error {
		if err := tx.Instances().Create(ctx, &instance.Instance{
			ID: "i-commit", DefinitionKey: "order", State: instance.StateActive, StartTime: testBase,
		}); err != nil {
			return err
		}
		return tx.Outbox().Append(ctx, &outbox.Event{
			ID: "ev-commit", Type: outbox.ProcessInstanceStart, Status: outbox.StatusPending,
			ProcessInstanceID: "i-commit", CreateTime: testBase, UpdateTime: testBase,
		})
	})
	require.NoError(t, err)

	_, err = st.Instances().Get(ctx, "i-commit")
	require.NoError(t, err)
	pending, err := st.Outbox().ListPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	boom := errors.New("boom")
	err = st.InTx(ctx, func(ctx context.Context, tx store.TxSet) error {
		if err := tx.Instances().Create(ctx, &instance.Instance{
			ID: "i-rollback", DefinitionKey: "order", State: instance.StateActive, StartTime: testBase,
		}); err != nil {
			return err
		}
		// A nested InTx joins the ambient transaction instead of opening
		// a second one.
		return st.InTx(ctx, func(ctx context.Context, tx store.TxSet) error {
			if err := tx.Outbox().Append(ctx, &outbox.Event{
				ID: "ev-rollback", Type: outbox.ProcessInstanceStart, Status: outbox.StatusPending,
				ProcessInstanceID: "i-rollback", CreateTime: testBase, UpdateTime: testBase,
			}); err != nil {
				return err
			}
			return boom
		})
	})
	require.ErrorIs(t, err, boom)

	_, err = st.Instances().Get(ctx, "i-rollback")
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))
	_, err = st.Outbox().Get(ctx, "ev-rollback")
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))
}

func TestMongoVariableRoundTrip(t *testing.T) {
	st := getMongoStore(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("encode, upsert and get preserve type and value", prop.ForAll(
		func(name string, value any) bool {
			v, err := scope.Encode("sc-prop", name, value)
			if err != nil {
				return false
			}
			if err := st.Variables().Upsert(ctx, v); err != nil {
				return false
			}
			got, err := st.Variables().Get(ctx, "sc-prop", name)
			if err != nil {
				return false
			}
			return got.Type == v.Type && bytes.Equal(got.Value, v.Value)
		},
		gen.Identifier(),
		genVariableValue(),
	))

	properties.TestingRun(t)
}

func TestMongoInstancePersistsAcrossStores(t *testing.T) {
	st := getMongoStore(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("instances survive store recreation", prop.ForAll(
		func(key, businessKey string, version int) bool {
			id := uuid.NewString()
			inst := &instance.Instance{
				ID: id, DefinitionID: fmt.Sprintf("%s:%d", key, version),
				DefinitionKey: key, Version: version, BusinessKey: businessKey,
				State: instance.StateActive, StartTime: testBase,
			}
			if err := st.Instances().Create(ctx, inst); err != nil {
				return false
			}

			cl, err := clientsmongo.New(clientsmongo.Options{Client: testMongoClient, Database: testDBName(t.Name())})
			if err != nil {
				return false
			}
			reopened, err := NewStore(ctx, cl)
			if err != nil {
				return false
			}
			got, err := reopened.Instances().Get(ctx, id)
			if err != nil {
				return false
			}
			return got.DefinitionKey == key &&
				got.BusinessKey == businessKey &&
				got.Version == version &&
				got.StartTime.Equal(testBase)
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.IntRange(1, 99),
	))

	properties.TestingRun(t)
}

func genVariableValue() gopter.Gen {
	return gen.OneGenOf(
		gen.AlphaString().Map(func(s string) any { return s }),
		gen.Float64Range(-1e6, 1e6).Map(func(f float64) any { return f }),
		gen.Bool().Map(func(b bool) any { return b }),
		gen.IntRange(-1000, 1000).Map(func(n int) any { return n }),
		gen.MapOf(gen.Identifier(), gen.AlphaString()).Map(func(m map[string]string) any {
			out := make(map[string]any, len(m))
			for k, v := range m {
				out[k] = v
			}
			return out
		}),
	)
}
