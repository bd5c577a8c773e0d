package mongo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/flowrun/faults"
	"goa.design/flowrun/journal"
	"goa.design/flowrun/value"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func mustNewTestClient() *client {
	return newClientWithCollections(nil, newFakeExecutionsCollection(), newFakeNodesCollection(), time.Second)
}

func newTestExecution(id string) *journal.Execution {
	return &journal.Execution{
		ID:          id,
		FlowID:      "flow-1",
		FlowVersion: "3",
		Principal:   "alice",
		Status:      journal.ExecutionPending,
		StartedAt:   t0,
		Input:       value.Object(map[string]value.Value{"n": value.Int(1)}),
	}
}

func TestEnsureIndexes(t *testing.T) {
	executions := newFakeExecutionsCollection()
	nodes := newFakeNodesCollection()
	err := ensureIndexes(context.Background(), executions, nodes)
	require.NoError(t, err)
	require.Equal(t, 2, executions.indexCreated)
	require.Equal(t, 1, nodes.indexCreated)
}

func TestExecutionLifecycle(t *testing.T) {
	cl := mustNewTestClient()
	ctx := context.Background()

	require.NoError(t, cl.CreateExecution(ctx, newTestExecution("e1")))
	require.ErrorIs(t, cl.CreateExecution(ctx, newTestExecution("e1")), journal.ErrDuplicate)

	require.NoError(t, cl.MarkExecutionRunning(ctx, "e1", t0))
	out := value.Object(map[string]value.Value{"done": value.Bool(true)})
	require.NoError(t, cl.FinishExecution(ctx, "e1", journal.ExecutionCompleted, out, nil, t0.Add(time.Second)))

	ex, err := cl.LoadExecution(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, journal.ExecutionCompleted, ex.Status)
	require.NotNil(t, ex.EndedAt)
	require.True(t, value.Equal(out, ex.Output))

	got, err := cl.ExecutionOutput(ctx, "e1")
	require.NoError(t, err)
	require.True(t, value.Equal(out, got))
}

func TestExecutionInvalidTransitions(t *testing.T) {
	cl := mustNewTestClient()
	ctx := context.Background()

	require.ErrorIs(t, cl.MarkExecutionRunning(ctx, "nope", t0), journal.ErrNotFound)

	require.NoError(t, cl.CreateExecution(ctx, newTestExecution("e1")))
	// PENDING -> COMPLETED skips RUNNING and must be rejected.
	err := cl.FinishExecution(ctx, "e1", journal.ExecutionCompleted, value.Null(), nil, t0)
	require.ErrorIs(t, err, journal.ErrInvalidTransition)

	require.NoError(t, cl.MarkExecutionRunning(ctx, "e1", t0))
	require.NoError(t, cl.FinishExecution(ctx, "e1", journal.ExecutionFailed, value.Null(), faults.New(faults.KindRuntime, "boom"), t0))
	err = cl.FinishExecution(ctx, "e1", journal.ExecutionCancelled, value.Null(), nil, t0)
	require.ErrorIs(t, err, journal.ErrInvalidTransition)

	ex, err := cl.LoadExecution(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, ex.Fault)
	require.Equal(t, faults.KindRuntime, ex.Fault.Kind)
}

func TestNodeLifecycle(t *testing.T) {
	cl := mustNewTestClient()
	ctx := context.Background()

	require.NoError(t, cl.CreateNodeExecution(ctx, &journal.NodeExecution{ExecutionID: "e1", NodeID: "n1", Attempt: 1, Status: journal.NodeWaiting}))

	err := cl.MarkNodeRunning(ctx, "e1", "n1", 1, t0)
	require.ErrorIs(t, err, journal.ErrInvalidTransition)

	in := value.Object(map[string]value.Value{"x": value.Int(2)})
	require.NoError(t, cl.MarkNodeReady(ctx, "e1", "n1", 1, in))
	require.NoError(t, cl.MarkNodeRunning(ctx, "e1", "n1", 1, t0))

	out := value.String("ok")
	require.NoError(t, cl.FinishNode(ctx, "e1", "n1", 1, journal.NodeSucceeded, out, nil, t0.Add(300*time.Millisecond)))

	rows, err := cl.ListNodeExecutions(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, journal.NodeSucceeded, row.Status)
	assert.True(t, value.Equal(in, row.InputSnapshot))
	assert.True(t, value.Equal(out, row.OutputSnapshot))
	assert.EqualValues(t, 300, row.DurationMS)
}

func TestAttemptNumbering(t *testing.T) {
	cl := mustNewTestClient()
	ctx := context.Background()

	require.NoError(t, cl.CreateNodeExecution(ctx, &journal.NodeExecution{ExecutionID: "e1", NodeID: "n1", Attempt: 1}))
	err := cl.CreateNodeExecution(ctx, &journal.NodeExecution{ExecutionID: "e1", NodeID: "n1", Attempt: 3})
	require.ErrorIs(t, err, journal.ErrDuplicate)
	require.NoError(t, cl.CreateNodeExecution(ctx, &journal.NodeExecution{ExecutionID: "e1", NodeID: "n1", Attempt: 2}))
}

func TestAppendNodeDebug(t *testing.T) {
	cl := mustNewTestClient()
	ctx := context.Background()

	require.NoError(t, cl.CreateNodeExecution(ctx, &journal.NodeExecution{ExecutionID: "e1", NodeID: "n1", Attempt: 1}))
	require.NoError(t, cl.AppendNodeDebug(ctx, "e1", "n1", 1, journal.DebugEntry{At: t0, Message: "fetched page"}))
	require.NoError(t, cl.AppendNodeDebug(ctx, "e1", "n1", 1, journal.DebugEntry{At: t0, Message: "parsed rows", Data: value.Int(12)}))

	err := cl.AppendNodeDebug(ctx, "e1", "missing", 1, journal.DebugEntry{At: t0})
	require.ErrorIs(t, err, journal.ErrNotFound)

	rows, err := cl.ListNodeExecutions(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, rows[0].Debug, 2)
	assert.Equal(t, "fetched page", rows[0].Debug[0].Message)
	assert.True(t, value.Equal(value.Int(12), rows[0].Debug[1].Data))
}

func TestListExecutionsPaging(t *testing.T) {
	cl := mustNewTestClient()
	ctx := context.Background()

	for i, id := range []string{"e1", "e2", "e3"} {
		ex := newTestExecution(id)
		ex.StartedAt = t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, cl.CreateExecution(ctx, ex))
	}
	other := newTestExecution("eb")
	other.Principal = "bob"
	require.NoError(t, cl.CreateExecution(ctx, other))

	all, err := cl.ListExecutions(ctx, "alice", journal.Page{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "e3", all[0].ID)

	page, err := cl.ListExecutions(ctx, "alice", journal.Page{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "e2", page[0].ID)
}

var errDup = mongodriver.WriteException{WriteErrors: mongodriver.WriteErrors{{Code: 11000}}}

type fakeExecutionsCollection struct {
	mu           sync.Mutex
	indexCreated int
	docs         map[string]executionDocument
}

func newFakeExecutionsCollection() *fakeExecutionsCollection {
	return &fakeExecutionsCollection{docs: make(map[string]executionDocument)}
}

func (c *fakeExecutionsCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["execution_id"].(string)
	doc, ok := c.docs[id]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	copyDoc := doc
	return fakeSingleResult{doc: &copyDoc}
}

func (c *fakeExecutionsCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	principal, _ := filter.(bson.M)["principal"].(string)
	var matched []executionDocument
	for _, doc := range c.docs {
		if doc.Principal == principal {
			matched = append(matched, doc)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})
	if len(opts) > 0 && opts[0] != nil {
		if opts[0].Skip != nil {
			skip := int(*opts[0].Skip)
			if skip > len(matched) {
				skip = len(matched)
			}
			matched = matched[skip:]
		}
		if opts[0].Limit != nil && len(matched) > int(*opts[0].Limit) {
			matched = matched[:*opts[0].Limit]
		}
	}
	docs := make([]any, len(matched))
	for i := range matched {
		copyDoc := matched[i]
		docs[i] = &copyDoc
	}
	return newFakeCursor(docs), nil
}

func (c *fakeExecutionsCollection) InsertOne(ctx context.Context, doc any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	typed := doc.(executionDocument)
	if _, dup := c.docs[typed.ExecutionID]; dup {
		return nil, errDup
	}
	c.docs[typed.ExecutionID] = typed
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeExecutionsCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := filter.(bson.M)
	id := f["execution_id"].(string)
	doc, ok := c.docs[id]
	if !ok || !statusMatches(f["status"], doc.Status) {
		return &mongodriver.UpdateResult{}, nil
	}
	set := update.(bson.M)["$set"].(bson.M)
	if v, ok := set["status"].(string); ok {
		doc.Status = v
	}
	if v, ok := set["started_at"].(time.Time); ok {
		doc.StartedAt = v
	}
	if v, ok := set["output"].(string); ok {
		doc.Output = v
	}
	if v, ok := set["fault"].(*faultDocument); ok {
		doc.Fault = v
	}
	if v, ok := set["ended_at"].(time.Time); ok {
		doc.EndedAt = &v
	}
	c.docs[id] = doc
	return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *fakeExecutionsCollection) Indexes() indexView {
	return fakeIndexView{parent: &c.indexCreated}
}

type fakeNodesCollection struct {
	mu           sync.Mutex
	indexCreated int
	docs         []nodeDocument
}

func newFakeNodesCollection() *fakeNodesCollection {
	return &fakeNodesCollection{}
}

func (c *fakeNodesCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := filter.(bson.M)
	for i := range c.docs {
		if nodeMatches(f, c.docs[i]) {
			copyDoc := c.docs[i]
			return fakeSingleResult{doc: &copyDoc}
		}
	}
	return fakeSingleResult{err: mongodriver.ErrNoDocuments}
}

func (c *fakeNodesCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := filter.(bson.M)
	var matched []nodeDocument
	for _, doc := range c.docs {
		if execID, ok := f["execution_id"].(string); ok && doc.ExecutionID != execID {
			continue
		}
		if nodeID, ok := f["node_id"].(string); ok && doc.NodeID != nodeID {
			continue
		}
		matched = append(matched, doc)
	}
	byAttemptDesc := false
	if len(opts) > 0 && opts[0] != nil {
		if s, ok := opts[0].Sort.(bson.D); ok && len(s) > 0 && s[0].Key == "attempt" {
			byAttemptDesc = true
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if byAttemptDesc {
			return matched[i].Attempt > matched[j].Attempt
		}
		a, b := matched[i], matched[j]
		switch {
		case a.StartedAt == nil && b.StartedAt == nil:
			return a.NodeID < b.NodeID
		case a.StartedAt == nil:
			return false
		case b.StartedAt == nil:
			return true
		default:
			return a.StartedAt.Before(*b.StartedAt)
		}
	})
	if len(opts) > 0 && opts[0] != nil && opts[0].Limit != nil && len(matched) > int(*opts[0].Limit) {
		matched = matched[:*opts[0].Limit]
	}
	docs := make([]any, len(matched))
	for i := range matched {
		copyDoc := matched[i]
		docs[i] = &copyDoc
	}
	return newFakeCursor(docs), nil
}

func (c *fakeNodesCollection) InsertOne(ctx context.Context, doc any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	typed := doc.(nodeDocument)
	for _, existing := range c.docs {
		if existing.ExecutionID == typed.ExecutionID && existing.NodeID == typed.NodeID && existing.Attempt == typed.Attempt {
			return nil, errDup
		}
	}
	c.docs = append(c.docs, typed)
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeNodesCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := filter.(bson.M)
	for i := range c.docs {
		if !nodeMatches(f, c.docs[i]) {
			continue
		}
		up := update.(bson.M)
		if set, ok := up["$set"].(bson.M); ok {
			applyNodeSet(&c.docs[i], set)
		}
		if push, ok := up["$push"].(bson.M); ok {
			if entry, ok := push["debug"].(debugDocument); ok {
				c.docs[i].Debug = append(c.docs[i].Debug, entry)
			}
		}
		return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
	}
	return &mongodriver.UpdateResult{}, nil
}

func (c *fakeNodesCollection) Indexes() indexView {
	return fakeIndexView{parent: &c.indexCreated}
}

func applyNodeSet(doc *nodeDocument, set bson.M) {
	if v, ok := set["status"].(string); ok {
		doc.Status = v
	}
	if v, ok := set["input"].(string); ok {
		doc.Input = v
	}
	if v, ok := set["output"].(string); ok {
		doc.Output = v
	}
	if v, ok := set["fault"].(*faultDocument); ok {
		doc.Fault = v
	}
	if v, ok := set["started_at"].(time.Time); ok {
		doc.StartedAt = &v
	}
	if v, ok := set["ended_at"].(time.Time); ok {
		doc.EndedAt = &v
	}
	if v, ok := set["duration_ms"].(int64); ok {
		doc.DurationMS = v
	}
}

func nodeMatches(f bson.M, doc nodeDocument) bool {
	if execID, ok := f["execution_id"].(string); ok && doc.ExecutionID != execID {
		return false
	}
	if nodeID, ok := f["node_id"].(string); ok && doc.NodeID != nodeID {
		return false
	}
	if attempt, ok := f["attempt"].(int); ok && doc.Attempt != attempt {
		return false
	}
	if status, ok := f["status"]; ok && !statusMatches(status, doc.Status) {
		return false
	}
	return true
}

func statusMatches(cond any, status string) bool {
	switch typed := cond.(type) {
	case nil:
		return true
	case string:
		return typed == status
	case bson.M:
		in, ok := typed["$in"].([]string)
		if !ok {
			return false
		}
		for _, s := range in {
			if s == status {
				return true
			}
		}
		return false
	default:
		return false
	}
}

type fakeIndexView struct {
	parent *int
}

func (v fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	*v.parent++
	return "idx", nil
}

type fakeSingleResult struct {
	doc any
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	switch typed := val.(type) {
	case *executionDocument:
		*typed = *(r.doc.(*executionDocument))
	case *nodeDocument:
		*typed = *(r.doc.(*nodeDocument))
	default:
		return errors.New("unsupported target")
	}
	return nil
}

type fakeCursor struct {
	docs []any
	idx  int
}

func newFakeCursor(docs []any) *fakeCursor {
	return &fakeCursor{docs: docs, idx: -1}
}

func (c *fakeCursor) Close(ctx context.Context) error { return nil }

func (c *fakeCursor) Decode(val any) error {
	if c.idx < 0 || c.idx >= len(c.docs) {
		return errors.New("no document")
	}
	switch typed := val.(type) {
	case *executionDocument:
		*typed = *(c.docs[c.idx].(*executionDocument))
	case *nodeDocument:
		*typed = *(c.docs[c.idx].(*nodeDocument))
	default:
		return errors.New("unsupported target")
	}
	return nil
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Next(ctx context.Context) bool {
	c.idx++
	return c.idx < len(c.docs)
}
