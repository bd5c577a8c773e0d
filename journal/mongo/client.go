// Package mongo implements the journal store on MongoDB. Status transitions
// are enforced with conditional updates filtered on the current status so
// concurrent writers cannot rewind a row.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/flowrun/faults"
	"goa.design/flowrun/journal"
	"goa.design/flowrun/value"
)

const (
	defaultExecutionsCollection = "executions"
	defaultNodesCollection      = "node_executions"
	defaultOpTimeout            = 5 * time.Second
	defaultPageLimit            = 50
	journalClientName           = "journal-mongo"
)

// Client exposes the Mongo-backed journal plus a health probe.
type Client interface {
	health.Pinger
	journal.Store
}

// Options configures the Mongo journal client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Executions string
	Nodes      string
	Timeout    time.Duration
}

type client struct {
	mongo      *mongodriver.Client
	executions collection
	nodes      collection
	timeout    time.Duration
}

// New returns a journal Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	execName := opts.Executions
	if execName == "" {
		execName = defaultExecutionsCollection
	}
	nodesName := opts.Nodes
	if nodesName == "" {
		nodesName = defaultNodesCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	execWrapper := mongoCollection{coll: db.Collection(execName)}
	nodesWrapper := mongoCollection{coll: db.Collection(nodesName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, execWrapper, nodesWrapper); err != nil {
		return nil, err
	}
	return newClientWithCollections(opts.Client, execWrapper, nodesWrapper, timeout), nil
}

func newClientWithCollections(mongoClient *mongodriver.Client, executions, nodes collection, timeout time.Duration) *client {
	return &client{
		mongo:      mongoClient,
		executions: executions,
		nodes:      nodes,
		timeout:    timeout,
	}
}

func (c *client) Name() string {
	return journalClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) CreateExecution(ctx context.Context, ex *journal.Execution) error {
	if ex == nil || ex.ID == "" {
		return errors.New("execution id is required")
	}
	doc, err := fromExecution(ex)
	if err != nil {
		return err
	}
	if doc.Status == "" {
		doc.Status = string(journal.ExecutionPending)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.executions.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("execution %q: %w", ex.ID, journal.ErrDuplicate)
		}
		return err
	}
	return nil
}

func (c *client) MarkExecutionRunning(ctx context.Context, executionID string, at time.Time) error {
	if executionID == "" {
		return errors.New("execution id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"execution_id": executionID,
		"status":       string(journal.ExecutionPending),
	}
	update := bson.M{"$set": bson.M{
		"status":     string(journal.ExecutionRunning),
		"started_at": at.UTC(),
	}}
	res, err := c.executions.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return c.executionUpdateFailure(ctx, executionID, journal.ExecutionRunning)
	}
	return nil
}

func (c *client) FinishExecution(ctx context.Context, executionID string, status journal.ExecutionStatus, output value.Value, fault *faults.Fault, at time.Time) error {
	if executionID == "" {
		return errors.New("execution id is required")
	}
	if !journal.TerminalExecution(status) {
		return fmt.Errorf("execution %q: %s is not terminal: %w", executionID, status, journal.ErrInvalidTransition)
	}
	encoded, err := encodeValue(output)
	if err != nil {
		return err
	}
	froms := allowedExecutionFroms(status)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"execution_id": executionID,
		"status":       bson.M{"$in": froms},
	}
	update := bson.M{"$set": bson.M{
		"status":   string(status),
		"output":   encoded,
		"fault":    fromFault(fault),
		"ended_at": at.UTC(),
	}}
	res, err := c.executions.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return c.executionUpdateFailure(ctx, executionID, status)
	}
	return nil
}

func (c *client) CreateNodeExecution(ctx context.Context, ne *journal.NodeExecution) error {
	if ne == nil || ne.ExecutionID == "" || ne.NodeID == "" {
		return errors.New("node execution requires execution and node ids")
	}
	doc, err := fromNodeExecution(ne)
	if err != nil {
		return err
	}
	if doc.Status == "" {
		doc.Status = string(journal.NodeWaiting)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	max, err := c.highestAttempt(ctx, ne.ExecutionID, ne.NodeID)
	if err != nil {
		return err
	}
	if ne.Attempt != max+1 {
		return fmt.Errorf("node %q attempt %d (expected %d): %w", ne.NodeID, ne.Attempt, max+1, journal.ErrDuplicate)
	}
	if _, err := c.nodes.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("node %q attempt %d: %w", ne.NodeID, ne.Attempt, journal.ErrDuplicate)
		}
		return err
	}
	return nil
}

func (c *client) MarkNodeReady(ctx context.Context, executionID, nodeID string, attempt int, input value.Value) error {
	encoded, err := encodeValue(input)
	if err != nil {
		return err
	}
	update := bson.M{"$set": bson.M{
		"status": string(journal.NodeReady),
		"input":  encoded,
	}}
	return c.updateNode(ctx, executionID, nodeID, attempt, journal.NodeReady, update)
}

func (c *client) MarkNodeRunning(ctx context.Context, executionID, nodeID string, attempt int, at time.Time) error {
	update := bson.M{"$set": bson.M{
		"status":     string(journal.NodeRunning),
		"started_at": at.UTC(),
	}}
	return c.updateNode(ctx, executionID, nodeID, attempt, journal.NodeRunning, update)
}

func (c *client) FinishNode(ctx context.Context, executionID, nodeID string, attempt int, status journal.NodeStatus, output value.Value, fault *faults.Fault, at time.Time) error {
	if !journal.TerminalNode(status) {
		return fmt.Errorf("node %q: %s is not terminal: %w", nodeID, status, journal.ErrInvalidTransition)
	}
	encoded, err := encodeValue(output)
	if err != nil {
		return err
	}
	row, err := c.loadNode(ctx, executionID, nodeID, attempt)
	if err != nil {
		return err
	}
	var duration int64
	if row.StartedAt != nil {
		duration = at.UTC().Sub(row.StartedAt.UTC()).Milliseconds()
	}
	update := bson.M{"$set": bson.M{
		"status":      string(status),
		"output":      encoded,
		"fault":       fromFault(fault),
		"ended_at":    at.UTC(),
		"duration_ms": duration,
	}}
	return c.updateNode(ctx, executionID, nodeID, attempt, status, update)
}

func (c *client) AppendNodeDebug(ctx context.Context, executionID, nodeID string, attempt int, entry journal.DebugEntry) error {
	data, err := encodeValue(entry.Data)
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := nodeFilter(executionID, nodeID, attempt)
	update := bson.M{"$push": bson.M{"debug": debugDocument{
		At:      entry.At.UTC(),
		Message: entry.Message,
		Data:    data,
	}}}
	res, err := c.nodes.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("node %q attempt %d in execution %q: %w", nodeID, attempt, executionID, journal.ErrNotFound)
	}
	return nil
}

func (c *client) LoadExecution(ctx context.Context, executionID string) (*journal.Execution, error) {
	if executionID == "" {
		return nil, errors.New("execution id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc executionDocument
	if err := c.executions.FindOne(ctx, bson.M{"execution_id": executionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("execution %q: %w", executionID, journal.ErrNotFound)
		}
		return nil, err
	}
	return doc.toExecution()
}

func (c *client) ListExecutions(ctx context.Context, principal string, page journal.Page) ([]*journal.Execution, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	opts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}}).
		SetSkip(int64(page.Offset)).
		SetLimit(int64(limit))
	cur, err := c.executions.Find(ctx, bson.M{"principal": principal}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*journal.Execution
	for cur.Next(ctx) {
		var doc executionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ex, err := doc.toExecution()
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, cur.Err()
}

func (c *client) ListNodeExecutions(ctx context.Context, executionID string) ([]*journal.NodeExecution, error) {
	if executionID == "" {
		return nil, errors.New("execution id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{
		{Key: "started_at", Value: 1},
		{Key: "node_id", Value: 1},
	})
	cur, err := c.nodes.Find(ctx, bson.M{"execution_id": executionID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*journal.NodeExecution
	for cur.Next(ctx) {
		var doc nodeDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ne, err := doc.toNodeExecution()
		if err != nil {
			return nil, err
		}
		out = append(out, ne)
	}
	return out, cur.Err()
}

func (c *client) ExecutionOutput(ctx context.Context, executionID string) (value.Value, error) {
	ex, err := c.LoadExecution(ctx, executionID)
	if err != nil {
		return value.Null(), err
	}
	return ex.Output, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.timeout)
}

// updateNode applies a conditional update filtered on the statuses that may
// precede the target status. A zero match is disambiguated into ErrNotFound
// or ErrInvalidTransition by re-reading the row.
func (c *client) updateNode(ctx context.Context, executionID, nodeID string, attempt int, to journal.NodeStatus, update bson.M) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := nodeFilter(executionID, nodeID, attempt)
	filter["status"] = bson.M{"$in": allowedNodeFroms(to)}
	res, err := c.nodes.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		row, lerr := c.loadNode(ctx, executionID, nodeID, attempt)
		if lerr != nil {
			return lerr
		}
		return fmt.Errorf("node %q: %s -> %s: %w", nodeID, row.Status, to, journal.ErrInvalidTransition)
	}
	return nil
}

func (c *client) loadNode(ctx context.Context, executionID, nodeID string, attempt int) (*journal.NodeExecution, error) {
	var doc nodeDocument
	if err := c.nodes.FindOne(ctx, nodeFilter(executionID, nodeID, attempt)).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("node %q attempt %d in execution %q: %w", nodeID, attempt, executionID, journal.ErrNotFound)
		}
		return nil, err
	}
	return doc.toNodeExecution()
}

func (c *client) highestAttempt(ctx context.Context, executionID, nodeID string) (int, error) {
	opts := options.Find().SetSort(bson.D{{Key: "attempt", Value: -1}}).SetLimit(1)
	cur, err := c.nodes.Find(ctx, bson.M{"execution_id": executionID, "node_id": nodeID}, opts)
	if err != nil {
		return 0, err
	}
	defer cur.Close(ctx)
	if !cur.Next(ctx) {
		return 0, cur.Err()
	}
	var doc nodeDocument
	if err := cur.Decode(&doc); err != nil {
		return 0, err
	}
	return doc.Attempt, nil
}

func (c *client) executionUpdateFailure(ctx context.Context, executionID string, to journal.ExecutionStatus) error {
	var doc executionDocument
	if err := c.executions.FindOne(ctx, bson.M{"execution_id": executionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return fmt.Errorf("execution %q: %w", executionID, journal.ErrNotFound)
		}
		return err
	}
	return fmt.Errorf("execution %q: %s -> %s: %w", executionID, doc.Status, to, journal.ErrInvalidTransition)
}

func nodeFilter(executionID, nodeID string, attempt int) bson.M {
	return bson.M{
		"execution_id": executionID,
		"node_id":      nodeID,
		"attempt":      attempt,
	}
}

func allowedExecutionFroms(to journal.ExecutionStatus) []string {
	var froms []string
	for _, from := range []journal.ExecutionStatus{journal.ExecutionPending, journal.ExecutionRunning} {
		if journal.CanTransitionExecution(from, to) {
			froms = append(froms, string(from))
		}
	}
	return froms
}

func allowedNodeFroms(to journal.NodeStatus) []string {
	var froms []string
	for _, from := range []journal.NodeStatus{journal.NodeWaiting, journal.NodeReady, journal.NodeRunning} {
		if journal.CanTransitionNode(from, to) {
			froms = append(froms, string(from))
		}
	}
	return froms
}

func ensureIndexes(ctx context.Context, executionsColl, nodesColl collection) error {
	executionIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "execution_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := executionsColl.Indexes().CreateOne(ctx, executionIndex); err != nil {
		return err
	}
	principalIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "principal", Value: 1},
			{Key: "started_at", Value: -1},
		},
	}
	if _, err := executionsColl.Indexes().CreateOne(ctx, principalIndex); err != nil {
		return err
	}
	nodeIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "execution_id", Value: 1},
			{Key: "node_id", Value: 1},
			{Key: "attempt", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := nodesColl.Indexes().CreateOne(ctx, nodeIndex); err != nil {
		return err
	}
	return nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	InsertOne(ctx context.Context, doc any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
