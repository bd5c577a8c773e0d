package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"goa.design/flowrun/eval"
	"goa.design/flowrun/faults"
	"goa.design/flowrun/flow"
	"goa.design/flowrun/handler"
	"goa.design/flowrun/hooks"
	"goa.design/flowrun/journal"
	"goa.design/flowrun/plan"
	"goa.design/flowrun/value"
)

type (
	// run is the per-execution scheduler state. A single goroutine owns it;
	// workers communicate exclusively through the results channel.
	run struct {
		eng       *Engine
		plan      *plan.Plan
		execID    string
		input     value.Value
		startedAt time.Time
		// jctx carries the caller's values but never its cancellation;
		// journal writes and hook publishes must outlive a cancel.
		jctx context.Context

		indeg    map[string]int
		status   map[string]journal.NodeStatus
		outputs  map[string]value.Value
		inputs   map[string]value.Value
		orderPos map[string]int
		ready    []string
		inFlight int
		results  chan nodeResult
		failures []failure
	}

	nodeResult struct {
		nodeID    string
		attempt   int
		status    journal.NodeStatus
		output    value.Value
		fault     *faults.Fault
		startedAt time.Time
		duration  time.Duration
	}

	failure struct {
		nodeID    string
		fault     *faults.Fault
		startedAt time.Time
	}
)

func newRun(e *Engine, p *plan.Plan, executionID string, input value.Value, startedAt time.Time) *run {
	orderPos := make(map[string]int, len(p.Order))
	for i, id := range p.Order {
		orderPos[id] = i
	}
	status := make(map[string]journal.NodeStatus, len(p.Order))
	for _, id := range p.Order {
		status[id] = journal.NodeWaiting
	}
	return &run{
		eng:       e,
		plan:      p,
		execID:    executionID,
		input:     input,
		startedAt: startedAt,
		indeg:     p.InDegrees(),
		status:    status,
		outputs:   make(map[string]value.Value),
		inputs:    make(map[string]value.Value),
		orderPos:  orderPos,
		results:   make(chan nodeResult),
	}
}

// loop drives the execution to quiescence and computes the terminal status.
func (r *run) loop(ctx context.Context) (journal.ExecutionStatus, value.Value, *faults.Fault) {
	r.jctx = context.WithoutCancel(ctx)

	timeout := time.Duration(r.plan.Settings.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = r.eng.execTimeout
	}
	var cancel context.CancelFunc
	execCtx := ctx
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	r.markReady(r.plan.Trigger)

	for {
		if execCtx.Err() == nil {
			r.dispatch(execCtx)
		}
		if r.inFlight == 0 {
			if len(r.ready) == 0 || execCtx.Err() != nil {
				break
			}
			continue
		}
		res := <-r.results
		r.inFlight--
		r.handleResult(res)
	}

	// A broadcast cancel leaves WAITING and READY rows behind; they are
	// terminal-stamped here so guarantee (ii) holds.
	interrupted := execCtx.Err() != nil
	if interrupted {
		cancelFault := faults.FromError(context.Cause(execCtx))
		for _, id := range r.plan.Order {
			switch r.status[id] {
			case journal.NodeWaiting, journal.NodeReady:
				r.finishEarly(id, journal.NodeCancelled, cancelFault)
			}
		}
	}

	return r.outcome(execCtx)
}

// dispatch starts ready nodes up to the concurrency limit. Under serialize
// it runs one node at a time in topological order; under allow the pick
// order is deterministic but completion order is not.
func (r *run) dispatch(execCtx context.Context) {
	limit := r.eng.maxParallel
	if r.plan.Settings.Concurrency == flow.ConcurrencySerialize {
		limit = 1
	}
	for len(r.ready) > 0 && r.inFlight < limit {
		id := r.popReady()
		r.status[id] = journal.NodeRunning
		r.inFlight++
		go r.execute(execCtx, id, r.inputs[id], r.snapshotOutputs())
	}
}

func (r *run) popReady() string {
	best := 0
	for i := 1; i < len(r.ready); i++ {
		if r.orderPos[r.ready[i]] < r.orderPos[r.ready[best]] {
			best = i
		}
	}
	id := r.ready[best]
	r.ready = append(r.ready[:best], r.ready[best+1:]...)
	return id
}

func (r *run) snapshotOutputs() map[string]value.Value {
	snap := make(map[string]value.Value, len(r.outputs))
	for id, out := range r.outputs {
		snap[id] = out
	}
	return snap
}

// handleResult folds one worker result back into the ready map.
func (r *run) handleResult(res nodeResult) {
	r.status[res.nodeID] = res.status
	switch res.status {
	case journal.NodeSucceeded:
		r.outputs[res.nodeID] = res.output
	case journal.NodeFailed:
		r.failures = append(r.failures, failure{nodeID: res.nodeID, fault: res.fault, startedAt: res.startedAt})
	}
	r.propagate(res.nodeID)
}

// propagate decrements successor in-degrees. A successor whose last
// predecessor just finished becomes READY when every predecessor succeeded
// and SKIPPED otherwise; skipping cascades.
func (r *run) propagate(id string) {
	for _, succ := range r.plan.Successors(id) {
		r.indeg[succ]--
		if r.indeg[succ] != 0 || r.status[succ] != journal.NodeWaiting {
			continue
		}
		if r.predsPruned(succ) {
			r.finishEarly(succ, journal.NodeSkipped, nil)
			r.propagate(succ)
		} else {
			r.markReady(succ)
		}
	}
}

func (r *run) predsPruned(id string) bool {
	for _, pred := range r.plan.Predecessors(id) {
		switch r.status[pred] {
		case journal.NodeFailed, journal.NodeCancelled, journal.NodeSkipped:
			return true
		}
	}
	return false
}

// markReady freezes the node's merged input and moves it to the ready set.
func (r *run) markReady(id string) {
	input := r.mergeInput(id)
	now := r.eng.clock.Now().UTC()
	if err := r.eng.journal.MarkNodeReady(r.jctx, r.execID, id, 1, input); err != nil {
		r.eng.logger.Error(r.jctx, "journal mark ready failed", "execution_id", r.execID, "node_id", id, "err", err)
	}
	r.inputs[id] = input
	r.status[id] = journal.NodeReady
	r.ready = append(r.ready, id)
	_ = r.eng.hooks.Publish(r.jctx, hooks.NewNodeStateChanged(r.execID, id, 1, journal.NodeWaiting, journal.NodeReady, now))
}

// mergeInput computes a node's input from its predecessors' outputs: the
// trigger gets the execution input, a single predecessor contributes its
// output at top level alongside the keyed entry, and a fan-in merges all
// outputs keyed by predecessor id.
func (r *run) mergeInput(id string) value.Value {
	preds := r.plan.Predecessors(id)
	if len(preds) == 0 {
		return r.input
	}
	merged := make(map[string]value.Value, len(preds)+4)
	if len(preds) == 1 {
		out := r.outputs[preds[0]]
		for _, k := range out.Keys() {
			if f, ok := out.Field(k); ok {
				merged[k] = f
			}
		}
	}
	for _, pred := range preds {
		merged[pred] = r.outputs[pred]
	}
	return value.Object(merged)
}

// finishEarly terminal-stamps a node that never ran.
func (r *run) finishEarly(id string, status journal.NodeStatus, fault *faults.Fault) {
	from := r.status[id]
	now := r.eng.clock.Now().UTC()
	if err := r.eng.journal.FinishNode(r.jctx, r.execID, id, 1, status, value.Null(), fault, now); err != nil {
		r.eng.logger.Error(r.jctx, "journal finish node failed", "execution_id", r.execID, "node_id", id, "err", err)
	}
	r.status[id] = status
	_ = r.eng.hooks.Publish(r.jctx, hooks.NewNodeStateChanged(r.execID, id, 1, from, status, now))
	if status == journal.NodeCancelled {
		_ = r.eng.hooks.Publish(r.jctx, hooks.NewNodeFailed(r.execID, id, 1, status, fault, now))
	}
}

// outcome derives the terminal execution status.
func (r *run) outcome(execCtx context.Context) (journal.ExecutionStatus, value.Value, *faults.Fault) {
	if err := execCtx.Err(); err != nil {
		cause := context.Cause(execCtx)
		if faults.KindOf(cause) == faults.KindTimeout || cause == context.DeadlineExceeded {
			return journal.ExecutionFailed, value.Null(), faults.New(faults.KindTimeout, "execution timed out")
		}
		return journal.ExecutionCancelled, value.Null(), nil
	}
	if len(r.failures) > 0 {
		first := r.failures[0]
		for _, f := range r.failures[1:] {
			if f.startedAt.Before(first.startedAt) {
				first = f
			}
		}
		return journal.ExecutionFailed, value.Null(), first.fault
	}
	return journal.ExecutionCompleted, r.assembleOutput(), nil
}

// assembleOutput unions terminal node outputs keyed by terminal id; a single
// terminal's output is the top level.
func (r *run) assembleOutput() value.Value {
	terminals := r.plan.Terminals
	if len(terminals) == 1 {
		return r.outputs[terminals[0]]
	}
	merged := make(map[string]value.Value, len(terminals))
	for _, id := range terminals {
		if out, ok := r.outputs[id]; ok {
			merged[id] = out
		}
	}
	return value.Object(merged)
}

// execute runs one node on a worker goroutine. All shared state it touches
// is either the journal or the results channel.
func (r *run) execute(execCtx context.Context, id string, input value.Value, outputs map[string]value.Value) {
	e := r.eng

	// Process-wide worker slot.
	acquireCtx, cancelAcquire := context.WithTimeout(execCtx, globalAcquireTimeout)
	err := e.global.Acquire(acquireCtx, 1)
	cancelAcquire()
	if err != nil {
		startedAt := e.clock.Now().UTC()
		fault := faults.Wrap(faults.KindResourceExhausted, "worker pool acquisition failed", err)
		status := journal.NodeFailed
		if execCtx.Err() != nil {
			fault = faults.FromError(context.Cause(execCtx))
			status = journal.NodeCancelled
		}
		r.finishNode(id, 1, status, value.Null(), fault, startedAt)
		return
	}
	defer e.global.Release(1)

	node := r.plan.Node(id)
	startedAt := e.clock.Now().UTC()
	if err := e.journal.MarkNodeRunning(r.jctx, r.execID, id, 1, startedAt); err != nil {
		e.logger.Error(r.jctx, "journal mark running failed", "execution_id", r.execID, "node_id", id, "err", err)
	}
	_ = e.hooks.Publish(r.jctx, hooks.NewNodeStateChanged(r.execID, id, 1, journal.NodeReady, journal.NodeRunning, startedAt))

	h, ok := e.registry.Lookup(node.Type)
	if !ok {
		// The plan builder guarantees this; a miss is an engine defect.
		fault := faults.Errorf(faults.KindRuntime, "no handler for type %q", node.Type)
		r.finishNode(id, 1, journal.NodeFailed, value.Null(), fault, startedAt)
		return
	}

	nodeCtx := execCtx
	if timeout := effectiveTimeout(r.plan.Settings, h, node); timeout > 0 {
		var cancelNode context.CancelFunc
		nodeCtx, cancelNode = context.WithTimeout(execCtx, timeout)
		defer cancelNode()
	}

	scope := eval.Scope{
		Input:       input,
		Nodes:       outputs,
		ExecutionID: r.execID,
		StartedAt:   r.startedAt,
	}
	nj := &nodeJournal{run: r, nodeID: id, input: input, attempt: 1}
	inv := &handler.Invocation{
		ExecutionID:    r.execID,
		NodeID:         id,
		Attempt:        1,
		IdempotencyKey: handler.IdempotencyKey(r.execID, id, 1),
		Config:         node.Data.Config,
		Input:          input,
		Credentials:    e.credentials,
		Evaluator:      e.evaluator.Bind(scope),
		Journal:        nj,
		Clock:          e.clock,
	}

	spanCtx, span := e.tracer.Start(nodeCtx, "flowrun.node",
		trace.WithAttributes(
			attribute.String("execution.id", r.execID),
			attribute.String("node.id", id),
			attribute.String("node.type", node.Type),
		))
	output, execErr := r.runHandler(spanCtx, h, inv)
	if execErr != nil {
		span.RecordError(execErr)
	}
	span.End()

	endedAt := e.clock.Now().UTC()
	attempt := nj.currentAttempt()

	status := journal.NodeSucceeded
	var fault *faults.Fault
	switch {
	case execErr != nil:
		fault = faults.FromError(execErr)
		// A node timeout is distinct from cancellation only in the kind.
		if nodeCtx.Err() != nil && execCtx.Err() == nil && fault.Kind == faults.KindCancelled {
			fault = faults.Wrap(faults.KindTimeout, "node timed out", execErr)
		}
		status = journal.NodeFailed
		if fault.Kind == faults.KindCancelled {
			status = journal.NodeCancelled
			output = value.Null()
		}
	case execCtx.Err() != nil:
		// The handler ignored the interrupt and returned after the execution
		// stopped. Its output is discarded.
		status = journal.NodeCancelled
		output = value.Null()
		fault = faults.FromError(context.Cause(execCtx))
	}

	r.finishNodeAttempt(id, attempt, status, output, fault, startedAt, endedAt)
}

// runHandler invokes the handler with panic containment. A panicking handler
// records a generic RUNTIME fault; the stack goes to the operator log only,
// never into the journal.
func (r *run) runHandler(ctx context.Context, h handler.Handler, inv *handler.Invocation) (out value.Value, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.eng.logger.Error(r.jctx, "handler panic",
				"execution_id", inv.ExecutionID,
				"node_id", inv.NodeID,
				"node_type", h.Type(),
				"panic", fmt.Sprint(rec),
			)
			out = value.Null()
			err = faults.New(faults.KindRuntime, "engine internal error")
		}
	}()
	return h.Execute(ctx, inv)
}

// finishNode stamps a node that failed before RUNNING was recorded.
func (r *run) finishNode(id string, attempt int, status journal.NodeStatus, output value.Value, fault *faults.Fault, startedAt time.Time) {
	now := r.eng.clock.Now().UTC()
	if err := r.eng.journal.MarkNodeRunning(r.jctx, r.execID, id, attempt, startedAt); err != nil {
		r.eng.logger.Error(r.jctx, "journal mark running failed", "execution_id", r.execID, "node_id", id, "err", err)
	}
	r.finishNodeAttempt(id, attempt, status, output, fault, startedAt, now)
}

func (r *run) finishNodeAttempt(id string, attempt int, status journal.NodeStatus, output value.Value, fault *faults.Fault, startedAt, endedAt time.Time) {
	e := r.eng
	if err := e.journal.FinishNode(r.jctx, r.execID, id, attempt, status, output, fault, endedAt); err != nil {
		e.logger.Error(r.jctx, "journal finish node failed", "execution_id", r.execID, "node_id", id, "err", err)
	}
	duration := endedAt.Sub(startedAt)
	_ = e.hooks.Publish(r.jctx, hooks.NewNodeStateChanged(r.execID, id, attempt, journal.NodeRunning, status, endedAt))
	switch status {
	case journal.NodeSucceeded:
		_ = e.hooks.Publish(r.jctx, hooks.NewNodeSucceeded(r.execID, id, attempt, output, duration, endedAt))
	default:
		_ = e.hooks.Publish(r.jctx, hooks.NewNodeFailed(r.execID, id, attempt, status, fault, endedAt))
	}
	e.metrics.IncCounter("flowrun.nodes.finished", 1, "status", string(status))
	e.metrics.RecordTimer("flowrun.node.duration", duration, "node_type", r.plan.Node(id).Type)

	r.results <- nodeResult{
		nodeID:    id,
		attempt:   attempt,
		status:    status,
		output:    output,
		fault:     fault,
		startedAt: startedAt,
		duration:  duration,
	}
}

// effectiveTimeout folds the flow setting, the handler's own cap and the
// node config "timeout" (seconds) into the tightest bound. Zero means none.
func effectiveTimeout(settings flow.Settings, h handler.Handler, node flow.Node) time.Duration {
	var candidates []time.Duration
	if settings.TimeoutSeconds > 0 {
		candidates = append(candidates, time.Duration(settings.TimeoutSeconds)*time.Second)
	}
	if tb, ok := h.(handler.TimeBounded); ok && tb.MaxExecutionTime() > 0 {
		candidates = append(candidates, tb.MaxExecutionTime())
	}
	if raw, ok := node.Data.Config["timeout"]; ok {
		switch typed := raw.(type) {
		case int:
			if typed > 0 {
				candidates = append(candidates, time.Duration(typed)*time.Second)
			}
		case float64:
			if typed > 0 {
				candidates = append(candidates, time.Duration(typed*float64(time.Second)))
			}
		}
	}
	if len(candidates) == 0 {
		return 0
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	return candidates[0]
}
