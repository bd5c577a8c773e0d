package engine

import (
	"context"
	"sync"

	"goa.design/flowrun/faults"
	"goa.design/flowrun/hooks"
	"goa.design/flowrun/journal"
	"goa.design/flowrun/value"
)

// nodeJournal is the JournalWriter capability handed to one handler
// invocation. It tracks the current attempt so handler-internal retries get
// fresh journal rows.
type nodeJournal struct {
	run    *run
	nodeID string
	input  value.Value

	mu      sync.Mutex
	attempt int
}

func (nj *nodeJournal) currentAttempt() int {
	nj.mu.Lock()
	defer nj.mu.Unlock()
	return nj.attempt
}

// Debug appends a structured entry to the node's current attempt row.
func (nj *nodeJournal) Debug(ctx context.Context, message string, data value.Value) error {
	r := nj.run
	entry := journal.DebugEntry{
		At:      r.eng.clock.Now().UTC(),
		Message: message,
		Data:    data,
	}
	return r.eng.journal.AppendNodeDebug(r.jctx, r.execID, nj.nodeID, nj.currentAttempt(), entry)
}

// RecordRetry closes the current attempt as FAILED and opens the next one in
// RUNNING, returning its number. The failed attempt stays in the journal; the
// node's final status comes from whichever attempt the handler returns on.
func (nj *nodeJournal) RecordRetry(ctx context.Context, cause *faults.Fault) (int, error) {
	nj.mu.Lock()
	defer nj.mu.Unlock()

	r := nj.run
	e := r.eng
	now := e.clock.Now().UTC()

	if err := e.journal.FinishNode(r.jctx, r.execID, nj.nodeID, nj.attempt, journal.NodeFailed, value.Null(), cause, now); err != nil {
		return 0, err
	}
	_ = e.hooks.Publish(r.jctx, hooks.NewNodeStateChanged(r.execID, nj.nodeID, nj.attempt, journal.NodeRunning, journal.NodeFailed, now))
	_ = e.hooks.Publish(r.jctx, hooks.NewNodeFailed(r.execID, nj.nodeID, nj.attempt, journal.NodeFailed, cause, now))

	next := nj.attempt + 1
	ne := &journal.NodeExecution{
		ExecutionID: r.execID,
		NodeID:      nj.nodeID,
		Attempt:     next,
		Status:      journal.NodeWaiting,
	}
	if err := e.journal.CreateNodeExecution(r.jctx, ne); err != nil {
		return 0, err
	}
	if err := e.journal.MarkNodeReady(r.jctx, r.execID, nj.nodeID, next, nj.input); err != nil {
		return 0, err
	}
	if err := e.journal.MarkNodeRunning(r.jctx, r.execID, nj.nodeID, next, now); err != nil {
		return 0, err
	}
	_ = e.hooks.Publish(r.jctx, hooks.NewNodeStateChanged(r.execID, nj.nodeID, next, journal.NodeReady, journal.NodeRunning, now))
	e.metrics.IncCounter("flowrun.nodes.retried", 1, "node_id", nj.nodeID)

	nj.attempt = next
	return next, nil
}
