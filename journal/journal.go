// Package journal defines the system of record for executions: the durable
// Execution and NodeExecution records, their state machines, and the Store
// interface the scheduler writes through.
//
// The journal is the only authority on execution state. The scheduler never
// answers queries from memory; external APIs read the journal.
package journal

import (
	"errors"
	"time"

	"goa.design/flowrun/faults"
	"goa.design/flowrun/value"
)

// ExecutionStatus is the lifecycle state of one execution.
type ExecutionStatus string

// Execution lifecycle states.
const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// NodeStatus is the lifecycle state of one node execution attempt.
type NodeStatus string

// Node lifecycle states.
const (
	NodeWaiting   NodeStatus = "WAITING"
	NodeReady     NodeStatus = "READY"
	NodeRunning   NodeStatus = "RUNNING"
	NodeSucceeded NodeStatus = "SUCCEEDED"
	NodeFailed    NodeStatus = "FAILED"
	NodeSkipped   NodeStatus = "SKIPPED"
	NodeCancelled NodeStatus = "CANCELLED"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrNotFound reports a missing execution or node execution row.
	ErrNotFound = errors.New("journal: not found")
	// ErrInvalidTransition reports an out-of-order status update.
	ErrInvalidTransition = errors.New("journal: invalid status transition")
	// ErrDuplicate reports an insert that collides with an existing row.
	ErrDuplicate = errors.New("journal: duplicate row")
)

type (
	// Execution is one run of a plan with a specific input and principal.
	Execution struct {
		// ID is the execution UUID.
		ID string
		// FlowID and FlowVersion identify the published flow document.
		FlowID      string
		FlowVersion string
		// Principal is the owning user.
		Principal string
		// Status is the current lifecycle state.
		Status ExecutionStatus
		// StartedAt is when the execution was accepted; EndedAt is set on
		// terminal status.
		StartedAt time.Time
		EndedAt   *time.Time
		// Input is the initial document.
		Input value.Value
		// Output is the terminal output document, set on COMPLETED.
		Output value.Value
		// Fault is the single top-level cause, taken from the first failed
		// node. Nil unless the execution failed.
		Fault *faults.Fault
	}

	// NodeExecution is the journal row for one node attempt.
	NodeExecution struct {
		ExecutionID string
		NodeID      string
		// Attempt is 1-based and monotonic per node; handler-internal
		// retries append rows with incremented attempts.
		Attempt int
		Status  NodeStatus
		// InputSnapshot is the fan-in merged input, frozen at READY.
		InputSnapshot value.Value
		// OutputSnapshot is the node output, set on SUCCEEDED.
		OutputSnapshot value.Value
		// Fault describes the failure for FAILED and CANCELLED rows.
		Fault *faults.Fault
		// DurationMS is the RUNNING wall time, stamped by the engine.
		DurationMS int64
		StartedAt  *time.Time
		EndedAt    *time.Time
		// Debug holds handler-appended debug entries.
		Debug []DebugEntry
	}

	// DebugEntry is one handler-visible debug record on a node row.
	DebugEntry struct {
		At      time.Time
		Message string
		Data    value.Value
	}

	// Page selects a window of a principal's executions.
	Page struct {
		// Limit is the maximum number of rows; zero means the store default.
		Limit int
		// Offset skips rows from the newest end.
		Offset int
	}
)

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending: {ExecutionRunning, ExecutionFailed, ExecutionCancelled},
	ExecutionRunning: {ExecutionCompleted, ExecutionFailed, ExecutionCancelled},
}

var nodeTransitions = map[NodeStatus][]NodeStatus{
	NodeWaiting: {NodeReady, NodeSkipped, NodeCancelled},
	NodeReady:   {NodeRunning, NodeSkipped, NodeCancelled},
	NodeRunning: {NodeSucceeded, NodeFailed, NodeCancelled},
}

// CanTransitionExecution reports whether the execution status may advance
// from one state to another. Terminal states admit no transitions.
func CanTransitionExecution(from, to ExecutionStatus) bool {
	for _, next := range executionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionNode reports whether a node status may advance from one state
// to another. Statuses advance linearly; everything else is out of order.
func CanTransitionNode(from, to NodeStatus) bool {
	for _, next := range nodeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TerminalNode reports whether the status is a terminal node state.
func TerminalNode(s NodeStatus) bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	default:
		return false
	}
}

// TerminalExecution reports whether the status is a terminal execution state.
func TerminalExecution(s ExecutionStatus) bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}
