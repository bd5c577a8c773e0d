package journal

import (
	"context"
	"time"

	"goa.design/flowrun/faults"
	"goa.design/flowrun/value"
)

// Store persists executions and node executions. Implementations must make
// RUNNING-to-terminal transitions durable before returning and must reject
// out-of-order updates with ErrInvalidTransition.
//
// All methods are safe for concurrent use; per-row updates are linearizable.
type Store interface {
	// CreateExecution inserts a new execution in PENDING status.
	CreateExecution(ctx context.Context, ex *Execution) error
	// MarkExecutionRunning advances the execution to RUNNING.
	MarkExecutionRunning(ctx context.Context, executionID string, at time.Time) error
	// FinishExecution records the terminal status, the output document (for
	// COMPLETED) and the top-level fault (for FAILED).
	FinishExecution(ctx context.Context, executionID string, status ExecutionStatus, output value.Value, fault *faults.Fault, at time.Time) error

	// CreateNodeExecution inserts a node row. The row's attempt must be one
	// greater than the highest existing attempt for the node (or 1).
	CreateNodeExecution(ctx context.Context, ne *NodeExecution) error
	// MarkNodeReady advances the row to READY and freezes its input
	// snapshot.
	MarkNodeReady(ctx context.Context, executionID, nodeID string, attempt int, input value.Value) error
	// MarkNodeRunning advances the row to RUNNING and stamps its start time.
	MarkNodeRunning(ctx context.Context, executionID, nodeID string, attempt int, at time.Time) error
	// FinishNode records a terminal node status with output or fault. The
	// store computes DurationMS from the recorded start time.
	FinishNode(ctx context.Context, executionID, nodeID string, attempt int, status NodeStatus, output value.Value, fault *faults.Fault, at time.Time) error
	// AppendNodeDebug attaches a handler debug entry to the row.
	AppendNodeDebug(ctx context.Context, executionID, nodeID string, attempt int, entry DebugEntry) error

	// LoadExecution returns one execution by id.
	LoadExecution(ctx context.Context, executionID string) (*Execution, error)
	// ListExecutions returns a principal's executions ordered by started_at
	// descending.
	ListExecutions(ctx context.Context, principal string, page Page) ([]*Execution, error)
	// ListNodeExecutions returns all node rows for an execution ordered by
	// started_at (unstarted rows last, by node id).
	ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error)
	// ExecutionOutput returns the terminal output document.
	ExecutionOutput(ctx context.Context, executionID string) (value.Value, error)
}
