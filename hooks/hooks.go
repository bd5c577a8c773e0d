// Package hooks publishes execution lifecycle events to registered sinks.
// The engine fires events after the corresponding journal write commits, so
// a subscriber can always re-read the authoritative record.
package hooks

import (
	"context"
	"time"

	"goa.design/flowrun/faults"
	"goa.design/flowrun/journal"
	"goa.design/flowrun/value"
)

// EventType identifies a lifecycle event kind.
type EventType string

// Event type constants.
const (
	ExecutionStarted  EventType = "execution_started"
	ExecutionFinished EventType = "execution_finished"
	NodeStateChanged  EventType = "node_state_changed"
	NodeSucceeded     EventType = "node_succeeded"
	NodeFailed        EventType = "node_failed"
)

type (
	// Event is the interface all lifecycle events implement. Subscribers
	// type-switch on the concrete event for payloads:
	//
	//	func (s *sink) Publish(ctx context.Context, evt hooks.Event) error {
	//	    switch e := evt.(type) {
	//	    case *hooks.NodeFailedEvent:
	//	        log.Printf("node %s: %s", e.NodeID(), e.Fault.Message)
	//	    }
	//	    return nil
	//	}
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// ExecutionID identifies the owning execution.
		ExecutionID() string
		// NodeID identifies the node for node-scoped events, empty for
		// execution-scoped ones.
		NodeID() string
		// Timestamp is when the event occurred, not when it was delivered.
		Timestamp() time.Time
	}

	// Publisher receives events. Implementations must be safe for
	// concurrent use and should not block the scheduler; slow sinks buffer
	// internally.
	Publisher interface {
		Publish(ctx context.Context, evt Event) error
	}

	// ExecutionStartedEvent fires when an execution enters RUNNING.
	ExecutionStartedEvent struct {
		baseEvent
		// FlowID and FlowVersion identify the published document.
		FlowID      string
		FlowVersion string
		// Input is the initial document.
		Input value.Value
	}

	// ExecutionFinishedEvent fires on any terminal execution status.
	ExecutionFinishedEvent struct {
		baseEvent
		// Status is the terminal status.
		Status journal.ExecutionStatus
		// Output is the assembled output document, set on COMPLETED.
		Output value.Value
		// Fault is the top-level cause, set on FAILED.
		Fault *faults.Fault
	}

	// NodeStateChangedEvent fires on every node status transition.
	NodeStateChangedEvent struct {
		baseEvent
		// Attempt is the node attempt the transition belongs to.
		Attempt int
		// From and To are the transition endpoints.
		From journal.NodeStatus
		To   journal.NodeStatus
	}

	// NodeSucceededEvent fires when a node attempt succeeds.
	NodeSucceededEvent struct {
		baseEvent
		Attempt int
		// Output is the node output snapshot.
		Output value.Value
		// Duration is the RUNNING wall time.
		Duration time.Duration
	}

	// NodeFailedEvent fires when a node attempt fails or is cancelled.
	NodeFailedEvent struct {
		baseEvent
		Attempt int
		// Status is FAILED or CANCELLED.
		Status journal.NodeStatus
		// Fault describes the failure.
		Fault *faults.Fault
	}

	baseEvent struct {
		typ         EventType
		executionID string
		nodeID      string
		at          time.Time
	}
)

func (e baseEvent) Type() EventType      { return e.typ }
func (e baseEvent) ExecutionID() string  { return e.executionID }
func (e baseEvent) NodeID() string       { return e.nodeID }
func (e baseEvent) Timestamp() time.Time { return e.at }

func base(typ EventType, executionID, nodeID string, at time.Time) baseEvent {
	return baseEvent{typ: typ, executionID: executionID, nodeID: nodeID, at: at}
}

// NewExecutionStarted builds an ExecutionStartedEvent.
func NewExecutionStarted(executionID, flowID, flowVersion string, input value.Value, at time.Time) *ExecutionStartedEvent {
	return &ExecutionStartedEvent{
		baseEvent:   base(ExecutionStarted, executionID, "", at),
		FlowID:      flowID,
		FlowVersion: flowVersion,
		Input:       input,
	}
}

// NewExecutionFinished builds an ExecutionFinishedEvent.
func NewExecutionFinished(executionID string, status journal.ExecutionStatus, output value.Value, fault *faults.Fault, at time.Time) *ExecutionFinishedEvent {
	return &ExecutionFinishedEvent{
		baseEvent: base(ExecutionFinished, executionID, "", at),
		Status:    status,
		Output:    output,
		Fault:     fault,
	}
}

// NewNodeStateChanged builds a NodeStateChangedEvent.
func NewNodeStateChanged(executionID, nodeID string, attempt int, from, to journal.NodeStatus, at time.Time) *NodeStateChangedEvent {
	return &NodeStateChangedEvent{
		baseEvent: base(NodeStateChanged, executionID, nodeID, at),
		Attempt:   attempt,
		From:      from,
		To:        to,
	}
}

// NewNodeSucceeded builds a NodeSucceededEvent.
func NewNodeSucceeded(executionID, nodeID string, attempt int, output value.Value, duration time.Duration, at time.Time) *NodeSucceededEvent {
	return &NodeSucceededEvent{
		baseEvent: base(NodeSucceeded, executionID, nodeID, at),
		Attempt:   attempt,
		Output:    output,
		Duration:  duration,
	}
}

// NewNodeFailed builds a NodeFailedEvent.
func NewNodeFailed(executionID, nodeID string, attempt int, status journal.NodeStatus, fault *faults.Fault, at time.Time) *NodeFailedEvent {
	return &NodeFailedEvent{
		baseEvent: base(NodeFailed, executionID, nodeID, at),
		Attempt:   attempt,
		Status:    status,
		Fault:     fault,
	}
}
