package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeTransitions(t *testing.T) {
	t.Parallel()

	type testCase struct {
		from NodeStatus
		to   NodeStatus
		ok   bool
	}
	cases := []testCase{
		{NodeWaiting, NodeReady, true},
		{NodeWaiting, NodeSkipped, true},
		{NodeWaiting, NodeCancelled, true},
		{NodeWaiting, NodeRunning, false},
		{NodeReady, NodeRunning, true},
		{NodeReady, NodeSkipped, true},
		{NodeReady, NodeSucceeded, false},
		{NodeRunning, NodeSucceeded, true},
		{NodeRunning, NodeFailed, true},
		{NodeRunning, NodeCancelled, true},
		{NodeRunning, NodeSkipped, false},
		{NodeSucceeded, NodeFailed, false},
		{NodeFailed, NodeRunning, false},
		{NodeCancelled, NodeReady, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransitionNode(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestExecutionTransitions(t *testing.T) {
	t.Parallel()

	assert.True(t, CanTransitionExecution(ExecutionPending, ExecutionRunning))
	assert.True(t, CanTransitionExecution(ExecutionPending, ExecutionFailed))
	assert.True(t, CanTransitionExecution(ExecutionRunning, ExecutionCompleted))
	assert.True(t, CanTransitionExecution(ExecutionRunning, ExecutionFailed))
	assert.True(t, CanTransitionExecution(ExecutionRunning, ExecutionCancelled))
	assert.False(t, CanTransitionExecution(ExecutionCompleted, ExecutionRunning))
	assert.False(t, CanTransitionExecution(ExecutionPending, ExecutionCompleted))
	assert.False(t, CanTransitionExecution(ExecutionFailed, ExecutionCancelled))
}

func TestTerminalPredicates(t *testing.T) {
	t.Parallel()

	for _, s := range []NodeStatus{NodeSucceeded, NodeFailed, NodeSkipped, NodeCancelled} {
		assert.True(t, TerminalNode(s), s)
	}
	for _, s := range []NodeStatus{NodeWaiting, NodeReady, NodeRunning} {
		assert.False(t, TerminalNode(s), s)
	}

	for _, s := range []ExecutionStatus{ExecutionCompleted, ExecutionFailed, ExecutionCancelled} {
		assert.True(t, TerminalExecution(s), s)
	}
	for _, s := range []ExecutionStatus{ExecutionPending, ExecutionRunning} {
		assert.False(t, TerminalExecution(s), s)
	}
}
