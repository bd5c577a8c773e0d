// Package inmem provides an in-memory journal store for tests and
// single-process development runs. It enforces the same transition rules as
// the durable stores but keeps nothing across restarts.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/flowrun/faults"
	"goa.design/flowrun/journal"
	"goa.design/flowrun/value"
)

type store struct {
	mu sync.RWMutex

	executions map[string]*journal.Execution
	// nodes is keyed by execution id; rows are append-ordered.
	nodes map[string][]*journal.NodeExecution
}

// New returns an empty in-memory journal store.
func New() journal.Store {
	return &store{
		executions: make(map[string]*journal.Execution),
		nodes:      make(map[string][]*journal.NodeExecution),
	}
}

func (s *store) CreateExecution(_ context.Context, ex *journal.Execution) error {
	if ex == nil || ex.ID == "" {
		return fmt.Errorf("execution id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.executions[ex.ID]; dup {
		return fmt.Errorf("execution %q: %w", ex.ID, journal.ErrDuplicate)
	}
	cp := *ex
	if cp.Status == "" {
		cp.Status = journal.ExecutionPending
	}
	s.executions[ex.ID] = &cp
	return nil
}

func (s *store) MarkExecutionRunning(_ context.Context, executionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[executionID]
	if !ok {
		return fmt.Errorf("execution %q: %w", executionID, journal.ErrNotFound)
	}
	if !journal.CanTransitionExecution(ex.Status, journal.ExecutionRunning) {
		return fmt.Errorf("execution %q: %s -> %s: %w", executionID, ex.Status, journal.ExecutionRunning, journal.ErrInvalidTransition)
	}
	ex.Status = journal.ExecutionRunning
	ex.StartedAt = at
	return nil
}

func (s *store) FinishExecution(_ context.Context, executionID string, status journal.ExecutionStatus, output value.Value, fault *faults.Fault, at time.Time) error {
	if !journal.TerminalExecution(status) {
		return fmt.Errorf("execution %q: %s is not terminal: %w", executionID, status, journal.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[executionID]
	if !ok {
		return fmt.Errorf("execution %q: %w", executionID, journal.ErrNotFound)
	}
	if !journal.CanTransitionExecution(ex.Status, status) {
		return fmt.Errorf("execution %q: %s -> %s: %w", executionID, ex.Status, status, journal.ErrInvalidTransition)
	}
	ex.Status = status
	ex.Output = output
	ex.Fault = fault
	ended := at
	ex.EndedAt = &ended
	return nil
}

func (s *store) CreateNodeExecution(_ context.Context, ne *journal.NodeExecution) error {
	if ne == nil || ne.ExecutionID == "" || ne.NodeID == "" {
		return fmt.Errorf("node execution requires execution and node ids")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[ne.ExecutionID]; !ok {
		return fmt.Errorf("execution %q: %w", ne.ExecutionID, journal.ErrNotFound)
	}
	max := 0
	for _, row := range s.nodes[ne.ExecutionID] {
		if row.NodeID == ne.NodeID && row.Attempt > max {
			max = row.Attempt
		}
	}
	if ne.Attempt != max+1 {
		return fmt.Errorf("node %q attempt %d (expected %d): %w", ne.NodeID, ne.Attempt, max+1, journal.ErrDuplicate)
	}
	cp := *ne
	if cp.Status == "" {
		cp.Status = journal.NodeWaiting
	}
	s.nodes[ne.ExecutionID] = append(s.nodes[ne.ExecutionID], &cp)
	return nil
}

func (s *store) MarkNodeReady(_ context.Context, executionID, nodeID string, attempt int, input value.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.row(executionID, nodeID, attempt)
	if err != nil {
		return err
	}
	if !journal.CanTransitionNode(row.Status, journal.NodeReady) {
		return transitionErr(nodeID, row.Status, journal.NodeReady)
	}
	row.Status = journal.NodeReady
	row.InputSnapshot = input
	return nil
}

func (s *store) MarkNodeRunning(_ context.Context, executionID, nodeID string, attempt int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.row(executionID, nodeID, attempt)
	if err != nil {
		return err
	}
	if !journal.CanTransitionNode(row.Status, journal.NodeRunning) {
		return transitionErr(nodeID, row.Status, journal.NodeRunning)
	}
	row.Status = journal.NodeRunning
	started := at
	row.StartedAt = &started
	return nil
}

func (s *store) FinishNode(_ context.Context, executionID, nodeID string, attempt int, status journal.NodeStatus, output value.Value, fault *faults.Fault, at time.Time) error {
	if !journal.TerminalNode(status) {
		return fmt.Errorf("node %q: %s is not terminal: %w", nodeID, status, journal.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.row(executionID, nodeID, attempt)
	if err != nil {
		return err
	}
	if !journal.CanTransitionNode(row.Status, status) {
		return transitionErr(nodeID, row.Status, status)
	}
	row.Status = status
	row.OutputSnapshot = output
	row.Fault = fault
	ended := at
	row.EndedAt = &ended
	if row.StartedAt != nil {
		row.DurationMS = ended.Sub(*row.StartedAt).Milliseconds()
	}
	return nil
}

func (s *store) AppendNodeDebug(_ context.Context, executionID, nodeID string, attempt int, entry journal.DebugEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.row(executionID, nodeID, attempt)
	if err != nil {
		return err
	}
	row.Debug = append(row.Debug, entry)
	return nil
}

func (s *store) LoadExecution(_ context.Context, executionID string) (*journal.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %q: %w", executionID, journal.ErrNotFound)
	}
	cp := *ex
	return &cp, nil
}

func (s *store) ListExecutions(_ context.Context, principal string, page journal.Page) ([]*journal.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*journal.Execution
	for _, ex := range s.executions {
		if ex.Principal != principal {
			continue
		}
		cp := *ex
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	if page.Offset >= len(out) {
		return nil, nil
	}
	out = out[page.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *store) ListNodeExecutions(_ context.Context, executionID string) ([]*journal.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.executions[executionID]; !ok {
		return nil, fmt.Errorf("execution %q: %w", executionID, journal.ErrNotFound)
	}
	rows := s.nodes[executionID]
	out := make([]*journal.NodeExecution, len(rows))
	for i, row := range rows {
		cp := *row
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.StartedAt == nil && b.StartedAt == nil:
			return a.NodeID < b.NodeID
		case a.StartedAt == nil:
			return false
		case b.StartedAt == nil:
			return true
		case a.StartedAt.Equal(*b.StartedAt):
			return a.NodeID < b.NodeID
		default:
			return a.StartedAt.Before(*b.StartedAt)
		}
	})
	return out, nil
}

func (s *store) ExecutionOutput(_ context.Context, executionID string) (value.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.executions[executionID]
	if !ok {
		return value.Null(), fmt.Errorf("execution %q: %w", executionID, journal.ErrNotFound)
	}
	return ex.Output, nil
}

// row returns the live row; callers hold the lock.
func (s *store) row(executionID, nodeID string, attempt int) (*journal.NodeExecution, error) {
	for _, row := range s.nodes[executionID] {
		if row.NodeID == nodeID && row.Attempt == attempt {
			return row, nil
		}
	}
	return nil, fmt.Errorf("node %q attempt %d in execution %q: %w", nodeID, attempt, executionID, journal.ErrNotFound)
}

func transitionErr(nodeID string, from, to journal.NodeStatus) error {
	return fmt.Errorf("node %q: %s -> %s: %w", nodeID, from, to, journal.ErrInvalidTransition)
}
