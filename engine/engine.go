// Package engine runs plans. The scheduler walks the plan's DAG, dispatches
// node handlers onto a bounded worker pool and records every transition in
// the journal before publishing it to hooks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"goa.design/flowrun/eval"
	"goa.design/flowrun/handler"
	"goa.design/flowrun/hooks"
	"goa.design/flowrun/journal"
	"goa.design/flowrun/plan"
	"goa.design/flowrun/telemetry"
	"goa.design/flowrun/value"
)

const (
	// DefaultMaxParallel is the per-execution worker cap.
	DefaultMaxParallel = 8
	// DefaultGlobalMaxParallel bounds node executions across all executions
	// in the process.
	DefaultGlobalMaxParallel = 64
	// globalAcquireTimeout bounds waiting for a process-wide worker slot.
	globalAcquireTimeout = 30 * time.Second
)

type (
	// Options configures an Engine.
	Options struct {
		// Registry resolves node types to handlers. Required.
		Registry *handler.Registry
		// Journal is the system of record. Required.
		Journal journal.Store
		// Evaluator renders node config templates. Defaults to a non-strict
		// evaluator with the built-in function table.
		Evaluator *eval.Evaluator
		// Credentials resolves credential ids for handlers. Optional.
		Credentials handler.CredentialsResolver
		// Hooks receives lifecycle events. Defaults to the no-op publisher.
		Hooks hooks.Publisher
		// Logger, Metrics and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
		// Clock supplies time. Tests override it.
		Clock handler.Clock
		// MaxParallel is the per-execution worker cap under "allow"
		// concurrency. Defaults to DefaultMaxParallel.
		MaxParallel int
		// GlobalMaxParallel bounds concurrent node executions process-wide.
		// Defaults to DefaultGlobalMaxParallel.
		GlobalMaxParallel int
		// DefaultExecutionTimeout applies when a flow's settings carry no
		// timeout. Zero means unbounded.
		DefaultExecutionTimeout time.Duration
	}

	// Engine executes plans against the journal.
	Engine struct {
		registry    *handler.Registry
		journal     journal.Store
		evaluator   *eval.Evaluator
		credentials handler.CredentialsResolver
		hooks       hooks.Publisher
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		tracer      telemetry.Tracer
		clock       handler.Clock
		maxParallel int
		global      *semaphore.Weighted
		execTimeout time.Duration
	}

	// Request starts one execution of a plan.
	Request struct {
		// Plan is the validated plan to run. Required.
		Plan *plan.Plan
		// Input is the initial document handed to the trigger node.
		Input value.Value
		// Principal is the owning user.
		Principal string
		// ExecutionID overrides the generated id. Tests and idempotent
		// callers only.
		ExecutionID string
	}
)

// New returns an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	if opts.Journal == nil {
		return nil, errors.New("engine: journal store is required")
	}
	evaluator := opts.Evaluator
	if evaluator == nil {
		evaluator = eval.New()
	}
	publisher := opts.Hooks
	if publisher == nil {
		publisher = hooks.Noop()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NoopTracer()
	}
	clock := opts.Clock
	if clock == nil {
		clock = handler.SystemClock()
	}
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	globalMax := opts.GlobalMaxParallel
	if globalMax <= 0 {
		globalMax = DefaultGlobalMaxParallel
	}
	return &Engine{
		registry:    opts.Registry,
		journal:     opts.Journal,
		evaluator:   evaluator,
		credentials: opts.Credentials,
		hooks:       publisher,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
		clock:       clock,
		maxParallel: maxParallel,
		global:      semaphore.NewWeighted(int64(globalMax)),
		execTimeout: opts.DefaultExecutionTimeout,
	}, nil
}

// Execute runs the plan to a terminal status and returns the final journal
// record. Node failures never surface as an error here; they are visible on
// the returned execution. The error return is reserved for infrastructure
// failures (journal writes, invalid requests).
func (e *Engine) Execute(ctx context.Context, req Request) (*journal.Execution, error) {
	if req.Plan == nil {
		return nil, errors.New("engine: plan is required")
	}
	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	now := e.clock.Now().UTC()
	ex := &journal.Execution{
		ID:          executionID,
		FlowID:      req.Plan.FlowID,
		FlowVersion: req.Plan.FlowVersion,
		Principal:   req.Principal,
		Status:      journal.ExecutionPending,
		StartedAt:   now,
		Input:       req.Input,
	}
	if err := e.journal.CreateExecution(ctx, ex); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	for _, id := range req.Plan.Order {
		ne := &journal.NodeExecution{
			ExecutionID: executionID,
			NodeID:      id,
			Attempt:     1,
			Status:      journal.NodeWaiting,
		}
		if err := e.journal.CreateNodeExecution(ctx, ne); err != nil {
			return nil, fmt.Errorf("create node execution %q: %w", id, err)
		}
	}
	if err := e.journal.MarkExecutionRunning(ctx, executionID, now); err != nil {
		return nil, fmt.Errorf("mark execution running: %w", err)
	}
	_ = e.hooks.Publish(ctx, hooks.NewExecutionStarted(executionID, req.Plan.FlowID, req.Plan.FlowVersion, req.Input, now))
	e.metrics.IncCounter("flowrun.executions.started", 1, "flow_id", req.Plan.FlowID)

	r := newRun(e, req.Plan, executionID, req.Input, now)
	status, output, fault := r.loop(ctx)

	// Terminal bookkeeping must survive caller cancellation; ordering
	// guarantee (ii) requires every row to be terminal before the execution
	// status changes.
	finCtx := context.WithoutCancel(ctx)
	endedAt := e.clock.Now().UTC()
	if err := e.journal.FinishExecution(finCtx, executionID, status, output, fault, endedAt); err != nil {
		return nil, fmt.Errorf("finish execution: %w", err)
	}
	_ = e.hooks.Publish(finCtx, hooks.NewExecutionFinished(executionID, status, output, fault, endedAt))
	e.metrics.IncCounter("flowrun.executions.finished", 1, "status", string(status))
	e.metrics.RecordTimer("flowrun.execution.duration", endedAt.Sub(now), "flow_id", req.Plan.FlowID)

	return e.journal.LoadExecution(finCtx, executionID)
}
