// Package ingress is the front door for starting executions: it loads
// published flow documents, builds plans and hands them to the engine. The
// transport layer (HTTP, gRPC, queues) lives outside this module and calls
// the Service directly.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"goa.design/flowrun/engine"
	"goa.design/flowrun/flow"
	"goa.design/flowrun/handler"
	"goa.design/flowrun/journal"
	"goa.design/flowrun/plan"
	"goa.design/flowrun/telemetry"
	"goa.design/flowrun/value"
)

type (
	// FlowStore resolves published flow documents. Version "" means the
	// latest published version.
	FlowStore interface {
		LoadFlow(ctx context.Context, flowID, version string) (*flow.Document, error)
	}

	// Options configures a Service.
	Options struct {
		// Flows resolves flow documents. Required.
		Flows FlowStore
		// Engine executes plans. Required.
		Engine *engine.Engine
		// Registry validates node types at plan build. Required.
		Registry *handler.Registry
		// Credentials resolves credential references at plan build. Optional.
		Credentials handler.CredentialsResolver
		// Logger defaults to the no-op logger.
		Logger telemetry.Logger
	}

	// Service starts and cancels executions.
	Service struct {
		flows   FlowStore
		eng     *engine.Engine
		builder *plan.Builder
		logger  telemetry.Logger

		mu      sync.Mutex
		running map[string]context.CancelFunc
	}

	// StartRequest identifies the flow to run and its initial input.
	StartRequest struct {
		// FlowID names the published flow. Required.
		FlowID string
		// Version selects a published version; empty means latest.
		Version string
		// Input is the initial document handed to the trigger.
		Input value.Value
		// Principal is the owning user.
		Principal string
	}
)

// ErrUnknownExecution reports a cancel request for an execution this service
// is not running.
var ErrUnknownExecution = errors.New("ingress: unknown execution")

// NewService returns an ingress Service.
func NewService(opts Options) (*Service, error) {
	if opts.Flows == nil {
		return nil, errors.New("ingress: flow store is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("ingress: engine is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("ingress: registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger()
	}
	return &Service{
		flows:   opts.Flows,
		eng:     opts.Engine,
		builder: plan.NewBuilder(opts.Registry, opts.Credentials),
		logger:  logger,
		running: make(map[string]context.CancelFunc),
	}, nil
}

// StartExecution validates the request, opens the execution and returns its
// id without waiting for completion. Plan validation failures surface as
// *plan.ValidationError so callers can map them to client errors.
func (s *Service) StartExecution(ctx context.Context, req StartRequest) (string, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return "", err
	}
	executionID := uuid.NewString()

	// The execution outlives the start request; only Cancel or the flow
	// timeout stops it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.running[executionID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.running, executionID)
			s.mu.Unlock()
		}()
		ex, err := s.eng.Execute(runCtx, engine.Request{
			Plan:        p,
			Input:       req.Input,
			Principal:   req.Principal,
			ExecutionID: executionID,
		})
		if err != nil {
			s.logger.Error(runCtx, "execution aborted", "execution_id", executionID, "flow_id", req.FlowID, "err", err)
			return
		}
		s.logger.Info(runCtx, "execution finished", "execution_id", executionID, "flow_id", req.FlowID, "status", string(ex.Status))
	}()

	return executionID, nil
}

// RunSync executes the flow and blocks until the terminal status.
func (s *Service) RunSync(ctx context.Context, req StartRequest) (*journal.Execution, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.eng.Execute(ctx, engine.Request{
		Plan:      p,
		Input:     req.Input,
		Principal: req.Principal,
	})
}

// Cancel requests cooperative cancellation of a running execution. The
// journal reaches its terminal state asynchronously.
func (s *Service) Cancel(executionID string) error {
	s.mu.Lock()
	cancel, ok := s.running[executionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}
	cancel()
	return nil
}

func (s *Service) prepare(ctx context.Context, req StartRequest) (*plan.Plan, error) {
	if req.FlowID == "" {
		return nil, errors.New("ingress: flow id is required")
	}
	doc, err := s.flows.LoadFlow(ctx, req.FlowID, req.Version)
	if err != nil {
		return nil, fmt.Errorf("load flow %q: %w", req.FlowID, err)
	}
	return s.builder.Build(ctx, req.FlowID, doc)
}
