package ingress

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"goa.design/flowrun/telemetry"
	"goa.design/flowrun/value"
)

type (
	// Schedule binds a cron expression to a flow and a fixed input document.
	Schedule struct {
		// Spec is a standard five-field cron expression.
		Spec string
		// FlowID and Version select the flow to start.
		FlowID  string
		Version string
		// Input is the document handed to the trigger on every firing.
		Input value.Value
		// Principal owns the resulting executions.
		Principal string
	}

	// CronTrigger starts executions on cron schedules. Firings that fail to
	// start are logged and dropped; the next firing is unaffected.
	CronTrigger struct {
		svc    *Service
		logger telemetry.Logger
		cron   *cron.Cron

		mu      sync.Mutex
		entries map[cron.EntryID]Schedule
		started bool
	}
)

// NewCronTrigger returns a trigger bound to the given service.
func NewCronTrigger(svc *Service, logger telemetry.Logger) (*CronTrigger, error) {
	if svc == nil {
		return nil, errors.New("ingress: service is required")
	}
	if logger == nil {
		logger = telemetry.NoopLogger()
	}
	return &CronTrigger{
		svc:     svc,
		logger:  logger,
		cron:    cron.New(),
		entries: make(map[cron.EntryID]Schedule),
	}, nil
}

// Add registers a schedule and returns its entry id. Schedules may be added
// before or after Start.
func (t *CronTrigger) Add(s Schedule) (cron.EntryID, error) {
	if s.FlowID == "" {
		return 0, errors.New("ingress: schedule flow id is required")
	}
	id, err := t.cron.AddFunc(s.Spec, func() { t.fire(s) })
	if err != nil {
		return 0, fmt.Errorf("add schedule %q: %w", s.Spec, err)
	}
	t.mu.Lock()
	t.entries[id] = s
	t.mu.Unlock()
	return id, nil
}

// Remove drops a schedule.
func (t *CronTrigger) Remove(id cron.EntryID) {
	t.cron.Remove(id)
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// Start begins firing schedules. Idempotent.
func (t *CronTrigger) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	t.cron.Start()
}

// Stop halts firing and waits for in-flight StartExecution calls to return.
// Already-started executions keep running.
func (t *CronTrigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return
	}
	t.started = false
	<-t.cron.Stop().Done()
}

func (t *CronTrigger) fire(s Schedule) {
	ctx := context.Background()
	executionID, err := t.svc.StartExecution(ctx, StartRequest{
		FlowID:    s.FlowID,
		Version:   s.Version,
		Input:     s.Input,
		Principal: s.Principal,
	})
	if err != nil {
		t.logger.Error(ctx, "scheduled start failed", "flow_id", s.FlowID, "err", err)
		return
	}
	t.logger.Info(ctx, "scheduled execution started", "flow_id", s.FlowID, "execution_id", executionID)
}
