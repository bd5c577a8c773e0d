package ingress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/flowrun/engine"
	"goa.design/flowrun/flow"
	"goa.design/flowrun/handler"
	"goa.design/flowrun/journal"
	"goa.design/flowrun/journal/inmem"
	"goa.design/flowrun/plan"
	"goa.design/flowrun/value"
)

type fakeFlowStore struct {
	mu    sync.Mutex
	flows map[string]*flow.Document
}

func (f *fakeFlowStore) LoadFlow(_ context.Context, flowID, _ string) (*flow.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.flows[flowID]
	if !ok {
		return nil, errors.New("flow not published")
	}
	return doc, nil
}

func testDoc(nodes []flow.Node, edges []flow.Edge) *flow.Document {
	return &flow.Document{
		Version:    "1",
		Definition: flow.Definition{Nodes: nodes, Edges: edges},
	}
}

func node(id, typ string) flow.Node {
	return flow.Node{ID: id, Type: typ}
}

func edge(source, target string) flow.Edge {
	return flow.Edge{ID: source + "->" + target, Source: source, Target: target}
}

func newTestService(t *testing.T, reg *handler.Registry, flows map[string]*flow.Document) (*Service, journal.Store) {
	t.Helper()
	store := inmem.New()
	eng, err := engine.New(engine.Options{Registry: reg, Journal: store})
	require.NoError(t, err)
	svc, err := NewService(Options{
		Flows:    &fakeFlowStore{flows: flows},
		Engine:   eng,
		Registry: reg,
	})
	require.NoError(t, err)
	return svc, store
}

func echoRegistry(t *testing.T) *handler.Registry {
	t.Helper()
	reg := handler.NewRegistry()
	reg.MustRegister(
		handler.New(handler.Def{TypeName: "trigger.manual", Trigger: true, Run: func(_ context.Context, inv *handler.Invocation) (value.Value, error) {
			return inv.Input, nil
		}}),
		handler.New(handler.Def{TypeName: "echo", Run: func(_ context.Context, inv *handler.Invocation) (value.Value, error) {
			return inv.Input, nil
		}}),
	)
	return reg
}

func TestRunSyncCompletes(t *testing.T) {
	t.Parallel()

	reg := echoRegistry(t)
	flows := map[string]*flow.Document{
		"greet": testDoc(
			[]flow.Node{node("start", "trigger.manual"), node("end", "echo")},
			[]flow.Edge{edge("start", "end")},
		),
	}
	svc, _ := newTestService(t, reg, flows)

	in := value.Object(map[string]value.Value{"name": value.String("ada")})
	ex, err := svc.RunSync(context.Background(), StartRequest{FlowID: "greet", Input: in, Principal: "alice"})
	require.NoError(t, err)

	assert.Equal(t, journal.ExecutionCompleted, ex.Status)
	assert.Equal(t, "alice", ex.Principal)
	name, ok := ex.Output.Field("name")
	require.True(t, ok)
	s, _ := name.AsString()
	assert.Equal(t, "ada", s)
}

func TestStartExecutionReturnsBeforeCompletion(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	reg := handler.NewRegistry()
	reg.MustRegister(
		handler.New(handler.Def{TypeName: "trigger.manual", Trigger: true, Run: func(_ context.Context, _ *handler.Invocation) (value.Value, error) {
			<-release
			return value.Null(), nil
		}}),
	)
	flows := map[string]*flow.Document{
		"slow": testDoc([]flow.Node{node("start", "trigger.manual")}, nil),
	}
	svc, store := newTestService(t, reg, flows)

	executionID, err := svc.StartExecution(context.Background(), StartRequest{FlowID: "slow"})
	require.NoError(t, err)
	require.NotEmpty(t, executionID)

	require.Eventually(t, func() bool {
		ex, err := store.LoadExecution(context.Background(), executionID)
		return err == nil && ex.Status == journal.ExecutionRunning
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		ex, err := store.LoadExecution(context.Background(), executionID)
		return err == nil && ex.Status == journal.ExecutionCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartExecutionSurfacesValidationError(t *testing.T) {
	t.Parallel()

	reg := echoRegistry(t)
	flows := map[string]*flow.Document{
		"broken": testDoc(
			[]flow.Node{node("start", "trigger.manual"), node("end", "no.such.type")},
			[]flow.Edge{edge("start", "end")},
		),
	}
	svc, _ := newTestService(t, reg, flows)

	_, err := svc.StartExecution(context.Background(), StartRequest{FlowID: "broken"})
	var verr *plan.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Violations, 1)
	assert.Equal(t, plan.RuleUnknownType, verr.Violations[0].Rule)
}

func TestStartExecutionUnknownFlow(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, echoRegistry(t), nil)
	_, err := svc.StartExecution(context.Background(), StartRequest{FlowID: "ghost"})
	require.Error(t, err)

	_, err = svc.StartExecution(context.Background(), StartRequest{})
	require.Error(t, err)
}

func TestCancelStopsRunningExecution(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	reg := handler.NewRegistry()
	reg.MustRegister(
		handler.New(handler.Def{TypeName: "trigger.manual", Trigger: true, Run: func(ctx context.Context, _ *handler.Invocation) (value.Value, error) {
			close(started)
			<-ctx.Done()
			return value.Null(), ctx.Err()
		}}),
	)
	flows := map[string]*flow.Document{
		"hang": testDoc([]flow.Node{node("start", "trigger.manual")}, nil),
	}
	svc, store := newTestService(t, reg, flows)

	executionID, err := svc.StartExecution(context.Background(), StartRequest{FlowID: "hang"})
	require.NoError(t, err)
	<-started

	require.NoError(t, svc.Cancel(executionID))
	require.Eventually(t, func() bool {
		ex, err := store.LoadExecution(context.Background(), executionID)
		return err == nil && ex.Status == journal.ExecutionCancelled
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, svc.Cancel("never-started"), ErrUnknownExecution)
}

func TestNewServiceValidatesOptions(t *testing.T) {
	t.Parallel()

	store := inmem.New()
	reg := echoRegistry(t)
	eng, err := engine.New(engine.Options{Registry: reg, Journal: store})
	require.NoError(t, err)

	_, err = NewService(Options{Engine: eng, Registry: reg})
	require.Error(t, err)
	_, err = NewService(Options{Flows: &fakeFlowStore{}, Registry: reg})
	require.Error(t, err)
	_, err = NewService(Options{Flows: &fakeFlowStore{}, Engine: eng})
	require.Error(t, err)
}

func TestCronTriggerFiresSchedule(t *testing.T) {
	t.Parallel()

	reg := echoRegistry(t)
	flows := map[string]*flow.Document{
		"tick": testDoc([]flow.Node{node("start", "trigger.manual")}, nil),
	}
	svc, store := newTestService(t, reg, flows)

	trig, err := NewCronTrigger(svc, nil)
	require.NoError(t, err)
	_, err = trig.Add(Schedule{Spec: "@every 100ms", FlowID: "tick", Principal: "cron"})
	require.NoError(t, err)

	trig.Start()
	defer trig.Stop()

	require.Eventually(t, func() bool {
		rows, err := store.ListExecutions(context.Background(), "cron", journal.Page{})
		if err != nil {
			return false
		}
		for _, ex := range rows {
			if ex.Status == journal.ExecutionCompleted {
				return true
			}
		}
		return false
	}, 3*time.Second, 25*time.Millisecond)
}

func TestCronTriggerRejectsBadSchedules(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, echoRegistry(t), nil)
	trig, err := NewCronTrigger(svc, nil)
	require.NoError(t, err)

	_, err = trig.Add(Schedule{Spec: "@every 1s"})
	require.Error(t, err, "missing flow id")
	_, err = trig.Add(Schedule{Spec: "not a cron spec", FlowID: "f"})
	require.Error(t, err)
}
