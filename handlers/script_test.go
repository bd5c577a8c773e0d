package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/flowrun/faults"
	"goa.design/flowrun/value"
)

type fakeScriptEngine struct {
	code     string
	bindings map[string]value.Value
	timeout  time.Duration
	out      value.Value
	err      error
}

func (f *fakeScriptEngine) Execute(_ context.Context, code string, bindings map[string]value.Value, timeout time.Duration) (value.Value, error) {
	f.code = code
	f.bindings = bindings
	f.timeout = timeout
	return f.out, f.err
}

func TestScriptRunBindsInputAndTimeout(t *testing.T) {
	t.Parallel()

	eng := &fakeScriptEngine{out: value.Object(map[string]value.Value{"n": value.Int(1)})}
	h := ScriptRun(eng)

	in := value.Object(map[string]value.Value{"n": value.Int(0)})
	cfg := map[string]any{"code": "return {n: input.n + 1}", "timeout": 2}
	out, err := h.Execute(context.Background(), newInvocation(cfg, in, nil))
	require.NoError(t, err)

	assert.Equal(t, "return {n: input.n + 1}", eng.code)
	assert.True(t, value.Equal(in, eng.bindings["input"]))
	assert.Equal(t, 2*time.Second, eng.timeout)
	n, _ := out.Field("n")
	i, _ := n.AsInt()
	assert.Equal(t, int64(1), i)
}

func TestScriptRunDefaultTimeout(t *testing.T) {
	t.Parallel()

	eng := &fakeScriptEngine{out: value.Null()}
	h := ScriptRun(eng)
	_, err := h.Execute(context.Background(), newInvocation(map[string]any{"code": "1"}, value.Null(), nil))
	require.NoError(t, err)
	assert.Equal(t, defaultScriptTimeout, eng.timeout)
}

func TestScriptRunFaults(t *testing.T) {
	t.Parallel()

	h := ScriptRun(&fakeScriptEngine{})
	_, err := h.Execute(context.Background(), newInvocation(map[string]any{}, value.Null(), nil))
	require.Error(t, err)
	assert.Equal(t, faults.KindConfig, faults.KindOf(err))

	boom := ScriptRun(&fakeScriptEngine{err: faults.New(faults.KindTimeout, "script exceeded 10s")})
	_, err = boom.Execute(context.Background(), newInvocation(map[string]any{"code": "while(1){}"}, value.Null(), nil))
	require.Error(t, err)
	assert.Equal(t, faults.KindTimeout, faults.KindOf(err), "non-runtime fault kinds pass through")
}
