package handlers

import (
	"context"
	"time"

	"goa.design/flowrun/faults"
	"goa.design/flowrun/handler"
	"goa.design/flowrun/value"
)

// ScriptEngine executes user scripts in a sandbox. Implementations own the
// language choice and the sandboxing; the handler only brokers bindings and
// the timeout.
type ScriptEngine interface {
	Execute(ctx context.Context, code string, bindings map[string]value.Value, timeout time.Duration) (value.Value, error)
}

const defaultScriptTimeout = 10 * time.Second

var scriptRunSchema = []byte(`{
	"type": "object",
	"required": ["code"],
	"properties": {
		"code": {"type": "string", "minLength": 1},
		"timeout": {"type": "number", "exclusiveMinimum": 0}
	},
	"additionalProperties": false
}`)

// ScriptRun returns the script.run handler bound to the given engine. The
// script sees the node input under the "input" binding; its return value is
// the node output.
func ScriptRun(engine ScriptEngine) handler.Handler {
	return handler.New(handler.Def{
		TypeName: "script.run",
		Schema:   scriptRunSchema,
		Async:    true,
		Run: func(ctx context.Context, inv *handler.Invocation) (value.Value, error) {
			code, _ := inv.Config["code"].(string)
			if code == "" {
				return value.Null(), faults.New(faults.KindConfig, `script.run: "code" is required`)
			}
			timeout := defaultScriptTimeout
			if raw, ok := inv.Config["timeout"]; ok {
				switch t := raw.(type) {
				case int:
					timeout = time.Duration(t) * time.Second
				case float64:
					timeout = time.Duration(t * float64(time.Second))
				}
			}
			bindings := map[string]value.Value{
				"input": inv.Input,
			}
			out, err := engine.Execute(ctx, code, bindings, timeout)
			if err != nil {
				if faults.KindOf(err) == faults.KindRuntime {
					return value.Null(), faults.Wrap(faults.KindRuntime, "script failed", err)
				}
				return value.Null(), err
			}
			return out, nil
		},
	})
}
