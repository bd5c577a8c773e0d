package handlers

import (
	"context"

	"goa.design/flowrun/handler"
	"goa.design/flowrun/value"
)

// ManualTrigger returns the trigger.manual handler. It passes the execution
// input through unchanged so downstream nodes see the caller's document.
func ManualTrigger() handler.Handler {
	return handler.New(handler.Def{
		TypeName: "trigger.manual",
		Trigger:  true,
		Ports: handler.Interface{
			Outputs: []handler.Port{{Name: "output", Description: "the execution input document"}},
		},
		Run: func(_ context.Context, inv *handler.Invocation) (value.Value, error) {
			if inv.Input.IsNull() {
				return value.Object(nil), nil
			}
			return inv.Input, nil
		},
	})
}
