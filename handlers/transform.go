package handlers

import (
	"context"

	"goa.design/flowrun/faults"
	"goa.design/flowrun/handler"
	"goa.design/flowrun/value"
)

var transformSetSchema = []byte(`{
	"type": "object",
	"required": ["fields"],
	"properties": {
		"fields": {
			"type": "object",
			"description": "output field names mapped to templates or literals"
		}
	},
	"additionalProperties": false
}`)

// TransformSet returns the transform.set handler. Each entry of the "fields"
// config map becomes an output field; string leaves are rendered as
// templates, everything else passes through as a literal.
func TransformSet() handler.Handler {
	return handler.New(handler.Def{
		TypeName: "transform.set",
		Schema:   transformSetSchema,
		Run: func(_ context.Context, inv *handler.Invocation) (value.Value, error) {
			fields, ok := inv.Config["fields"].(map[string]any)
			if !ok {
				return value.Null(), faults.New(faults.KindConfig, `transform.set: "fields" must be an object`)
			}
			rendered, err := inv.Evaluator.RenderConfig(fields)
			if err != nil {
				return value.Null(), err
			}
			out := make(map[string]value.Value, len(rendered))
			for k, raw := range rendered {
				v, err := value.FromAny(raw)
				if err != nil {
					return value.Null(), faults.Errorf(faults.KindData, "transform.set: field %q: %v", k, err)
				}
				out[k] = v
			}
			return value.Object(out), nil
		},
	})
}
