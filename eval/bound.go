package eval

import (
	"goa.design/flowrun/value"
)

// Bound pairs an Evaluator with a fixed Scope. The engine hands one to each
// handler invocation; it satisfies the handler package's Evaluator
// capability without the handler knowing about scopes.
type Bound struct {
	ev    *Evaluator
	scope Scope
}

// Bind returns an evaluator bound to the given scope.
func (e *Evaluator) Bind(scope Scope) *Bound {
	return &Bound{ev: e, scope: scope}
}

// RenderValue resolves a template against the bound scope.
func (b *Bound) RenderValue(tmpl string) (value.Value, error) {
	return b.ev.Render(tmpl, b.scope)
}

// RenderString resolves a template and stringifies the result.
func (b *Bound) RenderString(tmpl string) (string, error) {
	return b.ev.RenderString(tmpl, b.scope)
}

// RenderConfig renders every string leaf of a config map, descending into
// nested maps and slices. Non-string leaves pass through untouched.
func (b *Bound) RenderConfig(cfg map[string]any) (map[string]any, error) {
	out, err := b.renderAny(cfg)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (b *Bound) renderAny(in any) (any, error) {
	switch t := in.(type) {
	case string:
		v, err := b.RenderValue(t)
		if err != nil {
			return nil, err
		}
		return v.Interface(), nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, el := range t {
			rendered, err := b.renderAny(el)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			rendered, err := b.renderAny(el)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return in, nil
	}
}
