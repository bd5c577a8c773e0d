package eval

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"goa.design/flowrun/faults"
	"goa.design/flowrun/value"
)

type (
	// Scope is the namespace an expression resolves against. Scopes are
	// cheap, immutable snapshots built per node invocation.
	Scope struct {
		// Input is the current node's fan-in merged input ($input).
		Input value.Value
		// Nodes maps prior node ids to their outputs ($nodes.<id>.output).
		Nodes map[string]value.Value
		// ExecutionID is exposed as $execution.id.
		ExecutionID string
		// StartedAt is exposed as $execution.startedAt.
		StartedAt time.Time
	}

	// Evaluator resolves expressions and renders templates. It is immutable
	// after construction and safe for concurrent use.
	Evaluator struct {
		strict bool
		funcs  map[string]fn
	}

	// Option configures an Evaluator.
	Option func(*Evaluator)
)

// WithStrict makes missing paths evaluation errors (DATA faults) instead of
// Null. Handlers opt in; the engine default is permissive.
func WithStrict() Option {
	return func(e *Evaluator) { e.strict = true }
}

// WithEnvWhitelist sets the environment variable names callable through
// env("NAME"). Names outside the whitelist always fail.
func WithEnvWhitelist(names ...string) Option {
	return func(e *Evaluator) { e.funcs["env"] = envFunc(names) }
}

// New constructs an Evaluator with the closed built-in function table:
// now(), uuid() and env("NAME"). The function set is versioned with the
// engine because flows serialize function names.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{funcs: map[string]fn{
		"now":  nowFunc,
		"uuid": uuidFunc,
		"env":  envFunc(nil),
	}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate resolves a single expression (no surrounding braces) against the
// scope and returns its typed value.
func (e *Evaluator) Evaluate(expr string, scope Scope) (value.Value, error) {
	parsed, err := parseExpression(expr)
	if err != nil {
		return value.Null(), faults.Wrap(faults.KindData, "parse expression", err)
	}
	if parsed.fn != "" {
		f, ok := e.funcs[parsed.fn]
		if !ok {
			return value.Null(), faults.Errorf(faults.KindData, "unknown function %q", parsed.fn)
		}
		return f(parsed.args)
	}
	return e.resolvePath(parsed, scope)
}

// Render resolves a template string. A string that is exactly one expression
// yields the raw typed value; strings with embedded expressions render by
// substitution into a single string.
func (e *Evaluator) Render(tmpl string, scope Scope) (value.Value, error) {
	spans, err := findSpans(tmpl)
	if err != nil {
		return value.Null(), err
	}
	if len(spans) == 0 {
		return value.String(tmpl), nil
	}
	if len(spans) == 1 && strings.TrimSpace(tmpl) == tmpl[spans[0].start:spans[0].end] {
		return e.Evaluate(spans[0].expr, scope)
	}

	var b strings.Builder
	last := 0
	for _, s := range spans {
		b.WriteString(tmpl[last:s.start])
		v, err := e.Evaluate(s.expr, scope)
		if err != nil {
			return value.Null(), err
		}
		b.WriteString(Stringify(v))
		last = s.end
	}
	b.WriteString(tmpl[last:])
	return value.String(b.String()), nil
}

// RenderString renders like Render and stringifies the result.
func (e *Evaluator) RenderString(tmpl string, scope Scope) (string, error) {
	v, err := e.Render(tmpl, scope)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

func (e *Evaluator) resolvePath(expr *expression, scope Scope) (value.Value, error) {
	root, rest, err := e.resolveRoot(expr, scope)
	if err != nil {
		return value.Null(), err
	}
	return e.walk(expr, root, rest)
}

// resolveRoot maps the leading path segment onto the scope namespace. Bare
// identifiers resolve as fields of $input.
func (e *Evaluator) resolveRoot(expr *expression, scope Scope) (value.Value, []segment, error) {
	head := expr.path[0]
	switch head.name {
	case "$input":
		return scope.Input, expr.path[1:], nil
	case "$nodes":
		fields := make(map[string]value.Value, len(scope.Nodes))
		for id, out := range scope.Nodes {
			fields[id] = value.Object(map[string]value.Value{"output": out})
		}
		return value.Object(fields), expr.path[1:], nil
	case "$execution":
		return value.Object(map[string]value.Value{
			"id":        value.String(scope.ExecutionID),
			"startedAt": value.String(scope.StartedAt.UTC().Format(time.RFC3339Nano)),
		}), expr.path[1:], nil
	default:
		if strings.HasPrefix(head.name, "$") {
			return value.Null(), nil, faults.Errorf(faults.KindData, "unknown root namespace %q", head.name)
		}
		return scope.Input, expr.path, nil
	}
}

func (e *Evaluator) walk(expr *expression, v value.Value, path []segment) (value.Value, error) {
	for i, seg := range path {
		switch seg.kind {
		case fieldSegment:
			f, ok := v.Field(seg.name)
			if !ok {
				return e.missing(expr, seg, "no field %q", seg.name)
			}
			v = f
		case indexSegment:
			it, ok := v.Index(seg.index)
			if !ok {
				return e.missing(expr, seg, "no element at index %d", seg.index)
			}
			v = it
		case wildcardSegment:
			if v.Kind() != value.KindList {
				return e.missing(expr, seg, "wildcard over %s value", v.Kind())
			}
			projected := make([]value.Value, 0, v.Len())
			for _, it := range v.Items() {
				out, err := e.walk(expr, it, path[i+1:])
				if err != nil {
					return value.Null(), err
				}
				projected = append(projected, out)
			}
			return value.List(projected...), nil
		}
	}
	return v, nil
}

// missing applies the strictness policy for unresolvable paths.
func (e *Evaluator) missing(expr *expression, seg segment, format string, args ...any) (value.Value, error) {
	if !e.strict {
		return value.Null(), nil
	}
	serr := &SyntaxError{Expr: expr.source, Offset: seg.offset, Message: "unresolved path"}
	return value.Null(), faults.Wrap(faults.KindData, faults.Errorf(faults.KindData, format, args...).Message, serr)
}

// Stringify renders a value for template substitution: scalars use their
// natural text form, bytes base64, lists and objects canonical JSON, and
// null the empty string.
func Stringify(v value.Value) string {
	switch v.Kind() {
	case value.KindNull:
		return ""
	case value.KindBool:
		b, _ := v.AsBool()
		return strconv.FormatBool(b)
	case value.KindInt:
		i, _ := v.AsInt()
		return strconv.FormatInt(i, 10)
	case value.KindFloat:
		f, _ := v.AsFloat()
		return strconv.FormatFloat(f, 'g', -1, 64)
	case value.KindString:
		s, _ := v.AsString()
		return s
	case value.KindBytes:
		p, _ := v.AsBytes()
		return base64.StdEncoding.EncodeToString(p)
	default:
		data, err := v.Canonical()
		if err != nil {
			return ""
		}
		return string(data)
	}
}

type span struct {
	start, end int
	expr       string
}

// findSpans locates "{{...}}" and "${...}" expression spans in a template.
func findSpans(tmpl string) ([]span, error) {
	var spans []span
	for i := 0; i < len(tmpl); {
		if strings.HasPrefix(tmpl[i:], "{{") {
			end := strings.Index(tmpl[i+2:], "}}")
			if end < 0 {
				return nil, faults.Errorf(faults.KindData, "template: unterminated {{ at offset %d", i)
			}
			spans = append(spans, span{
				start: i,
				end:   i + 2 + end + 2,
				expr:  strings.TrimSpace(tmpl[i+2 : i+2+end]),
			})
			i += 2 + end + 2
			continue
		}
		if strings.HasPrefix(tmpl[i:], "${") {
			end := strings.Index(tmpl[i+2:], "}")
			if end < 0 {
				return nil, faults.Errorf(faults.KindData, "template: unterminated ${ at offset %d", i)
			}
			spans = append(spans, span{
				start: i,
				end:   i + 2 + end + 1,
				expr:  strings.TrimSpace(tmpl[i+2 : i+2+end]),
			})
			i += 2 + end + 1
			continue
		}
		i++
	}
	return spans, nil
}
