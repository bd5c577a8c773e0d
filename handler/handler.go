// Package handler defines the uniform contract every executable node type
// obeys: the Handler interface the scheduler dispatches to, the Invocation
// capabilities handlers receive, the registry keyed by node type, and the
// multi-operation sub-protocol used by integration handlers.
package handler

import (
	"context"
	"fmt"
	"time"

	"goa.design/flowrun/value"
)

type (
	// Handler realizes one node type.
	//
	// Contract the engine guarantees: the input value is immutable for the
	// duration of the call, the context carries the cancellation signal,
	// credentials referenced in config were authorized at plan time, and the
	// evaluator capability is safe for concurrent use.
	//
	// Contract handlers must obey: do not mutate inputs, do not retain any
	// Invocation capability past return, report domain failures through the
	// error return with a stable fault kind, and never panic for ordinary
	// errors.
	Handler interface {
		// Type returns the registry key (matches node.type in flow documents).
		Type() string
		// ConfigSchema returns the JSON schema describing acceptable node
		// config, or nil when the handler accepts anything. The plan builder
		// and the editor both consume it.
		ConfigSchema() []byte
		// Interface returns the port metadata for the editor.
		Interface() Interface
		// ValidateConfig statically checks a node's config map.
		ValidateConfig(config map[string]any) []Violation
		// Execute performs the work. The returned value is the node output
		// (an object); the engine stamps the duration.
		Execute(ctx context.Context, inv *Invocation) (value.Value, error)
		// SupportsAsync hints that the handler performs I/O and its waits
		// must not block other nodes.
		SupportsAsync() bool
		// IsTrigger reports whether the handler may start a flow.
		IsTrigger() bool
	}

	// Interface describes a handler's ports.
	Interface struct {
		Inputs  []Port
		Outputs []Port
	}

	// Port is one named connection point.
	Port struct {
		// Name identifies the port on edges ("input"/"output" by default).
		Name string
		// Description is editor-facing help text.
		Description string
	}

	// Violation is a single static validation issue for a node config.
	// Constraint values follow the schema error kinds: missing_field,
	// invalid_field_type, invalid_enum_value, invalid_range, unknown_field.
	Violation struct {
		// Field is the dotted path of the offending config field. Empty for
		// node-level issues.
		Field string
		// Constraint names the violated rule.
		Constraint string
		// Message is the human-readable detail.
		Message string
	}

	// Def declares a handler as plain data. Built-in handlers and tests use
	// New(Def{...}) instead of writing a full Handler implementation.
	Def struct {
		// TypeName is the registry key.
		TypeName string
		// Schema is the JSON config schema, optional.
		Schema []byte
		// Ports describes the handler interface. Zero value means one
		// "input" and one "output" port.
		Ports Interface
		// Async marks the handler as I/O bound.
		Async bool
		// Trigger marks the handler as a permitted start node.
		Trigger bool
		// MaxDuration caps one Execute call. Zero means no handler cap; the
		// flow and node timeouts still apply.
		MaxDuration time.Duration
		// Validate optionally overrides schema-based config validation.
		Validate func(config map[string]any) []Violation
		// Run performs the work.
		Run func(ctx context.Context, inv *Invocation) (value.Value, error)
	}

	defHandler struct {
		def    Def
		schema *CompiledSchema
	}
)

// DefaultInterface is the port layout used when a Def does not declare one.
var DefaultInterface = Interface{
	Inputs:  []Port{{Name: "input"}},
	Outputs: []Port{{Name: "output"}},
}

// New constructs a Handler from a Def. It panics when the definition is
// incomplete or its schema does not compile; definitions are package-level
// wiring, not runtime input.
func New(def Def) Handler {
	if def.TypeName == "" {
		panic("handler: type name is required")
	}
	if def.Run == nil {
		panic(fmt.Sprintf("handler %q: run function is required", def.TypeName))
	}
	h := &defHandler{def: def}
	if len(def.Schema) > 0 {
		cs, err := Compile(def.Schema)
		if err != nil {
			panic(fmt.Sprintf("handler %q: invalid config schema: %v", def.TypeName, err))
		}
		h.schema = cs
	}
	return h
}

func (h *defHandler) Type() string { return h.def.TypeName }

func (h *defHandler) ConfigSchema() []byte { return h.def.Schema }

func (h *defHandler) Interface() Interface {
	if len(h.def.Ports.Inputs) == 0 && len(h.def.Ports.Outputs) == 0 {
		return DefaultInterface
	}
	return h.def.Ports
}

func (h *defHandler) ValidateConfig(config map[string]any) []Violation {
	if h.def.Validate != nil {
		return h.def.Validate(config)
	}
	if h.schema == nil {
		return nil
	}
	return h.schema.Validate(config)
}

func (h *defHandler) Execute(ctx context.Context, inv *Invocation) (value.Value, error) {
	return h.def.Run(ctx, inv)
}

func (h *defHandler) SupportsAsync() bool { return h.def.Async }

func (h *defHandler) IsTrigger() bool { return h.def.Trigger }

func (h *defHandler) MaxExecutionTime() time.Duration { return h.def.MaxDuration }

// TimeBounded is implemented by handlers that cap their own execution time.
// The scheduler folds the cap into the node's effective timeout.
type TimeBounded interface {
	MaxExecutionTime() time.Duration
}
