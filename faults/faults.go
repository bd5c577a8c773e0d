// Package faults provides the structured failure type recorded on node
// executions. Faults carry a stable kind consumed by external APIs, preserve
// causal chains, and support errors.Is/As while remaining serializable for
// the journal.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure. The set is stable: journal consumers and the
// editor switch on these strings.
type Kind string

const (
	// KindConfig marks plan-time or per-node configuration errors. Not
	// recoverable without editing the flow.
	KindConfig Kind = "CONFIG"
	// KindCredential marks missing, unauthorized or rejected credentials.
	KindCredential Kind = "CREDENTIAL"
	// KindTimeout marks a node or execution that exceeded its allowed time.
	KindTimeout Kind = "TIMEOUT"
	// KindCancelled marks cooperative cancellation by the engine or caller.
	KindCancelled Kind = "CANCELLED"
	// KindUpstream marks failure responses from external services.
	KindUpstream Kind = "UPSTREAM"
	// KindResourceExhausted marks broker or worker-pool acquisition failures.
	KindResourceExhausted Kind = "RESOURCE_EXHAUSTED"
	// KindRuntime marks handler-internal errors: bugs, unexpected shapes,
	// script faults.
	KindRuntime Kind = "RUNTIME"
	// KindData marks missing required values or malformed handler input.
	KindData Kind = "DATA"
)

// Fault is a structured failure. Faults may be nested via Cause to retain
// diagnostics across retries and handler hops.
type Fault struct {
	// Kind is the stable classification of the failure.
	Kind Kind `json:"kind"`
	// Message is the human-readable summary.
	Message string `json:"message"`
	// Stack optionally carries a handler-supplied stack trace. The engine
	// never populates it for its own faults.
	Stack string `json:"stack,omitempty"`
	// Cause links to the underlying fault, enabling errors.Is/As chains.
	Cause *Fault `json:"cause,omitempty"`
}

// New constructs a Fault with the given kind and message.
func New(kind Kind, message string) *Fault {
	if message == "" {
		message = string(kind)
	}
	return &Fault{Kind: kind, Message: message}
}

// Errorf formats according to a format specifier and returns the string as a
// Fault of the given kind.
func Errorf(kind Kind, format string, args ...any) *Fault {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap constructs a Fault that records err as its cause. The cause chain is
// converted so metadata survives journal serialization while errors.Is/As
// keep working through Unwrap.
func Wrap(kind Kind, message string, err error) *Fault {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &Fault{Kind: kind, Message: message, Cause: FromError(err)}
}

// FromError converts an arbitrary error into a Fault chain. Context errors
// map to their taxonomy kinds; existing Faults pass through unchanged;
// anything else becomes a RUNTIME fault.
func FromError(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	kind := KindRuntime
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindCancelled
	}
	return &Fault{
		Kind:    kind,
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// KindOf returns the kind of err when it is (or wraps) a Fault, mapping
// context errors like FromError. Returns KindRuntime for anything else and
// the empty Kind for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return FromError(err).Kind
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap returns the underlying fault to support errors.Is/As.
func (f *Fault) Unwrap() error {
	if f == nil || f.Cause == nil {
		return nil
	}
	return f.Cause
}

// Is matches faults by kind so callers can write
// errors.Is(err, &Fault{Kind: KindTimeout}).
func (f *Fault) Is(target error) bool {
	var t *Fault
	if !errors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Kind == f.Kind
}
