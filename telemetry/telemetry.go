// Package telemetry defines the logging, metrics and tracing seams used by
// the engine. Production wiring delegates to goa.design/clue/log and
// OpenTelemetry; tests use the no-op implementations.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log entries scoped to the given context.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records engine counters and timers.
	Metrics interface {
		// IncCounter increments a counter metric by the given value.
		IncCounter(name string, value float64, tags ...string)
		// RecordTimer records a duration histogram sample.
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer starts spans around handler dispatch and journal writes.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is the subset of span operations the engine needs.
	Span interface {
		RecordError(err error)
		End()
	}

	noopLogger  struct{}
	noopMetrics struct{}
	noopTracer  struct{}
	noopSpan    struct{}
)

// NoopLogger returns a Logger that discards everything.
func NoopLogger() Logger { return noopLogger{} }

// NoopMetrics returns a Metrics recorder that discards everything.
func NoopMetrics() Metrics { return noopMetrics{} }

// NoopTracer returns a Tracer that produces no spans.
func NoopTracer() Tracer { return noopTracer{} }

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

func (noopMetrics) IncCounter(string, float64, ...string)         {}
func (noopMetrics) RecordTimer(string, time.Duration, ...string)  {}

func (noopTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopSpan) RecordError(error) {}
func (noopSpan) End()              {}
