package hooks

import (
	"context"

	"goa.design/flowrun/telemetry"
)

type (
	// Multi fans an event out to several publishers. A failing sink is
	// logged and skipped; lifecycle events never fail the execution.
	Multi struct {
		sinks  []Publisher
		logger telemetry.Logger
	}

	noop struct{}
)

// NewMulti returns a publisher fanning out to sinks.
func NewMulti(logger telemetry.Logger, sinks ...Publisher) *Multi {
	if logger == nil {
		logger = telemetry.NoopLogger()
	}
	return &Multi{sinks: sinks, logger: logger}
}

// Publish implements Publisher.
func (m *Multi) Publish(ctx context.Context, evt Event) error {
	for _, sink := range m.sinks {
		if err := sink.Publish(ctx, evt); err != nil {
			m.logger.Warn(ctx, "hook sink failed",
				"event", string(evt.Type()),
				"execution_id", evt.ExecutionID(),
				"err", err,
			)
		}
	}
	return nil
}

// Noop returns a publisher that drops everything.
func Noop() Publisher { return noop{} }

func (noop) Publish(context.Context, Event) error { return nil }
