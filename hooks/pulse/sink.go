// Package pulse publishes lifecycle events to goa.design/pulse streams over
// Redis. Each execution gets its own stream so UIs can tail a single run;
// streams are bounded so an abandoned execution cannot grow without limit.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/flowrun/faults"
	"goa.design/flowrun/hooks"
	"goa.design/flowrun/value"
)

const defaultStreamMaxLen = 1000

type (
	// Options configures the sink.
	Options struct {
		// Redis backs the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds entries kept per stream. Defaults to 1000.
		StreamMaxLen int
		// StreamName derives the stream from an event. Defaults to
		// "execution/<execution-id>".
		StreamName func(hooks.Event) string
		// OperationTimeout bounds one Add. Zero means no timeout.
		OperationTimeout time.Duration
	}

	// Sink publishes events as JSON envelopes. Safe for concurrent use.
	Sink struct {
		redis   *redis.Client
		maxLen  int
		name    func(hooks.Event) string
		timeout time.Duration
		// open overrides stream construction. Tests only.
		open func(name string) (stream, error)

		mu      sync.Mutex
		streams map[string]stream
	}

	stream interface {
		Add(ctx context.Context, event string, payload []byte) (string, error)
	}

	// envelope is the wire form of one event.
	envelope struct {
		Type        string          `json:"type"`
		ExecutionID string          `json:"execution_id"`
		NodeID      string          `json:"node_id,omitempty"`
		Timestamp   time.Time       `json:"timestamp"`
		Payload     json.RawMessage `json:"payload,omitempty"`
	}
)

// NewSink returns a Pulse-backed hooks publisher.
func NewSink(opts Options) (*Sink, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	maxLen := opts.StreamMaxLen
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	name := opts.StreamName
	if name == nil {
		name = func(evt hooks.Event) string {
			return "execution/" + evt.ExecutionID()
		}
	}
	s := &Sink{
		redis:   opts.Redis,
		maxLen:  maxLen,
		name:    name,
		timeout: opts.OperationTimeout,
		streams: make(map[string]stream),
	}
	s.open = func(streamName string) (stream, error) {
		st, err := streaming.NewStream(streamName, s.redis, streamopts.WithStreamMaxLen(s.maxLen))
		if err != nil {
			return nil, err
		}
		return pulseStream{st}, nil
	}
	return s, nil
}

// pulseStream adapts *streaming.Stream, whose Add takes variadic options, to
// the stream interface.
type pulseStream struct {
	s *streaming.Stream
}

func (p pulseStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return p.s.Add(ctx, event, payload)
}

// Publish implements hooks.Publisher.
func (s *Sink) Publish(ctx context.Context, evt hooks.Event) error {
	if evt.ExecutionID() == "" {
		return errors.New("event missing execution id")
	}
	handle, err := s.stream(s.name(evt))
	if err != nil {
		return err
	}
	payload, err := marshalPayload(evt)
	if err != nil {
		return err
	}
	env := envelope{
		Type:        string(evt.Type()),
		ExecutionID: evt.ExecutionID(),
		NodeID:      evt.NodeID(),
		Timestamp:   evt.Timestamp().UTC(),
		Payload:     payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if _, err := handle.Add(ctx, env.Type, data); err != nil {
		return fmt.Errorf("pulse add: %w", err)
	}
	return nil
}

func (s *Sink) stream(name string) (stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle, ok := s.streams[name]; ok {
		return handle, nil
	}
	handle, err := s.open(name)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	s.streams[name] = handle
	return handle, nil
}

// marshalPayload serializes the event-specific fields. Value payloads use
// their canonical JSON form.
func marshalPayload(evt hooks.Event) (json.RawMessage, error) {
	switch e := evt.(type) {
	case *hooks.ExecutionStartedEvent:
		return marshalFields(map[string]any{
			"flow_id":      e.FlowID,
			"flow_version": e.FlowVersion,
			"input":        e.Input,
		})
	case *hooks.ExecutionFinishedEvent:
		return marshalFields(map[string]any{
			"status": string(e.Status),
			"output": e.Output,
			"fault":  e.Fault,
		})
	case *hooks.NodeStateChangedEvent:
		return marshalFields(map[string]any{
			"attempt": e.Attempt,
			"from":    string(e.From),
			"to":      string(e.To),
		})
	case *hooks.NodeSucceededEvent:
		return marshalFields(map[string]any{
			"attempt":     e.Attempt,
			"output":      e.Output,
			"duration_ms": e.Duration.Milliseconds(),
		})
	case *hooks.NodeFailedEvent:
		return marshalFields(map[string]any{
			"attempt": e.Attempt,
			"status":  string(e.Status),
			"fault":   e.Fault,
		})
	default:
		return nil, nil
	}
}

func marshalFields(fields map[string]any) (json.RawMessage, error) {
	for k, v := range fields {
		switch typed := v.(type) {
		case value.Value:
			if typed.IsNull() {
				delete(fields, k)
				continue
			}
			canonical, err := typed.Canonical()
			if err != nil {
				return nil, err
			}
			fields[k] = json.RawMessage(canonical)
		case *faults.Fault:
			if typed == nil {
				delete(fields, k)
			}
		}
	}
	return json.Marshal(fields)
}
