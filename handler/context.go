package handler

import (
	"context"
	"fmt"
	"time"

	"goa.design/flowrun/faults"
	"goa.design/flowrun/value"
)

type (
	// Invocation carries everything a handler may use for the duration of
	// one Execute call. Handlers must not retain it or any capability it
	// holds past return.
	Invocation struct {
		// ExecutionID identifies the owning execution.
		ExecutionID string
		// NodeID identifies the node being executed.
		NodeID string
		// Attempt is the 1-based attempt number for this node.
		Attempt int
		// IdempotencyKey is stable per (execution, node, attempt). Handlers
		// pass it to external systems that support idempotent writes.
		IdempotencyKey string
		// Config is the handler-owned node configuration from the flow.
		Config map[string]any
		// Input is the fan-in merged input object. Read-only.
		Input value.Value
		// Credentials resolves credential ids authorized for the execution's
		// principal.
		Credentials CredentialsResolver
		// Evaluator renders templates against the current execution scope.
		Evaluator Evaluator
		// Journal appends debug entries and retry attempts to the node's
		// journal record.
		Journal JournalWriter
		// Clock supplies wall and monotonic time.
		Clock Clock
	}

	// Credential is the resolved secret material for one credential id.
	// Handlers receive it by value from the resolver; flow documents never
	// carry secrets.
	Credential map[string]string

	// CredentialsResolver fetches credentials on behalf of the execution's
	// principal. Resolution fails with a CREDENTIAL fault when the id is
	// unknown or not visible to the principal.
	CredentialsResolver interface {
		Resolve(ctx context.Context, credentialID string) (Credential, error)
	}

	// Evaluator is the template rendering capability handed to handlers. It
	// is bound to the invoking node's scope and safe for concurrent use.
	Evaluator interface {
		// RenderValue resolves a template string. Lone expressions yield the
		// raw typed value; embedded templates render to strings.
		RenderValue(tmpl string) (value.Value, error)
		// RenderString resolves a template into its string rendering.
		RenderString(tmpl string) (string, error)
		// RenderConfig renders every string leaf of a config map.
		RenderConfig(cfg map[string]any) (map[string]any, error)
	}

	// JournalWriter appends handler-visible entries to the owning node's
	// journal record.
	JournalWriter interface {
		// Debug appends a structured debug entry.
		Debug(ctx context.Context, message string, data value.Value) error
		// RecordRetry records a finished failed attempt and returns the next
		// attempt number. Used by handler-internal retry loops.
		RecordRetry(ctx context.Context, cause *faults.Fault) (int, error)
	}

	// Clock supplies time to handlers so tests can control it.
	Clock interface {
		// Now returns wall-clock time.
		Now() time.Time
		// Since returns the monotonic duration elapsed since t.
		Since(t time.Time) time.Duration
	}

	// StaticCredentials is a CredentialsResolver over a fixed map. Used by
	// tests and single-tenant deployments.
	StaticCredentials map[string]Credential

	systemClock struct{}
)

// IdempotencyKey derives the stable key for one node attempt. Every attempt
// presents a distinct key to external systems.
func IdempotencyKey(executionID, nodeID string, attempt int) string {
	return fmt.Sprintf("%s/%s/%d", executionID, nodeID, attempt)
}

// SystemClock returns the real-time Clock.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time                  { return time.Now() }
func (systemClock) Since(t time.Time) time.Duration { return time.Since(t) }

// Resolve implements CredentialsResolver.
func (s StaticCredentials) Resolve(_ context.Context, credentialID string) (Credential, error) {
	cred, ok := s[credentialID]
	if !ok {
		return nil, faults.Errorf(faults.KindCredential, "credential %q not found", credentialID)
	}
	cp := make(Credential, len(cred))
	for k, v := range cred {
		cp[k] = v
	}
	return cp, nil
}
