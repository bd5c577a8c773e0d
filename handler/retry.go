package handler

import (
	"context"
	"time"

	"goa.design/flowrun/faults"
	"goa.design/flowrun/value"
)

// RetryPolicy configures handler-internal retries. Retries are invisible to
// the scheduler: each failed attempt is recorded as a new journal attempt row
// through the invocation's JournalWriter and only the final outcome surfaces.
type RetryPolicy struct {
	// MaxAttempts bounds the total number of attempts (first try included).
	// Values below 1 mean a single attempt.
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration
	// Multiplier grows the delay after each attempt. Values below 1 mean 2.
	Multiplier float64
	// RetryOn lists the fault kinds worth retrying. Empty means UPSTREAM and
	// RESOURCE_EXHAUSTED.
	RetryOn []faults.Kind
}

func (p RetryPolicy) retryable(kind faults.Kind) bool {
	kinds := p.RetryOn
	if len(kinds) == 0 {
		kinds = []faults.Kind{faults.KindUpstream, faults.KindResourceExhausted}
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Retry runs op until it succeeds, the policy is exhausted, or the context is
// done. Each failed-but-retryable attempt is journaled via inv.Journal and
// the backoff grows exponentially up to MaxBackoff.
func Retry(ctx context.Context, inv *Invocation, policy RetryPolicy, op func(ctx context.Context) (value.Value, error)) (value.Value, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	multiplier := policy.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	backoff := policy.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		fault := faults.FromError(err)
		if attempt == maxAttempts || !policy.retryable(fault.Kind) {
			break
		}
		next, jerr := inv.Journal.RecordRetry(ctx, fault)
		if jerr != nil {
			return value.Null(), jerr
		}
		inv.Attempt = next
		inv.IdempotencyKey = IdempotencyKey(inv.ExecutionID, inv.NodeID, next)

		if backoff > 0 {
			if policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
				backoff = policy.MaxBackoff
			}
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return value.Null(), faults.FromError(ctx.Err())
			case <-timer.C:
			}
			backoff = time.Duration(float64(backoff) * multiplier)
		}
		if ctx.Err() != nil {
			return value.Null(), faults.FromError(ctx.Err())
		}
	}
	return value.Null(), lastErr
}
