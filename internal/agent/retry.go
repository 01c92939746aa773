package agent

import (
	"context"

	"github.com/loomhq/loom/internal/recovery"
)

// Compile-time check that RetryingInvoker implements Invoker.
var _ Invoker = (*RetryingInvoker)(nil)

// RetryingInvoker decorates another invoker with classified retries on
// transport errors. Agent-reported failures pass through untouched: a
// *InvokeResult with status failed is the agent's answer, not a transport
// problem, and retrying it is the resume path's job.
type RetryingInvoker struct {
	inner   Invoker
	retrier *recovery.Retrier
}

// NewRetryingInvoker wraps inner with the given retry policy.
func NewRetryingInvoker(inner Invoker, retrier *recovery.Retrier) *RetryingInvoker {
	return &RetryingInvoker{inner: inner, retrier: retrier}
}

// Execute invokes the inner agent, retrying when the transport error
// classifies as retryable (timeouts, rate limits, network failures).
func (r *RetryingInvoker) Execute(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	var result *InvokeResult
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = r.inner.Execute(ctx, req)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
