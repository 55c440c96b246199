package modelclient

import (
	"context"

	"case-pipeline/internal/backoff"
	"case-pipeline/internal/telemetry"
)

// Caller wraps a Client with the shared retry policy. Transient provider
// failures (timeouts, 408/429/5xx) are retried with capped exponential
// backoff; everything else surfaces immediately.
type Caller struct {
	client Client
	policy backoff.Policy
}

func NewCaller(client Client, policy backoff.Policy) *Caller {
	return &Caller{client: client, policy: policy}
}

// Complete invokes the collaborator, retrying per policy. The context carries
// the abort signal, so an in-flight call or a backoff wait is preempted by
// cancellation.
func (c *Caller) Complete(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	var result *Result
	err := backoff.Retry(ctx, c.policy, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			telemetry.ModelRetries.Inc()
		}
		r, err := c.client.Complete(ctx, req, onProgress)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
