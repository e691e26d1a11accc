package bindings

import (
	"context"
	"fmt"
	"time"

	"github.com/cyntrisec/confidential-ml-pipeline/pkg/errs"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/orchestrator"
	"github.com/cyntrisec/confidential-ml-pipeline/pkg/transport"
)

// dialWithRetry runs dial up to policy.MaxAttempts times with bounded
// exponential backoff between attempts, stopping early on ctx cancellation.
// A zero-value policy falls back to orchestrator.DefaultRetryPolicy.
func dialWithRetry(ctx context.Context, op string, policy orchestrator.RetryPolicy, dial func(context.Context) (transport.RawTransport, error)) (transport.RawTransport, error) {
	if policy.MaxAttempts <= 0 {
		policy = orchestrator.DefaultRetryPolicy()
	}

	delay := policy.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		raw, err := dial(ctx)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		if attempt == policy.MaxAttempts {
			break
		}
		if attempt > 1 {
			delay = time.Duration(float64(delay) * policy.BackoffMultiplier)
			if delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, errs.Wrap(op, errs.KindIO, fmt.Errorf("max dial attempts (%d) exceeded: %w", policy.MaxAttempts, lastErr))
}
