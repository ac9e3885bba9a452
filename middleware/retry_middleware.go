package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ariactl/rpcerr"

	"go.uber.org/zap"
)

// RetryPolicy bounds how often and how patiently one call is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // 0 means uncapped

	// OnRetry is called before sleeping ahead of attempt+1.
	OnRetry func(call *Call, delay time.Duration, err error)
}

// DefaultRetryPolicy returns 3 attempts starting at a one second delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
}

// Delay returns the backoff before the attempt that follows attempt (0-based):
// BaseDelay * 2^attempt, capped by MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := p.BaseDelay << uint(attempt)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// RetryMiddleware re-runs the whole unit of work (connect, register, send,
// await) on transient failures. Between attempts reset is called to force the
// connection closed, so a retry never reuses a half-open socket; the next
// attempt reconnects and registers a fresh id. Remote rejections and caller
// cancellation are returned as is.
func RetryMiddleware(policy RetryPolicy, reset func(), logger *zap.Logger) Middleware {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *Call) (json.RawMessage, error) {
			var last error
			for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
				call.Attempt = attempt
				result, err := next(ctx, call)
				if err == nil {
					return result, nil
				}
				last = err
				if !rpcerr.Retryable(err) {
					return nil, err
				}
				// The caller gave up; leave the shared transport alone.
				if ctx.Err() != nil {
					return nil, fmt.Errorf("%w (last error: %v)", ctx.Err(), last)
				}
				if attempt == policy.MaxAttempts-1 {
					break
				}

				if reset != nil {
					reset()
				}
				delay := policy.Delay(attempt)
				logger.Warn("retrying call",
					zap.String("method", call.Method),
					zap.Int("attempt", attempt+1),
					zap.Duration("backoff", delay),
					zap.Error(err))
				if policy.OnRetry != nil {
					policy.OnRetry(call, delay, err)
				}

				timer := time.NewTimer(delay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return nil, fmt.Errorf("%w (last error: %v)", ctx.Err(), last)
				}
			}
			return nil, &rpcerr.RetryExhaustedError{Attempts: policy.MaxAttempts, Last: last}
		}
	}
}
