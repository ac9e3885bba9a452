package middleware

import (
	"context"
	"encoding/json"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware throttles outgoing calls with a token bucket of r calls
// per second. A call waits for its token and fails only if ctx ends first.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *Call) (json.RawMessage, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return next(ctx, call)
		}
	}
}
