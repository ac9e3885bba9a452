package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"ariactl/rpcerr"
)

// TimeoutMiddleware bounds the whole wrapped pipeline, retries included, by
// timeout. Placed outside Retry it caps the total time a caller can wait.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return func(parent context.Context, call *Call) (json.RawMessage, error) {
			ctx, cancel := context.WithTimeout(parent, timeout)
			defer cancel()

			type outcome struct {
				result json.RawMessage
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				result, err := next(ctx, call)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				// The inner pipeline may notice the deadline first.
				if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) && parent.Err() == nil {
					return nil, &rpcerr.TimeoutError{After: timeout}
				}
				return o.result, o.err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return nil, &rpcerr.TimeoutError{After: timeout}
				}
				return nil, ctx.Err()
			}
		}
	}
}
