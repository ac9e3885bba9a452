package middleware

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every call with its duration. Failures that the
// engine rejected are logged at warn, transport failures at error.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *Call) (json.RawMessage, error) {
			start := time.Now()
			result, err := next(ctx, call)
			fields := []zap.Field{
				zap.String("method", call.Method),
				zap.Duration("duration", time.Since(start)),
			}
			switch outcome := Outcome(err); outcome {
			case OutcomeOK:
				logger.Debug("call", fields...)
			case OutcomeRemoteError, OutcomeCanceled:
				logger.Warn("call failed", append(fields, zap.String("outcome", outcome), zap.Error(err))...)
			default:
				logger.Error("call failed", append(fields, zap.String("outcome", outcome), zap.Error(err))...)
			}
			return result, err
		}
	}
}
