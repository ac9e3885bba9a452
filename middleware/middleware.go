// Package middleware builds the client call pipeline.
//
// An Invoker performs one logical call: ensure a connection, register the
// request, send it and wait for the correlated response. Middlewares wrap the
// invoker onion-style, so a chain like
//
//	Chain(Logging, Metrics, Retry)(invoke)
//
// runs Logging.before → Metrics.before → Retry → invoke (possibly several
// times) → Metrics.after → Logging.after.
package middleware

import (
	"context"
	"encoding/json"
)

// Call describes one call through the pipeline.
type Call struct {
	Method  string // Verb without namespace, e.g. "tellActive"
	Params  []any  // Caller parameters; the token is added further down
	Attempt int    // 0-based attempt number, maintained by Retry
}

type Invoker func(ctx context.Context, call *Call) (json.RawMessage, error)

type Middleware func(next Invoker) Invoker

// Chain combines middlewares into one. The first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Invoker) Invoker {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
