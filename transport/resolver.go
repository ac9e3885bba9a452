package transport

import (
	"context"
	"errors"
)

// Resolver yields the websocket endpoint to dial. It is consulted on every
// connect attempt, so a discovery-backed resolver can follow engine moves.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// StaticResolver always returns the same endpoint.
type StaticResolver string

func (r StaticResolver) Resolve(context.Context) (string, error) {
	if r == "" {
		return "", errors.New("empty endpoint")
	}
	return string(r), nil
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context) (string, error) { return f(ctx) }
