package enginetest

import (
	"context"
	"sync"
	"time"

	"ariactl/protocol"
	"ariactl/server"
)

// Fault describes how the engine misbehaves for one method.
type Fault struct {
	Err        error         // Answer with this error instead of running the method
	Drop       bool          // Never answer
	Disconnect bool          // Drop every connection instead of answering
	Delay      time.Duration // Wait before running the method (or applying Err)
	Times      int           // Number of calls affected; 0 means every call
}

type faults struct {
	mu     sync.Mutex
	byVerb map[string]*Fault
	calls  map[string]int
}

func newFaults() *faults {
	return &faults{byVerb: make(map[string]*Fault), calls: make(map[string]int)}
}

// next counts the call and returns the fault to apply to it, if any.
func (f *faults) next(verb string) *Fault {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[verb]++
	fault, ok := f.byVerb[verb]
	if !ok {
		return nil
	}
	applied := *fault
	if fault.Times > 0 {
		fault.Times--
		if fault.Times == 0 {
			delete(f.byVerb, verb)
		}
	}
	return &applied
}

func (f *faults) middleware(disconnect func()) server.Middleware {
	return func(next server.HandlerFunc) server.HandlerFunc {
		return func(ctx context.Context, req *server.Request) (any, error) {
			fault := f.next(protocol.Verb(req.Method))
			if fault == nil {
				return next(ctx, req)
			}
			if fault.Delay > 0 {
				select {
				case <-time.After(fault.Delay):
				case <-ctx.Done():
					return nil, server.ErrNoReply
				}
			}
			switch {
			case fault.Disconnect:
				disconnect()
				return nil, server.ErrNoReply
			case fault.Drop:
				return nil, server.ErrNoReply
			case fault.Err != nil:
				return nil, fault.Err
			}
			return next(ctx, req)
		}
	}
}

// Inject makes verb (e.g. "getFiles") misbehave. A later Inject for the same
// verb replaces the earlier one.
func (e *Engine) Inject(verb string, fault Fault) {
	e.faults.mu.Lock()
	defer e.faults.mu.Unlock()
	f := fault
	e.faults.byVerb[verb] = &f
}

// Heal removes every injected fault.
func (e *Engine) Heal() {
	e.faults.mu.Lock()
	defer e.faults.mu.Unlock()
	e.faults.byVerb = make(map[string]*Fault)
}

// Calls returns how many times verb reached the engine, faulted calls included.
func (e *Engine) Calls(verb string) int {
	e.faults.mu.Lock()
	defer e.faults.mu.Unlock()
	return e.faults.calls[verb]
}
