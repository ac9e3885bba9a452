// Package correlator matches inbound responses to outstanding calls.
//
// Every outbound request is registered before it is written and receives a
// process-unique id. The table is shared by the goroutines issuing calls and by
// the transport's read loop, so Register, Resolve, Expire and RejectAll are the
// only operations on it and each runs under one mutex.
//
//	caller-1 ──Register(id=1)──┐
//	caller-2 ──Register(id=2)──┼──► pending{1,2,3} ◄── Resolve(id=2) ◄── read loop
//	caller-3 ──Register(id=3)──┘         │
//	                                     └── timer(id=3) fires ──► TimeoutError
package correlator

import (
	"sync"
	"time"

	"ariactl/message"
	"ariactl/rpcerr"

	"go.uber.org/zap"
)

// DefaultTimeout is the per-request deadline.
const DefaultTimeout = 10 * time.Second

type pendingRequest struct {
	id        uint64
	createdAt time.Time
	timer     *time.Timer
	done      chan message.Result // Buffered(1): delivery never blocks the lock holder
}

// Correlator owns the id space and the pending table.
type Correlator struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingRequest
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a correlator whose entries expire after timeout.
func New(timeout time.Duration, logger *zap.Logger) *Correlator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{
		pending: make(map[uint64]*pendingRequest),
		timeout: timeout,
		logger:  logger,
	}
}

// Register allocates the next id and arms its expiry timer. The returned
// channel receives exactly one Result.
func (c *Correlator) Register() (uint64, <-chan message.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	req := &pendingRequest{
		id:        id,
		createdAt: time.Now(),
		done:      make(chan message.Result, 1),
	}
	req.timer = time.AfterFunc(c.timeout, func() { c.Expire(id) })
	c.pending[id] = req
	return id, req.done
}

// Resolve completes the pending entry matching resp.ID. Responses for unknown,
// expired or already-answered ids are discarded and Resolve returns false.
func (c *Correlator) Resolve(resp *message.Response) bool {
	id, ok := resp.ID.Uint64()
	if !ok {
		c.logger.Debug("discarding response with foreign id", zap.Stringer("id", resp.ID))
		return false
	}

	req := c.take(id)
	if req == nil {
		c.logger.Debug("discarding response without pending request", zap.Uint64("id", id))
		return false
	}

	if resp.Error != nil {
		req.done <- message.Result{Err: &rpcerr.RPCError{Code: resp.Error.Code, Message: resp.Error.Message}}
	} else {
		req.done <- message.Result{Value: resp.Result}
	}
	return true
}

// Dispatch adapts Resolve to the transport's dispatcher signature.
func (c *Correlator) Dispatch(resp *message.Response) {
	c.Resolve(resp)
}

// Expire fails the entry with a TimeoutError if it is still pending.
func (c *Correlator) Expire(id uint64) {
	req := c.take(id)
	if req == nil {
		return
	}
	elapsed := time.Since(req.createdAt)
	c.logger.Debug("request expired", zap.Uint64("id", id), zap.Duration("after", elapsed))
	req.done <- message.Result{Err: &rpcerr.TimeoutError{ID: id, After: c.timeout}}
}

// Forget drops an entry without completing it. Used when the request could not
// be written, so no response can ever arrive for it.
func (c *Correlator) Forget(id uint64) {
	c.take(id)
}

// RejectAll fails every pending entry with err. Called when the connection the
// requests were written to goes away.
func (c *Correlator) RejectAll(err error) int {
	c.mu.Lock()
	drained := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	c.mu.Unlock()

	for _, req := range drained {
		req.timer.Stop()
		req.done <- message.Result{Err: err}
	}
	return len(drained)
}

// Len returns the number of outstanding requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Timeout returns the per-request deadline.
func (c *Correlator) Timeout() time.Duration {
	return c.timeout
}

// take removes and returns the entry for id, stopping its timer.
func (c *Correlator) take(id uint64) *pendingRequest {
	c.mu.Lock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	req.timer.Stop()
	return req
}
