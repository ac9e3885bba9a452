// Package transport implements the client-side websocket transport.
//
// ClientTransport owns exactly one logical connection to the engine. Many
// goroutines share it: writes are serialized by a write lock, and a single read
// loop hands every inbound frame to the Dispatcher (the correlator), which
// routes it to the waiting caller by id.
//
//	goroutine-1 ──Send(id=1)──┐
//	goroutine-2 ──Send(id=2)──┼──→ one websocket ──→ engine
//	goroutine-3 ──Send(id=3)──┘
//
//	recvLoop:  ←── {"id":2,...} → Dispatcher.Dispatch → goroutine-2 wakes up
//
// Connection lifecycle is an explicit state machine guarded by one mutex:
//
//	Disconnected ──Connect──► Connecting ──dial ok──► Open
//	      ▲                        │                    │
//	      └────── dial error / Close / read error ──────┘
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"ariactl/message"
	"ariactl/protocol"
	"ariactl/rpcerr"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// State is the lifecycle state of the connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	errClosedByClient     = errors.New("connection closed by client")
	errStaleConnection    = errors.New("stale connection replaced")
	errClosedWhileDialing = errors.New("connection closed while connecting")
)

// Dispatcher receives every well-formed response read from the connection.
type Dispatcher interface {
	Dispatch(resp *message.Response)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(resp *message.Response)

func (f DispatcherFunc) Dispatch(resp *message.Response) { f(resp) }

// Options configures a ClientTransport. Zero values fall back to defaults.
type Options struct {
	Resolver       Resolver
	Dialer         *websocket.Dialer
	Header         http.Header
	WriteTimeout   time.Duration
	PingInterval   time.Duration // 0 disables heartbeats and read deadlines
	PongWait       time.Duration
	OnDisconnect   func(err error) // Called once per lost connection, with a *rpcerr.ConnectionError
	OnNotification func(n *message.Notification)
	Logger         *zap.Logger
}

// ClientTransport manages a single websocket connection.
type ClientTransport struct {
	opts       Options
	dispatcher Dispatcher
	logger     *zap.Logger

	mu    sync.Mutex      // Guards state, conn, addr, epoch, done
	state State           // Explicit lifecycle state
	conn  *websocket.Conn // Non-nil only while Open
	addr  string          // Endpoint of the current connection
	epoch uint64          // Bumped on every connect attempt and teardown; stale loops compare against it
	done  chan struct{}   // Closed when the current connection is torn down

	sending sync.Mutex         // Write lock: one frame at a time on the socket
	group   singleflight.Group // Concurrent Connect callers share one in-flight attempt
	dropped atomic.Uint64      // Inbound frames that could not be decoded
}

// NewClientTransport creates a disconnected transport that delivers responses to d.
func NewClientTransport(d Dispatcher, opts Options) *ClientTransport {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval > 0 && opts.PongWait <= opts.PingInterval {
		opts.PongWait = 2 * opts.PingInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &ClientTransport{
		opts:       opts,
		dispatcher: d,
		logger:     opts.Logger.With(zap.String("component", "transport")),
	}
}

// State returns the current lifecycle state.
func (t *ClientTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Addr returns the endpoint of the open connection, or "" when not open.
func (t *ClientTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addr
}

// Dropped returns how many inbound frames were discarded as undecodable.
func (t *ClientTransport) Dropped() uint64 {
	return t.dropped.Load()
}

// Connect opens the connection if it is not already open. It is a no-op on an
// open transport. Callers arriving while an attempt is in flight wait for that
// same attempt instead of starting their own; ctx only bounds how long this
// caller waits, the attempt itself is bounded by timeout. A caller that gives
// up gets its bare ctx error and leaves the shared attempt running.
func (t *ClientTransport) Connect(ctx context.Context, timeout time.Duration) error {
	if t.State() == Open {
		return nil
	}

	ch := t.group.DoChan("connect", func() (any, error) {
		return nil, t.connect(timeout)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *ClientTransport) connect(timeout time.Duration) error {
	t.mu.Lock()
	if t.state == Open {
		t.mu.Unlock()
		return nil
	}
	if t.conn != nil || t.state != Disconnected {
		t.teardownLocked(errStaleConnection)
	}
	t.epoch++
	epoch := t.epoch
	t.state = Connecting
	t.mu.Unlock()

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	addr, err := t.resolve(ctx)
	if err != nil {
		t.abortConnect(epoch)
		return &rpcerr.ConnectionError{Err: err}
	}

	conn, resp, err := t.opts.Dialer.DialContext(ctx, addr, t.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.abortConnect(epoch)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		t.logger.Debug("connect failed", zap.String("addr", addr), zap.Error(err))
		return &rpcerr.ConnectionError{Addr: addr, Err: err}
	}

	t.mu.Lock()
	if t.epoch != epoch || t.state != Connecting {
		t.mu.Unlock()
		_ = conn.Close()
		return &rpcerr.ConnectionError{Addr: addr, Err: errClosedWhileDialing}
	}
	done := make(chan struct{})
	t.conn = conn
	t.addr = addr
	t.state = Open
	t.done = done
	t.mu.Unlock()

	if t.opts.PingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
		})
		go t.heartbeatLoop(conn, epoch, done)
	}
	go t.recvLoop(conn, epoch)

	t.logger.Info("connected", zap.String("addr", addr))
	return nil
}

func (t *ClientTransport) resolve(ctx context.Context) (string, error) {
	if t.opts.Resolver == nil {
		return "", errors.New("no endpoint configured")
	}
	return t.opts.Resolver.Resolve(ctx)
}

func (t *ClientTransport) abortConnect(epoch uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epoch == epoch && t.state == Connecting {
		t.state = Disconnected
	}
}

// Send writes one text frame. It does not wait for a response; responses come
// back through the Dispatcher.
func (t *ClientTransport) Send(frame []byte) error {
	t.mu.Lock()
	conn, addr, epoch, state := t.conn, t.addr, t.epoch, t.state
	t.mu.Unlock()
	if state != Open || conn == nil {
		return rpcerr.ErrNotConnected
	}

	t.sending.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	err := conn.WriteMessage(websocket.TextMessage, frame)
	t.sending.Unlock()

	if err != nil {
		t.closeEpoch(epoch, err)
		return &rpcerr.ConnectionError{Addr: addr, Err: err}
	}
	return nil
}

// Close tears the connection down. It is safe to call from any state and any
// number of times; afterwards the state is Disconnected.
func (t *ClientTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Disconnected && t.conn == nil {
		return nil
	}
	t.teardownLocked(errClosedByClient)
	return nil
}

// closeEpoch tears down the connection only if it is still the one identified
// by epoch; a newer connection is left alone.
func (t *ClientTransport) closeEpoch(epoch uint64, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epoch == epoch && t.conn != nil {
		t.teardownLocked(cause)
	}
}

// teardownLocked must be called with t.mu held. OnDisconnect runs under the
// lock so that no new connection can open before the old connection's pending
// requests have been rejected.
func (t *ClientTransport) teardownLocked(cause error) {
	conn, addr := t.conn, t.addr
	t.conn = nil
	t.addr = ""
	t.state = Disconnected
	t.epoch++
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	if conn == nil {
		return
	}

	deadline := time.Now().Add(250 * time.Millisecond)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = conn.Close()

	if errors.Is(cause, errClosedByClient) {
		t.logger.Debug("connection closed", zap.String("addr", addr))
	} else {
		t.logger.Warn("connection lost", zap.String("addr", addr), zap.Error(cause))
	}
	if t.opts.OnDisconnect != nil {
		t.opts.OnDisconnect(&rpcerr.ConnectionError{Addr: addr, Err: cause})
	}
}

// recvLoop runs in a dedicated goroutine per connection and reads frames until
// the connection breaks. Reads must be sequential on a websocket, so there is
// exactly one reader.
func (t *ClientTransport) recvLoop(conn *websocket.Conn, epoch uint64) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.closeEpoch(epoch, err)
			return
		}
		if msgType != websocket.TextMessage {
			t.dropped.Add(1)
			continue
		}
		t.handleFrame(data)
	}
}

func (t *ClientTransport) handleFrame(data []byte) {
	if protocol.IsNotification(data) {
		n, err := protocol.DecodeNotification(data)
		if err != nil {
			t.dropped.Add(1)
			return
		}
		if t.opts.OnNotification != nil {
			t.opts.OnNotification(n)
		}
		return
	}

	resp, err := protocol.Decode(data)
	if err != nil {
		// Cannot be correlated; tolerated.
		t.dropped.Add(1)
		t.logger.Debug("dropping undecodable frame", zap.Int("bytes", len(data)), zap.Error(err))
		return
	}
	t.dispatcher.Dispatch(resp)
}

// heartbeatLoop sends ping control frames so a dead peer is noticed through the
// read deadline even when no calls are in flight.
func (t *ClientTransport) heartbeatLoop(conn *websocket.Conn, epoch uint64, done <-chan struct{}) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with WriteMessage.
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.opts.WriteTimeout))
			if err != nil {
				t.closeEpoch(epoch, err)
				return
			}
		}
	}
}
