// Package client is the resilient RPC client for the aria2 download engine.
//
// Call flow:
//
//	Client.TellActive ─► pipeline (logging, metrics, retry) ─► roundTrip
//	  roundTrip: transport.Connect ─► correlator.Register ─► transport.Send ─► wait
//	  read loop: frame ─► protocol.Decode ─► correlator.Resolve ─► wakes the waiter
//
// A Client is safe for concurrent use; all calls share one connection.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ariactl/codec"
	"ariactl/correlator"
	"ariactl/message"
	"ariactl/middleware"
	"ariactl/protocol"
	"ariactl/rpcerr"
	"ariactl/transport"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var errClientClosed = errors.New("client closed")

// Config is supplied by the caller at construction time.
type Config struct {
	URL            string        // e.g. ws://localhost:6800/jsonrpc; ignored when a resolver is given
	Secret         string        // rpc-secret of the engine; sent as "token:<secret>"
	ConnectTimeout time.Duration // Bound for one connect attempt
	CallTimeout    time.Duration // Per-request deadline, measured from registration
	Deadline       time.Duration // Optional cap on a whole call including retries; 0 disables
	PingInterval   time.Duration // Websocket heartbeat; 0 disables
	Retry          middleware.RetryPolicy
}

// DefaultConfig returns the defaults for a local engine.
func DefaultConfig() Config {
	return Config{
		URL:            "ws://localhost:6800/jsonrpc",
		ConnectTimeout: 5 * time.Second,
		CallTimeout:    correlator.DefaultTimeout,
		PingInterval:   30 * time.Second,
		Retry:          middleware.DefaultRetryPolicy(),
	}
}

type options struct {
	logger         *zap.Logger
	resolver       transport.Resolver
	dialer         *websocket.Dialer
	header         http.Header
	middlewares    []middleware.Middleware
	metrics        *middleware.Metrics
	onNotification func(*message.Notification)
}

// Option customizes a Client.
type Option func(*options)

// WithLogger sets the logger; the default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithResolver replaces the static Config.URL with a resolver consulted on
// every connect attempt.
func WithResolver(r transport.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithDialer sets the websocket dialer (TLS settings, proxies).
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithHeader adds HTTP headers to the websocket handshake.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}

// WithMiddleware inserts middlewares between the logging/metrics layer and
// the retry layer, so they run once per logical call.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// WithMetrics records call metrics and counts retries.
func WithMetrics(m *middleware.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithNotificationHandler receives engine-pushed events such as
// aria2.onDownloadComplete. It runs on the read loop and must not block.
func WithNotificationHandler(fn func(*message.Notification)) Option {
	return func(o *options) { o.onNotification = fn }
}

// Client is the typed call surface over one websocket connection.
type Client struct {
	cfg        Config
	logger     *zap.Logger
	codec      codec.Codec
	correlator *correlator.Correlator
	transport  *transport.ClientTransport
	invoke     middleware.Invoker
}

// New creates a client. No connection is made until the first call or Connect.
func New(cfg Config, opts ...Option) *Client {
	defaults := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		onRetry := cfg.Retry.OnRetry
		cfg.Retry = defaults.Retry
		cfg.Retry.OnRetry = onRetry
	}

	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.resolver == nil {
		o.resolver = transport.StaticResolver(cfg.URL)
	}

	c := &Client{
		cfg:    cfg,
		logger: o.logger,
		codec:  codec.JSON,
	}
	c.correlator = correlator.New(cfg.CallTimeout, o.logger)
	c.transport = transport.NewClientTransport(c.correlator, transport.Options{
		Resolver:       o.resolver,
		Dialer:         o.dialer,
		Header:         o.header,
		PingInterval:   cfg.PingInterval,
		OnDisconnect:   func(err error) { c.correlator.RejectAll(err) },
		OnNotification: o.onNotification,
		Logger:         o.logger,
	})

	retry := cfg.Retry
	var mws []middleware.Middleware
	if cfg.Deadline > 0 {
		mws = append(mws, middleware.TimeoutMiddleware(cfg.Deadline))
	}
	mws = append(mws, middleware.LoggingMiddleware(o.logger))
	if o.metrics != nil {
		mws = append(mws, middleware.MetricsMiddleware(o.metrics))
		userHook := retry.OnRetry
		retry.OnRetry = func(call *middleware.Call, d time.Duration, err error) {
			o.metrics.ObserveRetry(call, d, err)
			if userHook != nil {
				userHook(call, d, err)
			}
		}
	}
	mws = append(mws, o.middlewares...)
	mws = append(mws, middleware.RetryMiddleware(retry, c.reset, o.logger))
	c.invoke = middleware.Chain(mws...)(c.roundTrip)

	return c
}

// Connect opens the connection eagerly. Calls connect on demand, so this is
// only needed to fail fast at startup.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx, c.cfg.ConnectTimeout)
}

// State reports the connection state.
func (c *Client) State() transport.State {
	return c.transport.State()
}

// Pending returns the number of requests waiting for a response.
func (c *Client) Pending() int {
	return c.correlator.Len()
}

// Close tears the connection down and fails every pending call.
func (c *Client) Close() error {
	err := c.transport.Close()
	c.correlator.RejectAll(&rpcerr.ConnectionError{Err: errClientClosed})
	return err
}

// Call invokes verb (namespace applied automatically) with params and decodes
// the result into reply. reply may be nil.
func (c *Client) Call(ctx context.Context, verb string, params []any, reply any) error {
	raw, err := c.invoke(ctx, &middleware.Call{Method: verb, Params: params})
	if err != nil {
		return err
	}
	if err := c.codec.Decode(raw, reply); err != nil {
		return fmt.Errorf("decode %s result: %w", verb, err)
	}
	return nil
}

// reset forcibly closes the connection between retry attempts.
func (c *Client) reset() {
	_ = c.transport.Close()
}

// roundTrip is one attempt: connect if needed, register, send, await.
func (c *Client) roundTrip(ctx context.Context, call *middleware.Call) (json.RawMessage, error) {
	if err := c.transport.Connect(ctx, c.cfg.ConnectTimeout); err != nil {
		return nil, err
	}

	id, done := c.correlator.Register()
	req := protocol.NewRequest(id, call.Method, c.cfg.Secret, call.Params...)
	frame, err := c.codec.Encode(req)
	if err != nil {
		c.correlator.Forget(id)
		return nil, fmt.Errorf("encode %s: %w", call.Method, err)
	}
	if err := c.transport.Send(frame); err != nil {
		c.correlator.Forget(id)
		return nil, err
	}

	select {
	case res := <-done:
		return res.Value, res.Err
	case <-ctx.Done():
		c.correlator.Forget(id)
		return nil, ctx.Err()
	}
}
