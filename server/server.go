// Package server is a JSON-RPC 2.0 over WebSocket server speaking the aria2
// dialect: namespaced methods, a "token:<secret>" first parameter and
// engine-pushed notifications. It backs the in-memory test engine and can
// front any service written against the same conventions.
//
// Request processing pipeline:
//
//	GET /jsonrpc → upgrade → serveConn (single goroutine reads frames)
//	  → for each frame: go process (parallel processing)
//	    → decode → token check → middleware chain → businessHandler (reflect.Call) → write response
//	POST /jsonrpc → process → response body
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ariactl/codec"
	"ariactl/message"
	"ariactl/protocol"
	"ariactl/registry"
	"ariactl/rpcerr"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Standard JSON-RPC error codes, plus the generic code the engine uses for
// every application failure.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeGeneric        = 1
)

// ErrNoReply makes the server swallow a request without answering it.
var ErrNoReply = errors.New("server: no reply")

// Path is where the websocket endpoint is mounted.
const Path = "/jsonrpc"

// Request is one decoded inbound call. Params no longer include the token.
type Request struct {
	ID     message.ID
	Method string
	Params []json.RawMessage
}

// HandlerFunc produces the result of a call.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Middleware wraps a HandlerFunc.
type Middleware func(HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one listed runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Server registers services and serves them over websocket connections.
type Server struct {
	secret         string
	logger         *zap.Logger
	writeTimeout   time.Duration
	allowedOrigins []string

	serviceMap  map[string]*service // Namespace → service
	middlewares []Middleware
	handler     HandlerFunc
	buildOnce   sync.Once

	upgrader   websocket.Upgrader
	router     *mux.Router
	root       http.Handler
	httpServer *http.Server

	mu    sync.Mutex
	conns map[*serverConn]struct{}

	wg       sync.WaitGroup // In-flight requests
	shutdown atomic.Bool

	registry      registry.Registry // nil when not announcing
	name          string            // Registry group
	advertiseAddr string            // Websocket URL announced to the registry
	weight        int
	version       string
}

// Option configures a Server.
type Option func(*Server)

// WithSecret requires every call to carry "token:<secret>" as first param.
func WithSecret(secret string) Option {
	return func(s *Server) { s.secret = secret }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithAllowedOrigins enables cross-origin access for browser front ends, on
// the websocket handshake and on HTTP POST calls. "*" allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithAnnouncement sets the registry group, weight and version used by Serve
// when a registry is given.
func WithAnnouncement(name string, weight int, version string) Option {
	return func(s *Server) {
		s.name, s.weight, s.version = name, weight, version
	}
}

// NewServer creates a server with an empty service map.
func NewServer(opts ...Option) *Server {
	s := &Server{
		logger:       zap.NewNop(),
		writeTimeout: 10 * time.Second,
		serviceMap:   make(map[string]*service),
		conns:        make(map[*serverConn]struct{}),
		name:         "default",
		weight:       1,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc(Path, s.serveWS).Methods(http.MethodGet)
	s.router.HandleFunc(Path, s.serveHTTP).Methods(http.MethodPost)
	s.root = s.router

	if len(s.allowedOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: s.allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
		})
		s.upgrader.CheckOrigin = c.OriginAllowed
		s.root = c.Handler(s.router)
	}
	return s
}

// Register exposes the receiver's RPC-shaped methods under namespace.
func (s *Server) Register(namespace string, rcvr any) error {
	svc, err := newService(namespace, rcvr)
	if err != nil {
		return err
	}
	s.serviceMap[svc.name] = svc
	return nil
}

// Use adds a middleware. Middlewares must be added before the server starts
// handling requests.
func (s *Server) Use(mw Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Handler returns the HTTP handler with the websocket endpoint mounted.
func (s *Server) Handler() http.Handler {
	s.buildOnce.Do(func() {
		s.handler = Chain(s.middlewares...)(s.businessHandler)
	})
	return s.root
}

// Serve listens on address and blocks until Shutdown. When reg is non-nil the
// server announces advertiseAddr (its reachable websocket URL) with a 10s TTL.
func (s *Server) Serve(address, advertiseAddr string, reg registry.Registry) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.httpServer
	s.mu.Unlock()

	if reg != nil {
		s.registry = reg
		s.advertiseAddr = advertiseAddr
		inst := registry.EngineInstance{Addr: advertiseAddr, Weight: s.weight, Version: s.version}
		if err := reg.Register(context.Background(), s.name, inst, 10); err != nil {
			_ = ln.Close()
			return fmt.Errorf("announce %s: %w", advertiseAddr, err)
		}
	}

	s.logger.Info("serving", zap.String("addr", ln.Addr().String()), zap.String("path", Path))
	err = srv.Serve(ln)
	if s.shutdown.Load() && errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry so clients stop picking this engine
//  2. Stop accepting connections
//  3. Wait for in-flight requests (bounded by timeout)
//  4. Close the remaining websocket connections
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.registry != nil {
		if err := s.registry.Deregister(ctx, s.name, s.advertiseAddr); err != nil {
			s.logger.Warn("deregister failed", zap.Error(err))
		}
	}

	s.shutdown.Store(true)
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
	s.CloseConnections()
	return err
}

// CloseConnections drops every live connection without a close handshake,
// the way a crashed engine would.
func (s *Server) CloseConnections() int {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
	return len(conns)
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Notify pushes an event to every connection, e.g.
// Notify("aria2.onDownloadComplete", gid).
func (s *Server) Notify(method string, gid string) {
	n := message.Notification{
		JSONRPC: protocol.Version,
		Method:  method,
		Params:  []message.EventParams{{GID: gid}},
	}

	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.writeJSON(&n, s.writeTimeout); err != nil {
			s.logger.Debug("notify failed", zap.String("method", method), zap.Error(err))
		}
	}
}

// serverConn serializes writes; gorilla connections allow one writer at a time.
type serverConn struct {
	id      string // For log correlation
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *serverConn) writeJSON(v any, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteJSON(v)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	conn := &serverConn{id: uuid.NewString(), ws: ws}
	s.logger.Debug("connection opened", zap.String("conn", conn.id), zap.String("remote", r.RemoteAddr))

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	s.serveConn(conn)
	s.logger.Debug("connection closed", zap.String("conn", conn.id))

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = ws.Close()
}

// serveConn reads frames sequentially and handles each in its own goroutine,
// so a slow method does not hold up the rest of the connection.
func (s *Server) serveConn(conn *serverConn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		kind, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if resp := s.process(ctx, data); resp != nil {
				if err := conn.writeJSON(resp, s.writeTimeout); err != nil {
					s.logger.Debug("write response failed", zap.String("conn", conn.id), zap.Stringer("id", resp.ID), zap.Error(err))
				}
			}
		}()
	}
}

type inbound struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      message.ID        `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

// serveHTTP answers one call carried in a POST body.
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	cdc, err := codec.ForContentType(r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.wg.Add(1)
	resp := s.process(r.Context(), data)
	s.wg.Done()

	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	out, err := cdc.Encode(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", cdc.ContentType())
	if _, err := w.Write(out); err != nil {
		s.logger.Debug("write response failed", zap.Error(err))
	}
}

const maxBodySize = 16 << 20

// process runs one call and returns the response to send, or nil when the
// call is a notification or was dropped on purpose.
func (s *Server) process(ctx context.Context, data []byte) *message.Response {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return newResponse(message.ID{}, nil, &rpcerr.RPCError{Code: CodeParseError, Message: "Parse error."})
	}
	if in.Method == "" {
		return newResponse(in.ID, nil, &rpcerr.RPCError{Code: CodeInvalidRequest, Message: "Invalid Request."})
	}

	params, err := s.authorize(in.Params)
	if err != nil {
		return newResponse(in.ID, nil, err)
	}

	result, err := s.handler(ctx, &Request{ID: in.ID, Method: in.Method, Params: params})
	if errors.Is(err, ErrNoReply) || in.ID.IsZero() {
		return nil
	}
	return newResponse(in.ID, result, err)
}

// authorize checks and strips the token parameter.
func (s *Server) authorize(params []json.RawMessage) ([]json.RawMessage, error) {
	var token string
	hasToken := false
	if len(params) > 0 {
		var first string
		if json.Unmarshal(params[0], &first) == nil {
			token, hasToken = protocol.SplitToken(first)
		}
	}
	if s.secret != "" && (!hasToken || token != s.secret) {
		return nil, &rpcerr.RPCError{Code: CodeGeneric, Message: "Unauthorized"}
	}
	if hasToken {
		params = params[1:]
	}
	return params, nil
}

func newResponse(id message.ID, result any, callErr error) *message.Response {
	resp := &message.Response{JSONRPC: protocol.Version, ID: id}
	if callErr != nil {
		resp.Error = toErrorObject(callErr)
		return resp
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = &message.ErrorObject{Code: CodeGeneric, Message: err.Error()}
		return resp
	}
	resp.Result = raw
	return resp
}

func toErrorObject(err error) *message.ErrorObject {
	var rpcErr *rpcerr.RPCError
	if errors.As(err, &rpcErr) {
		return &message.ErrorObject{Code: rpcErr.Code, Message: rpcErr.Message}
	}
	return &message.ErrorObject{Code: CodeGeneric, Message: err.Error()}
}

// businessHandler routes "namespace.verb" to the registered service method.
func (s *Server) businessHandler(ctx context.Context, req *Request) (any, error) {
	dot := strings.LastIndex(req.Method, ".")
	if dot < 0 {
		return nil, &rpcerr.RPCError{Code: CodeMethodNotFound, Message: "Method not found."}
	}
	svc := s.serviceMap[req.Method[:dot]]
	if svc == nil {
		return nil, &rpcerr.RPCError{Code: CodeMethodNotFound, Message: "Method not found."}
	}
	method := svc.method[req.Method[dot+1:]]
	if method == nil {
		return nil, &rpcerr.RPCError{Code: CodeMethodNotFound, Message: "Method not found."}
	}
	return svc.call(method, req.Params)
}

// ParamError is returned by service methods for malformed positional params.
func ParamError(format string, args ...any) error {
	return &rpcerr.RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}
