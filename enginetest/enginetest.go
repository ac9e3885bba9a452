package enginetest

import (
	"net/http/httptest"
	"strings"
	"testing"

	"ariactl/server"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Harness is a running engine reachable at URL.
type Harness struct {
	Engine *Engine
	Server *server.Server
	URL    string // ws://127.0.0.1:port/jsonrpc

	http *httptest.Server
}

// Start serves a fresh engine on a loopback port until the test ends.
// Connection goroutines can outlive the test, so the engine only logs warnings.
func Start(t testing.TB, opts ...server.Option) *Harness {
	t.Helper()

	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel)).Named("engine")
	opts = append([]server.Option{server.WithLogger(logger)}, opts...)
	srv := server.NewServer(opts...)
	engine := NewEngine()
	if err := engine.Mount(srv); err != nil {
		t.Fatalf("mount engine: %v", err)
	}

	h := &Harness{Engine: engine, Server: srv}
	h.http = httptest.NewServer(srv.Handler())
	h.URL = "ws" + strings.TrimPrefix(h.http.URL, "http") + server.Path
	t.Cleanup(h.Close)
	return h
}

// HTTPURL is the plain HTTP endpoint for POST calls.
func (h *Harness) HTTPURL() string {
	return h.http.URL + server.Path
}

// Close drops every connection and stops listening.
func (h *Harness) Close() {
	h.Server.CloseConnections()
	h.http.Close()
}
