package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ariactl/message"
	"ariactl/rpcerr"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// peer is a scripted websocket endpoint: every accepted connection is handed
// to handle, and the number of accepted connections is counted.
type peer struct {
	srv      *httptest.Server
	accepted atomic.Int32
}

func newPeer(t *testing.T, handle func(conn *websocket.Conn)) *peer {
	t.Helper()
	p := &peer{}
	upgrader := websocket.Upgrader{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.accepted.Add(1)
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *peer) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http") + "/jsonrpc"
}

// echoIDs answers every request with {"id":<id>,"result":"ok"}.
func echoIDs(conn *websocket.Conn) {
	for {
		var req struct {
			ID message.ID `json:"id"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "ok"})
	}
}

type recorder struct {
	ch chan *message.Response
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan *message.Response, 16)}
}

func (r *recorder) Dispatch(resp *message.Response) { r.ch <- resp }

func (r *recorder) next(t *testing.T) *message.Response {
	t.Helper()
	select {
	case resp := <-r.ch:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("no response dispatched")
		return nil
	}
}

func TestConnectIsNoopWhenOpen(t *testing.T) {
	p := newPeer(t, echoIDs)
	tr := NewClientTransport(newRecorder(), Options{Resolver: StaticResolver(p.url()), Logger: zaptest.NewLogger(t)})
	defer tr.Close()

	require.NoError(t, tr.Connect(context.Background(), time.Second))
	require.NoError(t, tr.Connect(context.Background(), time.Second))

	assert.Equal(t, Open, tr.State())
	assert.Equal(t, int32(1), p.accepted.Load())
}

func TestConcurrentConnectOpensOneConnection(t *testing.T) {
	p := newPeer(t, echoIDs)
	tr := NewClientTransport(newRecorder(), Options{Resolver: StaticResolver(p.url())})
	defer tr.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tr.Connect(context.Background(), time.Second))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), p.accepted.Load())
}

func TestAbandonedConnectLeavesSharedAttempt(t *testing.T) {
	var handshakes atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handshakes.Add(1)
		time.Sleep(200 * time.Millisecond)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		echoIDs(conn)
	}))
	defer srv.Close()

	tr := NewClientTransport(newRecorder(), Options{Resolver: StaticResolver("ws" + strings.TrimPrefix(srv.URL, "http"))})
	defer tr.Close()

	shared := make(chan error, 1)
	go func() { shared <- tr.Connect(context.Background(), 2*time.Second) }()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := tr.Connect(ctx, 2*time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	var connErr *rpcerr.ConnectionError
	assert.False(t, errors.As(err, &connErr))

	require.NoError(t, <-shared)
	assert.Equal(t, Open, tr.State())
	assert.Equal(t, int32(1), handshakes.Load())
}

func TestSendWhenNotConnected(t *testing.T) {
	tr := NewClientTransport(newRecorder(), Options{Resolver: StaticResolver("ws://127.0.0.1:1/jsonrpc")})

	err := tr.Send([]byte(`{}`))
	assert.ErrorIs(t, err, rpcerr.ErrNotConnected)
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	tr := NewClientTransport(newRecorder(), Options{Resolver: StaticResolver("ws://" + addr + "/jsonrpc")})
	err = tr.Connect(context.Background(), time.Second)

	var connErr *rpcerr.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, Disconnected, tr.State())
}

func TestConnectTimeout(t *testing.T) {
	// Accepts TCP but never answers the websocket handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	tr := NewClientTransport(newRecorder(), Options{Resolver: StaticResolver("ws://" + ln.Addr().String() + "/jsonrpc")})

	start := time.Now()
	err = tr.Connect(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(start)

	var connErr *rpcerr.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, Disconnected, tr.State())
}

func TestMalformedFramesAreDropped(t *testing.T) {
	p := newPeer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":2,"result":"X"}`))
		echoIDs(conn)
	})
	rec := newRecorder()
	tr := NewClientTransport(rec, Options{Resolver: StaticResolver(p.url())})
	defer tr.Close()

	require.NoError(t, tr.Connect(context.Background(), time.Second))

	resp := rec.next(t)
	id, _ := resp.ID.Uint64()
	assert.Equal(t, uint64(2), id)
	assert.Equal(t, uint64(2), tr.Dropped())
	assert.Equal(t, Open, tr.State())
}

func TestSendAndDispatch(t *testing.T) {
	p := newPeer(t, echoIDs)
	rec := newRecorder()
	tr := NewClientTransport(rec, Options{Resolver: StaticResolver(p.url())})
	defer tr.Close()

	require.NoError(t, tr.Connect(context.Background(), time.Second))
	require.NoError(t, tr.Send([]byte(`{"jsonrpc":"2.0","id":41,"method":"aria2.getVersion","params":["token:"]}`)))

	resp := rec.next(t)
	id, _ := resp.ID.Uint64()
	assert.Equal(t, uint64(41), id)
	assert.JSONEq(t, `"ok"`, string(resp.Result))
}

func TestNotificationsBypassDispatcher(t *testing.T) {
	p := newPeer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"aria2.onDownloadComplete","params":[{"gid":"g1"}]}`))
		echoIDs(conn)
	})
	got := make(chan *message.Notification, 1)
	tr := NewClientTransport(newRecorder(), Options{
		Resolver:       StaticResolver(p.url()),
		OnNotification: func(n *message.Notification) { got <- n },
	})
	defer tr.Close()

	require.NoError(t, tr.Connect(context.Background(), time.Second))
	select {
	case n := <-got:
		assert.Equal(t, []string{"g1"}, n.GIDs())
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestPeerCloseFiresOnDisconnect(t *testing.T) {
	p := newPeer(t, func(conn *websocket.Conn) {
		// Hang up right away.
	})
	lost := make(chan error, 1)
	tr := NewClientTransport(newRecorder(), Options{
		Resolver:     StaticResolver(p.url()),
		OnDisconnect: func(err error) { lost <- err },
	})

	require.NoError(t, tr.Connect(context.Background(), time.Second))

	select {
	case err := <-lost:
		var connErr *rpcerr.ConnectionError
		assert.True(t, errors.As(err, &connErr))
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect not called")
	}
	assert.Equal(t, Disconnected, tr.State())
}

func TestCloseFromAnyState(t *testing.T) {
	p := newPeer(t, echoIDs)
	var disconnects atomic.Int32
	tr := NewClientTransport(newRecorder(), Options{
		Resolver:     StaticResolver(p.url()),
		OnDisconnect: func(error) { disconnects.Add(1) },
	})

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Connect(context.Background(), time.Second))
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.Equal(t, Disconnected, tr.State())
	assert.Equal(t, int32(1), disconnects.Load())

	// A closed transport can be connected again.
	require.NoError(t, tr.Connect(context.Background(), time.Second))
	assert.Equal(t, Open, tr.State())
	require.NoError(t, tr.Close())
}

func TestStaticResolverEmpty(t *testing.T) {
	_, err := StaticResolver("").Resolve(context.Background())
	assert.Error(t, err)
}
