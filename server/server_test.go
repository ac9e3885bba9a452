package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ariactl/message"
	"ariactl/registry"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Calc struct{}

func (c *Calc) Add(params []json.RawMessage, reply *int) error {
	if len(params) != 2 {
		return ParamError("want 2 params")
	}
	var a, b int
	if err := json.Unmarshal(params[0], &a); err != nil {
		return err
	}
	if err := json.Unmarshal(params[1], &b); err != nil {
		return err
	}
	*reply = a + b
	return nil
}

func (c *Calc) Slow(params []json.RawMessage, reply *string) error {
	time.Sleep(300 * time.Millisecond)
	*reply = "slow"
	return nil
}

func (c *Calc) Fail(params []json.RawMessage, reply *string) error {
	return errors.New("boom")
}

// Not an RPC method: wrong signature.
func (c *Calc) Helper(x int) int { return x }

type reply struct {
	ID     message.ID           `json:"id"`
	Result json.RawMessage      `json:"result"`
	Error  *message.ErrorObject `json:"error"`
}

func start(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()
	srv := NewServer(opts...)
	require.NoError(t, srv.Register("calc", &Calc{}))
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.CloseConnections()
		hs.Close()
	})
	return srv, hs.URL
}

func dial(t *testing.T, base string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+Path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func call(t *testing.T, conn *websocket.Conn, req string) reply {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(req)))
	return read(t, conn)
}

func read(t *testing.T, conn *websocket.Conn) reply {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var r reply
	require.NoError(t, conn.ReadJSON(&r))
	return r
}

func TestCallWithToken(t *testing.T) {
	_, base := start(t, WithSecret("s3cr3t"))
	conn := dial(t, base)

	r := call(t, conn, `{"jsonrpc":"2.0","id":7,"method":"calc.add","params":["token:s3cr3t",1,2]}`)
	require.Nil(t, r.Error)
	id, _ := r.ID.Uint64()
	assert.Equal(t, uint64(7), id)
	assert.JSONEq(t, `3`, string(r.Result))
}

func TestTokenOptionalWithoutSecret(t *testing.T) {
	_, base := start(t)
	conn := dial(t, base)

	r := call(t, conn, `{"jsonrpc":"2.0","id":1,"method":"calc.add","params":["token:",4,5]}`)
	assert.JSONEq(t, `9`, string(r.Result))

	r = call(t, conn, `{"jsonrpc":"2.0","id":2,"method":"calc.add","params":[4,5]}`)
	assert.JSONEq(t, `9`, string(r.Result))
}

func TestUnauthorized(t *testing.T) {
	_, base := start(t, WithSecret("s3cr3t"))
	conn := dial(t, base)

	r := call(t, conn, `{"jsonrpc":"2.0","id":1,"method":"calc.add","params":["token:wrong",1,2]}`)
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeGeneric, r.Error.Code)
	assert.Equal(t, "Unauthorized", r.Error.Message)
}

func TestErrors(t *testing.T) {
	_, base := start(t)
	conn := dial(t, base)

	r := call(t, conn, `{"jsonrpc":"2.0","id":1,"method":"calc.nope","params":[]}`)
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeMethodNotFound, r.Error.Code)

	r = call(t, conn, `{"jsonrpc":"2.0","id":2,"method":"calc.add","params":[1]}`)
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeInvalidParams, r.Error.Code)

	r = call(t, conn, `{"jsonrpc":"2.0","id":3,"method":"calc.fail","params":[]}`)
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeGeneric, r.Error.Code)
	assert.Equal(t, "boom", r.Error.Message)

	r = call(t, conn, `{not json`)
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeParseError, r.Error.Code)
	assert.True(t, r.ID.IsZero())

	r = call(t, conn, `{"jsonrpc":"2.0","id":4,"method":"calc.helper","params":[1]}`)
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeMethodNotFound, r.Error.Code)
}

func TestSlowCallDoesNotBlockConnection(t *testing.T) {
	_, base := start(t)
	conn := dial(t, base)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"method":"calc.slow","params":[]}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":2,"method":"calc.add","params":[1,1]}`)))

	first := read(t, conn)
	second := read(t, conn)
	id, _ := first.ID.Uint64()
	assert.Equal(t, uint64(2), id, "fast call should be answered first")
	assert.JSONEq(t, `"slow"`, string(second.Result))
}

func TestMiddlewareCanDropReplies(t *testing.T) {
	srv := NewServer()
	require.NoError(t, srv.Register("calc", &Calc{}))
	srv.Use(func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (any, error) {
			if req.Method == "calc.slow" {
				return nil, ErrNoReply
			}
			return next(ctx, req)
		}
	})
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()
	conn := dial(t, hs.URL)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"method":"calc.slow","params":[]}`)))
	r := call(t, conn, `{"jsonrpc":"2.0","id":2,"method":"calc.add","params":[2,2]}`)
	id, _ := r.ID.Uint64()
	assert.Equal(t, uint64(2), id)
}

func TestNotify(t *testing.T) {
	srv, base := start(t)
	conn := dial(t, base)
	require.Eventually(t, func() bool { return srv.Connections() == 1 }, time.Second, 10*time.Millisecond)

	srv.Notify("aria2.onDownloadComplete", "2089b05ecca3d829")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var n message.Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, "aria2.onDownloadComplete", n.Method)
	assert.Equal(t, []string{"2089b05ecca3d829"}, n.GIDs())
}

func TestHTTPPost(t *testing.T) {
	_, base := start(t, WithSecret("s3cr3t"))

	resp, err := http.Post(base+Path, "application/json", bytes.NewBufferString(`{"jsonrpc":"2.0","id":"a","method":"calc.add","params":["token:s3cr3t",20,22]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var r reply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	assert.Equal(t, "a", r.ID.String())
	assert.JSONEq(t, `42`, string(r.Result))
	assert.Equal(t, "application/json-rpc", resp.Header.Get("Content-Type"))
}

func TestHTTPPostRejectsUnknownContentType(t *testing.T) {
	_, base := start(t)

	resp, err := http.Post(base+Path, "text/xml", bytes.NewBufferString(`<methodCall/>`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	_, base := start(t, WithAllowedOrigins("http://ui.local"))

	req, err := http.NewRequest(http.MethodOptions, base+Path, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://ui.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "http://ui.local", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCloseConnections(t *testing.T) {
	srv, base := start(t)
	conn := dial(t, base)
	require.Eventually(t, func() bool { return srv.Connections() == 1 }, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, srv.CloseConnections())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestRegisterRejectsBadReceivers(t *testing.T) {
	srv := NewServer()
	assert.Error(t, srv.Register("calc", Calc{}))
	assert.Error(t, srv.Register("", &Calc{}))

	type empty struct{}
	assert.Error(t, srv.Register("empty", &empty{}))
}

func TestLowerFirst(t *testing.T) {
	assert.Equal(t, "tellActive", lowerFirst("TellActive"))
	assert.Equal(t, "addUri", lowerFirst("AddUri"))
}

func TestServeAnnouncesAndShutdownDeregisters(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	srv := NewServer(WithAnnouncement("engines", 3, "1.37.0"))
	require.NoError(t, srv.Register("calc", &Calc{}))

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve("127.0.0.1:0", "ws://engine-a:6800/jsonrpc", reg) }()

	require.Eventually(t, func() bool {
		instances, _ := reg.Discover(context.Background(), "engines")
		return len(instances) == 1
	}, 2*time.Second, 10*time.Millisecond)
	instances, _ := reg.Discover(context.Background(), "engines")
	assert.Equal(t, registry.EngineInstance{Addr: "ws://engine-a:6800/jsonrpc", Weight: 3, Version: "1.37.0"}, instances[0])

	require.NoError(t, srv.Shutdown(time.Second))
	require.NoError(t, <-errc)
	instances, _ = reg.Discover(context.Background(), "engines")
	assert.Empty(t, instances)
}
