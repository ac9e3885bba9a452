package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ariactl/aria2"
	"ariactl/enginetest"
	"ariactl/loadbalance"
	"ariactl/message"
	"ariactl/middleware"
	"ariactl/registry"
	"ariactl/rpcerr"
	"ariactl/server"
	"ariactl/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func fastRetry(attempts int) middleware.RetryPolicy {
	return middleware.RetryPolicy{MaxAttempts: attempts, BaseDelay: 10 * time.Millisecond}
}

func newTestClient(t *testing.T, h *enginetest.Harness, cfg Config, opts ...Option) *Client {
	t.Helper()
	cfg.URL = h.URL
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = fastRetry(3)
	}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	c := New(cfg, opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestTypedSurface(t *testing.T) {
	h := enginetest.Start(t, server.WithSecret("s3cr3t"))
	c := newTestClient(t, h, Config{Secret: "s3cr3t"})
	ctx := context.Background()

	v, err := c.GetVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, enginetest.Version, v.Version)

	gid, err := c.AddURI(ctx, []string{"http://example.com/ubuntu.iso"}, nil)
	require.NoError(t, err)
	require.NoError(t, h.Engine.SetProgress(gid, 250, 1000, 50))

	active, err := c.TellActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, gid, active[0].GID)
	assert.Equal(t, 25, active[0].Progress())
	assert.Equal(t, "ubuntu.iso", active[0].DisplayName())

	d, err := c.TellStatus(ctx, gid, "gid", "status")
	require.NoError(t, err)
	assert.Equal(t, aria2.StatusActive, d.Status)
	assert.Empty(t, d.TotalLength)

	_, err = c.Pause(ctx, gid)
	require.NoError(t, err)
	waiting, err := c.TellWaiting(ctx, 0, 1000)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, aria2.StatusPaused, waiting[0].Status)

	_, err = c.Unpause(ctx, gid)
	require.NoError(t, err)
	require.NoError(t, c.PauseAll(ctx))
	require.NoError(t, c.UnpauseAll(ctx))

	require.NoError(t, c.ChangeOption(ctx, gid, aria2.Options{"max-download-limit": "1M"}))
	opts, err := c.GetOption(ctx, gid)
	require.NoError(t, err)
	assert.Equal(t, "1M", opts["max-download-limit"])

	require.NoError(t, c.ChangeGlobalOption(ctx, aria2.Options{"max-concurrent-downloads": "2"}))
	global, err := c.GetGlobalOption(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", global["max-concurrent-downloads"])

	stat, err := c.GetGlobalStat(ctx)
	require.NoError(t, err)
	_, w, _ := stat.Counts()
	assert.Equal(t, int64(1), w)

	files, err := c.GetFiles(ctx, gid)
	require.NoError(t, err)
	require.Len(t, files, 1)

	_, err = c.Remove(ctx, gid)
	require.NoError(t, err)
	stopped, err := c.TellStopped(ctx, 0, 1000)
	require.NoError(t, err)
	require.Len(t, stopped, 1)
	assert.Equal(t, aria2.StatusRemoved, stopped[0].Status)
	require.NoError(t, c.RemoveDownloadResult(ctx, gid))

	gids, err := c.AddMetalink(ctx, []byte("http://example.com/a\nhttp://example.com/b\n"), aria2.Options{"pause": "true"})
	require.NoError(t, err)
	require.Len(t, gids, 2)
	pos, err := c.ChangePosition(ctx, gids[1], 0, aria2.PosSet)
	require.NoError(t, err)
	assert.Equal(t, 0, pos)

	_, err = c.ForceRemove(ctx, gids[0])
	require.NoError(t, err)
	require.NoError(t, c.PurgeDownloadResult(ctx))
	assert.Equal(t, 1, h.Engine.Len())
}

func TestWrongSecretIsNotRetried(t *testing.T) {
	h := enginetest.Start(t, server.WithSecret("s3cr3t"))
	c := newTestClient(t, h, Config{Secret: "wrong"})

	_, err := c.GetVersion(context.Background())

	var rpcErr *rpcerr.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "Unauthorized", rpcErr.Message)
	assert.True(t, rpcerr.Permanent(err))
}

func TestRemoteErrorIsNotRetried(t *testing.T) {
	h := enginetest.Start(t)
	c := newTestClient(t, h, Config{})

	_, err := c.TellStatus(context.Background(), "0000000000000bad")

	var rpcErr *rpcerr.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, 1, h.Engine.Calls("tellStatus"))
}

func TestRetryAfterConnectionLoss(t *testing.T) {
	h := enginetest.Start(t)
	h.Engine.Inject("getVersion", enginetest.Fault{Disconnect: true, Times: 2})

	var delays []time.Duration
	retry := fastRetry(3)
	retry.OnRetry = func(_ *middleware.Call, d time.Duration, _ error) { delays = append(delays, d) }
	c := newTestClient(t, h, Config{Retry: retry})

	start := time.Now()
	v, err := c.GetVersion(context.Background())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, enginetest.Version, v.Version)
	assert.Equal(t, 3, h.Engine.Calls("getVersion"))
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, delays)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestRetryExhausted(t *testing.T) {
	h := enginetest.Start(t)
	h.Engine.Inject("getVersion", enginetest.Fault{Disconnect: true})
	c := newTestClient(t, h, Config{Retry: fastRetry(3)})

	_, err := c.GetVersion(context.Background())

	var exhausted *rpcerr.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	var connErr *rpcerr.ConnectionError
	assert.ErrorAs(t, err, &connErr)
	assert.Equal(t, 3, h.Engine.Calls("getVersion"))
}

func TestTimeoutIsRetried(t *testing.T) {
	h := enginetest.Start(t)
	h.Engine.Inject("getGlobalStat", enginetest.Fault{Drop: true, Times: 1})
	c := newTestClient(t, h, Config{CallTimeout: 100 * time.Millisecond})

	_, err := c.GetGlobalStat(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, h.Engine.Calls("getGlobalStat"))
	assert.Equal(t, 0, c.Pending())
}

func TestConnectionLossRejectsPending(t *testing.T) {
	h := enginetest.Start(t)
	h.Engine.Inject("getFiles", enginetest.Fault{Drop: true})
	c := newTestClient(t, h, Config{CallTimeout: 10 * time.Second, Retry: fastRetry(1)})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetFiles(context.Background(), "2089b05e00000001")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.Server.CloseConnections()

	select {
	case err := <-errCh:
		var connErr *rpcerr.ConnectionError
		assert.ErrorAs(t, err, &connErr)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not rejected on connection loss")
	}
	assert.Equal(t, 0, c.Pending())
	assert.Eventually(t, func() bool { return c.State() == transport.Disconnected }, time.Second, 5*time.Millisecond)
}

func TestConcurrentCallsShareOneConnection(t *testing.T) {
	h := enginetest.Start(t)
	c := newTestClient(t, h, Config{})
	ctx := context.Background()

	const n = 50
	gids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			gid, err := c.AddURI(ctx, []string{fmt.Sprintf("http://example.com/file-%d", i)}, nil)
			assert.NoError(t, err)
			gids[i] = gid
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := c.TellStatus(ctx, gids[i])
			if assert.NoError(t, err) {
				assert.Equal(t, fmt.Sprintf("file-%d", i), d.DisplayName())
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, h.Server.Connections())
	assert.Equal(t, 0, c.Pending())
}

func TestContextCancelForgetsRequest(t *testing.T) {
	h := enginetest.Start(t)
	h.Engine.Inject("getVersion", enginetest.Fault{Drop: true})
	c := newTestClient(t, h, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.GetVersion(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Pending())
}

func TestCallerTimeoutDoesNotBreakSharedConnect(t *testing.T) {
	h := enginetest.Start(t)
	var handshakes atomic.Int32
	engine := h.Server.Handler()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handshakes.Add(1)
		time.Sleep(200 * time.Millisecond)
		engine.ServeHTTP(w, r)
	}))
	t.Cleanup(slow.Close)

	c := New(Config{
		URL:            "ws" + strings.TrimPrefix(slow.URL, "http") + server.Path,
		ConnectTimeout: 2 * time.Second,
		Retry:          fastRetry(3),
	}, WithLogger(zap.NewNop()))
	t.Cleanup(func() { c.Close() })

	shared := make(chan error, 1)
	go func() { shared <- c.Connect(context.Background()) }()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.GetVersion(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, <-shared)
	_, err = c.GetVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), handshakes.Load())
}

func TestDeadlineCapsRetries(t *testing.T) {
	h := enginetest.Start(t)
	h.Engine.Inject("getVersion", enginetest.Fault{Disconnect: true})
	c := newTestClient(t, h, Config{
		Deadline: 80 * time.Millisecond,
		Retry:    middleware.RetryPolicy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond},
	}, WithLogger(zap.NewNop())) // The abandoned attempt may still log after the test returns.

	start := time.Now()
	_, err := c.GetVersion(context.Background())

	var timeoutErr *rpcerr.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNotifications(t *testing.T) {
	h := enginetest.Start(t)
	got := make(chan *message.Notification, 4)
	c := newTestClient(t, h, Config{}, WithNotificationHandler(func(n *message.Notification) { got <- n }))
	ctx := context.Background()

	gid, err := c.AddURI(ctx, []string{"http://example.com/a.iso"}, nil)
	require.NoError(t, err)
	require.NoError(t, h.Engine.Complete(gid))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-got:
			if n.Method == "aria2.onDownloadComplete" {
				assert.Equal(t, []string{gid}, n.GIDs())
				return
			}
		case <-deadline:
			t.Fatal("onDownloadComplete not delivered")
		}
	}
}

func TestCloseAndReconnect(t *testing.T) {
	h := enginetest.Start(t)
	c := newTestClient(t, h, Config{})
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, transport.Open, c.State())
	require.NoError(t, c.Close())
	assert.Equal(t, transport.Disconnected, c.State())

	_, err := c.GetVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, transport.Open, c.State())
}

func TestResolverFromRegistry(t *testing.T) {
	h := enginetest.Start(t)
	reg := registry.NewMemoryRegistry()
	require.NoError(t, reg.Register(context.Background(), "default", registry.EngineInstance{Addr: h.URL, Weight: 1}, 10))

	resolver := &registry.Resolver{Registry: reg, Name: "default", Key: "test-host", Picker: loadbalance.NewConsistentHashBalancer()}
	c := New(Config{Retry: fastRetry(1)}, WithResolver(resolver), WithLogger(zaptest.NewLogger(t)))
	defer c.Close()

	_, err := c.GetVersion(context.Background())
	require.NoError(t, err)

	empty := &registry.Resolver{Registry: registry.NewMemoryRegistry(), Name: "default"}
	c2 := New(Config{Retry: fastRetry(1)}, WithResolver(empty))
	defer c2.Close()
	_, err = c2.GetVersion(context.Background())
	assert.True(t, errors.Is(err, registry.ErrNoEngines))
}

func TestMetrics(t *testing.T) {
	h := enginetest.Start(t)
	h.Engine.Inject("getVersion", enginetest.Fault{Disconnect: true, Times: 1})

	reg := prometheus.NewRegistry()
	m := middleware.NewMetrics(reg, nil)
	c := newTestClient(t, h, Config{}, WithMetrics(m))

	_, err := c.GetVersion(context.Background())
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "ariactl_rpc_calls_total", "ariactl_rpc_retries_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func BenchmarkGetVersion(b *testing.B) {
	h := enginetest.Start(b)
	c := New(Config{URL: h.URL})
	defer c.Close()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.GetVersion(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkGetVersionParallel(b *testing.B) {
	h := enginetest.Start(b)
	c := New(Config{URL: h.URL})
	defer c.Close()
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := c.GetVersion(ctx); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func TestFailoverToAnotherEngine(t *testing.T) {
	a := enginetest.Start(t)
	b := enginetest.Start(t)
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()
	for _, h := range []*enginetest.Harness{a, b} {
		require.NoError(t, reg.Register(ctx, "engines", registry.EngineInstance{Addr: h.URL, Weight: 1}, 10))
	}

	resolver := &registry.Resolver{Registry: reg, Name: "engines", Key: "host-1", Picker: loadbalance.NewConsistentHashBalancer()}
	c := New(Config{Retry: fastRetry(3)}, WithResolver(resolver), WithLogger(zaptest.NewLogger(t)))
	defer c.Close()

	_, err := c.GetVersion(ctx)
	require.NoError(t, err)
	first, second := a, b
	if b.Engine.Calls("getVersion") == 1 {
		first, second = b, a
	}

	// The engine that served us goes away.
	require.NoError(t, reg.Deregister(ctx, "engines", first.URL))
	first.Server.CloseConnections()

	_, err = c.GetVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Engine.Calls("getVersion"))
	assert.Equal(t, 1, first.Engine.Calls("getVersion"))
}
