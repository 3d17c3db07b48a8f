package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pluto/internal/application/port"
	"pluto/internal/application/service"
	"pluto/internal/domain"
	wsretry "pluto/internal/infrastructure/websocket"
)

func TestParsePrice(t *testing.T) {
	cases := []struct {
		msg  string
		want float64
		ok   bool
	}{
		{`{"e":"trade","s":"BTCUSDT","p":"67000.10","q":"0.1"}`, 67000.10, true},
		{`{"price":42.5}`, 42.5, true},
		{`{"c":"1.25"}`, 1.25, true},
		{`{"p":"abc"}`, 0, false},
		{`{"p":null}`, 0, false},
		{`{"result":null,"id":1}`, 0, false},
		{`not json`, 0, false},
	}
	for _, c := range cases {
		got, ok := ParsePrice([]byte(c.msg))
		assert.Equal(t, c.ok, ok, c.msg)
		if c.ok {
			assert.InDelta(t, c.want, got, 1e-9, c.msg)
		}
	}
}

func TestStreamURL(t *testing.T) {
	u, err := StreamURL("wss://stream.binance.com:9443/", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "wss://stream.binance.com:9443/ws/btcusdt@trade", u)

	_, err = StreamURL("wss://stream.binance.com:9443", " ")
	assert.ErrorIs(t, err, domain.ErrInvalidSymbol)
}

// tradeServer upgrades every request and writes whatever is sent on msgs.
type tradeServer struct {
	*httptest.Server
	mu    sync.Mutex
	paths []string
	msgs  chan string
}

func newTradeServer(t *testing.T) *tradeServer {
	ts := &tradeServer{msgs: make(chan string, 16)}
	upgrader := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.paths = append(ts.paths, r.URL.Path)
		ts.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for m := range ts.msgs {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(ts.msgs) })
	return ts
}

func (ts *tradeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestTradeFeedStreamsDeduplicatedTrades(t *testing.T) {
	ts := newTradeServer(t)
	f := NewTradeFeed("BTCUSDT", Options{WsURL: ts.wsURL(), HandshakeTimeout: time.Second}, port.FeedOptions{IdleGrace: time.Hour})

	require.NoError(t, f.EnsureStarted(context.Background()))
	require.NoError(t, f.EnsureStarted(context.Background()), "second start is a no-op")
	assert.Equal(t, port.FeedLive, f.State())

	events := make(chan domain.PriceEvent, 8)
	release := f.Subscribe(func(e domain.PriceEvent) { events <- e }, nil)
	defer release()

	for _, m := range []string{`{"p":"100"}`, `{"p":"100"}`, `{"p":"oops"}`, `{"p":100}`, `{"p":"101"}`} {
		ts.msgs <- m
	}

	var got []float64
	for len(got) < 2 {
		select {
		case e := <-events:
			assert.Equal(t, "BTCUSDT", e.Symbol)
			got = append(got, e.Price)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []float64{100, 101}, got)

	ts.mu.Lock()
	assert.Equal(t, "/ws/btcusdt@trade", ts.paths[0])
	ts.mu.Unlock()

	require.NoError(t, ignoreClosed(f.Stop()))
	assert.Equal(t, port.FeedIdle, f.State())
	require.NoError(t, f.Stop(), "stop is idempotent")
}

func TestTradeFeedConnectionError(t *testing.T) {
	f := NewTradeFeed("BTCUSDT", Options{WsURL: "ws://127.0.0.1:1", HandshakeTimeout: 500 * time.Millisecond}, port.FeedOptions{})

	err := f.EnsureStarted(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnection)
	assert.Equal(t, port.FeedIdle, f.State())
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, websocket.ErrCloseSent) || strings.Contains(err.Error(), "use of closed") {
		return nil
	}
	return err
}

// flakyServer drops its first connection right after the handshake and
// sends one trade on every later one.
func flakyServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if conns.Add(1) == 1 {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"p":"250.5"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func TestTradeFeedReconnectsAfterDrop(t *testing.T) {
	srv, conns := flakyServer(t)
	f := NewTradeFeed("SOLUSDT", Options{
		WsURL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		HandshakeTimeout: time.Second,
		Reconnect:        true,
		Retry:            wsretry.RetryConfig{InitialDel: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	}, port.FeedOptions{IdleGrace: time.Hour})

	events := make(chan domain.PriceEvent, 4)
	release := f.Subscribe(func(e domain.PriceEvent) { events <- e }, nil)
	defer release()
	require.NoError(t, f.EnsureStarted(context.Background()))

	select {
	case e := <-events:
		assert.Equal(t, 250.5, e.Price)
	case <-time.After(3 * time.Second):
		t.Fatal("no trade after reconnect")
	}
	assert.GreaterOrEqual(t, conns.Load(), int32(2))
	assert.Equal(t, port.FeedLive, f.State())
	require.NoError(t, ignoreClosed(f.Stop()))
}

func TestTradeFeedWithoutReconnectGoesIdle(t *testing.T) {
	srv, conns := flakyServer(t)
	f := NewTradeFeed("SOLUSDT", Options{
		WsURL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		HandshakeTimeout: time.Second,
	}, port.FeedOptions{IdleGrace: time.Hour})

	require.NoError(t, f.EnsureStarted(context.Background()))
	require.Eventually(t, func() bool { return f.State() == port.FeedIdle }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), conns.Load())

	// a later start dials again
	require.NoError(t, f.EnsureStarted(context.Background()))
	assert.Equal(t, port.FeedLive, f.State())
	require.NoError(t, ignoreClosed(f.Stop()))
}

func TestRegistryEvictsTradeFeedAfterUpstreamDrop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conn, err := upgrader.Upgrade(w, r, nil); err == nil {
			_ = conn.Close()
		}
	}))
	defer srv.Close()

	opts := Options{WsURL: "ws" + strings.TrimPrefix(srv.URL, "http"), HandshakeTimeout: time.Second}
	reg := service.NewFeedRegistry(func(symbol string, feedOpts port.FeedOptions) port.Feed {
		return NewTradeFeed(symbol, opts, feedOpts)
	}, service.RegistryOptions{Source: Source, IdleGrace: 100 * time.Millisecond, StartTimeout: time.Second})
	defer reg.Close()

	release, err := reg.Subscribe(context.Background(), "BTCUSDT", func(domain.PriceEvent) {}, nil)
	require.NoError(t, err)
	release()

	require.Eventually(t, func() bool { return reg.Len() == 0 }, 3*time.Second, 10*time.Millisecond,
		"dropped feed must leave the registry once its grace window passes")
}
