package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pluto/internal/application/port"
	"pluto/internal/application/usecase/stream"
	"pluto/internal/domain"
	"pluto/internal/infrastructure/exchange"
	"pluto/internal/infrastructure/pricefeed"
)

type memSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *memSink) WriteLive(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	return nil
}

func (s *memSink) NewLine() error { return nil }

func (s *memSink) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return ""
	}
	return s.lines[len(s.lines)-1]
}

type feeds struct {
	mu sync.Mutex
	m  map[string]*pricefeed.Broadcaster
}

func (f *feeds) get(symbol string) *pricefeed.Broadcaster {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.m[symbol]
	if !ok {
		b = pricefeed.NewBroadcaster(symbol, "fake", port.FeedOptions{IdleGrace: time.Hour}, nil)
		f.m[symbol] = b
	}
	return b
}

func (f *feeds) Subscribe(_ context.Context, symbol string, onPrice func(domain.PriceEvent), onUnsub func()) (func(), error) {
	return f.get(symbol).Subscribe(onPrice, onUnsub), nil
}

func TestStateTracksDirection(t *testing.T) {
	st := NewState([]string{"BTCUSDT", "BTCUSDT", "ETHUSDT"})
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, st.Symbols())

	assert.True(t, st.Apply(domain.PriceEvent{Symbol: "BTCUSDT", Price: 10}))
	assert.False(t, st.Apply(domain.PriceEvent{Symbol: "BTCUSDT", Price: 10}))
	assert.True(t, st.Apply(domain.PriceEvent{Symbol: "BTCUSDT", Price: 9}))
	assert.False(t, st.Apply(domain.PriceEvent{Symbol: "DOGEUSDT", Price: 1}))

	line := NewFormatter().Render(st, RenderLive)
	assert.True(t, strings.HasPrefix(line, "\r"))
	assert.Contains(t, line, "BTCUSDT "+ansiRed+"9▼")
	assert.Contains(t, line, "ETHUSDT "+ansiYellow+"-- ")
}

func TestServiceRendersStreamedPrices(t *testing.T) {
	fs := &feeds{m: make(map[string]*pricefeed.Broadcaster)}
	bridge := stream.NewBridge(fs, stream.Options{Normalize: exchange.Normalize})
	sink := &memSink{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewService(ServiceDeps{Streams: bridge, Tickers: []string{"btc", "eth"}, Sink: sink}).Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return fs.get("BTCUSDT").Subscribers() == 1 && fs.get("ETHUSDT").Subscribers() == 1
	}, time.Second, time.Millisecond)

	fs.get("BTCUSDT").Publish(67000.5, time.Now())
	fs.get("ETHUSDT").Publish(3000, time.Now())
	fs.get("ETHUSDT").Publish(3001, time.Now())

	require.Eventually(t, func() bool {
		l := sink.last()
		return strings.Contains(l, "67000.5") && strings.Contains(l, "3001▲")
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.Eventually(t, func() bool {
		return fs.get("BTCUSDT").Subscribers() == 0 && fs.get("ETHUSDT").Subscribers() == 0
	}, time.Second, time.Millisecond, "streams are released on exit")
}

func TestServiceNeedsTickers(t *testing.T) {
	err := NewService(ServiceDeps{Sink: &memSink{}}).Run(context.Background())
	assert.Error(t, err)
}
