package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pluto/internal/application/port"
	"pluto/internal/domain"
	"pluto/internal/infrastructure/exchange"
	"pluto/internal/infrastructure/pricefeed"
)

// fakeFeeds hands out one broadcaster per symbol and counts releases.
type fakeFeeds struct {
	mu       sync.Mutex
	feeds    map[string]*pricefeed.Broadcaster
	err      error
	releases atomic.Int32
}

func newFakeFeeds() *fakeFeeds {
	return &fakeFeeds{feeds: make(map[string]*pricefeed.Broadcaster)}
}

func (f *fakeFeeds) Subscribe(_ context.Context, symbol string, onPrice func(domain.PriceEvent), onUnsub func()) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}
	b := f.feed(symbol)
	release := b.Subscribe(onPrice, onUnsub)
	return func() {
		f.releases.Add(1)
		release()
	}, nil
}

func (f *fakeFeeds) feed(symbol string) *pricefeed.Broadcaster {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.feeds[symbol]
	if !ok {
		b = pricefeed.NewBroadcaster(symbol, "fake", port.FeedOptions{IdleGrace: time.Hour}, nil)
		f.feeds[symbol] = b
	}
	return b
}

func newTestBridge(feeds *fakeFeeds) (*Bridge, *[]string) {
	var mu sync.Mutex
	outcomes := &[]string{}
	b := NewBridge(feeds, Options{
		Normalize: exchange.Normalize,
		OnSessionEnd: func(o string) {
			mu.Lock()
			defer mu.Unlock()
			*outcomes = append(*outcomes, o)
		},
	})
	return b, outcomes
}

func waiting(s *Stream) bool {
	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()
	return s.queue.waiter != nil
}

func TestStreamPreservesEmissionOrder(t *testing.T) {
	feeds := newFakeFeeds()
	b, _ := newTestBridge(feeds)
	ctx := context.Background()

	s, err := b.Open(ctx, "btc")
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "BTCUSDT", s.Symbol())

	src := feeds.feed("BTCUSDT")
	for _, p := range []float64{1, 2, 3} {
		src.Publish(p, time.Now())
	}
	assert.Equal(t, 3, s.Buffered())

	// consumer catching up from the queue
	for _, want := range []float64{1, 2} {
		evt, err := s.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, evt.Price)
	}

	// a push while items remain queues behind them
	src.Publish(4, time.Now())
	for _, want := range []float64{3, 4} {
		evt, err := s.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, evt.Price)
	}
}

func TestStreamDirectHandoffToWaitingConsumer(t *testing.T) {
	feeds := newFakeFeeds()
	b, _ := newTestBridge(feeds)
	ctx := context.Background()

	s, err := b.Open(ctx, "ETHUSDT")
	require.NoError(t, err)
	defer s.Close()

	got := make(chan domain.PriceEvent, 1)
	go func() {
		evt, err := s.Next(ctx)
		if err == nil {
			got <- evt
		}
	}()
	require.Eventually(t, func() bool { return waiting(s) }, time.Second, time.Millisecond)

	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, errConcurrentNext)

	feeds.feed("ETHUSDT").Publish(2500, time.Now())
	select {
	case evt := <-got:
		assert.Equal(t, 2500.0, evt.Price)
		assert.Equal(t, "ETHUSDT", evt.Symbol)
	case <-time.After(time.Second):
		t.Fatal("waiting consumer was not handed the event")
	}
	assert.Zero(t, s.Buffered())
}

func TestStreamCancelReleasesOnceAndSparesOtherSubscribers(t *testing.T) {
	feeds := newFakeFeeds()
	b, _ := newTestBridge(feeds)

	first, err := b.Open(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	second, err := b.Open(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	defer second.Close()

	src := feeds.feed("BTCUSDT")
	assert.Equal(t, 2, src.Subscribers())

	ctx, cancel := context.WithCancel(context.Background())
	delivered := make(chan float64, 8)
	pumpDone := make(chan error, 1)
	go func() {
		pumpDone <- first.Pump(ctx, func(e domain.PriceEvent) error {
			delivered <- e.Price
			return nil
		})
	}()

	src.Publish(10, time.Now())
	assert.Equal(t, 10.0, <-delivered)

	cancel()
	require.NoError(t, <-pumpDone, "cancellation ends the pump cleanly")
	first.Close()

	assert.Equal(t, int32(1), feeds.releases.Load())
	assert.Equal(t, 1, src.Subscribers())

	src.Publish(11, time.Now())
	evt, err := second.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10.0, evt.Price)
	evt, err = second.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 11.0, evt.Price)
	assert.Empty(t, delivered, "cancelled consumer sees nothing more")
}

func TestStreamNextAfterClose(t *testing.T) {
	feeds := newFakeFeeds()
	b, _ := newTestBridge(feeds)

	s, err := b.Open(context.Background(), "SOL")
	require.NoError(t, err)
	feeds.feed("SOLUSDT").Publish(150, time.Now())
	s.Close()
	s.Close()

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, domain.ErrStreamClosed)
	assert.Equal(t, int32(1), feeds.releases.Load())
}

func TestStreamNextHonoursContext(t *testing.T) {
	feeds := newFakeFeeds()
	b, _ := newTestBridge(feeds)

	s, err := b.Open(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, waiting(s), "a cancelled Next gives up its waiting slot")

	feeds.feed("BTCUSDT").Publish(1, time.Now())
	evt, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, evt.Price)
}

func TestOpenTranslatesFailures(t *testing.T) {
	feeds := newFakeFeeds()
	b, _ := newTestBridge(feeds)

	_, err := b.Open(context.Background(), " 123 ")
	var se *domain.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.CodeInvalidArgument, se.Code)
	assert.ErrorIs(t, err, domain.ErrInvalidSymbol)

	feeds.err = domain.ErrConnection
	_, err = b.Open(context.Background(), "doge")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.CodeInvalidArgument, se.Code)
	assert.Equal(t, "DOGEUSDT", se.Symbol)
	assert.Contains(t, se.Message, "could not resolve symbol DOGEUSDT")
	assert.ErrorIs(t, err, domain.ErrConnection)

	feeds.err = domain.ErrFeedsClosed
	_, err = b.Open(context.Background(), "doge")
	assert.Equal(t, domain.CodeInternal, domain.CodeOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	feeds.err = context.Canceled
	_, err = b.Open(ctx, "doge")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorAs(t, err, &se)
}

func TestServeReportsOutcomes(t *testing.T) {
	feeds := newFakeFeeds()
	b, outcomes := newTestBridge(feeds)

	// send failure surfaces as internal and still releases
	done := make(chan error, 1)
	go func() {
		done <- b.Serve(context.Background(), "BTCUSDT", func(domain.PriceEvent) error {
			return errors.New("broken pipe")
		})
	}()
	require.Eventually(t, func() bool { return feeds.feed("BTCUSDT").Subscribers() == 1 }, time.Second, time.Millisecond)
	feeds.feed("BTCUSDT").Publish(1, time.Now())
	err := <-done
	assert.Equal(t, domain.CodeInternal, domain.CodeOf(err))
	assert.Equal(t, int32(1), feeds.releases.Load())
	assert.Zero(t, feeds.feed("BTCUSDT").Subscribers())

	feeds.err = domain.ErrConnection
	err = b.Serve(context.Background(), "NOPE", func(domain.PriceEvent) error { return nil })
	assert.Equal(t, domain.CodeInvalidArgument, domain.CodeOf(err))

	assert.Equal(t, []string{OutcomeInternal, OutcomeInvalidTarget}, *outcomes)
}

func TestAllStopsWhenLoopBreaks(t *testing.T) {
	feeds := newFakeFeeds()
	b, _ := newTestBridge(feeds)

	s, err := b.Open(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	src := feeds.feed("BTCUSDT")
	for _, p := range []float64{100, 100, 101, 102} {
		src.Publish(p, time.Now())
	}

	var got []float64
	for evt, err := range s.All(context.Background()) {
		require.NoError(t, err)
		got = append(got, evt.Price)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []float64{100, 101}, got)
	assert.Equal(t, int32(1), feeds.releases.Load())
	assert.Zero(t, src.Subscribers())
}
