package binance

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"pluto/internal/application/port"
	"pluto/internal/domain"
	"pluto/internal/infrastructure/exchange"
	"pluto/internal/infrastructure/pricefeed"
	wsretry "pluto/internal/infrastructure/websocket"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// Source is the registry name of the trade-stream feed.
const Source = "binance"

// priceFields are tried in order; trade payloads carry "p", tickers "c".
var priceFields = []string{"p", "price", "c"}

type Options struct {
	WsURL            string        // e.g. wss://stream.binance.com:9443
	HandshakeTimeout time.Duration // bounds EnsureStarted's dial
	Reconnect        bool          // redial after a post-handshake drop
	Retry            wsretry.RetryConfig
	Dialer           *websocket.Dialer
}

// TradeFeed holds one <symbol>@trade stream open for every subscriber of the
// symbol.
type TradeFeed struct {
	*pricefeed.Broadcaster

	opts Options

	// startMu serializes EnsureStarted and Stop.
	startMu sync.Mutex

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTradeFeed builds an idle feed; nothing is dialed until EnsureStarted.
func NewTradeFeed(symbol string, opts Options, feedOpts port.FeedOptions) *TradeFeed {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	if opts.Retry.InitialDel <= 0 {
		opts.Retry = wsretry.DefaultRetryConfig
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	opts.WsURL = strings.TrimSpace(opts.WsURL)

	f := &TradeFeed{opts: opts}
	f.Broadcaster = pricefeed.NewBroadcaster(symbol, Source, feedOpts, f.Stop)
	return f
}

// StreamURL returns wss://<host>/ws/<lowercased symbol>@trade.
func StreamURL(base, symbol string) (string, error) {
	sym := strings.ToLower(strings.TrimSpace(symbol))
	if sym == "" {
		return "", fmt.Errorf("%w: empty symbol", domain.ErrInvalidSymbol)
	}
	return exchange.BuildURL(base, "/ws/"+sym+"@trade")
}

func (f *TradeFeed) EnsureStarted(ctx context.Context) error {
	f.startMu.Lock()
	defer f.startMu.Unlock()

	if f.State() == port.FeedLive {
		return nil
	}

	wsURL, err := StreamURL(f.opts.WsURL, f.Symbol())
	if err != nil {
		return err
	}

	f.SetState(port.FeedStarting)
	log.Info().Str("feed", Source).Str("symbol", f.Symbol()).Str("url", wsURL).Msg("ws connecting")

	conn, err := f.dial(ctx, wsURL)
	if err != nil {
		f.SetState(port.FeedIdle)
		return fmt.Errorf("%w: %s: %w", domain.ErrConnection, wsURL, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	f.mu.Lock()
	f.conn, f.cancel, f.done = conn, cancel, done
	f.mu.Unlock()

	f.SetState(port.FeedLive)
	log.Info().Str("feed", Source).Str("symbol", f.Symbol()).Msg("ws connected")

	go f.run(runCtx, wsURL, conn, done)
	return nil
}

// Stop closes the upstream connection and waits for the reader to exit.
func (f *TradeFeed) Stop() error {
	f.startMu.Lock()
	defer f.startMu.Unlock()

	f.mu.Lock()
	cancel, conn, done := f.cancel, f.conn, f.done
	f.cancel, f.conn, f.done = nil, nil, nil
	f.mu.Unlock()

	if cancel == nil {
		f.SetState(port.FeedIdle)
		return nil
	}

	f.SetState(port.FeedClosing)
	log.Info().Str("feed", Source).Str("symbol", f.Symbol()).Msg("closing ws")
	cancel()
	var err error
	if conn != nil {
		err = exchange.CloseGracefully(conn)
	}
	<-done
	f.SetState(port.FeedIdle)
	return err
}

func (f *TradeFeed) dial(ctx context.Context, wsURL string) (*websocket.Conn, error) {
	cctx, cancel := context.WithTimeout(ctx, f.opts.HandshakeTimeout)
	defer cancel()
	conn, _, err := f.opts.Dialer.DialContext(cctx, wsURL, nil)
	return conn, err
}

func (f *TradeFeed) run(ctx context.Context, wsURL string, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		err := exchange.ReadWithPing(ctx, conn, f.handleMessage)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("feed", Source).Str("symbol", f.Symbol()).Err(err).Msg("ws disconnected")

		if !f.opts.Reconnect {
			// next EnsureStarted redials
			f.detach(conn)
			return
		}

		next, err := wsretry.Redial(ctx, f.opts.Retry, f.Symbol(), func(c context.Context) (*websocket.Conn, error) {
			return f.dial(c, wsURL)
		})
		if err != nil {
			if ctx.Err() == nil {
				f.detach(conn)
			}
			return
		}

		f.mu.Lock()
		if f.cancel == nil {
			f.mu.Unlock()
			_ = next.Close()
			return
		}
		f.conn = next
		f.mu.Unlock()

		conn = next
		log.Info().Str("feed", Source).Str("symbol", f.Symbol()).Msg("ws reconnected")
	}
}

// detach forgets a dropped connection so the feed reads as idle.
func (f *TradeFeed) detach(conn *websocket.Conn) {
	f.mu.Lock()
	if f.conn != conn {
		f.mu.Unlock()
		return
	}
	cancel := f.cancel
	f.conn, f.cancel, f.done = nil, nil, nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	f.SetState(port.FeedIdle)
}

func (f *TradeFeed) handleMessage(b []byte) {
	price, ok := ParsePrice(b)
	if !ok {
		log.Debug().Str("feed", Source).Str("symbol", f.Symbol()).Bytes("msg", b).Msg("ignored message")
		return
	}
	f.Publish(price, time.Now())
}

// ParsePrice extracts a finite trade price from a stream payload. The field
// may be a JSON string or number.
func ParsePrice(b []byte) (float64, bool) {
	if !gjson.ValidBytes(b) {
		return 0, false
	}
	for _, field := range priceFields {
		r := gjson.GetBytes(b, field)
		if !r.Exists() {
			continue
		}
		var v float64
		switch r.Type {
		case gjson.String:
			n, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
			if err != nil {
				return 0, false
			}
			v = n
		case gjson.Number:
			v = r.Num
		default:
			return 0, false
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	}
	return 0, false
}
