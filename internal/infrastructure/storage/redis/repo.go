package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pluto/internal/application/port"

	"github.com/redis/go-redis/v9"
)

type Repo struct {
	rdb         *redis.Client
	prefix      string
	ttl         time.Duration
	keyLatest   string // prefix + ":latest"
	eventStream string // prefix + ":feed_events"
	priceChan   string
}

type LatestPrice struct {
	Source string  `json:"source"`
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Ts     int64   `json:"ts"`
}

// New builds the repo; an empty priceChan defaults to prefix + ":prices".
func New(rdb *redis.Client, prefix string, ttl time.Duration, priceChan string) *Repo {
	if strings.TrimSpace(priceChan) == "" {
		priceChan = prefix + ":prices"
	}
	return &Repo{
		rdb:         rdb,
		prefix:      prefix,
		ttl:         ttl,
		keyLatest:   prefix + ":latest",
		eventStream: prefix + ":feed_events",
		priceChan:   priceChan,
	}
}

// UpsertLatestPrice stores the price in a hash and publishes it so other
// processes can follow the feed without holding an upstream connection.
func (r *Repo) UpsertLatestPrice(ctx context.Context, source, symbol string, price float64, ts int64) error {
	if price <= 0 {
		return nil
	}
	lp := LatestPrice{Source: source, Symbol: symbol, Price: price, Ts: ts}
	b, _ := json.Marshal(lp)

	// Hash: field = "binance:BTCUSDT" -> json
	field := fmt.Sprintf("%s:%s", source, symbol)
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, r.keyLatest, field, string(b))
	if r.ttl > 0 {
		pipe.Expire(ctx, r.keyLatest, r.ttl)
	}
	pipe.Publish(ctx, r.priceChan, string(b))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Repo) InsertFeedEvent(ctx context.Context, ts int64, source, symbol, event, detail string) error {
	// Stream: XADD <stream> * ts source symbol event detail
	return r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.eventStream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]any{
			"ts_ms":  ts,
			"source": source,
			"symbol": symbol,
			"event":  event,
			"detail": detail,
		},
	}).Err()
}

// Close is a no-op; the client is owned by the service context.
func (r *Repo) Close() error { return nil }

var _ port.Repository = (*Repo)(nil)
