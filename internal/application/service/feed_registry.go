package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"pluto/internal/application/port"
	"pluto/internal/domain"
)

// RegistryOptions configures a FeedRegistry.
type RegistryOptions struct {
	Source       string            // variant name, for logs and observers
	IdleGrace    time.Duration     // how long an unused feed stays up
	StartTimeout time.Duration     // bounds EnsureStarted
	Limiter      *rate.Limiter     // throttles upstream starts; nil = unlimited
	Observer     port.FeedObserver // optional
}

// FeedInfo is a point-in-time view of one registered feed.
type FeedInfo struct {
	Symbol      string   `json:"symbol"`
	Source      string   `json:"source"`
	State       string   `json:"state"`
	Subscribers int      `json:"subscribers"`
	LastPrice   *float64 `json:"lastPrice,omitempty"`
}

type feedEntry struct {
	symbol string
	feed   port.Feed
	ready  chan struct{} // closed once the first start attempt finished
	err    error         // result of that attempt, valid after ready
}

// FeedRegistry keeps at most one feed per canonical symbol and shares it
// between every subscriber. Feeds are created on first use and evicted when
// their idle grace window passes without subscribers.
type FeedRegistry struct {
	factory port.FeedFactory
	opts    RegistryOptions

	mu      sync.Mutex
	entries map[string]*feedEntry
	closed  bool
}

func NewFeedRegistry(factory port.FeedFactory, opts RegistryOptions) *FeedRegistry {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 15 * time.Second
	}
	if opts.Observer == nil {
		opts.Observer = port.FeedObservers(nil)
	}
	return &FeedRegistry{
		factory: factory,
		opts:    opts,
		entries: make(map[string]*feedEntry),
	}
}

// Acquire returns the started feed for symbol, creating and starting it if
// needed. Concurrent callers for the same symbol share one construction.
// A failed start removes the entry so the next Acquire starts fresh.
func (r *FeedRegistry) Acquire(ctx context.Context, symbol string) (port.Feed, error) {
	e, err := r.acquire(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return e.feed, nil
}

func (r *FeedRegistry) acquire(ctx context.Context, symbol string) (*feedEntry, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, domain.ErrFeedsClosed
	}

	if e, ok := r.entries[symbol]; ok {
		r.mu.Unlock()
		return r.join(ctx, e)
	}

	e := &feedEntry{symbol: symbol, ready: make(chan struct{})}
	e.feed = r.factory(symbol, port.FeedOptions{
		IdleGrace: r.opts.IdleGrace,
		OnIdle:    func() { r.evictIdle(e) },
		Tap: func(evt domain.PriceEvent) {
			r.opts.Observer.PriceObserved(r.opts.Source, evt)
		},
	})
	r.entries[symbol] = e
	r.mu.Unlock()

	err := r.start(ctx, e)

	r.mu.Lock()
	closed := r.closed
	if err == nil && closed {
		err = domain.ErrFeedsClosed
	}
	e.err = err
	if err != nil && r.entries[symbol] == e {
		delete(r.entries, symbol)
	}
	close(e.ready)
	r.mu.Unlock()

	if err != nil {
		if closed {
			// Close ran while we were starting and did not see this feed
			_ = e.feed.Stop()
		}
		return nil, err
	}
	return e, nil
}

// join waits for an in-flight start and then makes sure the feed is live,
// restarting it if its upstream detached in the meantime.
func (r *FeedRegistry) join(ctx context.Context, e *feedEntry) (*feedEntry, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	if e.feed.State() == port.FeedLive {
		return e, nil
	}

	if err := r.start(ctx, e); err != nil {
		r.mu.Lock()
		evict := r.entries[e.symbol] == e && e.feed.Subscribers() == 0
		if evict {
			delete(r.entries, e.symbol)
		}
		r.mu.Unlock()
		if evict {
			_ = e.feed.Stop()
		}
		return nil, err
	}
	return e, nil
}

func (r *FeedRegistry) start(ctx context.Context, e *feedEntry) error {
	if r.opts.Limiter != nil {
		if err := r.opts.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	// a caller that goes away must not abort a start other callers share
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.StartTimeout)
	defer cancel()

	begin := time.Now()
	if err := e.feed.EnsureStarted(sctx); err != nil {
		log.Warn().Str("symbol", e.symbol).Str("feed", r.opts.Source).Err(err).Msg("feed start failed")
		r.opts.Observer.FeedStartFailed(e.symbol, r.opts.Source, err)
		return err
	}
	took := time.Since(begin)
	log.Info().Str("symbol", e.symbol).Str("feed", r.opts.Source).Dur("took", took).Msg("feed live")
	r.opts.Observer.FeedStarted(e.symbol, r.opts.Source, took)
	return nil
}

// Subscribe acquires the feed for symbol and registers onPrice on it. The
// returned release is idempotent; it invokes onUnsubscribed exactly once.
func (r *FeedRegistry) Subscribe(ctx context.Context, symbol string, onPrice func(domain.PriceEvent), onUnsubscribed func()) (func(), error) {
	for {
		e, err := r.acquire(ctx, symbol)
		if err != nil {
			return nil, err
		}

		// subscribing under the registry lock keeps an expiring grace timer
		// from evicting the entry between acquire and Subscribe
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, domain.ErrFeedsClosed
		}
		if r.entries[symbol] != e {
			r.mu.Unlock()
			continue
		}
		release := e.feed.Subscribe(onPrice, onUnsubscribed)
		n := e.feed.Subscribers()
		r.mu.Unlock()

		r.opts.Observer.SubscribersChanged(1)
		log.Debug().Str("symbol", symbol).Int("subscribers", n).Msg("subscribed")

		var once sync.Once
		return func() {
			once.Do(func() {
				release()
				r.opts.Observer.SubscribersChanged(-1)
				log.Debug().Str("symbol", symbol).Msg("unsubscribed")
			})
		}, nil
	}
}

// evictIdle runs when e's grace window expires. The entry is removed before
// the feed is stopped so no new subscriber can attach to a closing feed. A
// timer re-armed after this callback was scheduled owns the eviction.
func (r *FeedRegistry) evictIdle(e *feedEntry) {
	r.mu.Lock()
	if r.entries[e.symbol] != e || e.feed.Subscribers() > 0 || e.feed.IdleArmed() {
		r.mu.Unlock()
		return
	}
	delete(r.entries, e.symbol)
	r.mu.Unlock()

	if err := e.feed.Stop(); err != nil {
		log.Warn().Str("symbol", e.symbol).Err(err).Msg("stop idle feed")
	}
	log.Info().Str("symbol", e.symbol).Str("feed", r.opts.Source).Msg("idle feed evicted")
	r.opts.Observer.FeedStopped(e.symbol, r.opts.Source)
}

// Lookup returns the registered feed for symbol, if any.
func (r *FeedRegistry) Lookup(symbol string) (port.Feed, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[symbol]
	if !ok {
		return nil, false
	}
	return e.feed, true
}

// Len is the number of registered feeds.
func (r *FeedRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// StartTimeout bounds each feed's EnsureStarted.
func (r *FeedRegistry) StartTimeout() time.Duration {
	return r.opts.StartTimeout
}

// Snapshot lists every registered feed, sorted by symbol.
func (r *FeedRegistry) Snapshot() []FeedInfo {
	r.mu.Lock()
	feeds := make([]port.Feed, 0, len(r.entries))
	for _, e := range r.entries {
		feeds = append(feeds, e.feed)
	}
	r.mu.Unlock()

	out := make([]FeedInfo, 0, len(feeds))
	for _, f := range feeds {
		info := FeedInfo{
			Symbol:      f.Symbol(),
			Source:      f.Source(),
			State:       f.State().String(),
			Subscribers: f.Subscribers(),
		}
		if p, ok := f.LastPrice(); ok {
			info.LastPrice = &p
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Close stops every feed. Later calls to Acquire or Subscribe fail with
// domain.ErrFeedsClosed.
func (r *FeedRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*feedEntry)
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.feed.Stop(); err != nil {
			errs = append(errs, err)
		}
		r.opts.Observer.FeedStopped(e.symbol, r.opts.Source)
	}
	log.Info().Int("feeds", len(entries)).Msg("feed registry closed")
	return errors.Join(errs...)
}
