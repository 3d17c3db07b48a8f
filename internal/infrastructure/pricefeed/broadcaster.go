package pricefeed

import (
	"sync"
	"time"

	"pluto/internal/application/port"
	"pluto/internal/domain"
)

// DefaultIdleGrace is how long a feed outlives its last subscriber.
const DefaultIdleGrace = 30 * time.Second

type observer struct {
	id uint64
	fn func(domain.PriceEvent)
}

// Broadcaster is the part of a Feed that every variant shares: the typed
// observer list, subscriber refcount, idle grace timer, lifecycle state and
// the dedup/emission path. Variants embed it and call Publish from their
// upstream reader.
type Broadcaster struct {
	symbol string
	source string
	opts   port.FeedOptions
	stop   func() error

	// emitMu serializes Publish so observe+deliver is atomic per event.
	emitMu  sync.Mutex
	tracker domain.PriceTracker

	mu        sync.Mutex
	state     port.FeedState
	observers []observer
	nextID    uint64
	subs      int
	idle      *time.Timer
	idleGen   uint64
	lastPrice float64
	hasPrice  bool
}

// NewBroadcaster creates the shared feed core. stop is what the grace timer
// runs when opts.OnIdle is not set.
func NewBroadcaster(symbol, source string, opts port.FeedOptions, stop func() error) *Broadcaster {
	if opts.IdleGrace <= 0 {
		opts.IdleGrace = DefaultIdleGrace
	}
	return &Broadcaster{
		symbol: symbol,
		source: source,
		opts:   opts,
		stop:   stop,
		state:  port.FeedIdle,
	}
}

func (b *Broadcaster) Symbol() string { return b.symbol }

func (b *Broadcaster) Source() string { return b.source }

func (b *Broadcaster) State() port.FeedState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs
}

func (b *Broadcaster) LastPrice() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPrice, b.hasPrice
}

// IdleArmed reports whether the grace timer is currently pending.
func (b *Broadcaster) IdleArmed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.idle != nil
}

// SetState moves the feed to s. Entering FeedLive with no subscribers arms
// the grace timer so a feed nobody ends up using is still reclaimed. Going
// from FeedLive straight to FeedIdle means the upstream dropped on its own;
// an unused feed keeps (or gets) a pending timer so its owner still evicts
// it. Every other move to FeedIdle, and FeedStarting, disarms the timer.
func (b *Broadcaster) SetState(s port.FeedState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.state
	b.state = s
	switch s {
	case port.FeedStarting:
		b.disarmLocked()
	case port.FeedLive:
		if b.subs == 0 && b.idle == nil {
			b.armLocked()
		}
	case port.FeedIdle:
		if prev != port.FeedLive {
			b.disarmLocked()
		} else if b.subs == 0 && b.idle == nil {
			b.armLocked()
		}
	}
}

// Subscribe registers onPrice for future events and disarms any pending
// grace timer.
func (b *Broadcaster) Subscribe(onPrice func(domain.PriceEvent), onUnsubscribed func()) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if onPrice != nil {
		b.observers = append(b.observers, observer{id: id, fn: onPrice})
	}
	b.subs++
	b.disarmLocked()
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			for i, o := range b.observers {
				if o.id == id {
					b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
					break
				}
			}
			b.subs--
			if b.subs == 0 {
				b.armLocked()
			}
			b.mu.Unlock()

			if onUnsubscribed != nil {
				onUnsubscribed()
			}
		})
	}
}

// Publish runs price through the dedup check and, when it changed, delivers
// one event to every current observer and the tap. It reports whether an
// event was emitted. Observers must not block.
func (b *Broadcaster) Publish(price float64, at time.Time) bool {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	if !b.tracker.Observe(price) {
		return false
	}
	evt := domain.PriceEvent{Symbol: b.symbol, Price: price, ObservedAt: at}

	b.mu.Lock()
	b.lastPrice, b.hasPrice = price, true
	targets := make([]func(domain.PriceEvent), len(b.observers))
	for i, o := range b.observers {
		targets[i] = o.fn
	}
	b.mu.Unlock()

	for _, fn := range targets {
		fn(evt)
	}
	if b.opts.Tap != nil {
		b.opts.Tap(evt)
	}
	return true
}

func (b *Broadcaster) armLocked() {
	b.disarmLocked()
	gen := b.idleGen
	b.idle = time.AfterFunc(b.opts.IdleGrace, func() { b.expire(gen) })
}

func (b *Broadcaster) disarmLocked() {
	b.idleGen++
	if b.idle != nil {
		b.idle.Stop()
		b.idle = nil
	}
}

func (b *Broadcaster) expire(gen uint64) {
	b.mu.Lock()
	if gen != b.idleGen || b.subs > 0 {
		b.mu.Unlock()
		return
	}
	b.idle = nil
	b.mu.Unlock()

	if b.opts.OnIdle != nil {
		b.opts.OnIdle()
		return
	}
	if b.stop != nil {
		_ = b.stop()
	}
}
