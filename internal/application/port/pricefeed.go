package port

import (
	"context"
	"time"

	"pluto/internal/domain"
)

// FeedState is the lifecycle position of a Feed.
type FeedState int32

const (
	FeedIdle FeedState = iota
	FeedStarting
	FeedLive
	FeedClosing
)

func (s FeedState) String() string {
	switch s {
	case FeedIdle:
		return "idle"
	case FeedStarting:
		return "starting"
	case FeedLive:
		return "live"
	case FeedClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Feed owns one upstream connection for one canonical symbol.
//
// EnsureStarted is idempotent while the feed is live and fails with
// domain.ErrConnection when the upstream cannot be reached in time.
// Subscribe never blocks; onPrice receives every deduplicated event after
// registration, in emission order. The returned release is safe to call more
// than once and invokes onUnsubscribed exactly once.
type Feed interface {
	Symbol() string
	Source() string
	EnsureStarted(ctx context.Context) error
	Subscribe(onPrice func(domain.PriceEvent), onUnsubscribed func()) (release func())
	Stop() error
	State() FeedState
	Subscribers() int
	LastPrice() (float64, bool)
	// IdleArmed reports whether the grace timer is pending.
	IdleArmed() bool
}

// FeedOptions are supplied by the owner of a feed when it is constructed.
type FeedOptions struct {
	// IdleGrace is how long a feed without subscribers stays up.
	IdleGrace time.Duration
	// OnIdle, when set, replaces the feed's own Stop once the grace window
	// elapses so the owner can evict and stop atomically.
	OnIdle func()
	// Tap sees every emitted event without counting as a subscriber.
	Tap func(domain.PriceEvent)
}

// FeedFactory builds a not-yet-started feed for a canonical symbol.
type FeedFactory func(symbol string, opts FeedOptions) Feed

// FeedObserver receives feed lifecycle and price notifications.
type FeedObserver interface {
	FeedStarted(symbol, source string, took time.Duration)
	FeedStartFailed(symbol, source string, err error)
	FeedStopped(symbol, source string)
	SubscribersChanged(delta int)
	PriceObserved(source string, evt domain.PriceEvent)
}

// FeedObservers fans notifications out to every member.
type FeedObservers []FeedObserver

func (o FeedObservers) FeedStarted(symbol, source string, took time.Duration) {
	for _, ob := range o {
		ob.FeedStarted(symbol, source, took)
	}
}

func (o FeedObservers) FeedStartFailed(symbol, source string, err error) {
	for _, ob := range o {
		ob.FeedStartFailed(symbol, source, err)
	}
}

func (o FeedObservers) FeedStopped(symbol, source string) {
	for _, ob := range o {
		ob.FeedStopped(symbol, source)
	}
}

func (o FeedObservers) SubscribersChanged(delta int) {
	for _, ob := range o {
		ob.SubscribersChanged(delta)
	}
}

func (o FeedObservers) PriceObserved(source string, evt domain.PriceEvent) {
	for _, ob := range o {
		ob.PriceObserved(source, evt)
	}
}
