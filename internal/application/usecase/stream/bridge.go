// Package stream bridges push-style feed callbacks into pull-style streams
// for one caller at a time.
package stream

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"pluto/internal/domain"
)

// Session outcomes reported to Options.OnSessionEnd.
const (
	OutcomeCompleted     = "completed" // caller went away
	OutcomeInvalidTarget = "invalid_target"
	OutcomeInternal      = "internal"
)

// Subscriber is the registry side of the bridge.
type Subscriber interface {
	Subscribe(ctx context.Context, symbol string, onPrice func(domain.PriceEvent), onUnsubscribed func()) (func(), error)
}

type Options struct {
	// Normalize maps user input to a canonical symbol.
	Normalize func(string) string
	// OnSessionEnd, when set, is told how every session ended: a failed
	// Open, or a stream once it is pumped dry or closed.
	OnSessionEnd func(outcome string)
}

type Bridge struct {
	feeds Subscriber
	opts  Options
}

func NewBridge(feeds Subscriber, opts Options) *Bridge {
	if opts.Normalize == nil {
		opts.Normalize = strings.ToUpper
	}
	return &Bridge{feeds: feeds, opts: opts}
}

// Open normalizes ticker and subscribes to its feed. Failures to resolve or
// start the feed come back as an invalid-target *domain.StreamError, a shut
// down or broken registry as an internal one; a cancelled ctx is returned
// as is.
func (b *Bridge) Open(ctx context.Context, ticker string) (*Stream, error) {
	symbol := b.opts.Normalize(ticker)
	if symbol == "" {
		err := domain.InvalidTarget(strings.TrimSpace(ticker), domain.ErrInvalidSymbol)
		b.sessionEnded(outcomeOf(err))
		return nil, err
	}

	q := newEventQueue()
	release, err := b.feeds.Subscribe(ctx, symbol, q.push, q.close)
	if err != nil {
		if ctx.Err() != nil {
			b.sessionEnded(OutcomeCompleted)
			return nil, ctx.Err()
		}
		if errors.Is(err, domain.ErrFeedsClosed) || errors.Is(err, domain.ErrInternal) {
			err = domain.Internal(symbol, err)
		} else {
			err = domain.InvalidTarget(symbol, err)
		}
		b.sessionEnded(outcomeOf(err))
		return nil, err
	}

	log.Debug().Str("symbol", symbol).Str("ticker", ticker).Msg("stream opened")
	return &Stream{symbol: symbol, queue: q, release: release, onEnd: b.sessionEnded}, nil
}

// Serve opens a stream for ticker and pumps it into send until ctx is done.
// A cancelled ctx is a normal end and returns nil.
func (b *Bridge) Serve(ctx context.Context, ticker string, send func(domain.PriceEvent) error) error {
	s, err := b.Open(ctx, ticker)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	return s.Pump(ctx, send)
}

func (b *Bridge) sessionEnded(outcome string) {
	if b.opts.OnSessionEnd != nil {
		b.opts.OnSessionEnd(outcome)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeCompleted
	case domain.CodeOf(err) == domain.CodeInvalidArgument:
		return OutcomeInvalidTarget
	default:
		return OutcomeInternal
	}
}

// Stream is one caller's ordered view of a feed. Next must not be called
// concurrently.
type Stream struct {
	symbol  string
	queue   *eventQueue
	release func()
	once    sync.Once

	onEnd   func(outcome string)
	endOnce sync.Once
}

// Symbol is the canonical symbol the stream follows.
func (s *Stream) Symbol() string { return s.symbol }

// Buffered reports how many events wait to be read.
func (s *Stream) Buffered() int { return s.queue.len() }

// Next blocks for the next event in emission order.
func (s *Stream) Next(ctx context.Context) (domain.PriceEvent, error) {
	return s.queue.pop(ctx)
}

// Close releases the feed subscription exactly once and drops anything
// still buffered.
func (s *Stream) Close() {
	s.finish(OutcomeCompleted)
	s.once.Do(func() {
		s.queue.close()
		s.release()
		log.Debug().Str("symbol", s.symbol).Msg("stream closed")
	})
}

// finish reports the session outcome; only the first report counts.
func (s *Stream) finish(outcome string) {
	s.endOnce.Do(func() {
		if s.onEnd != nil {
			s.onEnd(outcome)
		}
	})
}

// Pump forwards events to send until ctx is cancelled, then closes the
// stream. Cancellation is a normal end and returns nil; any other failure is
// reported as an internal *domain.StreamError.
func (s *Stream) Pump(ctx context.Context, send func(domain.PriceEvent) error) error {
	defer s.Close()

	err := s.pump(ctx, send)
	s.finish(outcomeOf(err))
	return err
}

func (s *Stream) pump(ctx context.Context, send func(domain.PriceEvent) error) error {
	for {
		evt, err := s.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Str("symbol", s.symbol).Err(err).Msg("stream read failed")
			return domain.Internal(s.symbol, err)
		}
		if err := send(evt); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Str("symbol", s.symbol).Float64("price", evt.Price).Err(err).Msg("stream send failed")
			return domain.Internal(s.symbol, err)
		}
	}
}

// All ranges over the stream until ctx is done or the loop breaks; the
// stream is closed either way. A non-cancellation failure is yielded once as
// the final pair.
func (s *Stream) All(ctx context.Context) iter.Seq2[domain.PriceEvent, error] {
	return func(yield func(domain.PriceEvent, error) bool) {
		defer s.Close()
		for {
			evt, err := s.Next(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.finish(OutcomeInternal)
					yield(domain.PriceEvent{}, domain.Internal(s.symbol, err))
				}
				return
			}
			if !yield(evt, nil) {
				return
			}
		}
	}
}
