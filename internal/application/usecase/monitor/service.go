package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"pluto/internal/application/port"
	"pluto/internal/application/usecase/stream"
	"pluto/internal/domain"
)

// Opener opens one pull stream per ticker.
type Opener interface {
	Open(ctx context.Context, ticker string) (*stream.Stream, error)
}

// SnapshotSink is implemented by sinks that can print a timestamped line.
type SnapshotSink interface {
	WriteSnapshot(ts time.Time, line string) error
}

type ServiceDeps struct {
	Streams       Opener
	Tickers       []string
	PrintEveryMin int
	Sink          port.Sink
}

// Service renders a live line for a handful of tickers, fed by the same
// streams remote clients use.
type Service struct {
	deps ServiceDeps
	fmt  *Formatter
}

func NewService(deps ServiceDeps) *Service {
	return &Service{deps: deps, fmt: NewFormatter()}
}

func (s *Service) Run(ctx context.Context) error {
	if len(s.deps.Tickers) == 0 {
		return errors.New("no tickers to watch")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		streams []*stream.Stream
		symbols []string
	)
	for _, ticker := range s.deps.Tickers {
		st, err := s.deps.Streams.Open(ctx, ticker)
		if err != nil {
			for _, open := range streams {
				open.Close()
			}
			return err
		}
		streams = append(streams, st)
		symbols = append(symbols, st.Symbol())
		log.Info().Str("ticker", ticker).Str("symbol", st.Symbol()).Msg("watching")
	}

	state := NewState(symbols)
	merged := make(chan domain.PriceEvent, 1024)
	failed := make(chan error, len(streams))

	for _, st := range streams {
		go func(st *stream.Stream) {
			for evt, err := range st.All(ctx) {
				if err != nil {
					failed <- err
					return
				}
				select {
				case merged <- evt:
				case <-ctx.Done():
					return
				}
			}
		}(st)
	}

	// snapshot ticker
	every := time.Duration(s.deps.PrintEveryMin) * time.Minute
	if every <= 0 {
		every = time.Minute
	}
	snapTicker := time.NewTicker(every)
	defer snapTicker.Stop()

	// initial live line
	_ = s.deps.Sink.WriteLive(s.fmt.Render(state, RenderLive))

	for {
		select {
		case <-ctx.Done():
			_ = s.deps.Sink.NewLine()
			return ctx.Err()

		case err := <-failed:
			_ = s.deps.Sink.NewLine()
			return err

		case evt := <-merged:
			if state.Apply(evt) {
				_ = s.deps.Sink.WriteLive(s.fmt.Render(state, RenderLive))
			}

		case now := <-snapTicker.C:
			if snap, ok := s.deps.Sink.(SnapshotSink); ok {
				_ = snap.WriteSnapshot(now, s.fmt.Render(state, RenderSnapshot))
			}
		}
	}
}
