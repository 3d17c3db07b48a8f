package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"pluto/internal/application/port"
	"pluto/internal/domain"
)

// writeQueueSize bounds pending repository writes; beyond it writes are
// dropped so a slow backend never stalls a feed.
const writeQueueSize = 1024

type repoWrite func(ctx context.Context, repo port.Repository) error

// PriceService persists the latest price per symbol and the feed lifecycle
// journal. It implements port.FeedObserver; writes happen on one background
// worker in arrival order.
type PriceService struct {
	repo    port.Repository
	timeout time.Duration

	queue chan repoWrite
	done  chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	dropped   uint64
}

func NewPriceService(repo port.Repository) *PriceService {
	s := &PriceService{
		repo:    repo,
		timeout: 5 * time.Second,
		queue:   make(chan repoWrite, writeQueueSize),
		done:    make(chan struct{}),
	}
	go s.worker()
	return s
}

// UpdatePrice writes one price synchronously.
func (s *PriceService) UpdatePrice(ctx context.Context, source, symbol string, price float64, ts int64) error {
	return s.repo.UpsertLatestPrice(ctx, source, symbol, price, ts)
}

func (s *PriceService) FeedStarted(symbol, source string, took time.Duration) {
	ts := time.Now().UnixMilli()
	detail := "took " + took.Round(time.Millisecond).String()
	s.enqueue(func(ctx context.Context, repo port.Repository) error {
		return repo.InsertFeedEvent(ctx, ts, source, symbol, port.FeedEventStarted, detail)
	})
}

func (s *PriceService) FeedStartFailed(symbol, source string, err error) {
	ts := time.Now().UnixMilli()
	detail := err.Error()
	s.enqueue(func(ctx context.Context, repo port.Repository) error {
		return repo.InsertFeedEvent(ctx, ts, source, symbol, port.FeedEventStartFailed, detail)
	})
}

func (s *PriceService) FeedStopped(symbol, source string) {
	ts := time.Now().UnixMilli()
	s.enqueue(func(ctx context.Context, repo port.Repository) error {
		return repo.InsertFeedEvent(ctx, ts, source, symbol, port.FeedEventStopped, "")
	})
}

func (s *PriceService) SubscribersChanged(int) {}

func (s *PriceService) PriceObserved(source string, evt domain.PriceEvent) {
	s.enqueue(func(ctx context.Context, repo port.Repository) error {
		return repo.UpsertLatestPrice(ctx, source, evt.Symbol, evt.Price, evt.ObservedAt.UnixMilli())
	})
}

// Dropped reports how many writes were discarded because the queue was full.
func (s *PriceService) Dropped() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

func (s *PriceService) enqueue(w repoWrite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- w:
	default:
		s.dropped++
		if s.dropped == 1 || s.dropped%1000 == 0 {
			log.Warn().Uint64("dropped", s.dropped).Msg("repository write queue full")
		}
	}
}

func (s *PriceService) worker() {
	defer close(s.done)
	for w := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := w(ctx, s.repo); err != nil {
			log.Error().Err(err).Msg("repository write failed")
		}
		cancel()
	}
}

// Close drains pending writes and stops the worker. The repository itself
// is closed by its owner.
func (s *PriceService) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})
	<-s.done
	return nil
}

var _ port.FeedObserver = (*PriceService)(nil)
