package stream

import (
	"context"
	"errors"
	"sync"

	"pluto/internal/domain"
)

var errConcurrentNext = errors.New("stream: concurrent Next calls")

// eventQueue turns pushed events into pulled ones. It keeps an unbounded FIFO
// and at most one waiting consumer; a push that finds the consumer waiting
// on an empty queue hands the event over directly.
type eventQueue struct {
	mu     sync.Mutex
	items  []domain.PriceEvent
	waiter chan domain.PriceEvent // cap 1, set while a consumer is blocked
	closed bool
	done   chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{done: make(chan struct{})}
}

func (q *eventQueue) push(evt domain.PriceEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if q.waiter != nil && len(q.items) == 0 {
		q.waiter <- evt
		q.waiter = nil
		return
	}
	q.items = append(q.items, evt)
}

func (q *eventQueue) pop(ctx context.Context) (domain.PriceEvent, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return domain.PriceEvent{}, domain.ErrStreamClosed
	}
	if len(q.items) > 0 {
		evt := q.items[0]
		q.items[0] = domain.PriceEvent{}
		q.items = q.items[1:]
		q.mu.Unlock()
		return evt, nil
	}
	if q.waiter != nil {
		q.mu.Unlock()
		return domain.PriceEvent{}, errConcurrentNext
	}
	w := make(chan domain.PriceEvent, 1)
	q.waiter = w
	q.mu.Unlock()

	select {
	case evt := <-w:
		return evt, nil
	case <-q.done:
		return domain.PriceEvent{}, domain.ErrStreamClosed
	case <-ctx.Done():
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.waiter == w {
			q.waiter = nil
		}
		// a push may have landed between cancellation and taking the lock
		select {
		case evt := <-w:
			if !q.closed {
				q.items = append([]domain.PriceEvent{evt}, q.items...)
			}
		default:
		}
		return domain.PriceEvent{}, ctx.Err()
	}
}

// len reports how many events are buffered.
func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.waiter = nil
	close(q.done)
}
