// Package storage holds the persistence backends behind port.Repository.
package storage

import (
	"context"
	"sync"

	"pluto/internal/application/port"
)

// LatestPrice is one (source, symbol) price record.
type LatestPrice struct {
	Source string
	Symbol string
	Price  float64
	Ts     int64
}

// FeedEvent is one feed lifecycle journal entry.
type FeedEvent struct {
	Ts     int64
	Source string
	Symbol string
	Event  string
	Detail string
}

// Memory is an in-process Repository used when no backend is configured.
// The journal is capped at maxEvents entries.
type Memory struct {
	maxEvents int

	mu     sync.RWMutex
	latest map[string]LatestPrice
	events []FeedEvent
}

func NewMemory(maxEvents int) *Memory {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &Memory{maxEvents: maxEvents, latest: make(map[string]LatestPrice)}
}

func (m *Memory) UpsertLatestPrice(_ context.Context, source, symbol string, price float64, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest[source+":"+symbol] = LatestPrice{Source: source, Symbol: symbol, Price: price, Ts: ts}
	return nil
}

func (m *Memory) InsertFeedEvent(_ context.Context, ts int64, source, symbol, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, FeedEvent{Ts: ts, Source: source, Symbol: symbol, Event: event, Detail: detail})
	if over := len(m.events) - m.maxEvents; over > 0 {
		m.events = append(m.events[:0:0], m.events[over:]...)
	}
	return nil
}

// Latest returns the stored price for (source, symbol).
func (m *Memory) Latest(source, symbol string) (LatestPrice, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lp, ok := m.latest[source+":"+symbol]
	return lp, ok
}

// Events returns a copy of the journal, oldest first.
func (m *Memory) Events() []FeedEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]FeedEvent(nil), m.events...)
}

func (m *Memory) Close() error { return nil }

var _ port.Repository = (*Memory)(nil)
