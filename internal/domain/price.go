package domain

import (
	"math"
	"time"
)

// isoLayout matches the millisecond UTC form browsers produce for Date.toISOString.
const isoLayout = "2006-01-02T15:04:05.000Z"

// Direction represents the price movement direction
type Direction int

const (
	DirectionSame Direction = 0
	DirectionUp   Direction = +1
	DirectionDown Direction = -1
)

// PriceEvent is a single deduplicated price observation for a canonical symbol.
// Values are immutable once produced by a feed.
type PriceEvent struct {
	Symbol     string
	Price      float64
	ObservedAt time.Time
}

// ISOTime renders ObservedAt as an ISO-8601 UTC timestamp.
func (e PriceEvent) ISOTime() string {
	return e.ObservedAt.UTC().Format(isoLayout)
}

// PriceTracker holds the last emitted price of one symbol and decides whether
// a new observation is worth emitting.
type PriceTracker struct {
	last      float64
	has       bool
	direction Direction
}

// Observe records price and reports whether it differs from the stored value.
// Non-finite prices are rejected without touching the stored value.
func (t *PriceTracker) Observe(price float64) bool {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return false
	}
	if t.has && price == t.last {
		return false
	}

	switch {
	case !t.has:
		t.direction = DirectionSame
	case price > t.last:
		t.direction = DirectionUp
	default:
		t.direction = DirectionDown
	}
	t.last = price
	t.has = true
	return true
}

// Last returns the stored price, if any.
func (t *PriceTracker) Last() (float64, bool) {
	return t.last, t.has
}

// Direction returns the movement of the most recent accepted price.
func (t *PriceTracker) Direction() Direction {
	return t.direction
}
