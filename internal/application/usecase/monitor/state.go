package monitor

import (
	"sync"

	"pluto/internal/domain"
)

type pxState struct {
	tracker domain.PriceTracker
	at      string
}

type symView struct {
	price float64
	has   bool
	dir   domain.Direction
	at    string
}

// State is the latest price and direction per watched symbol.
type State struct {
	mu sync.Mutex

	order []string
	syms  map[string]*pxState
}

func NewState(symbols []string) *State {
	s := &State{syms: make(map[string]*pxState, len(symbols))}
	for _, sym := range symbols {
		if _, dup := s.syms[sym]; dup {
			continue
		}
		s.order = append(s.order, sym)
		s.syms[sym] = &pxState{}
	}
	return s
}

// Apply records evt and reports whether the rendered line would change.
func (s *State) Apply(evt domain.PriceEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.syms[evt.Symbol]
	if st == nil {
		return false
	}
	if !st.tracker.Observe(evt.Price) {
		return false
	}
	st.at = evt.ISOTime()
	return true
}

func (s *State) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *State) Snapshot() map[string]symView {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]symView, len(s.syms))
	for k, v := range s.syms {
		p, has := v.tracker.Last()
		out[k] = symView{price: p, has: has, dir: v.tracker.Direction(), at: v.at}
	}
	return out
}
