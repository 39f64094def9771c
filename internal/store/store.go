// Package store holds the latest venue position snapshot in memory.
//
// The venue is the source of truth for positions; the agent keeps no
// persistent state and rebuilds everything from fetch_positions on startup.
// Store is the single place that snapshot lives: the agent's refresh loop
// replaces it wholesale, and the execution runners, the agent's signal
// evaluation, and the protective-stop sync read from it (the risk manager is
// handed each fetched position directly instead). All operations are mutex-protected
// because writers (refresh loop) and readers (runners) are different
// goroutines.
package store

import (
	"sync"

	"reduceagent/pkg/types"
)

// Store is the in-memory position snapshot, keyed by symbol and hedge-mode
// side.
type Store struct {
	mu        sync.RWMutex
	positions map[string]map[types.PositionSide]types.Position
}

// New creates an empty Store.
func New() *Store {
	return &Store{positions: make(map[string]map[types.PositionSide]types.Position)}
}

// ReplaceAll swaps in a fresh snapshot from a fetch_positions round-trip.
// Symbols and sides absent from the new snapshot are dropped, so a position
// that went flat disappears from the store on the next refresh.
func (s *Store) ReplaceAll(positions []types.Position) {
	next := make(map[string]map[types.PositionSide]types.Position, len(positions))
	for _, p := range positions {
		bySide, ok := next[p.Symbol]
		if !ok {
			bySide = make(map[types.PositionSide]types.Position, 2)
			next[p.Symbol] = bySide
		}
		bySide[p.Side] = p
	}

	s.mu.Lock()
	s.positions = next
	s.mu.Unlock()
}

// Get returns the position for (symbol, side). The second return is false
// when no such position is held, which callers treat the same as flat.
func (s *Store) Get(symbol string, side types.PositionSide) (types.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[symbol][side]
	return p, ok
}

// BySymbol returns a copy of both sides' positions for a symbol. Sides with
// no open position are absent from the map; the zero-value Position a map
// lookup yields for them reads as flat.
func (s *Store) BySymbol(symbol string) map[types.PositionSide]types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[types.PositionSide]types.Position, 2)
	for side, p := range s.positions[symbol] {
		out[side] = p
	}
	return out
}

// Symbols returns every symbol with at least one open position.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.positions))
	for sym := range s.positions {
		out = append(out, sym)
	}
	return out
}
