// Package subscription ref-counts symbol demand across clients and TWAP
// orders and drives upstream subscribe/unsubscribe on edge transitions.
package subscription

import (
	"sync"

	"github.com/rs/zerolog/log"

	"md-gateway/internal/connector"
)

// Registry is a counting multiset of symbol demand. The first consumer of a
// symbol triggers an upstream subscribe on every configured exchange; the
// last one leaving triggers the unsubscribe. The transition decision and the
// count mutation share one critical section.
type Registry struct {
	mu         sync.Mutex
	counts     map[string]int
	connectors []connector.Connector
}

// NewRegistry creates a registry over the given exchange sessions
func NewRegistry(connectors []connector.Connector) *Registry {
	return &Registry{
		counts:     make(map[string]int),
		connectors: connectors,
	}
}

// AddSubscription registers demand for a canonical symbol. On the 0 -> 1
// transition every exchange session is subscribed.
func (r *Registry) AddSubscription(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counts[symbol]++
	if r.counts[symbol] > 1 {
		return
	}

	for _, conn := range r.connectors {
		if err := conn.Subscribe(symbol); err != nil {
			log.Error().
				Err(err).
				Str("exchange", string(conn.ID())).
				Str("symbol", symbol).
				Msg("Upstream subscribe failed")
		}
	}
	log.Debug().Str("symbol", symbol).Msg("Symbol subscribed upstream")
}

// RemoveSubscription releases demand for a canonical symbol. On the 1 -> 0
// transition every exchange session is unsubscribed and the entry erased.
// Removing an untracked symbol is a no-op.
func (r *Registry) RemoveSubscription(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count, ok := r.counts[symbol]
	if !ok {
		return
	}
	if count > 1 {
		r.counts[symbol] = count - 1
		return
	}

	delete(r.counts, symbol)
	for _, conn := range r.connectors {
		if err := conn.Unsubscribe(symbol); err != nil {
			log.Error().
				Err(err).
				Str("exchange", string(conn.ID())).
				Str("symbol", symbol).
				Msg("Upstream unsubscribe failed")
		}
	}
	log.Debug().Str("symbol", symbol).Msg("Symbol unsubscribed upstream")
}

// Count returns the current refcount for a symbol
func (r *Registry) Count(symbol string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[symbol]
}

// ActiveSymbols returns all symbols with at least one consumer
func (r *Registry) ActiveSymbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	symbols := make([]string, 0, len(r.counts))
	for s := range r.counts {
		symbols = append(symbols, s)
	}
	return symbols
}
