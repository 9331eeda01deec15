// Package book merges per-exchange orderbook snapshots into a single
// cross-venue view.
package book

import (
	"sort"

	"md-gateway/internal/connector"
)

// MergedBook is the cross-exchange depth for one symbol. Levels from
// different venues at the same price are preserved as separate entries;
// consumers see aggregated depth, not netted depth.
type MergedBook struct {
	Symbol string                 `json:"symbol"`
	Bids   []connector.PriceLevel `json:"bids"`
	Asks   []connector.PriceLevel `json:"asks"`
}

// Aggregator produces merged books from the connectors' latest snapshots. It
// holds no state of its own; snapshots from different exchanges may be from
// different instants.
type Aggregator struct {
	connectors []connector.Connector
}

// NewAggregator creates an aggregator over the given exchange sessions
func NewAggregator(connectors []connector.Connector) *Aggregator {
	return &Aggregator{connectors: connectors}
}

// MergedBookFor returns the merged book for a canonical symbol, or nil when
// no exchange currently has a snapshot.
func (a *Aggregator) MergedBookFor(symbol string) *MergedBook {
	var bids, asks []connector.PriceLevel
	found := false

	for _, conn := range a.connectors {
		ob, ok := conn.Book(symbol)
		if !ok {
			continue
		}
		found = true
		bids = append(bids, ob.Bids...)
		asks = append(asks, ob.Asks...)
	}

	if !found {
		return nil
	}

	sort.SliceStable(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.SliceStable(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	return &MergedBook{Symbol: symbol, Bids: bids, Asks: asks}
}
