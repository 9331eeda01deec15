package connector

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ExchangeID represents supported exchange identifiers
type ExchangeID string

const (
	Binance ExchangeID = "binance"
	Kraken  ExchangeID = "kraken"
)

// MaxDepth is the number of levels kept per book side.
const MaxDepth = 10

// PriceLevel represents a single level in the orderbook
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook is a standardized top-of-book snapshot for one symbol on one
// exchange. Bids are sorted descending, asks ascending, each side at most
// MaxDepth levels. Snapshots are immutable once published; updates replace
// the whole snapshot.
type OrderBook struct {
	ExchangeID ExchangeID   `json:"exchange_id"`
	Symbol     string       `json:"symbol"` // canonical, e.g. BTCUSDT
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	Timestamp  time.Time    `json:"timestamp"`
}

// BestBid returns the highest bid level.
func (b *OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask level.
func (b *OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Crossed reports whether the best bid is at or above the best ask.
func (b *OrderBook) Crossed() bool {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return false
	}
	return b.Bids[0].Price >= b.Asks[0].Price
}

// NormalizeSide drops zero-quantity levels, sorts (bids descending, asks
// ascending) and truncates to MaxDepth. Connectors run every parsed side
// through this before publishing a snapshot.
func NormalizeSide(levels []PriceLevel, bids bool) []PriceLevel {
	out := make([]PriceLevel, 0, len(levels))
	for _, l := range levels {
		if l.Quantity > 0 {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if bids {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if len(out) > MaxDepth {
		out = out[:MaxDepth]
	}
	return out
}

// Kline is a standardized candle. Timestamp is in nanoseconds.
type Kline struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// BookHandler is called when a standardized orderbook snapshot is stored
type BookHandler func(ob *OrderBook)

// ErrorHandler is called when errors occur
type ErrorHandler func(err error)

// Connector defines the interface for exchange market data sessions. Symbols
// passed in are always canonical; conversion to the exchange's native format
// happens inside the connector.
type Connector interface {
	// ID returns the exchange identifier
	ID() ExchangeID

	// Connect establishes the upstream WebSocket connection and starts the
	// listen loop
	Connect(ctx context.Context) error

	// Close shuts the connection down and stops reconnecting
	Close() error

	// Subscribe starts the depth stream for a canonical symbol. Idempotent.
	Subscribe(symbol string) error

	// Unsubscribe stops the depth stream and drops any stored snapshot
	Unsubscribe(symbol string) error

	// Book returns the latest snapshot for a canonical symbol
	Book(symbol string) (*OrderBook, bool)

	// TradingPairs fetches the exchange's symbol list via REST
	TradingPairs(ctx context.Context) ([]string, error)

	// Klines fetches standardized candles via REST
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)

	// SetBookHandler sets the callback for stored snapshots
	SetBookHandler(handler BookHandler)

	// SetErrorHandler sets the callback for errors
	SetErrorHandler(handler ErrorHandler)

	// IsConnected returns true if the WebSocket is connected
	IsConnected() bool

	// LastMessageTime returns the timestamp of the last received message
	LastMessageTime() time.Time
}

// BaseConnector provides the shared book table and handler plumbing for
// connectors. The books map is written only by the owning connector's read
// loop; readers get the stored snapshot pointer and must not mutate it.
type BaseConnector struct {
	id ExchangeID

	books  map[string]*OrderBook
	bookMu sync.RWMutex

	bookHandler  BookHandler
	errorHandler ErrorHandler

	mu              sync.RWMutex
	connected       bool
	lastMessageTime time.Time
}

// NewBaseConnector creates a new base connector
func NewBaseConnector(id ExchangeID) *BaseConnector {
	return &BaseConnector{
		id:    id,
		books: make(map[string]*OrderBook),
	}
}

// ID returns the exchange ID
func (c *BaseConnector) ID() ExchangeID {
	return c.id
}

// SetBookHandler sets the book handler
func (c *BaseConnector) SetBookHandler(handler BookHandler) {
	c.bookHandler = handler
}

// SetErrorHandler sets the error handler
func (c *BaseConnector) SetErrorHandler(handler ErrorHandler) {
	c.errorHandler = handler
}

// IsConnected returns connection status
func (c *BaseConnector) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SetConnected updates connection status
func (c *BaseConnector) SetConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

// LastMessageTime returns the last message timestamp
func (c *BaseConnector) LastMessageTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMessageTime
}

// Touch records receipt of an upstream message
func (c *BaseConnector) Touch() {
	c.mu.Lock()
	c.lastMessageTime = time.Now()
	c.mu.Unlock()
}

// StoreBook normalizes both sides and swaps the snapshot in. Crossed books
// are repaired by dropping ask levels priced at or below the best bid.
func (c *BaseConnector) StoreBook(ob *OrderBook) {
	ob.Bids = NormalizeSide(ob.Bids, true)
	ob.Asks = NormalizeSide(ob.Asks, false)
	for ob.Crossed() {
		ob.Asks = ob.Asks[1:]
	}
	if ob.Timestamp.IsZero() {
		ob.Timestamp = time.Now()
	}

	c.bookMu.Lock()
	c.books[ob.Symbol] = ob
	c.bookMu.Unlock()

	c.Touch()
	if c.bookHandler != nil {
		c.bookHandler(ob)
	}
}

// Book returns the latest snapshot for a canonical symbol
func (c *BaseConnector) Book(symbol string) (*OrderBook, bool) {
	c.bookMu.RLock()
	defer c.bookMu.RUnlock()
	ob, ok := c.books[symbol]
	return ob, ok
}

// DropBook removes the stored snapshot for a symbol
func (c *BaseConnector) DropBook(symbol string) {
	c.bookMu.Lock()
	delete(c.books, symbol)
	c.bookMu.Unlock()
}

// DropAllBooks clears every stored snapshot. Called on disconnect so stale
// data is never merged.
func (c *BaseConnector) DropAllBooks() {
	c.bookMu.Lock()
	c.books = make(map[string]*OrderBook)
	c.bookMu.Unlock()
}

// EmitError sends an error to the handler
func (c *BaseConnector) EmitError(err error) {
	if c.errorHandler != nil {
		c.errorHandler(err)
	}
}
