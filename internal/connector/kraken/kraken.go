// Package kraken provides the Kraken spot market data session.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"md-gateway/internal/connector"
	"md-gateway/internal/metrics"
)

const (
	wsPublicURL = "wss://ws.kraken.com"

	bookChannelPrefix = "book"

	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 30 * time.Second
)

// KrakenConnector owns the upstream WebSocket session to Kraken spot. Kraken
// delivers a book snapshot followed by incremental updates, so the connector
// maintains per-symbol level maps and publishes a fresh standardized snapshot
// after every applied update.
type KrakenConnector struct {
	*connector.BaseConnector

	wsURL string
	rest  *RestClient

	conn    *websocket.Conn
	writeMu sync.Mutex

	// canonical symbol -> native pair (e.g. BTCUSDT -> XBT/USDT)
	subscribed map[string]string
	// native pair -> canonical symbol, for inbound routing
	nativeToCanonical map[string]string
	subMu             sync.RWMutex

	levels  map[string]*levelTable
	levelMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// levelTable accumulates book levels between snapshots
type levelTable struct {
	bids map[string]float64 // price string -> quantity
	asks map[string]float64
}

// NewKrakenConnector creates a new Kraken connector
func NewKrakenConnector() *KrakenConnector {
	return &KrakenConnector{
		BaseConnector:     connector.NewBaseConnector(connector.Kraken),
		wsURL:             wsPublicURL,
		rest:              NewRestClient(),
		subscribed:        make(map[string]string),
		nativeToCanonical: make(map[string]string),
		levels:            make(map[string]*levelTable),
	}
}

// NewKrakenConnectorWithURL creates a connector against a custom endpoint
func NewKrakenConnectorWithURL(wsURL, restURL string) *KrakenConnector {
	c := NewKrakenConnector()
	c.wsURL = wsURL
	c.rest = NewRestClientWithURL(restURL)
	return c
}

var knownQuotes = []string{"USDT", "USDC", "USD", "EUR", "GBP", "JPY"}

// ToNative converts a canonical symbol to Kraken's slash-separated pair,
// using XBT for BTC (BTCUSDT -> XBT/USDT).
func ToNative(symbol string) string {
	for _, quote := range knownQuotes {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			base := strings.TrimSuffix(symbol, quote)
			if base == "BTC" {
				base = "XBT"
			}
			return base + "/" + quote
		}
	}
	return symbol
}

// ToCanonical converts a Kraken pair back to the canonical symbol
// (XBT/USDT -> BTCUSDT).
func ToCanonical(pair string) string {
	parts := strings.SplitN(pair, "/", 2)
	if len(parts) != 2 {
		return strings.ToUpper(pair)
	}
	base := parts[0]
	if base == "XBT" {
		base = "BTC"
	}
	return strings.ToUpper(base + parts[1])
}

// Connect dials the public endpoint and starts the listen loop
func (c *KrakenConnector) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.dial(); err != nil {
		return err
	}

	go c.listenLoop()
	return nil
}

func (c *KrakenConnector) dial() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	log.Info().Str("url", c.wsURL).Msg("Connecting to Kraken market data stream")

	conn, _, err := dialer.DialContext(c.ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	c.SetConnected(true)
	metrics.RecordConnectionStatus(string(c.ID()), true)
	log.Info().Msg("Connected to Kraken market data stream")

	return nil
}

// Close shuts the session down and stops reconnecting
func (c *KrakenConnector) Close() error {
	c.closed.Store(true)
	if c.cancel != nil {
		c.cancel()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.SetConnected(false)
	metrics.RecordConnectionStatus(string(c.ID()), false)

	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return c.conn.Close()
	}
	return nil
}

// Subscribe starts the depth-10 book channel for a canonical symbol
func (c *KrakenConnector) Subscribe(symbol string) error {
	c.subMu.Lock()
	if _, ok := c.subscribed[symbol]; ok {
		c.subMu.Unlock()
		return nil
	}
	native := ToNative(symbol)
	c.subscribed[symbol] = native
	c.nativeToCanonical[native] = symbol
	count := len(c.subscribed)
	c.subMu.Unlock()

	metrics.SymbolsSubscribed.WithLabelValues(string(c.ID())).Set(float64(count))

	if !c.IsConnected() {
		return nil
	}
	return c.sendControl("subscribe", []string{native})
}

// Unsubscribe stops the book channel and drops all state for the symbol
func (c *KrakenConnector) Unsubscribe(symbol string) error {
	c.subMu.Lock()
	native, ok := c.subscribed[symbol]
	if !ok {
		c.subMu.Unlock()
		return nil
	}
	delete(c.subscribed, symbol)
	delete(c.nativeToCanonical, native)
	count := len(c.subscribed)
	c.subMu.Unlock()

	metrics.SymbolsSubscribed.WithLabelValues(string(c.ID())).Set(float64(count))

	c.levelMu.Lock()
	delete(c.levels, symbol)
	c.levelMu.Unlock()
	c.DropBook(symbol)

	if !c.IsConnected() {
		return nil
	}
	return c.sendControl("unsubscribe", []string{native})
}

func (c *KrakenConnector) sendControl(event string, pairs []string) error {
	req := wsRequest{
		Event: event,
		Pair:  pairs,
		Subscription: wsSubscription{
			Name:  bookChannelPrefix,
			Depth: connector.MaxDepth,
		},
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

func (c *KrakenConnector) resubscribe() {
	c.subMu.RLock()
	pairs := make([]string, 0, len(c.subscribed))
	for _, native := range c.subscribed {
		pairs = append(pairs, native)
	}
	c.subMu.RUnlock()

	if len(pairs) == 0 {
		return
	}
	if err := c.sendControl("subscribe", pairs); err != nil {
		c.EmitError(fmt.Errorf("resubscribe: %w", err))
	}
}

// listenLoop receives messages until the session is closed, reconnecting
// with exponential backoff on transport failure.
func (c *KrakenConnector) listenLoop() {
	for {
		c.writeMu.Lock()
		conn := c.conn
		c.writeMu.Unlock()

		_, message, err := conn.ReadMessage()
		if err != nil {
			c.SetConnected(false)
			metrics.RecordConnectionStatus(string(c.ID()), false)
			c.DropAllBooks()
			c.levelMu.Lock()
			c.levels = make(map[string]*levelTable)
			c.levelMu.Unlock()

			if c.closed.Load() || c.ctx.Err() != nil {
				return
			}

			c.EmitError(fmt.Errorf("read error: %w", err))
			if !c.reconnectLoop() {
				return
			}
			continue
		}
		c.handleMessage(message)
	}
}

func (c *KrakenConnector) reconnectLoop() bool {
	delay := initialReconnectDelay
	for {
		log.Warn().
			Str("exchange", string(c.ID())).
			Dur("delay", delay).
			Msg("Upstream disconnected, reconnecting")

		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(delay):
		}

		metrics.RecordReconnect(string(c.ID()))
		if err := c.dial(); err != nil {
			metrics.RecordConnectionError(string(c.ID()), "dial_failed")
			c.EmitError(err)
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}

		c.resubscribe()
		return true
	}
}

// handleMessage routes an inbound frame. Named events (heartbeat,
// systemStatus, subscriptionStatus) are discarded; array frames carry book
// data.
func (c *KrakenConnector) handleMessage(message []byte) {
	c.Touch()

	if len(message) > 0 && message[0] == '{' {
		var ev wsEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			return
		}
		if ev.Event == "subscriptionStatus" && ev.Status == "error" {
			c.EmitError(fmt.Errorf("subscription failed for %s: %s", ev.Pair, ev.ErrorMessage))
		}
		return
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(message, &frame); err != nil || len(frame) < 4 {
		return
	}

	// Frame layout: [channelID, payload..., channelName, pair]
	var channelName, pair string
	if json.Unmarshal(frame[len(frame)-2], &channelName) != nil ||
		json.Unmarshal(frame[len(frame)-1], &pair) != nil {
		return
	}
	if !strings.HasPrefix(channelName, bookChannelPrefix) {
		return
	}

	c.subMu.RLock()
	symbol, tracked := c.nativeToCanonical[pair]
	c.subMu.RUnlock()
	if !tracked {
		return
	}

	// A frame may carry one or two payload objects (asks and bids split).
	for _, raw := range frame[1 : len(frame)-2] {
		var payload wsBookPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			c.EmitError(fmt.Errorf("parse book for %s: %w", symbol, err))
			return
		}
		c.applyBookPayload(symbol, &payload)
	}
}

// applyBookPayload folds a snapshot or incremental update into the level
// table and publishes the resulting standardized snapshot.
func (c *KrakenConnector) applyBookPayload(symbol string, payload *wsBookPayload) {
	c.levelMu.Lock()

	table, ok := c.levels[symbol]
	if !ok || len(payload.AskSnapshot) > 0 || len(payload.BidSnapshot) > 0 {
		table = &levelTable{
			bids: make(map[string]float64),
			asks: make(map[string]float64),
		}
		c.levels[symbol] = table
	}

	applyLevels(table.asks, payload.AskSnapshot)
	applyLevels(table.bids, payload.BidSnapshot)
	applyLevels(table.asks, payload.Asks)
	applyLevels(table.bids, payload.Bids)

	bids := collectLevels(table.bids)
	asks := collectLevels(table.asks)
	c.levelMu.Unlock()

	c.StoreBook(&connector.OrderBook{
		ExchangeID: c.ID(),
		Symbol:     symbol,
		Bids:       bids,
		Asks:       asks,
		Timestamp:  time.Now(),
	})
}

// applyLevels merges [price, volume, ...] rows into a level map; zero volume
// removes the level.
func applyLevels(side map[string]float64, rows [][]string) {
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		qty, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			continue
		}
		if qty == 0 {
			delete(side, row[0])
		} else {
			side[row[0]] = qty
		}
	}
}

func collectLevels(side map[string]float64) []connector.PriceLevel {
	levels := make([]connector.PriceLevel, 0, len(side))
	for priceStr, qty := range side {
		price, err := strconv.ParseFloat(priceStr, 64)
		if err != nil {
			continue
		}
		levels = append(levels, connector.PriceLevel{Price: price, Quantity: qty})
	}
	return levels
}

// TradingPairs fetches the exchange's symbol list via REST
func (c *KrakenConnector) TradingPairs(ctx context.Context) ([]string, error) {
	return c.rest.FetchTradingPairs(ctx)
}

// Klines fetches standardized candles via REST. Kraken's OHLC endpoint wants
// the native altname (BTCUSDT -> XBTUSDT).
func (c *KrakenConnector) Klines(ctx context.Context, symbol, interval string, limit int) ([]connector.Kline, error) {
	native := strings.ReplaceAll(ToNative(symbol), "/", "")
	return c.rest.FetchKlines(ctx, native, interval, limit)
}
