// Package binance provides the Binance spot market data session.
package binance

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
	wsCombinedURL = "wss://stream.binance.com:9443/stream"

	depthStreamSuffix = "@depth10@1000ms"

	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 30 * time.Second
)

// BinanceConnector owns the upstream WebSocket session to Binance spot. It
// tracks subscribed canonical symbols and maintains the latest standardized
// snapshot per symbol via the embedded BaseConnector.
type BinanceConnector struct {
	*connector.BaseConnector

	wsURL string
	rest  *RestClient

	conn    *websocket.Conn
	writeMu sync.Mutex

	// canonical symbol -> native stream name
	subscribed map[string]string
	subMu      sync.RWMutex

	reqID atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewBinanceConnector creates a new Binance connector
func NewBinanceConnector() *BinanceConnector {
	return &BinanceConnector{
		BaseConnector: connector.NewBaseConnector(connector.Binance),
		wsURL:         wsCombinedURL,
		rest:          NewRestClient(),
		subscribed:    make(map[string]string),
	}
}

// NewBinanceConnectorWithURL creates a connector against a custom endpoint
func NewBinanceConnectorWithURL(wsURL, restURL string) *BinanceConnector {
	c := NewBinanceConnector()
	c.wsURL = wsURL
	c.rest = NewRestClientWithURL(restURL)
	return c
}

// nativeStream converts a canonical symbol to its depth stream name
func nativeStream(symbol string) string {
	return strings.ToLower(symbol) + depthStreamSuffix
}

// canonicalFromStream converts a stream name back to the canonical symbol
func canonicalFromStream(stream string) string {
	native := strings.TrimSuffix(stream, depthStreamSuffix)
	return strings.ToUpper(native)
}

// Connect dials the combined stream endpoint and starts the listen loop
func (c *BinanceConnector) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.dial(); err != nil {
		return err
	}

	go c.listenLoop()
	return nil
}

func (c *BinanceConnector) dial() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	log.Info().Str("url", c.wsURL).Msg("Connecting to Binance market data stream")

	conn, _, err := dialer.DialContext(c.ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	c.SetConnected(true)
	metrics.RecordConnectionStatus(string(c.ID()), true)
	log.Info().Msg("Connected to Binance market data stream")

	return nil
}

// Close shuts the session down and stops reconnecting
func (c *BinanceConnector) Close() error {
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

// Subscribe starts the depth stream for a canonical symbol. Already-tracked
// symbols are a no-op.
func (c *BinanceConnector) Subscribe(symbol string) error {
	c.subMu.Lock()
	if _, ok := c.subscribed[symbol]; ok {
		c.subMu.Unlock()
		return nil
	}
	stream := nativeStream(symbol)
	c.subscribed[symbol] = stream
	count := len(c.subscribed)
	c.subMu.Unlock()

	metrics.SymbolsSubscribed.WithLabelValues(string(c.ID())).Set(float64(count))

	if !c.IsConnected() {
		// Sent on (re)connect by resubscribe.
		return nil
	}
	return c.sendControl("SUBSCRIBE", []string{stream})
}

// Unsubscribe stops the depth stream and drops the stored snapshot
func (c *BinanceConnector) Unsubscribe(symbol string) error {
	c.subMu.Lock()
	stream, ok := c.subscribed[symbol]
	if !ok {
		c.subMu.Unlock()
		return nil
	}
	delete(c.subscribed, symbol)
	count := len(c.subscribed)
	c.subMu.Unlock()

	metrics.SymbolsSubscribed.WithLabelValues(string(c.ID())).Set(float64(count))
	c.DropBook(symbol)

	if !c.IsConnected() {
		return nil
	}
	return c.sendControl("UNSUBSCRIBE", []string{stream})
}

func (c *BinanceConnector) sendControl(method string, streams []string) error {
	req := wsRequest{
		Method: method,
		Params: streams,
		ID:     c.reqID.Add(1),
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	return nil
}

// resubscribe re-issues subscribes for every tracked symbol after a reconnect
func (c *BinanceConnector) resubscribe() {
	c.subMu.RLock()
	streams := make([]string, 0, len(c.subscribed))
	for _, stream := range c.subscribed {
		streams = append(streams, stream)
	}
	c.subMu.RUnlock()

	if len(streams) == 0 {
		return
	}
	if err := c.sendControl("SUBSCRIBE", streams); err != nil {
		c.EmitError(fmt.Errorf("resubscribe: %w", err))
	}
}

// listenLoop receives messages until the session is closed, reconnecting
// with exponential backoff on transport failure.
func (c *BinanceConnector) listenLoop() {
	for {
		c.writeMu.Lock()
		conn := c.conn
		c.writeMu.Unlock()

		_, message, err := conn.ReadMessage()
		if err != nil {
			c.SetConnected(false)
			metrics.RecordConnectionStatus(string(c.ID()), false)
			c.DropAllBooks()

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

// reconnectLoop redials with exponential backoff. Returns false when the
// session was closed while waiting.
func (c *BinanceConnector) reconnectLoop() bool {
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

// handleMessage parses an inbound frame. Subscription acks and anything that
// is not a depth payload for a tracked symbol are silently discarded.
func (c *BinanceConnector) handleMessage(message []byte) {
	c.Touch()

	var wrapper wsCombinedMessage
	if err := json.Unmarshal(message, &wrapper); err != nil || wrapper.Stream == "" {
		// Control reply or unknown frame.
		return
	}

	if !strings.HasSuffix(wrapper.Stream, depthStreamSuffix) {
		return
	}

	symbol := canonicalFromStream(wrapper.Stream)
	c.subMu.RLock()
	_, tracked := c.subscribed[symbol]
	c.subMu.RUnlock()
	if !tracked {
		return
	}

	var depth wsDepthSnapshot
	if err := json.Unmarshal(wrapper.Data, &depth); err != nil {
		c.EmitError(fmt.Errorf("parse depth for %s: %w", symbol, err))
		return
	}

	ob := &connector.OrderBook{
		ExchangeID: c.ID(),
		Symbol:     symbol,
		Bids:       parseLevels(depth.Bids),
		Asks:       parseLevels(depth.Asks),
		Timestamp:  time.Now(),
	}
	c.StoreBook(ob)
}

// parseLevels converts [price, quantity] string pairs to price levels
func parseLevels(raw [][]string) []connector.PriceLevel {
	levels := make([]connector.PriceLevel, 0, len(raw))
	for _, item := range raw {
		if len(item) < 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(item[0], 64)
		qty, err2 := strconv.ParseFloat(item[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, connector.PriceLevel{Price: price, Quantity: qty})
	}
	return levels
}

// TradingPairs fetches the exchange's symbol list via REST
func (c *BinanceConnector) TradingPairs(ctx context.Context) ([]string, error) {
	return c.rest.FetchTradingPairs(ctx)
}

// Klines fetches standardized candles via REST
func (c *BinanceConnector) Klines(ctx context.Context, symbol, interval string, limit int) ([]connector.Kline, error) {
	return c.rest.FetchKlines(ctx, symbol, interval, limit)
}
