package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"md-gateway/internal/book"
	"md-gateway/internal/metrics"
)

const (
	// pongWait is how long a client may stay silent before the read fails.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsCommand is an inbound client frame
type wsCommand struct {
	Action string `json:"action"`
	Token  string `json:"token"`
	Symbol string `json:"symbol"`
}

// wsBookFrame is one element of the outbound aggregated frame. Sides are
// [price, quantity] pairs.
type wsBookFrame struct {
	Type   string       `json:"type"`
	Symbol string       `json:"symbol"`
	Bids   [][2]float64 `json:"bids"`
	Asks   [][2]float64 `json:"asks"`
}

// clientSession is one downstream subscriber. The reader goroutine owns
// command handling; the ticker goroutine owns periodic fan-out. Both write
// through writeMu so ticker frames and command replies never interleave.
type clientSession struct {
	server *Server
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu            sync.Mutex
	authenticated bool
	symbols       map[string]struct{}

	done        chan struct{}
	cleanupOnce sync.Once
}

// handleWS upgrades the connection and runs the session until disconnect
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sess := &clientSession{
		server:  s,
		conn:    conn,
		symbols: make(map[string]struct{}),
		done:    make(chan struct{}),
	}

	metrics.ClientsConnected.Inc()
	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("Client connected")

	go sess.tickLoop()
	sess.readLoop()
}

// cleanup releases every subscription the session still holds and closes the
// connection. Safe to call from either goroutine; runs once.
func (c *clientSession) cleanup() {
	c.cleanupOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		symbols := make([]string, 0, len(c.symbols))
		for sym := range c.symbols {
			symbols = append(symbols, sym)
		}
		c.symbols = make(map[string]struct{})
		c.mu.Unlock()

		for _, sym := range symbols {
			c.server.subs.RemoveSubscription(sym)
		}

		c.conn.Close()
		metrics.ClientsConnected.Dec()
		log.Info().
			Str("remote", c.conn.RemoteAddr().String()).
			Int("released", len(symbols)).
			Msg("Client disconnected")
	})
}

func (c *clientSession) readLoop() {
	defer c.cleanup()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			log.Debug().Err(err).Msg("Malformed client frame ignored")
			continue
		}
		c.handleCommand(cmd)
	}
}

// handleCommand processes one client command. Authentication must come
// first; before it succeeds every other command is silently ignored.
func (c *clientSession) handleCommand(cmd wsCommand) {
	switch cmd.Action {
	case "authenticate":
		if _, ok := c.server.tokens.Verify(cmd.Token); !ok {
			c.writeJSON(map[string]interface{}{"error": "Invalid token"})
			return
		}
		c.mu.Lock()
		c.authenticated = true
		c.mu.Unlock()
		c.writeJSON(map[string]interface{}{"authenticated": true})

	case "subscribe":
		if !c.isAuthenticated() || cmd.Symbol == "" {
			return
		}
		symbol := canonicalSymbol(cmd.Symbol)
		c.mu.Lock()
		_, present := c.symbols[symbol]
		if !present {
			c.symbols[symbol] = struct{}{}
		}
		c.mu.Unlock()
		// Idempotent within the session: only the first subscribe counts
		// toward the shared refcount.
		if !present {
			c.server.subs.AddSubscription(symbol)
		}

	case "unsubscribe":
		if !c.isAuthenticated() || cmd.Symbol == "" {
			return
		}
		symbol := canonicalSymbol(cmd.Symbol)
		c.mu.Lock()
		_, present := c.symbols[symbol]
		if present {
			delete(c.symbols, symbol)
		}
		c.mu.Unlock()
		if present {
			c.server.subs.RemoveSubscription(symbol)
		}

	default:
		log.Debug().Str("action", cmd.Action).Msg("Unknown client action ignored")
	}
}

func (c *clientSession) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// tickLoop periodically sends the merged books for the session's symbols.
// Symbols with no data anywhere are skipped; an empty tick sends nothing.
func (c *clientSession) tickLoop() {
	ticker := time.NewTicker(c.server.tickInterval)
	pinger := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer pinger.Stop()

	for {
		select {
		case <-c.done:
			return

		case <-pinger.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.cleanup()
				return
			}

		case <-ticker.C:
			frame := c.buildFrame()
			if len(frame) == 0 {
				continue
			}
			if err := c.writeJSON(frame); err != nil {
				c.cleanup()
				return
			}
			metrics.ClientFramesSent.Inc()
		}
	}
}

func (c *clientSession) buildFrame() []wsBookFrame {
	c.mu.Lock()
	symbols := make([]string, 0, len(c.symbols))
	for sym := range c.symbols {
		symbols = append(symbols, sym)
	}
	c.mu.Unlock()

	var frame []wsBookFrame
	for _, sym := range symbols {
		merged := c.server.books.MergedBookFor(sym)
		if merged == nil {
			continue
		}
		frame = append(frame, wsBookFrame{
			Type:   "order_book",
			Symbol: sym,
			Bids:   toPairs(merged),
			Asks:   toAskPairs(merged),
		})
	}
	return frame
}

func toPairs(m *book.MergedBook) [][2]float64 {
	pairs := make([][2]float64, 0, len(m.Bids))
	for _, lvl := range m.Bids {
		pairs = append(pairs, [2]float64{lvl.Price, lvl.Quantity})
	}
	return pairs
}

func toAskPairs(m *book.MergedBook) [][2]float64 {
	pairs := make([][2]float64, 0, len(m.Asks))
	for _, lvl := range m.Asks {
		pairs = append(pairs, [2]float64{lvl.Price, lvl.Quantity})
	}
	return pairs
}

func (c *clientSession) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}
