// Package server exposes the gateway's REST and WebSocket surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"md-gateway/internal/auth"
	"md-gateway/internal/book"
	"md-gateway/internal/connector"
	"md-gateway/internal/connector/kraken"
	"md-gateway/internal/metrics"
	"md-gateway/internal/twap"
)

const (
	defaultKlineInterval = "1h"
	defaultKlineLimit    = 100
	maxKlineLimit        = 5000
)

// BookView is the merged-book read side consumed by client sessions
type BookView interface {
	MergedBookFor(symbol string) *book.MergedBook
}

// Subscriptions is the shared symbol demand registry
type Subscriptions interface {
	AddSubscription(symbol string)
	RemoveSubscription(symbol string)
}

// Server wires the HTTP surface to the gateway internals
type Server struct {
	httpServer *http.Server

	exchanges  []connector.ExchangeID
	connectors map[connector.ExchangeID]connector.Connector
	books      BookView
	subs       Subscriptions
	users      *auth.UserStore
	tokens     *auth.TokenService
	orders     *twap.Registry
	engine     *twap.Engine

	tickInterval time.Duration
	baseCtx      context.Context
}

// Options carries the dependencies for a new server
type Options struct {
	Addr         string
	Connectors   []connector.Connector
	Books        BookView
	Subs         Subscriptions
	Users        *auth.UserStore
	Tokens       *auth.TokenService
	Orders       *twap.Registry
	Engine       *twap.Engine
	TickInterval time.Duration
	BaseCtx      context.Context
}

// New creates a server; Start must be called to serve
func New(opts Options) *Server {
	s := &Server{
		connectors:   make(map[connector.ExchangeID]connector.Connector),
		books:        opts.Books,
		subs:         opts.Subs,
		users:        opts.Users,
		tokens:       opts.Tokens,
		orders:       opts.Orders,
		engine:       opts.Engine,
		tickInterval: opts.TickInterval,
		baseCtx:      opts.BaseCtx,
	}
	if s.baseCtx == nil {
		s.baseCtx = context.Background()
	}
	for _, conn := range opts.Connectors {
		s.exchanges = append(s.exchanges, conn.ID())
		s.connectors[conn.ID()] = conn
	}

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route table. Exposed so tests can drive handlers through
// httptest without binding a port.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.metricsMiddleware)

	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/exchanges", s.handleExchanges).Methods(http.MethodGet)
	r.HandleFunc("/pairs/{exchange}", s.handlePairs).Methods(http.MethodGet)
	r.HandleFunc("/klines/{exchange}/{symbol}", s.handleKlines).Methods(http.MethodGet)
	r.HandleFunc("/orders/twap", s.handleSubmitTwap).Methods(http.MethodPost)
	// Older clients post to /twap.
	r.HandleFunc("/twap", s.handleSubmitTwap).Methods(http.MethodPost)
	r.HandleFunc("/orders/{order_id}", s.handleOrderStatus).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS)

	return r
}

// Start serves until the listener fails or Stop is called
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// statusRecorder captures the response code for the request histogram
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// WebSocket upgrades hijack the connection; wrapping the writer
		// would break the upgrader.
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.RestRequestDuration.
			WithLabelValues(route, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Response encode failed")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// requestToken pulls the bearer token from the query string or the
// Authorization header. Older clients use the query form.
func requestToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// authorize verifies the request's token and writes a 401 on failure
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if _, ok := s.tokens.Verify(requestToken(r)); !ok {
		respondError(w, http.StatusUnauthorized, "Invalid token")
		return false
	}
	return true
}

// canonicalSymbol normalizes client symbol spellings to the internal form
func canonicalSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	return s
}

// handleLogin exchanges credentials for a session token. Credentials are
// accepted from the query string or a JSON body.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	password := r.URL.Query().Get("password")

	if username == "" && password == "" {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			username = body.Username
			password = body.Password
		}
	}

	if !s.users.Verify(username, password) {
		respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := s.tokens.Issue(username)
	if err != nil {
		log.Error().Err(err).Msg("Token issue failed")
		respondError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleLogout revokes the presented token. Revoking an unknown token still
// reports success; the caller ends up logged out either way.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.tokens.Revoke(requestToken(r))
	respondJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (s *Server) handleExchanges(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.exchanges))
	for _, id := range s.exchanges {
		names = append(names, string(id))
	}
	respondJSON(w, http.StatusOK, names)
}

// exchangeFor resolves the path's exchange name; a 400 is written for venues
// the gateway is not configured for.
func (s *Server) exchangeFor(w http.ResponseWriter, r *http.Request) (connector.Connector, bool) {
	name := connector.ExchangeID(strings.ToLower(mux.Vars(r)["exchange"]))
	conn, ok := s.connectors[name]
	if !ok {
		respondError(w, http.StatusBadRequest, "Unsupported exchange: "+string(name))
		return nil, false
	}
	return conn, true
}

func (s *Server) handlePairs(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.exchangeFor(w, r)
	if !ok {
		return
	}

	pairs, err := conn.TradingPairs(r.Context())
	if err != nil {
		log.Warn().Err(err).Str("exchange", string(conn.ID())).Msg("Trading pairs fetch failed")
		respondError(w, http.StatusBadGateway, "Upstream fetch failed")
		return
	}
	respondJSON(w, http.StatusOK, pairs)
}

func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.exchangeFor(w, r)
	if !ok {
		return
	}
	symbol := canonicalSymbol(mux.Vars(r)["symbol"])

	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = defaultKlineInterval
	}

	limit := defaultKlineLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxKlineLimit {
			respondError(w, http.StatusBadRequest, "Invalid limit: "+raw)
			return
		}
		limit = parsed
	}

	klines, err := conn.Klines(r.Context(), symbol, interval, limit)
	if err != nil {
		if errors.Is(err, kraken.ErrInvalidInterval) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Warn().
			Err(err).
			Str("exchange", string(conn.ID())).
			Str("symbol", symbol).
			Msg("Klines fetch failed")
		respondError(w, http.StatusBadGateway, "Upstream fetch failed")
		return
	}
	respondJSON(w, http.StatusOK, klines)
}

// twapRequest is the submission payload. Every field may also arrive as a
// query parameter; older clients use the query form exclusively.
type twapRequest struct {
	Exchange        string   `json:"exchange"`
	Symbol          string   `json:"symbol"`
	Side            string   `json:"side"`
	Quantity        float64  `json:"quantity"`
	Slices          int      `json:"slices"`
	DurationSeconds float64  `json:"duration_seconds"`
	LimitPrice      *float64 `json:"limit_price"`
}

func (s *Server) handleSubmitTwap(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}

	var req twapRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	q := r.URL.Query()
	if v := q.Get("exchange"); v != "" {
		req.Exchange = v
	}
	if v := q.Get("symbol"); v != "" {
		req.Symbol = v
	}
	if v := q.Get("side"); v != "" {
		req.Side = v
	}
	if v := q.Get("quantity"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			req.Quantity = parsed
		}
	}
	if v := q.Get("slices"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			req.Slices = parsed
		}
	}
	for _, key := range []string{"duration_seconds", "duration"} {
		if v := q.Get(key); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				req.DurationSeconds = parsed
			}
		}
	}
	if v := q.Get("limit_price"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			req.LimitPrice = &parsed
		}
	}

	exchange := connector.ExchangeID(strings.ToLower(req.Exchange))
	if _, ok := s.connectors[exchange]; !ok {
		respondError(w, http.StatusBadRequest, "Unsupported exchange: "+req.Exchange)
		return
	}

	order, err := twap.NewOrder(twap.Params{
		Exchange:        exchange,
		Symbol:          canonicalSymbol(req.Symbol),
		Side:            twap.Side(strings.ToLower(req.Side)),
		Quantity:        req.Quantity,
		Slices:          req.Slices,
		DurationSeconds: req.DurationSeconds,
		LimitPrice:      req.LimitPrice,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.orders.Add(order)
	if err := s.engine.Start(s.baseCtx, order); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"order_id": order.ID,
		"status":   "accepted",
	})
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}

	id := mux.Vars(r)["order_id"]
	order, ok := s.orders.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "Order not found")
		return
	}
	respondJSON(w, http.StatusOK, order.Report())
}
