package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics for the aggregation and execution gateway
var (
	// Orderbook metrics
	OrderbookUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_orderbook_updates_total",
			Help: "Total number of standardized orderbook snapshots stored",
		},
		[]string{"exchange", "symbol"},
	)

	OrderbookBestBid = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gw_orderbook_best_bid",
			Help: "Current best bid price",
		},
		[]string{"exchange", "symbol"},
	)

	OrderbookBestAsk = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gw_orderbook_best_ask",
			Help: "Current best ask price",
		},
		[]string{"exchange", "symbol"},
	)

	// Upstream connection metrics
	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gw_connection_status",
			Help: "Upstream WebSocket connection status (1=connected, 0=disconnected)",
		},
		[]string{"exchange"},
	)

	ConnectionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_reconnects_total",
			Help: "Total number of upstream reconnection attempts",
		},
		[]string{"exchange"},
	)

	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_connection_errors_total",
			Help: "Total number of upstream connection errors",
		},
		[]string{"exchange", "error_type"},
	)

	// Subscription metrics
	SymbolsSubscribed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gw_symbols_subscribed",
			Help: "Number of symbols currently subscribed upstream",
		},
		[]string{"exchange"},
	)

	// Client metrics
	ClientsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gw_clients_connected",
			Help: "Number of connected WebSocket subscribers",
		},
	)

	ClientFramesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gw_client_frames_sent_total",
			Help: "Total number of aggregated frames sent to subscribers",
		},
	)

	// TWAP metrics
	TwapOrdersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gw_twap_orders_active",
			Help: "Number of TWAP orders currently executing",
		},
	)

	TwapFills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_twap_fills_total",
			Help: "Total number of TWAP paper fills",
		},
		[]string{"exchange", "symbol", "side"},
	)

	TwapFilledQuantity = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_twap_filled_quantity_total",
			Help: "Total quantity filled by TWAP orders",
		},
		[]string{"exchange", "symbol", "side"},
	)

	// REST metrics
	RestRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gw_rest_request_duration_seconds",
			Help:    "Duration of downstream REST requests",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"route", "code"},
	)

	UpstreamFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_upstream_fetch_errors_total",
			Help: "Total number of upstream REST fetch errors",
		},
		[]string{"exchange", "endpoint"},
	)
)

// RecordOrderbookUpdate records metrics for a stored snapshot
func RecordOrderbookUpdate(exchange, symbol string, bestBid, bestAsk float64) {
	OrderbookUpdates.WithLabelValues(exchange, symbol).Inc()
	if bestBid > 0 {
		OrderbookBestBid.WithLabelValues(exchange, symbol).Set(bestBid)
	}
	if bestAsk > 0 {
		OrderbookBestAsk.WithLabelValues(exchange, symbol).Set(bestAsk)
	}
}

// RecordConnectionStatus records upstream connection status
func RecordConnectionStatus(exchange string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	ConnectionStatus.WithLabelValues(exchange).Set(status)
}

// RecordReconnect records a reconnection attempt
func RecordReconnect(exchange string) {
	ConnectionReconnects.WithLabelValues(exchange).Inc()
}

// RecordConnectionError records an upstream connection error
func RecordConnectionError(exchange, errorType string) {
	ConnectionErrors.WithLabelValues(exchange, errorType).Inc()
}

// RecordFill records a TWAP paper fill
func RecordFill(exchange, symbol, side string, quantity float64) {
	TwapFills.WithLabelValues(exchange, symbol, side).Inc()
	TwapFilledQuantity.WithLabelValues(exchange, symbol, side).Add(quantity)
}

// Server starts the Prometheus metrics HTTP server
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a new metrics server
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("Starting metrics server")
	return s.server.ListenAndServe()
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	return s.server.Close()
}
