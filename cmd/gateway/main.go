package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"md-gateway/internal/auth"
	"md-gateway/internal/book"
	"md-gateway/internal/config"
	"md-gateway/internal/connector"
	"md-gateway/internal/connector/binance"
	"md-gateway/internal/connector/kraken"
	"md-gateway/internal/metrics"
	"md-gateway/internal/publisher"
	"md-gateway/internal/server"
	"md-gateway/internal/subscription"
	"md-gateway/internal/twap"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	configPath := flag.String("config", os.Getenv("GW_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().
		Str("listen", cfg.ListenAddr).
		Str("metrics", cfg.MetricsAddr).
		Str("exchanges", strings.Join(cfg.Exchanges, ",")).
		Dur("tick_interval", cfg.TickInterval).
		Msg("Starting market data gateway")

	// Start metrics server
	metricsServer := metrics.NewServer(cfg.MetricsAddr)
	go func() {
		if err := metricsServer.Start(); err != nil {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	// Redis mirroring is optional
	var pub *publisher.RedisPublisher
	if cfg.RedisAddr != "" {
		pub, err = publisher.NewRedisPublisher(cfg.RedisAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Redis publisher")
		}
		defer pub.Close()
		log.Info().Str("addr", cfg.RedisAddr).Msg("Redis publisher enabled")
	}

	// Create exchange connectors
	connectors := make([]connector.Connector, 0, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		switch strings.TrimSpace(strings.ToLower(ex)) {
		case "binance":
			connectors = append(connectors, binance.NewBinanceConnector())
			log.Info().Msg("Added Binance connector")
		case "kraken":
			connectors = append(connectors, kraken.NewKrakenConnector())
			log.Info().Msg("Added Kraken connector")
		default:
			log.Warn().Str("exchange", ex).Msg("Unknown exchange, skipping")
		}
	}
	if len(connectors) == 0 {
		log.Fatal().Msg("No exchange connectors enabled")
	}

	for _, conn := range connectors {
		setupHandlers(conn, pub)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, conn := range connectors {
		if err := conn.Connect(ctx); err != nil {
			log.Error().Err(err).Str("exchange", string(conn.ID())).Msg("Failed to connect")
			metrics.RecordConnectionError(string(conn.ID()), "connect_failed")
			continue
		}
		metrics.RecordConnectionStatus(string(conn.ID()), true)
		log.Info().Str("exchange", string(conn.ID())).Msg("Connected to exchange")
	}

	// Shared market data plumbing
	subs := subscription.NewRegistry(connectors)
	books := book.NewAggregator(connectors)

	// Auth
	users := auth.NewUserStore()
	if cfg.UsersFile != "" {
		if err := users.LoadFile(cfg.UsersFile); err != nil {
			log.Fatal().Err(err).Msg("Failed to load users")
		}
	} else if cfg.DefaultUsername != "" {
		if err := users.AddUser(cfg.DefaultUsername, cfg.DefaultPassword); err != nil {
			log.Fatal().Err(err).Msg("Failed to seed default user")
		}
		log.Warn().Str("username", cfg.DefaultUsername).Msg("Using built-in development user")
	}
	tokens := auth.NewTokenService(cfg.TokenTTL)

	// TWAP execution
	bookSources := make(map[connector.ExchangeID]twap.BookSource, len(connectors))
	for _, conn := range connectors {
		bookSources[conn.ID()] = conn
	}
	engine := twap.NewEngine(bookSources, subs)
	if pub != nil {
		engine.SetFillHandler(func(o *twap.Order, f twap.Fill) {
			if err := pub.PublishFill(o, f); err != nil {
				log.Error().Err(err).Str("order_id", o.ID).Msg("Failed to publish fill")
			}
		})
	}
	orders := twap.NewRegistry()

	apiServer := server.New(server.Options{
		Addr:         cfg.ListenAddr,
		Connectors:   connectors,
		Books:        books,
		Subs:         subs,
		Users:        users,
		Tokens:       tokens,
		Orders:       orders,
		Engine:       engine,
		TickInterval: cfg.TickInterval,
		BaseCtx:      ctx,
	})
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Error().Err(err).Msg("API server error")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping API server")
	}

	for _, conn := range connectors {
		if conn.IsConnected() {
			metrics.RecordConnectionStatus(string(conn.ID()), false)
			if err := conn.Close(); err != nil {
				log.Error().Err(err).Str("exchange", string(conn.ID())).Msg("Error disconnecting")
			}
		}
	}

	if err := metricsServer.Stop(); err != nil {
		log.Error().Err(err).Msg("Error stopping metrics server")
	}
}

func setupHandlers(conn connector.Connector, pub *publisher.RedisPublisher) {
	exchangeID := string(conn.ID())

	conn.SetBookHandler(func(ob *connector.OrderBook) {
		bestBid, _ := ob.BestBid()
		bestAsk, _ := ob.BestAsk()
		metrics.RecordOrderbookUpdate(exchangeID, ob.Symbol, bestBid.Price, bestAsk.Price)

		if pub != nil {
			if err := pub.PublishOrderbook(ob); err != nil {
				log.Error().Err(err).Msg("Failed to publish orderbook")
			}
		}
	})

	conn.SetErrorHandler(func(err error) {
		log.Error().Err(err).Str("exchange", exchangeID).Msg("Connector error")
		metrics.RecordConnectionError(exchangeID, "runtime_error")
	})
}
