// Package publisher mirrors standardized market data and paper fills into
// Redis for downstream consumers. Publishing is optional; the gateway runs
// without it.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"md-gateway/internal/connector"
	"md-gateway/internal/twap"
)

// RedisPublisher publishes orderbooks and fills to Redis Streams
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher creates a publisher and verifies connectivity
func NewRedisPublisher(addr string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisPublisher{client: client}, nil
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// PublishOrderbook writes a snapshot to the per-symbol stream and fans it out
// over Pub/Sub. Stream entries are capped so idle symbols do not grow
// unbounded.
func (p *RedisPublisher) PublishOrderbook(ob *connector.OrderBook) error {
	data, err := json.Marshal(ob)
	if err != nil {
		return err
	}

	streamKey := fmt.Sprintf("orderbook:%s:%s", ob.ExchangeID, ob.Symbol)

	if err := p.client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: 1000,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err(); err != nil {
		return err
	}

	if err := p.client.Publish(context.Background(), streamKey, string(data)).Err(); err != nil {
		return err
	}

	log.Debug().
		Str("stream", streamKey).
		Int("bids", len(ob.Bids)).
		Int("asks", len(ob.Asks)).
		Msg("Orderbook published")
	return nil
}

// fillRecord is the wire shape of a published execution
type fillRecord struct {
	OrderID   string    `json:"order_id"`
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishFill writes a paper execution to the fills stream
func (p *RedisPublisher) PublishFill(o *twap.Order, f twap.Fill) error {
	data, err := json.Marshal(fillRecord{
		OrderID:   o.ID,
		Exchange:  string(o.Exchange),
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		Price:     f.Price,
		Quantity:  f.Quantity,
		Timestamp: f.Timestamp,
	})
	if err != nil {
		return err
	}

	return p.client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "twap:fills",
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
}
