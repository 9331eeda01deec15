package twap

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"md-gateway/internal/connector"
	"md-gateway/internal/metrics"
)

// BookSource exposes the latest depth snapshot for one exchange session
type BookSource interface {
	Book(symbol string) (*connector.OrderBook, bool)
}

// Subscriptions is the demand registry the engine holds a reference in while
// an order is working.
type Subscriptions interface {
	AddSubscription(symbol string)
	RemoveSubscription(symbol string)
}

// FillHandler is invoked after each recorded execution
type FillHandler func(order *Order, fill Fill)

// Engine runs TWAP orders, one goroutine each, filling slices against the
// venue's own book rather than the merged view.
type Engine struct {
	books       map[connector.ExchangeID]BookSource
	subs        Subscriptions
	fillHandler FillHandler
}

// NewEngine creates an engine over the given per-exchange book sources
func NewEngine(books map[connector.ExchangeID]BookSource, subs Subscriptions) *Engine {
	return &Engine{books: books, subs: subs}
}

// SetFillHandler registers a callback fired on every execution
func (e *Engine) SetFillHandler(handler FillHandler) {
	e.fillHandler = handler
}

// Start validates the order's venue, pins its symbol subscription and launches
// the execution goroutine. The subscription is released exactly once, on
// completion, error or context cancellation.
func (e *Engine) Start(ctx context.Context, o *Order) error {
	source, ok := e.books[o.Exchange]
	if !ok {
		return fmt.Errorf("unknown exchange: %s", o.Exchange)
	}

	e.subs.AddSubscription(o.Symbol)
	go e.run(ctx, o, source)
	return nil
}

func (e *Engine) run(ctx context.Context, o *Order, source BookSource) {
	metrics.TwapOrdersActive.Inc()
	defer metrics.TwapOrdersActive.Dec()
	defer e.release(o)
	defer func() {
		if r := recover(); r != nil {
			o.setStatus(StatusError)
			log.Error().
				Str("order_id", o.ID).
				Interface("panic", r).
				Msg("TWAP execution failed")
		}
	}()

	log.Info().
		Str("order_id", o.ID).
		Str("exchange", string(o.Exchange)).
		Str("symbol", o.Symbol).
		Str("side", string(o.Side)).
		Float64("quantity", o.TotalQuantity).
		Int("slices", o.Slices).
		Dur("interval", o.Interval).
		Msg("TWAP order started")

	for o.Status() == StatusActive {
		if done := e.executeSlice(o, source); done {
			log.Info().
				Str("order_id", o.ID).
				Msg("TWAP order completed")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(o.Interval):
		}
	}
}

// executeSlice attempts one paper fill. A missing book, an empty side or an
// unmet limit price skips the slice without consuming it; the order keeps
// working until the full quantity is executed.
func (e *Engine) executeSlice(o *Order, source BookSource) bool {
	book, ok := source.Book(o.Symbol)
	if !ok {
		log.Debug().
			Str("order_id", o.ID).
			Str("symbol", o.Symbol).
			Msg("No book snapshot, slice skipped")
		return false
	}

	var level connector.PriceLevel
	if o.Side == Buy {
		level, ok = book.BestAsk()
	} else {
		level, ok = book.BestBid()
	}
	if !ok {
		return false
	}

	if o.LimitPrice != nil {
		if o.Side == Buy && level.Price > *o.LimitPrice {
			log.Debug().
				Str("order_id", o.ID).
				Float64("price", level.Price).
				Float64("limit", *o.LimitPrice).
				Msg("Price above limit, slice skipped")
			return false
		}
		if o.Side == Sell && level.Price < *o.LimitPrice {
			log.Debug().
				Str("order_id", o.ID).
				Float64("price", level.Price).
				Float64("limit", *o.LimitPrice).
				Msg("Price below limit, slice skipped")
			return false
		}
	}

	fill := Fill{
		Price:     level.Price,
		Quantity:  o.sliceQuantity(),
		Timestamp: time.Now().UTC(),
	}
	done := o.recordFill(fill)

	metrics.RecordFill(string(o.Exchange), o.Symbol, string(o.Side), fill.Quantity)
	log.Info().
		Str("order_id", o.ID).
		Float64("price", fill.Price).
		Float64("quantity", fill.Quantity).
		Msg("TWAP slice filled")

	if e.fillHandler != nil {
		e.fillHandler(o, fill)
	}
	return done
}

// release drops the order's hold on its symbol subscription. Guarded so the
// completion path and the cancellation path cannot both decrement.
func (e *Engine) release(o *Order) {
	o.releaseOnce.Do(func() {
		e.subs.RemoveSubscription(o.Symbol)
	})
}
