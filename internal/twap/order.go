// Package twap slices parent orders over time and fills them against the
// live per-venue book. Every execution is a paper fill; nothing is sent to
// an external exchange.
package twap

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"md-gateway/internal/connector"
)

// Side is the order direction
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Status is the order lifecycle state
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// quantityEpsilon absorbs float rounding when checking completion.
const quantityEpsilon = 1e-9

// Fill is a single recorded paper execution
type Fill struct {
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
}

// Params are the submission inputs for a TWAP order
type Params struct {
	Exchange        connector.ExchangeID
	Symbol          string
	Side            Side
	Quantity        float64
	Slices          int
	DurationSeconds float64
	LimitPrice      *float64
}

// Order is a TWAP parent order. Mutable state (fills, status) is owned by
// the engine goroutine running it; Report copies state out for readers.
type Order struct {
	ID               string
	Exchange         connector.ExchangeID
	Symbol           string
	Side             Side
	TotalQuantity    float64
	Slices           int
	Duration         time.Duration
	LimitPrice       *float64
	QuantityPerSlice float64
	Interval         time.Duration

	mu               sync.Mutex
	executedQuantity float64
	executions       []Fill
	status           Status

	releaseOnce sync.Once
}

// NewOrder validates submission parameters and creates an active order.
// QuantityPerSlice and Interval are fixed here; rounding residuals are
// applied to the final slice at execution time.
func NewOrder(p Params) (*Order, error) {
	if p.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if p.Side != Buy && p.Side != Sell {
		return nil, fmt.Errorf("side must be %q or %q", Buy, Sell)
	}
	if p.Quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive")
	}
	if p.Slices < 1 {
		return nil, fmt.Errorf("slices must be at least 1")
	}
	if p.DurationSeconds <= 0 {
		return nil, fmt.Errorf("duration must be positive")
	}
	if p.LimitPrice != nil && *p.LimitPrice <= 0 {
		return nil, fmt.Errorf("limit price must be positive")
	}

	duration := time.Duration(p.DurationSeconds * float64(time.Second))
	return &Order{
		ID:               uuid.NewString(),
		Exchange:         p.Exchange,
		Symbol:           strings.ToUpper(p.Symbol),
		Side:             p.Side,
		TotalQuantity:    p.Quantity,
		Slices:           p.Slices,
		Duration:         duration,
		LimitPrice:       p.LimitPrice,
		QuantityPerSlice: p.Quantity / float64(p.Slices),
		Interval:         duration / time.Duration(p.Slices),
		status:           StatusActive,
	}, nil
}

// Status returns the current lifecycle state
func (o *Order) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// setStatus transitions the lifecycle state. Terminal states stick.
func (o *Order) setStatus(s Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status == StatusActive {
		o.status = s
	}
}

// recordFill appends an execution and returns true when the order is now
// fully filled.
func (o *Order) recordFill(f Fill) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.executions = append(o.executions, f)
	o.executedQuantity += f.Quantity

	if o.executedQuantity >= o.TotalQuantity-quantityEpsilon {
		o.status = StatusCompleted
		return true
	}
	return false
}

// sliceQuantity returns how much the next fill should take: the fixed
// per-slice amount, except the final slice absorbs the rounding residual so
// completion fills exactly the total.
func (o *Order) sliceQuantity() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	remaining := o.TotalQuantity - o.executedQuantity
	if len(o.executions) == o.Slices-1 || remaining < o.QuantityPerSlice {
		return remaining
	}
	return o.QuantityPerSlice
}

// Report is the status object returned to clients
type Report struct {
	Status           Status   `json:"status"`
	Side             Side     `json:"side"`
	ExecutedQuantity float64  `json:"executed_quantity"`
	TotalQuantity    float64  `json:"total_quantity"`
	SlicesExecuted   int      `json:"slices_executed"`
	TotalSlices      int      `json:"total_slices"`
	Executions       []Fill   `json:"executions"`
	AveragePrice     *float64 `json:"average_price"`
}

// Report returns a consistent copy of the order's progress. AveragePrice is
// nil until the first fill.
func (o *Order) Report() Report {
	o.mu.Lock()
	defer o.mu.Unlock()

	executions := make([]Fill, len(o.executions))
	copy(executions, o.executions)

	var avg *float64
	if o.executedQuantity > 0 {
		notional := 0.0
		for _, f := range o.executions {
			notional += f.Price * f.Quantity
		}
		v := notional / o.executedQuantity
		avg = &v
	}

	return Report{
		Status:           o.status,
		Side:             o.Side,
		ExecutedQuantity: o.executedQuantity,
		TotalQuantity:    o.TotalQuantity,
		SlicesExecuted:   len(executions),
		TotalSlices:      o.Slices,
		Executions:       executions,
		AveragePrice:     avg,
	}
}
