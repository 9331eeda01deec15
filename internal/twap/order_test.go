package twap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"md-gateway/internal/connector"
)

func validParams() Params {
	return Params{
		Exchange:        connector.Binance,
		Symbol:          "btcusdt",
		Side:            Buy,
		Quantity:        1.5,
		Slices:          3,
		DurationSeconds: 30,
	}
}

func TestNewOrderDerivedFields(t *testing.T) {
	o, err := NewOrder(validParams())
	require.NoError(t, err)

	assert.NotEmpty(t, o.ID)
	assert.Equal(t, "BTCUSDT", o.Symbol)
	assert.Equal(t, StatusActive, o.Status())
	assert.InDelta(t, 0.5, o.QuantityPerSlice, 1e-9)
	assert.Equal(t, 10*time.Second, o.Interval)
}

func TestNewOrderValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"empty symbol", func(p *Params) { p.Symbol = "" }},
		{"bad side", func(p *Params) { p.Side = "hold" }},
		{"zero quantity", func(p *Params) { p.Quantity = 0 }},
		{"negative quantity", func(p *Params) { p.Quantity = -1 }},
		{"zero slices", func(p *Params) { p.Slices = 0 }},
		{"zero duration", func(p *Params) { p.DurationSeconds = 0 }},
		{"negative limit", func(p *Params) { v := -5.0; p.LimitPrice = &v }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validParams()
			tc.mutate(&p)
			_, err := NewOrder(p)
			assert.Error(t, err)
		})
	}
}

func TestOrderIDsAreUnique(t *testing.T) {
	a, err := NewOrder(validParams())
	require.NoError(t, err)
	b, err := NewOrder(validParams())
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
}

func TestReportCopiesExecutions(t *testing.T) {
	o, err := NewOrder(validParams())
	require.NoError(t, err)

	o.recordFill(Fill{Price: 100, Quantity: 0.5, Timestamp: time.Now()})

	report := o.Report()
	require.Len(t, report.Executions, 1)
	report.Executions[0].Price = 999

	again := o.Report()
	assert.Equal(t, 100.0, again.Executions[0].Price)
}

func TestReportAveragePrice(t *testing.T) {
	o, err := NewOrder(validParams())
	require.NoError(t, err)

	assert.Nil(t, o.Report().AveragePrice)

	o.recordFill(Fill{Price: 100, Quantity: 0.5})
	o.recordFill(Fill{Price: 200, Quantity: 0.5})

	report := o.Report()
	require.NotNil(t, report.AveragePrice)
	assert.InDelta(t, 150.0, *report.AveragePrice, 1e-9)
	assert.InDelta(t, 1.0, report.ExecutedQuantity, 1e-9)
}

func TestRecordFillCompletesOrder(t *testing.T) {
	o, err := NewOrder(validParams())
	require.NoError(t, err)

	assert.False(t, o.recordFill(Fill{Price: 100, Quantity: 0.5}))
	assert.False(t, o.recordFill(Fill{Price: 100, Quantity: 0.5}))
	assert.True(t, o.recordFill(Fill{Price: 100, Quantity: 0.5}))
	assert.Equal(t, StatusCompleted, o.Status())
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	o, err := NewOrder(validParams())
	require.NoError(t, err)
	reg.Add(o)

	got, ok := reg.Get(o.ID)
	require.True(t, ok)
	assert.Same(t, o, got)

	_, ok = reg.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Len())
}
