package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"md-gateway/internal/connector"
)

func TestStreamNameRoundTrip(t *testing.T) {
	assert.Equal(t, "btcusdt@depth10@1000ms", nativeStream("BTCUSDT"))
	assert.Equal(t, "BTCUSDT", canonicalFromStream("btcusdt@depth10@1000ms"))
}

func TestParseLevels(t *testing.T) {
	raw := [][]string{
		{"100.5", "1.25"},
		{"bad", "1"},
		{"101"},
		{"99.0", "0.5"},
	}

	levels := parseLevels(raw)

	require.Len(t, levels, 2)
	assert.Equal(t, connector.PriceLevel{Price: 100.5, Quantity: 1.25}, levels[0])
	assert.Equal(t, connector.PriceLevel{Price: 99.0, Quantity: 0.5}, levels[1])
}

func TestHandleMessageStoresDepth(t *testing.T) {
	c := NewBinanceConnector()
	c.subscribed["BTCUSDT"] = nativeStream("BTCUSDT")

	frame := `{
		"stream": "btcusdt@depth10@1000ms",
		"data": {
			"lastUpdateId": 42,
			"bids": [["100", "1"], ["99", "2"]],
			"asks": [["101", "1"]]
		}
	}`
	c.handleMessage([]byte(frame))

	ob, ok := c.Book("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, connector.Binance, ob.ExchangeID)
	assert.Equal(t, 100.0, ob.Bids[0].Price)
	assert.Equal(t, 101.0, ob.Asks[0].Price)
}

func TestHandleMessageIgnoresUntrackedSymbol(t *testing.T) {
	c := NewBinanceConnector()

	frame := `{
		"stream": "ethusdt@depth10@1000ms",
		"data": {"lastUpdateId": 1, "bids": [["10", "1"]], "asks": []}
	}`
	c.handleMessage([]byte(frame))

	_, ok := c.Book("ETHUSDT")
	assert.False(t, ok)
}

func TestHandleMessageIgnoresControlReply(t *testing.T) {
	c := NewBinanceConnector()
	c.handleMessage([]byte(`{"result": null, "id": 1}`))
	// Nothing stored, nothing panics.
	_, ok := c.Book("BTCUSDT")
	assert.False(t, ok)
}

func TestFetchTradingPairs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/exchangeInfo", r.URL.Path)
		fmt.Fprint(w, `{"symbols": [{"symbol": "BTCUSDT"}, {"symbol": "ETHUSDT"}]}`)
	}))
	defer srv.Close()

	client := NewRestClientWithURL(srv.URL)
	pairs, err := client.FetchTradingPairs(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, pairs)
}

func klineRow(openTimeMs int64, px float64) []interface{} {
	p := strconv.FormatFloat(px, 'f', -1, 64)
	return []interface{}{openTimeMs, p, p, p, p, "10"}
}

func TestFetchKlinesSinglePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))
		json.NewEncoder(w).Encode([][]interface{}{
			klineRow(1000, 100),
			klineRow(2000, 101),
		})
	}))
	defer srv.Close()

	client := NewRestClientWithURL(srv.URL)
	klines, err := client.FetchKlines(context.Background(), "BTCUSDT", "1h", 10)

	require.NoError(t, err)
	require.Len(t, klines, 2)
	assert.Equal(t, int64(1000)*int64(time.Millisecond), klines[0].Timestamp)
	assert.Equal(t, 100.0, klines[0].Open)
	assert.Equal(t, 10.0, klines[0].Volume)
}

func TestFetchKlinesPagesBackwards(t *testing.T) {
	// First request returns the newest full page; the follow-up must walk
	// back with endTime strictly before that page's first open time.
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		endTime := r.URL.Query().Get("endTime")

		rows := make([][]interface{}, 0, klinesPageSize)
		if endTime == "" {
			for i := 0; i < klinesPageSize; i++ {
				rows = append(rows, klineRow(int64(1_000_000+i*1000), 200))
			}
		} else {
			parsed, err := strconv.ParseInt(endTime, 10, 64)
			require.NoError(t, err)
			assert.Equal(t, int64(999_999), parsed)
			rows = append(rows, klineRow(500_000, 150))
		}
		json.NewEncoder(w).Encode(rows)
	}))
	defer srv.Close()

	client := NewRestClientWithURL(srv.URL)
	klines, err := client.FetchKlines(context.Background(), "BTCUSDT", "1m", klinesPageSize+1)

	require.NoError(t, err)
	assert.Equal(t, 2, requests)
	require.Len(t, klines, klinesPageSize+1)
	// Oldest row first, fetched by the second request.
	assert.Equal(t, int64(500_000)*int64(time.Millisecond), klines[0].Timestamp)
	assert.Equal(t, 150.0, klines[0].Open)
}

func TestFetchKlinesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer srv.Close()

	client := NewRestClientWithURL(srv.URL)
	_, err := client.FetchKlines(context.Background(), "BTCUSDT", "1h", 10)

	assert.Error(t, err)
}
