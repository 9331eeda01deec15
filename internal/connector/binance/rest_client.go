package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"md-gateway/internal/connector"
	"md-gateway/internal/metrics"
)

const spotRestBaseURL = "https://api.binance.com/api/v3"

// klinesPageSize is the Binance per-request maximum.
const klinesPageSize = 1000

// RestClient handles REST API calls to Binance spot
type RestClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewRestClient creates a new REST client for Binance
func NewRestClient() *RestClient {
	return NewRestClientWithURL(spotRestBaseURL)
}

// NewRestClientWithURL creates a REST client against a custom base URL
func NewRestClientWithURL(baseURL string) *RestClient {
	return &RestClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		// Binance allows 1200 request weight per minute; stay well under it.
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
	}
}

func (c *RestClient) get(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.UpstreamFetchErrors.WithLabelValues(string(connector.Binance), endpoint).Inc()
		return fmt.Errorf("fetch %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.UpstreamFetchErrors.WithLabelValues(string(connector.Binance), endpoint).Inc()
		return fmt.Errorf("fetch %s: unexpected status %d", endpoint, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

// FetchTradingPairs fetches all listed symbols
func (c *RestClient) FetchTradingPairs(ctx context.Context) ([]string, error) {
	var info exchangeInfoResponse
	if err := c.get(ctx, "/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}

	pairs := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		pairs = append(pairs, s.Symbol)
	}
	return pairs, nil
}

// FetchKlines fetches up to limit candles, paging backwards through history
// when limit exceeds the per-request maximum.
func (c *RestClient) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]connector.Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	pageSize := limit
	if pageSize > klinesPageSize {
		pageSize = klinesPageSize
	}
	params.Set("limit", strconv.Itoa(pageSize))

	var raw [][]json.RawMessage
	for len(raw) < limit {
		var page [][]json.RawMessage
		if err := c.get(ctx, "/klines", params, &page); err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		raw = append(page, raw...)
		if len(page) < klinesPageSize {
			break
		}

		openTime, err := rawInt(page[0][0])
		if err != nil {
			return nil, fmt.Errorf("parse kline open time: %w", err)
		}
		params.Set("endTime", strconv.FormatInt(openTime-1, 10))
	}

	// Pages are prepended oldest-first; keep the newest rows.
	if len(raw) > limit {
		raw = raw[len(raw)-limit:]
	}
	return standardizeKlines(raw)
}

// standardizeKlines converts raw Binance kline rows
// [openTimeMs, open, high, low, close, volume, ...] to the canonical shape.
// Timestamps are scaled from milliseconds to nanoseconds.
func standardizeKlines(raw [][]json.RawMessage) ([]connector.Kline, error) {
	klines := make([]connector.Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		ts, err := rawInt(row[0])
		if err != nil {
			return nil, fmt.Errorf("parse kline timestamp: %w", err)
		}

		var fields [5]float64
		for i := 0; i < 5; i++ {
			v, err := rawFloat(row[i+1])
			if err != nil {
				return nil, fmt.Errorf("parse kline field %d: %w", i+1, err)
			}
			fields[i] = v
		}

		klines = append(klines, connector.Kline{
			Timestamp: ts * int64(time.Millisecond),
			Open:      fields[0],
			High:      fields[1],
			Low:       fields[2],
			Close:     fields[3],
			Volume:    fields[4],
		})
	}
	return klines, nil
}

func rawInt(raw json.RawMessage) (int64, error) {
	var v int64
	err := json.Unmarshal(raw, &v)
	return v, err
}

func rawFloat(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	var v float64
	err := json.Unmarshal(raw, &v)
	return v, err
}
