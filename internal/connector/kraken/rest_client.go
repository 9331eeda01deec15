package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"md-gateway/internal/connector"
	"md-gateway/internal/metrics"
)

const publicRestBaseURL = "https://api.kraken.com/0/public"

// ohlcPageSize is the Kraken per-request maximum for OHLC rows.
const ohlcPageSize = 720

// Kraken only serves OHLC at these granularities (minutes).
var supportedIntervals = map[int]bool{
	1: true, 5: true, 15: true, 30: true, 60: true,
	240: true, 1440: true, 10080: true, 21600: true,
}

// ErrInvalidInterval is returned when the requested candle interval is not
// one Kraken serves.
var ErrInvalidInterval = fmt.Errorf("invalid interval")

// RestClient handles REST API calls to Kraken spot
type RestClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewRestClient creates a new REST client for Kraken
func NewRestClient() *RestClient {
	return NewRestClientWithURL(publicRestBaseURL)
}

// NewRestClientWithURL creates a REST client against a custom base URL
func NewRestClientWithURL(baseURL string) *RestClient {
	return &RestClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		// Kraken's public call counter decays slowly; one request per second
		// keeps us clear of it.
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
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
		metrics.UpstreamFetchErrors.WithLabelValues(string(connector.Kraken), endpoint).Inc()
		return fmt.Errorf("fetch %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.UpstreamFetchErrors.WithLabelValues(string(connector.Kraken), endpoint).Inc()
		return fmt.Errorf("fetch %s: unexpected status %d", endpoint, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

// FetchTradingPairs fetches all asset pair altnames
func (c *RestClient) FetchTradingPairs(ctx context.Context) ([]string, error) {
	var resp assetPairsResponse
	if err := c.get(ctx, "/AssetPairs", nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Error) > 0 {
		return nil, fmt.Errorf("kraken error: %s", strings.Join(resp.Error, "; "))
	}

	pairs := make([]string, 0, len(resp.Result))
	for _, info := range resp.Result {
		pairs = append(pairs, info.Altname)
	}
	return pairs, nil
}

// ParseInterval converts an interval string like "1m", "4h", "1d" to Kraken's
// minute granularity, rejecting values Kraken does not serve.
func ParseInterval(interval string) (int, error) {
	d, err := time.ParseDuration(normalizeDuration(interval))
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}
	minutes := int(d.Minutes())
	if !supportedIntervals[minutes] {
		return 0, fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}
	return minutes, nil
}

// normalizeDuration maps day/week suffixes onto units time.ParseDuration
// understands.
func normalizeDuration(interval string) string {
	if strings.HasSuffix(interval, "d") {
		if n, err := strconv.Atoi(strings.TrimSuffix(interval, "d")); err == nil {
			return strconv.Itoa(n*24) + "h"
		}
	}
	if strings.HasSuffix(interval, "w") {
		if n, err := strconv.Atoi(strings.TrimSuffix(interval, "w")); err == nil {
			return strconv.Itoa(n*168) + "h"
		}
	}
	return interval
}

// FetchKlines fetches up to limit candles. Kraken serves at most one page of
// 720 rows per request; older history is not paged here.
func (c *RestClient) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]connector.Kline, error) {
	minutes, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("pair", symbol)
	params.Set("interval", strconv.Itoa(minutes))

	var resp ohlcResponse
	if err := c.get(ctx, "/OHLC", params, &resp); err != nil {
		return nil, err
	}
	if len(resp.Error) > 0 {
		return nil, fmt.Errorf("kraken error: %s", strings.Join(resp.Error, "; "))
	}

	// The result holds the pair key plus a "last" cursor; take the pair rows.
	var rows [][]json.RawMessage
	for key, raw := range resp.Result {
		if key == "last" {
			continue
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("decode OHLC rows: %w", err)
		}
		break
	}

	if len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return standardizeKlines(rows)
}

// standardizeKlines converts raw Kraken OHLC rows
// [timeSec, open, high, low, close, vwap, volume, count] to the canonical
// shape. Timestamps are scaled from seconds to nanoseconds.
func standardizeKlines(rows [][]json.RawMessage) ([]connector.Kline, error) {
	klines := make([]connector.Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		ts, err := rawFloat(row[0])
		if err != nil {
			return nil, fmt.Errorf("parse OHLC timestamp: %w", err)
		}

		open, err1 := rawFloat(row[1])
		high, err2 := rawFloat(row[2])
		low, err3 := rawFloat(row[3])
		closePx, err4 := rawFloat(row[4])
		volume, err5 := rawFloat(row[6])
		for _, e := range []error{err1, err2, err3, err4, err5} {
			if e != nil {
				return nil, fmt.Errorf("parse OHLC row: %w", e)
			}
		}

		klines = append(klines, connector.Kline{
			Timestamp: int64(ts) * int64(time.Second),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    volume,
		})
	}
	return klines, nil
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
