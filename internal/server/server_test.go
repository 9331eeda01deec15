package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"md-gateway/internal/auth"
	"md-gateway/internal/book"
	"md-gateway/internal/connector"
	"md-gateway/internal/connector/kraken"
	"md-gateway/internal/twap"
)

// fakeConnector serves canned REST data and in-memory books
type fakeConnector struct {
	*connector.BaseConnector

	pairs     []string
	pairsErr  error
	klines    []connector.Kline
	klinesErr error
}

func newFakeConnector(id connector.ExchangeID) *fakeConnector {
	return &fakeConnector{BaseConnector: connector.NewBaseConnector(id)}
}

func (f *fakeConnector) Connect(ctx context.Context) error { return nil }
func (f *fakeConnector) Close() error                      { return nil }
func (f *fakeConnector) Subscribe(symbol string) error     { return nil }
func (f *fakeConnector) Unsubscribe(symbol string) error   { return nil }

func (f *fakeConnector) TradingPairs(ctx context.Context) ([]string, error) {
	return f.pairs, f.pairsErr
}

func (f *fakeConnector) Klines(ctx context.Context, symbol, interval string, limit int) ([]connector.Kline, error) {
	return f.klines, f.klinesErr
}

// countingSubs tracks demand registry calls
type countingSubs struct {
	mu      sync.Mutex
	added   []string
	removed []string
}

func (c *countingSubs) AddSubscription(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.added = append(c.added, symbol)
}

func (c *countingSubs) RemoveSubscription(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, symbol)
}

func (c *countingSubs) addedCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.added...)
}

func (c *countingSubs) removedCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.removed...)
}

type testEnv struct {
	server  *Server
	http    *httptest.Server
	binance *fakeConnector
	kraken  *fakeConnector
	subs    *countingSubs
	tokens  *auth.TokenService
	orders  *twap.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	binanceConn := newFakeConnector(connector.Binance)
	krakenConn := newFakeConnector(connector.Kraken)
	connectors := []connector.Connector{binanceConn, krakenConn}

	subs := &countingSubs{}
	users := auth.NewUserStore()
	require.NoError(t, users.AddUser("alice", "s3cret"))
	tokens := auth.NewTokenService(time.Hour)
	orders := twap.NewRegistry()

	engine := twap.NewEngine(map[connector.ExchangeID]twap.BookSource{
		connector.Binance: binanceConn,
		connector.Kraken:  krakenConn,
	}, subs)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := New(Options{
		Addr:         ":0",
		Connectors:   connectors,
		Books:        book.NewAggregator(connectors),
		Subs:         subs,
		Users:        users,
		Tokens:       tokens,
		Orders:       orders,
		Engine:       engine,
		TickInterval: 50 * time.Millisecond,
		BaseCtx:      ctx,
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{
		server:  srv,
		http:    ts,
		binance: binanceConn,
		kraken:  krakenConn,
		subs:    subs,
		tokens:  tokens,
		orders:  orders,
	}
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	resp, err := http.Post(e.http.URL+"/auth/login?username=alice&password=s3cret", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body["token"])
	return body["token"]
}

func decodeJSON(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestLoginWithQueryParams(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	username, ok := env.tokens.Verify(token)
	require.True(t, ok)
	assert.Equal(t, "alice", username)
}

func TestLoginWithJSONBody(t *testing.T) {
	env := newTestEnv(t)

	payload := bytes.NewBufferString(`{"username": "alice", "password": "s3cret"}`)
	resp, err := http.Post(env.http.URL+"/auth/login", "application/json", payload)
	require.NoError(t, err)

	var body map[string]string
	decodeJSON(t, resp, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["token"])
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.http.URL+"/auth/login?username=alice&password=wrong", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogoutRevokesToken(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	resp, err := http.Post(env.http.URL+"/auth/logout?token="+token, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, ok := env.tokens.Verify(token)
	assert.False(t, ok)

	// The revoked token now fails authorized routes like any unknown token.
	statusResp, err := http.Get(env.http.URL + "/orders/whatever?token=" + token)
	require.NoError(t, err)
	statusResp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, statusResp.StatusCode)
}

func TestExchangesList(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/exchanges")
	require.NoError(t, err)

	var exchanges []string
	decodeJSON(t, resp, &exchanges)
	assert.Equal(t, []string{"binance", "kraken"}, exchanges)
}

func TestPairs(t *testing.T) {
	env := newTestEnv(t)
	env.binance.pairs = []string{"BTCUSDT", "ETHUSDT"}

	resp, err := http.Get(env.http.URL + "/pairs/binance")
	require.NoError(t, err)

	var pairs []string
	decodeJSON(t, resp, &pairs)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, pairs)
}

func TestPairsUnsupportedExchange(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/pairs/coinbase")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestKlines(t *testing.T) {
	env := newTestEnv(t)
	env.kraken.klines = []connector.Kline{
		{Timestamp: 1, Open: 100, High: 110, Low: 95, Close: 105, Volume: 12},
	}

	resp, err := http.Get(env.http.URL + "/klines/kraken/BTCUSDT?interval=1h&limit=10")
	require.NoError(t, err)

	var klines []connector.Kline
	decodeJSON(t, resp, &klines)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, klines, 1)
	assert.Equal(t, 105.0, klines[0].Close)
}

func TestKlinesInvalidInterval(t *testing.T) {
	env := newTestEnv(t)
	env.kraken.klinesErr = kraken.ErrInvalidInterval

	resp, err := http.Get(env.http.URL + "/klines/kraken/BTCUSDT?interval=7m")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestKlinesInvalidLimit(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/klines/binance/BTCUSDT?limit=-1")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitTwapRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.http.URL+"/orders/twap?exchange=binance&symbol=BTCUSDT&side=buy&quantity=1&slices=1&duration_seconds=1", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, env.subs.addedCalls())
}

func TestSubmitTwapWithQueryParams(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)
	env.binance.StoreBook(&connector.OrderBook{
		ExchangeID: connector.Binance,
		Symbol:     "BTCUSDT",
		Asks:       []connector.PriceLevel{{Price: 100, Quantity: 10}},
	})

	resp, err := http.Post(env.http.URL+"/orders/twap?token="+token+
		"&exchange=binance&symbol=BTCUSDT&side=buy&quantity=1&slices=1&duration_seconds=0.01", "application/json", nil)
	require.NoError(t, err)

	var body map[string]string
	decodeJSON(t, resp, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "accepted", body["status"])
	require.NotEmpty(t, body["order_id"])

	order, ok := env.orders.Get(body["order_id"])
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", order.Symbol)
}

func TestSubmitTwapJSONBodyAndAlias(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	payload := bytes.NewBufferString(`{
		"exchange": "kraken",
		"symbol": "ethusdt",
		"side": "sell",
		"quantity": 2.5,
		"slices": 4,
		"duration_seconds": 60,
		"limit_price": 150.0
	}`)
	req, err := http.NewRequest(http.MethodPost, env.http.URL+"/twap", payload)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	var body map[string]string
	decodeJSON(t, resp, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	order, ok := env.orders.Get(body["order_id"])
	require.True(t, ok)
	assert.Equal(t, connector.Kraken, order.Exchange)
	assert.Equal(t, "ETHUSDT", order.Symbol)
	assert.Equal(t, twap.Sell, order.Side)
	require.NotNil(t, order.LimitPrice)
	assert.Equal(t, 150.0, *order.LimitPrice)
}

func TestSubmitTwapValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	cases := map[string]string{
		"unsupported exchange": "exchange=coinbase&symbol=BTCUSDT&side=buy&quantity=1&slices=1&duration_seconds=1",
		"bad side":             "exchange=binance&symbol=BTCUSDT&side=hold&quantity=1&slices=1&duration_seconds=1",
		"zero quantity":        "exchange=binance&symbol=BTCUSDT&side=buy&quantity=0&slices=1&duration_seconds=1",
		"zero slices":          "exchange=binance&symbol=BTCUSDT&side=buy&quantity=1&slices=0&duration_seconds=1",
		"zero duration":        "exchange=binance&symbol=BTCUSDT&side=buy&quantity=1&slices=1&duration_seconds=0",
	}

	for name, query := range cases {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(env.http.URL+"/orders/twap?token="+token+"&"+query, "application/json", nil)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestOrderStatus(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)
	env.binance.StoreBook(&connector.OrderBook{
		ExchangeID: connector.Binance,
		Symbol:     "BTCUSDT",
		Asks:       []connector.PriceLevel{{Price: 200, Quantity: 10}},
	})

	resp, err := http.Post(env.http.URL+"/orders/twap?token="+token+
		"&exchange=binance&symbol=BTCUSDT&side=buy&quantity=1&slices=1&duration_seconds=0.01", "application/json", nil)
	require.NoError(t, err)

	var submitted map[string]string
	decodeJSON(t, resp, &submitted)
	orderID := submitted["order_id"]
	require.NotEmpty(t, orderID)

	// Single slice against a live book; give the engine a moment.
	deadline := time.Now().Add(2 * time.Second)
	var report twap.Report
	for time.Now().Before(deadline) {
		statusResp, err := http.Get(env.http.URL + "/orders/" + orderID + "?token=" + token)
		require.NoError(t, err)
		decodeJSON(t, statusResp, &report)
		if report.Status == twap.StatusCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, twap.StatusCompleted, report.Status)
	require.Len(t, report.Executions, 1)
	assert.Equal(t, 200.0, report.Executions[0].Price)
	require.NotNil(t, report.AveragePrice)
	assert.Equal(t, 200.0, *report.AveragePrice)
}

func TestOrderStatusRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/orders/some-id")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOrderStatusNotFound(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	resp, err := http.Get(env.http.URL + "/orders/missing?token=" + token)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCanonicalSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", canonicalSymbol("btcusdt"))
	assert.Equal(t, "BTCUSDT", canonicalSymbol("BTC/USDT"))
	assert.Equal(t, "BTCUSDT", canonicalSymbol("btc-usdt"))
	assert.Equal(t, "BTCUSDT", canonicalSymbol("BTC_USDT"))
}
