package subscription

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"md-gateway/internal/connector"
)

// fakeConnector records subscribe/unsubscribe calls
type fakeConnector struct {
	*connector.BaseConnector

	mu           sync.Mutex
	subscribes   []string
	unsubscribes []string
}

func newFakeConnector(id connector.ExchangeID) *fakeConnector {
	return &fakeConnector{BaseConnector: connector.NewBaseConnector(id)}
}

func (f *fakeConnector) Connect(ctx context.Context) error { return nil }
func (f *fakeConnector) Close() error                      { return nil }

func (f *fakeConnector) Subscribe(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, symbol)
	return nil
}

func (f *fakeConnector) Unsubscribe(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, symbol)
	return nil
}

func (f *fakeConnector) TradingPairs(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (f *fakeConnector) Klines(ctx context.Context, symbol, interval string, limit int) ([]connector.Kline, error) {
	return nil, nil
}

func (f *fakeConnector) subscribeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribes...)
}

func (f *fakeConnector) unsubscribeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribes...)
}

func TestAddSubscriptionSubscribesUpstreamOnce(t *testing.T) {
	binance := newFakeConnector(connector.Binance)
	kraken := newFakeConnector(connector.Kraken)
	reg := NewRegistry([]connector.Connector{binance, kraken})

	// Two consumers of the same symbol: one upstream subscribe per exchange.
	reg.AddSubscription("BTCUSDT")
	reg.AddSubscription("BTCUSDT")

	assert.Equal(t, []string{"BTCUSDT"}, binance.subscribeCalls())
	assert.Equal(t, []string{"BTCUSDT"}, kraken.subscribeCalls())
	assert.Equal(t, 2, reg.Count("BTCUSDT"))
}

func TestRemoveSubscriptionUnsubscribesOnLastConsumer(t *testing.T) {
	binance := newFakeConnector(connector.Binance)
	reg := NewRegistry([]connector.Connector{binance})

	reg.AddSubscription("ETHUSDT")
	reg.AddSubscription("ETHUSDT")

	reg.RemoveSubscription("ETHUSDT")
	assert.Empty(t, binance.unsubscribeCalls())
	assert.Equal(t, 1, reg.Count("ETHUSDT"))

	reg.RemoveSubscription("ETHUSDT")
	assert.Equal(t, []string{"ETHUSDT"}, binance.unsubscribeCalls())
	assert.Equal(t, 0, reg.Count("ETHUSDT"))
}

func TestRemoveUntrackedSymbolIsNoop(t *testing.T) {
	binance := newFakeConnector(connector.Binance)
	reg := NewRegistry([]connector.Connector{binance})

	reg.RemoveSubscription("DOGEUSDT")

	assert.Empty(t, binance.unsubscribeCalls())
	assert.Equal(t, 0, reg.Count("DOGEUSDT"))
}

func TestResubscribeAfterFullRelease(t *testing.T) {
	binance := newFakeConnector(connector.Binance)
	reg := NewRegistry([]connector.Connector{binance})

	reg.AddSubscription("BTCUSDT")
	reg.RemoveSubscription("BTCUSDT")
	reg.AddSubscription("BTCUSDT")

	assert.Equal(t, []string{"BTCUSDT", "BTCUSDT"}, binance.subscribeCalls())
	assert.Equal(t, []string{"BTCUSDT"}, binance.unsubscribeCalls())
}

func TestConcurrentAddsSubscribeUpstreamOnce(t *testing.T) {
	binance := newFakeConnector(connector.Binance)
	reg := NewRegistry([]connector.Connector{binance})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.AddSubscription("BTCUSDT")
		}()
	}
	wg.Wait()

	require.Len(t, binance.subscribeCalls(), 1)
	assert.Equal(t, 50, reg.Count("BTCUSDT"))
}

func TestActiveSymbols(t *testing.T) {
	reg := NewRegistry(nil)

	reg.AddSubscription("BTCUSDT")
	reg.AddSubscription("ETHUSDT")

	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, reg.ActiveSymbols())
}
