package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priceoracle/gateway/internal/feed"
)

type fakeAdapter struct {
	mu            sync.Mutex
	exchange      string
	connected     bool
	connectCalls  int
	subscribeArgs [][]string
	failConnect   bool
}

func (f *fakeAdapter) ExchangeID() string { return f.exchange }

func (f *fakeAdapter) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.failConnect {
		return assertErr("connect failed")
	}
	f.connected = true
	return nil
}

func (f *fakeAdapter) Subscribe(ctx context.Context, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeArgs = append(f.subscribeArgs, symbols)
	return nil
}

func (f *fakeAdapter) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func testFeeds() []feed.Config {
	return []feed.Config{
		{
			Feed: feed.ID{Category: feed.Crypto, Name: "BTC/USD"},
			Sources: []feed.Source{
				{Exchange: "binance", Symbol: "BTCUSDT"},
				{Exchange: "kraken", Symbol: "XBTUSD"},
			},
			PrimaryN: 1,
		},
	}
}

func TestInitializeConnectsAndSubscribesAllExchanges(t *testing.T) {
	o := New(zerolog.Nop(), 10*time.Millisecond)
	binance := &fakeAdapter{exchange: "binance"}
	kraken := &fakeAdapter{exchange: "kraken"}
	o.RegisterAdapter("binance", binance)
	o.RegisterAdapter("kraken", kraken)

	o.Initialize(context.Background(), testFeeds())

	assert.Equal(t, 1, binance.connectCalls)
	assert.Equal(t, 1, kraken.connectCalls)
	assert.Len(t, binance.subscribeArgs, 1)
	assert.Contains(t, binance.subscribeArgs[0], "BTC/USD")
}

func TestInitializeIsIdempotent(t *testing.T) {
	o := New(zerolog.Nop(), 10*time.Millisecond)
	binance := &fakeAdapter{exchange: "binance"}
	o.RegisterAdapter("binance", binance)

	o.Initialize(context.Background(), testFeeds())
	o.Initialize(context.Background(), testFeeds())

	assert.Equal(t, 1, binance.connectCalls)
}

func TestReconnectExchangeSkipsWhenAlreadyConnected(t *testing.T) {
	o := New(zerolog.Nop(), 10*time.Millisecond)
	binance := &fakeAdapter{exchange: "binance", connected: true}
	o.RegisterAdapter("binance", binance)

	ok := o.ReconnectExchange(context.Background(), "binance")
	assert.False(t, ok)
	assert.Equal(t, 0, binance.connectCalls)
}

func TestReconnectExchangeSkipsDuringCooldown(t *testing.T) {
	o := New(zerolog.Nop(), time.Minute)
	binance := &fakeAdapter{exchange: "binance"}
	o.RegisterAdapter("binance", binance)

	ok := o.ReconnectExchange(context.Background(), "binance")
	require.True(t, ok)
	binance.connected = false

	ok = o.ReconnectExchange(context.Background(), "binance")
	assert.False(t, ok)
	assert.Equal(t, 1, binance.connectCalls)
}

func TestSubscribeToFeedIsAdditiveAndSkipsAlreadySubscribed(t *testing.T) {
	o := New(zerolog.Nop(), 10*time.Millisecond)
	binance := &fakeAdapter{exchange: "binance"}
	o.RegisterAdapter("binance", binance)

	cfg := feed.Config{
		Feed:     feed.ID{Category: feed.Crypto, Name: "ETH/USD"},
		Sources:  []feed.Source{{Exchange: "binance", Symbol: "ETHUSDT"}},
		PrimaryN: 1,
	}
	o.SubscribeToFeed(context.Background(), cfg)
	o.SubscribeToFeed(context.Background(), cfg)

	assert.Len(t, binance.subscribeArgs, 1)
}

func TestGetConnectionStatusReflectsAdapterState(t *testing.T) {
	o := New(zerolog.Nop(), 10*time.Millisecond)
	binance := &fakeAdapter{exchange: "binance", connected: true}
	o.RegisterAdapter("binance", binance)
	o.Initialize(context.Background(), testFeeds())

	status := o.GetConnectionStatus()
	assert.True(t, status["binance"].Connected)
}
