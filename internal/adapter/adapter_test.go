package adapter

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priceoracle/gateway/internal/event"
)

type fakeConn struct{ closed bool }

func (c *fakeConn) Close() error { c.closed = true; return nil }

type fakeProtocol struct {
	mu          sync.Mutex
	dialCalls   int
	failDial    bool
	subscribeCalls [][]string
	symbols     map[string]string
}

func newFakeProtocol() *fakeProtocol {
	return &fakeProtocol{symbols: map[string]string{"BTC/USD": "btcusd"}}
}

func (p *fakeProtocol) ExchangeID() string { return "fake" }

func (p *fakeProtocol) DialWS(ctx context.Context, symbols []string, emit func(Tick)) (io.Closer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialCalls++
	if p.failDial {
		return nil, fmt.Errorf("dial refused")
	}
	return &fakeConn{}, nil
}

func (p *fakeProtocol) EncodeSubscribe(conn io.Closer, symbols []string, subscribe bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribeCalls = append(p.subscribeCalls, append([]string{}, symbols...))
	return nil
}

func (p *fakeProtocol) FetchTickerREST(ctx context.Context, symbols []string) ([]Tick, error) {
	ticks := make([]Tick, 0, len(symbols))
	for _, s := range symbols {
		ticks = append(ticks, Tick{Symbol: s, Price: 100, Volume: 1, TimestampMS: time.Now().UnixMilli()})
	}
	return ticks, nil
}

func (p *fakeProtocol) NativeSymbol(canonical string) (string, error) {
	n, ok := p.symbols[canonical]
	if !ok {
		return "", fmt.Errorf("unknown symbol %q", canonical)
	}
	return n, nil
}

func (p *fakeProtocol) PingInterval() time.Duration { return 0 }

func newTestRuntime(proto Protocol) *Runtime {
	return NewRuntime(proto, event.NewBus(), Config{}, zerolog.Nop())
}

func TestConnectIsIdempotent(t *testing.T) {
	proto := newFakeProtocol()
	rt := newTestRuntime(proto)

	require.NoError(t, rt.Connect(context.Background()))
	require.NoError(t, rt.Connect(context.Background()))

	assert.Equal(t, 1, proto.dialCalls)
	assert.True(t, rt.IsConnected())
}

func TestConnectFailureSetsDisconnectedAndEmitsEvent(t *testing.T) {
	proto := newFakeProtocol()
	proto.failDial = true
	bus := event.NewBus()
	var gotFalse bool
	bus.Subscribe(func(ev event.Event) {
		if cc, ok := ev.(event.ConnectionChange); ok && !cc.Connected {
			gotFalse = true
		}
	})
	rt := NewRuntime(proto, bus, Config{ConnectTimeout: time.Second}, zerolog.Nop())

	err := rt.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, rt.IsConnected())
	assert.Equal(t, Disconnected, rt.State())
	assert.True(t, gotFalse)
}

func TestSubscribeFiltersInvalidSymbolsAndFailsOnlyWhenAllInvalid(t *testing.T) {
	proto := newFakeProtocol()
	rt := newTestRuntime(proto)
	require.NoError(t, rt.Connect(context.Background()))

	err := rt.Subscribe(context.Background(), []string{"BTC/USD", "ETH/USD"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"BTC/USD"}, rt.SubscribedSymbols())

	err = rt.Subscribe(context.Background(), []string{"ETH/USD"})
	assert.Error(t, err)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	proto := newFakeProtocol()
	rt := newTestRuntime(proto)
	require.NoError(t, rt.Connect(context.Background()))

	require.NoError(t, rt.Subscribe(context.Background(), []string{"BTC/USD"}))
	require.NoError(t, rt.Subscribe(context.Background(), []string{"BTC/USD"}))

	assert.Len(t, rt.SubscribedSymbols(), 1)
	assert.Len(t, proto.subscribeCalls, 1, "second subscribe for an already-subscribed symbol should not re-encode")
}

func TestUnsubscribeIsNoOpWhenNotSubscribed(t *testing.T) {
	proto := newFakeProtocol()
	rt := newTestRuntime(proto)
	require.NoError(t, rt.Connect(context.Background()))

	err := rt.Unsubscribe(context.Background(), []string{"BTC/USD"})
	assert.NoError(t, err)
}

func TestConfidenceIsMonotoneAndClamped(t *testing.T) {
	healthy := confidence(50, 20, 0.001)
	degraded := confidence(2000, 0, 0.5)
	assert.Greater(t, healthy, degraded)
	assert.GreaterOrEqual(t, healthy, 0.0)
	assert.LessOrEqual(t, healthy, 1.0)
	assert.GreaterOrEqual(t, degraded, 0.0)
	assert.LessOrEqual(t, degraded, 1.0)
}

func TestDisconnectReleasesConnectionAndIsIdempotent(t *testing.T) {
	proto := newFakeProtocol()
	rt := newTestRuntime(proto)
	require.NoError(t, rt.Connect(context.Background()))

	require.NoError(t, rt.Disconnect(context.Background()))
	assert.False(t, rt.IsConnected())
	assert.Equal(t, Closed, rt.State())

	require.NoError(t, rt.Disconnect(context.Background()))
}
