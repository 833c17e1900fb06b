package failover

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priceoracle/gateway/internal/event"
	"github.com/priceoracle/gateway/internal/feed"
)

type fakeSubscriber struct {
	subscribed   []string
	unsubscribed []string
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, symbols []string) error {
	f.subscribed = append(f.subscribed, symbols...)
	return nil
}

func (f *fakeSubscriber) Unsubscribe(ctx context.Context, symbols []string) error {
	f.unsubscribed = append(f.unsubscribed, symbols...)
	return nil
}

func testFeed() feed.Config {
	return feed.Config{
		Feed: feed.ID{Category: feed.Crypto, Name: "BTC/USD"},
		Sources: []feed.Source{
			{Exchange: "binance", Symbol: "BTCUSDT"},
			{Exchange: "kraken", Symbol: "XBTUSD"},
			{Exchange: "coinbase", Symbol: "BTC-USD"},
		},
		PrimaryN: 2,
	}
}

func newTestController() (*Controller, *event.Bus, *fakeSubscriber) {
	bus := event.NewBus()
	opts := DefaultOptions()
	opts.FailureThreshold = 2
	opts.RecoveryThreshold = 2
	c := New(opts, bus, zerolog.Nop())
	c.AddFeed(testFeed())
	backup := &fakeSubscriber{}
	c.RegisterSubscriber("coinbase", backup)
	c.RegisterSubscriber("binance", &fakeSubscriber{})
	c.RegisterSubscriber("kraken", &fakeSubscriber{})
	return c, bus, backup
}

func TestFailoverPromotesBackupWhenAllPrimariesUnhealthy(t *testing.T) {
	c, bus, backup := newTestController()

	var events []event.Event
	bus.Subscribe(func(ev event.Event) { events = append(events, ev) })

	bus.Publish(event.ConnectionChange{Source: "binance", Connected: false})
	bus.Publish(event.ConnectionChange{Source: "binance", Connected: false})
	bus.Publish(event.ConnectionChange{Source: "kraken", Connected: false})
	bus.Publish(event.ConnectionChange{Source: "kraken", Connected: false})

	feedID := feed.ID{Category: feed.Crypto, Name: "BTC/USD"}
	active := c.ActiveSources(feedID)
	assert.Contains(t, active, "coinbase")
	assert.NotContains(t, active, "binance")
	assert.NotContains(t, active, "kraken")
	assert.Contains(t, backup.subscribed, "BTC/USD")

	foundCompleted := false
	for _, ev := range events {
		if _, ok := ev.(event.FailoverCompleted); ok {
			foundCompleted = true
		}
	}
	assert.True(t, foundCompleted)
}

func TestFailoverKeepsHealthyPrimaryActiveWithoutPromotingBackup(t *testing.T) {
	c, bus, backup := newTestController()

	bus.Publish(event.ConnectionChange{Source: "binance", Connected: false})
	bus.Publish(event.ConnectionChange{Source: "binance", Connected: false})

	feedID := feed.ID{Category: feed.Crypto, Name: "BTC/USD"}
	active := c.ActiveSources(feedID)
	assert.Contains(t, active, "kraken")
	assert.NotContains(t, active, "binance")
	assert.Empty(t, backup.subscribed)
}

func TestFailoverFailedEmittedWhenNoHealthyAlternative(t *testing.T) {
	feedID := feed.ID{Category: feed.Crypto, Name: "BTC/USD"}
	bus := event.NewBus()
	opts := DefaultOptions()
	opts.FailureThreshold = 1
	c := New(opts, bus, zerolog.Nop())
	c.AddFeed(feed.Config{
		Feed: feedID,
		Sources: []feed.Source{
			{Exchange: "binance", Symbol: "BTCUSDT"},
			{Exchange: "kraken", Symbol: "XBTUSD"},
		},
		PrimaryN: 2,
	})

	var events []event.Event
	bus.Subscribe(func(ev event.Event) { events = append(events, ev) })

	bus.Publish(event.ConnectionChange{Source: "binance", Connected: false})
	bus.Publish(event.ConnectionChange{Source: "kraken", Connected: false})

	found := false
	for _, ev := range events {
		if ff, ok := ev.(event.FailoverFailed); ok && ff.Feed == feedID.String() {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRecoveryDeactivatesRedundantBackup(t *testing.T) {
	c, bus, backup := newTestController()
	feedID := feed.ID{Category: feed.Crypto, Name: "BTC/USD"}

	bus.Publish(event.ConnectionChange{Source: "binance", Connected: false})
	bus.Publish(event.ConnectionChange{Source: "binance", Connected: false})
	bus.Publish(event.ConnectionChange{Source: "kraken", Connected: false})
	bus.Publish(event.ConnectionChange{Source: "kraken", Connected: false})
	require.Contains(t, c.ActiveSources(feedID), "coinbase")

	bus.Publish(event.ConnectionChange{Source: "binance", Connected: true})
	bus.Publish(event.ConnectionChange{Source: "binance", Connected: true})
	bus.Publish(event.ConnectionChange{Source: "kraken", Connected: true})
	bus.Publish(event.ConnectionChange{Source: "kraken", Connected: true})

	active := c.ActiveSources(feedID)
	assert.Contains(t, active, "binance")
	assert.Contains(t, active, "kraken")
	assert.NotContains(t, active, "coinbase")
	assert.Contains(t, backup.unsubscribed, "BTC/USD")
}

func TestHealthMonitorMarksSourceUnhealthyOnDisconnect(t *testing.T) {
	c, _, _ := newTestController()

	probe := &stubProbe{connected: map[string]bool{"binance": false, "kraken": true, "coinbase": true}, latency: 50}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c.opts.HealthCheckInterval = 5 * time.Millisecond
	c.RunHealthMonitor(ctx, probe)

	h, ok := c.SourceHealthSnapshot("binance")
	require.True(t, ok)
	assert.False(t, h.IsHealthy)
}

type stubProbe struct {
	connected map[string]bool
	latency   float64
}

func (s *stubProbe) IsConnected(sourceID string) bool { return s.connected[sourceID] }
func (s *stubProbe) LatencyMS(sourceID string) float64 { return s.latency }
