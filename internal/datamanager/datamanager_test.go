package datamanager

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priceoracle/gateway/internal/aggregator"
	"github.com/priceoracle/gateway/internal/config"
	"github.com/priceoracle/gateway/internal/event"
	loginternal "github.com/priceoracle/gateway/internal/log"
	"github.com/priceoracle/gateway/internal/quote"
	"github.com/priceoracle/gateway/internal/validator"
)

type fakeSource struct {
	id         string
	connected  bool
	connectErr error
	healthErr  error
	restResult []quote.Update
	restErr    error
}

func (f *fakeSource) ExchangeID() string { return f.id }
func (f *fakeSource) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}
func (f *fakeSource) HealthCheck(ctx context.Context) error { return f.healthErr }
func (f *fakeSource) FetchTickerREST(ctx context.Context, symbols []string) ([]quote.Update, error) {
	return f.restResult, f.restErr
}
func (f *fakeSource) IsConnected() bool { return f.connected }

func writeCatalog(t *testing.T) *config.Catalog {
	t.Helper()
	path := t.TempDir() + "/catalog.yaml"
	content := `
feeds:
  - category: 1
    name: BTC/USD
    primary_n: 1
    sources:
      - {exchange: binance, symbol: BTC/USD}
      - {exchange: kraken, symbol: BTC/USD}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	c, err := config.LoadCatalog(path)
	require.NoError(t, err)
	return c
}

func TestAddDataSourceMarksInitializedWhenHealthy(t *testing.T) {
	catalog := writeCatalog(t)
	bus := event.NewBus()
	rl := loginternal.NewRateLimitedLogger(zerolog.Nop(), 100)
	dm := New(aggregator.New(aggregator.DefaultOptions(), nil), validator.New(validator.DefaultOptions(), nil), catalog, bus, rl)

	src := &fakeSource{id: "binance"}
	err := dm.AddDataSource(context.Background(), src)
	require.NoError(t, err)
}

func TestAddDataSourceFailsWhenConnectFails(t *testing.T) {
	catalog := writeCatalog(t)
	bus := event.NewBus()
	rl := loginternal.NewRateLimitedLogger(zerolog.Nop(), 100)
	dm := New(aggregator.New(aggregator.DefaultOptions(), nil), validator.New(validator.DefaultOptions(), nil), catalog, bus, rl)

	src := &fakeSource{id: "binance", connectErr: assertErr("dial refused")}
	err := dm.AddDataSource(context.Background(), src)
	assert.Error(t, err)
}

func TestGetCurrentPriceAggregatesLiveIngestedUpdates(t *testing.T) {
	catalog := writeCatalog(t)
	bus := event.NewBus()
	rl := loginternal.NewRateLimitedLogger(zerolog.Nop(), 100)
	dm := New(aggregator.New(aggregator.DefaultOptions(), nil), validator.New(validator.DefaultOptions(), nil), catalog, bus, rl)

	bus.Publish(event.PriceUpdate{Source: "binance", Symbol: "BTC/USD", Price: 50000, Confidence: 0.9, TimestampMS: time.Now().UnixMilli()})
	bus.Publish(event.PriceUpdate{Source: "kraken", Symbol: "BTC/USD", Price: 50010, Confidence: 0.9, TimestampMS: time.Now().UnixMilli()})

	id := catalog.Feeds()[0].Feed
	result, err := dm.GetCurrentPrice(context.Background(), id)
	require.NoError(t, err)
	assert.InDelta(t, 50005, result.Price, 50)
}

func TestGetCurrentPriceExcludesLowConfidenceSource(t *testing.T) {
	catalog := writeCatalog(t)
	bus := event.NewBus()
	rl := loginternal.NewRateLimitedLogger(zerolog.Nop(), 100)
	dm := New(aggregator.New(aggregator.DefaultOptions(), nil), validator.New(validator.DefaultOptions(), nil), catalog, bus, rl)

	bus.Publish(event.PriceUpdate{Source: "binance", Symbol: "BTC/USD", Price: 50000, Confidence: 0.9, TimestampMS: time.Now().UnixMilli()})
	bus.Publish(event.PriceUpdate{Source: "kraken", Symbol: "BTC/USD", Price: 99999, Confidence: 0.1, TimestampMS: time.Now().UnixMilli()})

	id := catalog.Feeds()[0].Feed
	_, err := dm.GetCurrentPrice(context.Background(), id)
	assert.Error(t, err) // only one valid source remains, below minSources
}

func TestGetConnectionHealthComputesScore(t *testing.T) {
	catalog := writeCatalog(t)
	bus := event.NewBus()
	rl := loginternal.NewRateLimitedLogger(zerolog.Nop(), 100)
	dm := New(aggregator.New(aggregator.DefaultOptions(), nil), validator.New(validator.DefaultOptions(), nil), catalog, bus, rl)

	_ = dm.AddDataSource(context.Background(), &fakeSource{id: "binance"})
	_ = dm.AddDataSource(context.Background(), &fakeSource{id: "kraken", connectErr: assertErr("down")})

	h := dm.GetConnectionHealth()
	assert.Equal(t, 2, h.TotalSources)
	assert.Equal(t, 1, h.ConnectedSources)
	assert.Equal(t, float64(50), h.HealthScore)
}

func TestGetDataFreshnessReturnsMaxIntForUnknownFeed(t *testing.T) {
	catalog := writeCatalog(t)
	bus := event.NewBus()
	rl := loginternal.NewRateLimitedLogger(zerolog.Nop(), 100)
	dm := New(aggregator.New(aggregator.DefaultOptions(), nil), validator.New(validator.DefaultOptions(), nil), catalog, bus, rl)

	id := catalog.Feeds()[0].Feed
	freshness := dm.GetDataFreshness(id)
	assert.Greater(t, freshness, int64(1<<40))
}

type testErr string

func (e testErr) Error() string { return string(e) }

func assertErr(msg string) error { return testErr(msg) }
