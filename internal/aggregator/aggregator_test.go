package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priceoracle/gateway/internal/cache"
	"github.com/priceoracle/gateway/internal/quote"
)

func update(source string, price, confidence float64, ageMS int64) quote.Update {
	return quote.Update{
		Symbol:      "BTC/USD",
		Source:      source,
		Price:       price,
		Confidence:  confidence,
		TimestampMS: time.Now().Add(-time.Duration(ageMS) * time.Millisecond).UnixMilli(),
	}
}

func TestAggregateRejectsEmptyInput(t *testing.T) {
	a := New(DefaultOptions(), nil)
	_, err := a.Aggregate(context.Background(), "crypto:BTC/USD", nil)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestAggregateRejectsBelowMinSources(t *testing.T) {
	a := New(DefaultOptions(), nil)
	_, err := a.Aggregate(context.Background(), "crypto:BTC/USD", []quote.Update{
		update("binance", 50000, 0.9, 10),
	})
	assert.ErrorIs(t, err, ErrInsufficientSources)
}

func TestAggregateDropsStaleAndInvalidUpdates(t *testing.T) {
	a := New(DefaultOptions(), nil)
	updates := []quote.Update{
		update("binance", 50000, 0.9, 10),
		update("kraken", 50010, 0.9, 10),
		update("coinbase", -5, 0.9, 10),     // invalid price
		update("okx", 50005, 0.9, 10000), // stale
	}
	result, err := a.Aggregate(context.Background(), "crypto:BTC/USD", updates)
	require.NoError(t, err)
	assert.Len(t, result.Sources, 2)
}

func TestAggregateWeightedMedianFavorsHigherWeightSource(t *testing.T) {
	opts := DefaultOptions()
	opts.Profiles = map[string]SourceProfile{
		"binance": {BaseWeight: 0.9, TierMultiplier: 1, ReliabilityScore: 1},
		"kraken":  {BaseWeight: 0.05, TierMultiplier: 1, ReliabilityScore: 0.5},
	}
	a := New(opts, nil)
	result, err := a.Aggregate(context.Background(), "crypto:BTC/USD", []quote.Update{
		update("binance", 50000, 0.95, 10),
		update("kraken", 51000, 0.95, 10),
	})
	require.NoError(t, err)
	assert.InDelta(t, 50000, result.Price, 1)
}

func TestAggregateTrimsIQROutlierAmongFivePlusPoints(t *testing.T) {
	a := New(DefaultOptions(), nil)
	updates := []quote.Update{
		update("a", 50000, 0.9, 10),
		update("b", 50010, 0.9, 10),
		update("c", 49990, 0.9, 10),
		update("d", 50005, 0.9, 10),
		update("e", 90000, 0.9, 10), // gross outlier
	}
	result, err := a.Aggregate(context.Background(), "crypto:BTC/USD", updates)
	require.NoError(t, err)
	assert.InDelta(t, 50000, result.Price, 50)
}

func TestAggregateConsensusScoreDropsWithDivergence(t *testing.T) {
	a := New(DefaultOptions(), nil)
	tight, err := a.Aggregate(context.Background(), "crypto:BTC/USD", []quote.Update{
		update("a", 50000, 0.9, 10),
		update("b", 50005, 0.9, 10),
	})
	require.NoError(t, err)

	loose, err := a.Aggregate(context.Background(), "crypto:ETH/USD", []quote.Update{
		update("a", 50000, 0.9, 10),
		update("b", 53000, 0.9, 10),
	})
	require.NoError(t, err)

	assert.Greater(t, tight.ConsensusScore, loose.ConsensusScore)
}

func TestAggregateResultCacheHitRequiresMatchingInputHash(t *testing.T) {
	c := cache.NewTTLCache(0)
	a := New(DefaultOptions(), c)
	ctx := context.Background()

	updates := []quote.Update{
		update("binance", 50000, 0.9, 10),
		update("kraken", 50010, 0.9, 10),
	}
	first, err := a.Aggregate(ctx, "crypto:BTC/USD", updates)
	require.NoError(t, err)

	second, err := a.Aggregate(ctx, "crypto:BTC/USD", updates)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	changed := []quote.Update{
		update("binance", 60000, 0.9, 10),
		update("kraken", 60010, 0.9, 10),
	}
	third, err := a.Aggregate(ctx, "crypto:BTC/USD", changed)
	require.NoError(t, err)
	assert.NotEqual(t, first.Price, third.Price)
}

func TestAggregationIsOrderInvariant(t *testing.T) {
	a := New(DefaultOptions(), nil)
	updates := []quote.Update{
		update("a", 50000, 0.9, 10),
		update("b", 50010, 0.8, 20),
		update("c", 49990, 0.85, 15),
	}
	reversed := []quote.Update{updates[2], updates[0], updates[1]}

	r1, err := a.Aggregate(context.Background(), "crypto:BTC/USD", updates)
	require.NoError(t, err)
	r2, err := a.Aggregate(context.Background(), "crypto:ETH/USD", reversed)
	require.NoError(t, err)

	assert.Equal(t, r1.Price, r2.Price)
}
