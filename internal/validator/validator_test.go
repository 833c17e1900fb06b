package validator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priceoracle/gateway/internal/quote"
)

func freshUpdate(symbol, source string, price float64) quote.Update {
	return quote.Update{
		Symbol:      symbol,
		Source:      source,
		Price:       price,
		Confidence:  0.9,
		TimestampMS: time.Now().UnixMilli(),
	}
}

func TestValidateAcceptsHealthyUpdate(t *testing.T) {
	v := New(DefaultOptions(), nil)
	r := v.Validate(context.Background(), freshUpdate("BTC/USD", "binance", 50000), 0)
	require.Empty(t, r.Errors)
	assert.True(t, r.IsValid)
	assert.Equal(t, 0.9, r.Adjusted.Confidence)
}

func TestValidateRejectsNonPositivePrice(t *testing.T) {
	v := New(DefaultOptions(), nil)
	u := freshUpdate("BTC/USD", "binance", -1)
	r := v.Validate(context.Background(), u, 0)
	assert.False(t, r.IsValid)
	assert.Less(t, r.Adjusted.Confidence, u.Confidence)
}

func TestValidateFlagsStaleUpdate(t *testing.T) {
	v := New(DefaultOptions(), nil)
	u := freshUpdate("BTC/USD", "binance", 50000)
	u.TimestampMS = time.Now().Add(-3 * time.Second).UnixMilli()
	r := v.Validate(context.Background(), u, 0)
	assert.False(t, r.IsValid)
}

func TestValidateFlagsStatisticalOutlierAfterHistory(t *testing.T) {
	v := New(DefaultOptions(), nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		v.Validate(ctx, freshUpdate("BTC/USD", "binance", 50000), 0)
	}
	r := v.Validate(ctx, freshUpdate("BTC/USD", "binance", 75000), 0)
	assert.NotEmpty(t, r.Errors)
}

func TestValidateFlagsCrossSourceDeviation(t *testing.T) {
	v := New(DefaultOptions(), nil)
	ctx := context.Background()
	v.Validate(ctx, freshUpdate("BTC/USD", "kraken", 40000), 0)
	v.Validate(ctx, freshUpdate("BTC/USD", "coinbase", 40010), 0)

	r := v.Validate(ctx, freshUpdate("BTC/USD", "binance", 50000), 0)
	found := false
	for _, e := range r.Errors {
		if e.Tier == TierCrossSource {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateBatchSharesCrossSourceContext(t *testing.T) {
	v := New(DefaultOptions(), nil)
	updates := []quote.Update{
		freshUpdate("BTC/USD", "binance", 50000),
		freshUpdate("BTC/USD", "coinbase", 50010),
		freshUpdate("BTC/USD", "kraken", 40000),
	}
	results := v.ValidateBatch(context.Background(), updates, nil)
	assert.Len(t, results, 3)
}

func TestSeverityPenaltyFactorsAreMonotone(t *testing.T) {
	assert.Greater(t, SeverityLow.penaltyFactor(), SeverityMedium.penaltyFactor())
	assert.Greater(t, SeverityMedium.penaltyFactor(), SeverityHigh.penaltyFactor())
	assert.Greater(t, SeverityHigh.penaltyFactor(), SeverityCritical.penaltyFactor())
}
