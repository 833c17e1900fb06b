// Package quote defines the shared price types that flow between the
// adapter runtime, the validator, and the consensus aggregator.
package quote

import (
	"math"
	"time"
)

// Update is one normalized price observation from one source, as
// produced by an ExchangeAdapter (spec.md §3 PriceUpdate).
type Update struct {
	Symbol       string  // FeedId.Name, e.g. "BTC/USD"
	Source       string  // exchange-id
	Price        float64 // > 0
	TimestampMS  int64   // producer timestamp, epoch milliseconds
	Volume       float64 // optional, 0 if unknown
	Confidence   float64 // [0,1]

	// ArrivalMS is stamped by DataManager on receipt (spec.md §4.3); it is
	// not set by adapters themselves.
	ArrivalMS int64
}

// Valid reports whether the update satisfies the format/range invariants
// that must hold for any in-flight update (spec.md §3 invariant 3):
// price > 0, finite, and a well-formed confidence.
func (u Update) Valid() bool {
	if u.Price <= 0 || math.IsNaN(u.Price) || math.IsInf(u.Price, 0) {
		return false
	}
	if math.IsNaN(u.Confidence) || u.Confidence < 0 || u.Confidence > 1 {
		return false
	}
	if u.Symbol == "" || u.Source == "" {
		return false
	}
	return true
}

// AgeMS returns age in milliseconds relative to nowMS.
func (u Update) AgeMS(nowMS int64) int64 {
	return nowMS - u.TimestampMS
}

// Aggregated is the fused, per-feed canonical price returned by the
// consensus aggregator (spec.md §3 AggregatedPrice).
type Aggregated struct {
	Symbol         string
	Price          float64
	TimestampMS    int64
	Sources        []string
	Confidence     float64 // [0,1]
	ConsensusScore float64 // [0,1]
}

// NowMS returns the current time in epoch milliseconds. Centralized so
// tests can substitute a simulated clock by constructing Updates/contexts
// directly instead of depending on wall-clock time.
func NowMS(t time.Time) int64 {
	return t.UnixMilli()
}
