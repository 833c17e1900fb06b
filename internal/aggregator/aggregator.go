// Package aggregator implements the ConsensusAggregator: fast-validate,
// tier/time-decay weighting, IQR outlier trim, weighted median and
// consensus scoring (spec.md §4.5).
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/priceoracle/gateway/internal/cache"
	"github.com/priceoracle/gateway/internal/metrics"
	"github.com/priceoracle/gateway/internal/quote"
)

// Sentinel errors for the aggregator's three documented failure modes.
var (
	ErrInsufficientData    = errors.New("aggregator: no updates supplied")
	ErrNoValidData         = errors.New("aggregator: all updates filtered out")
	ErrInsufficientSources = errors.New("aggregator: fewer than minSources valid updates")
)

// SourceProfile is the per-source weighting profile (spec.md §4.5).
type SourceProfile struct {
	BaseWeight       float64
	TierMultiplier   float64
	ReliabilityScore float64
}

// DefaultSourceProfile is used for any source with no explicit profile.
func DefaultSourceProfile() SourceProfile {
	return SourceProfile{BaseWeight: 0.05, TierMultiplier: 1.0, ReliabilityScore: 0.7}
}

// Options tunes the aggregator; zero-value fields fall back to spec
// defaults.
type Options struct {
	MinSources       int
	MaxStalenessMS   int64
	Lambda           float64
	OutlierThreshold float64
	CacheTTL         time.Duration
	Profiles         map[string]SourceProfile
}

// DefaultOptions returns the documented defaults (spec.md §6).
func DefaultOptions() Options {
	return Options{
		MinSources:       2,
		MaxStalenessMS:   1500,
		Lambda:           4e-5,
		OutlierThreshold: 0.12,
		CacheTTL:         300 * time.Millisecond,
	}
}

type cacheEntry struct {
	result    quote.Aggregated
	timestamp time.Time
	inputHash uint64
}

// Aggregator turns bags of PriceUpdates into an AggregatedPrice per feed.
type Aggregator struct {
	opts  Options
	cache cache.Cache

	metrics *metrics.Registry
}

// SetMetrics wires reg so every Aggregate call times itself and records
// its consensus score on the shared Prometheus registry
// (oracle_aggregation_duration_seconds, oracle_consensus_score).
// Optional; nil disables recording.
func (a *Aggregator) SetMetrics(reg *metrics.Registry) {
	a.metrics = reg
}

// New creates an Aggregator. c may be nil to disable result caching.
func New(opts Options, c cache.Cache) *Aggregator {
	d := DefaultOptions()
	if opts.MinSources == 0 {
		opts.MinSources = d.MinSources
	}
	if opts.MaxStalenessMS == 0 {
		opts.MaxStalenessMS = d.MaxStalenessMS
	}
	if opts.Lambda == 0 {
		opts.Lambda = d.Lambda
	}
	if opts.OutlierThreshold == 0 {
		opts.OutlierThreshold = d.OutlierThreshold
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = d.CacheTTL
	}
	if opts.Profiles == nil {
		opts.Profiles = map[string]SourceProfile{}
	}
	return &Aggregator{opts: opts, cache: c}
}

// Aggregate computes the consensus price for feedKey from updates.
// Result caching is keyed by feedKey; a cache hit requires both the TTL
// to not have elapsed and inputHash to match the current inputs
// (spec.md §4.5).
func (a *Aggregator) Aggregate(ctx context.Context, feedKey string, updates []quote.Update) (quote.Aggregated, error) {
	if len(updates) == 0 {
		return quote.Aggregated{}, ErrInsufficientData
	}

	hash := inputHash(updates)

	if a.cache != nil {
		if cached, ok := a.cache.Get(ctx, feedKey); ok {
			if ce, ok := cached.(cacheEntry); ok {
				if time.Since(ce.timestamp) <= a.opts.CacheTTL && ce.inputHash == hash {
					if a.metrics != nil {
						a.metrics.CacheHits.WithLabelValues("aggregation").Inc()
					}
					return ce.result, nil
				}
			}
		}
		if a.metrics != nil {
			a.metrics.CacheMisses.WithLabelValues("aggregation").Inc()
		}
	}

	var timer *metrics.AggregationTimer
	if a.metrics != nil {
		timer = a.metrics.StartAggregationTimer(feedKey)
	}
	result, err := a.compute(updates)
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		return quote.Aggregated{}, err
	}
	if a.metrics != nil {
		a.metrics.ConsensusScore.WithLabelValues(feedKey).Set(result.ConsensusScore)
	}

	if a.cache != nil {
		a.cache.Set(ctx, feedKey, cacheEntry{result: result, timestamp: time.Now(), inputHash: hash}, 2*a.opts.CacheTTL)
	}

	return result, nil
}

type weighted struct {
	update quote.Update
	weight float64
}

func (a *Aggregator) compute(updates []quote.Update) (quote.Aggregated, error) {
	now := time.Now().UnixMilli()

	// 1. Fast validate.
	valid := make([]quote.Update, 0, len(updates))
	for _, u := range updates {
		age := now - u.TimestampMS
		if age > a.opts.MaxStalenessMS {
			continue
		}
		if u.Price <= 0 || math.IsNaN(u.Price) || math.IsInf(u.Price, 0) {
			continue
		}
		if u.Confidence < 0.1 || u.Confidence > 1 {
			continue
		}
		valid = append(valid, u)
	}
	if len(valid) == 0 {
		return quote.Aggregated{}, ErrNoValidData
	}
	if len(valid) < a.opts.MinSources {
		return quote.Aggregated{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientSources, len(valid), a.opts.MinSources)
	}

	// 2. Weight.
	items := make([]weighted, 0, len(valid))
	for _, u := range valid {
		profile, ok := a.opts.Profiles[u.Source]
		if !ok {
			profile = DefaultSourceProfile()
		}
		ageMS := float64(now - u.TimestampMS)
		w := profile.BaseWeight * profile.TierMultiplier * math.Exp(-a.opts.Lambda*ageMS) * u.Confidence
		items = append(items, weighted{update: u, weight: w})
	}

	// 3. Outlier trim (IQR, needs >=5 points).
	items = trimOutliers(items)

	// 4. Weighted median.
	median := weightedMedian(items)

	// 5. Consensus score.
	consensusScore := consensusScoreOf(items, median, a.opts.OutlierThreshold)

	// 6. Overall confidence.
	var weightedConfSum, weightSum float64
	sources := make([]string, 0, len(items))
	for _, it := range items {
		weightedConfSum += it.weight * it.update.Confidence
		weightSum += it.weight
		sources = append(sources, it.update.Source)
	}
	var weightedAvgConfidence float64
	if weightSum > 0 {
		weightedAvgConfidence = weightedConfSum / weightSum
	}
	n := float64(len(items))
	confidence := 0.7*weightedAvgConfidence + 0.3*consensusScore + math.Min(0.2, 0.04*n)
	confidence = math.Max(0, math.Min(1, confidence))

	return quote.Aggregated{
		Symbol:         valid[0].Symbol,
		Price:          median,
		TimestampMS:    now,
		Sources:        sources,
		Confidence:     confidence,
		ConsensusScore: consensusScore,
	}, nil
}

// trimOutliers drops points outside [Q1-1.5*IQR, Q3+1.5*IQR] on price,
// skipping entirely below 5 points (spec.md §4.5 step 3).
func trimOutliers(items []weighted) []weighted {
	if len(items) < 5 {
		return items
	}
	prices := make([]float64, len(items))
	for i, it := range items {
		prices[i] = it.update.Price
	}
	sorted := append([]float64{}, prices...)
	sort.Float64s(sorted)

	q1 := percentile(sorted, 0.25)
	q3 := percentile(sorted, 0.75)
	iqr := q3 - q1
	lo := q1 - 1.5*iqr
	hi := q3 + 1.5*iqr

	kept := make([]weighted, 0, len(items))
	for _, it := range items {
		if it.update.Price >= lo && it.update.Price <= hi {
			kept = append(kept, it)
		}
	}
	if len(kept) == 0 {
		return items // never trim everything away
	}
	return kept
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := p * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// weightedMedian sorts by price ascending and walks cumulative weight
// until it first reaches totalWeight/2 (spec.md §4.5 step 4). Falls back
// to the unweighted median if totalWeight is zero.
func weightedMedian(items []weighted) float64 {
	if len(items) == 0 {
		return 0
	}
	sorted := append([]weighted{}, items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].update.Price < sorted[j].update.Price })

	var total float64
	for _, it := range sorted {
		total += it.weight
	}
	if total == 0 {
		prices := make([]float64, len(sorted))
		for i, it := range sorted {
			prices[i] = it.update.Price
		}
		return medianOf(prices)
	}

	var cum float64
	half := total / 2
	for _, it := range sorted {
		cum += it.weight
		if cum >= half {
			return it.update.Price
		}
	}
	return sorted[len(sorted)-1].update.Price
}

func medianOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64{}, xs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// consensusScoreOf implements spec.md §4.5 step 5.
func consensusScoreOf(items []weighted, median, outlierThreshold float64) float64 {
	if median == 0 || len(items) == 0 {
		return 0
	}
	var weightedDevSum, weightSum float64
	for _, it := range items {
		dev := math.Abs(it.update.Price-median) / median
		weightedDevSum += it.weight * dev
		weightSum += it.weight
	}
	if weightSum == 0 {
		return 0
	}
	avgWeightedDeviation := weightedDevSum / weightSum
	score := 1 - avgWeightedDeviation/outlierThreshold
	return math.Max(0, score)
}

// inputHash is a stable hash over the multiset {source, round(price*100),
// floor(timestamp/1000)} (spec.md §4.5).
func inputHash(updates []quote.Update) uint64 {
	type key struct {
		source string
		price  int64
		sec    int64
	}
	keys := make([]key, len(updates))
	for i, u := range updates {
		keys[i] = key{
			source: u.Source,
			price:  int64(math.Round(u.Price * 100)),
			sec:    u.TimestampMS / 1000,
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].source != keys[j].source {
			return keys[i].source < keys[j].source
		}
		if keys[i].price != keys[j].price {
			return keys[i].price < keys[j].price
		}
		return keys[i].sec < keys[j].sec
	})

	var h uint64 = 14695981039346656037 // FNV-1a offset basis
	for _, k := range keys {
		for _, b := range []byte(fmt.Sprintf("%s:%d:%d|", k.source, k.price, k.sec)) {
			h ^= uint64(b)
			h *= 1099511628211 // FNV-1a prime
		}
	}
	return h
}
