// Package validator implements the multi-tier PriceUpdate validator:
// format, range, staleness, statistical-outlier, cross-source and
// consensus-alignment tiers, each contributing a severity that
// multiplicatively penalizes confidence (spec.md §4.4).
package validator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/priceoracle/gateway/internal/cache"
	"github.com/priceoracle/gateway/internal/metrics"
	"github.com/priceoracle/gateway/internal/quote"
)

// Severity is a closed sum type in place of the teacher's `any`-typed
// validation errors (spec.md §9 REDESIGN FLAGS: closed sum type for
// validation errors).
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (s Severity) penaltyFactor() float64 {
	switch s {
	case SeverityCritical:
		return 0.1
	case SeverityHigh:
		return 0.5
	case SeverityMedium:
		return 0.8
	case SeverityLow:
		return 0.95
	default:
		return 1.0
	}
}

// Tier names the check that produced a ValidationError.
type Tier int

const (
	TierFormat Tier = iota
	TierRange
	TierStaleness
	TierOutlier
	TierCrossSource
	TierConsensus
)

func (t Tier) String() string {
	switch t {
	case TierFormat:
		return "format"
	case TierRange:
		return "range"
	case TierStaleness:
		return "staleness"
	case TierOutlier:
		return "outlier"
	case TierCrossSource:
		return "cross_source"
	case TierConsensus:
		return "consensus"
	default:
		return "unknown"
	}
}

// ValidationError is one tier's finding against one update.
type ValidationError struct {
	Tier     Tier
	Severity Severity
	Message  string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s[%s]: %s", e.Tier, e.Severity, e.Message)
}

// Result is the validator's verdict plus the confidence-adjusted update.
type Result struct {
	Update        quote.Update
	Adjusted      quote.Update
	Errors        []ValidationError
	IsValid       bool
}

// Options tunes the validator; zero-value fields fall back to spec
// defaults (spec.md §6).
type Options struct {
	PriceMin           float64
	PriceMax           float64
	MaxAgeMS           int64
	OutlierThreshold   float64
	CrossSourceWindow  time.Duration
	HistoricalWindow   int
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		PriceMin:          0.01,
		PriceMax:          1_000_000,
		MaxAgeMS:          2000,
		OutlierThreshold:  0.12,
		CrossSourceWindow: 10 * time.Second,
		HistoricalWindow:  50,
	}
}

type feedHistory struct {
	mu     sync.Mutex
	prices []float64 // bounded to HistoricalWindow, FIFO

	crossMu sync.Mutex
	cross   []crossEntry
}

type crossEntry struct {
	source      string
	price       float64
	timestampMS int64
}

// Validator runs the tier pipeline and maintains per-feed history.
type Validator struct {
	opts    Options
	cache   cache.Cache
	cacheTTL time.Duration

	mu        sync.RWMutex
	histories map[string]*feedHistory // keyed by symbol

	metrics *metrics.Registry
}

// SetMetrics wires reg so every tier's rejection is counted on the
// shared Prometheus registry (oracle_validation_rejects_total, labeled
// by tier). Optional; nil disables recording.
func (v *Validator) SetMetrics(reg *metrics.Registry) {
	v.metrics = reg
}

// New creates a Validator. c may be nil to disable result caching.
func New(opts Options, c cache.Cache) *Validator {
	if opts.PriceMin == 0 {
		opts.PriceMin = DefaultOptions().PriceMin
	}
	if opts.PriceMax == 0 {
		opts.PriceMax = DefaultOptions().PriceMax
	}
	if opts.MaxAgeMS == 0 {
		opts.MaxAgeMS = DefaultOptions().MaxAgeMS
	}
	if opts.OutlierThreshold == 0 {
		opts.OutlierThreshold = DefaultOptions().OutlierThreshold
	}
	if opts.CrossSourceWindow == 0 {
		opts.CrossSourceWindow = DefaultOptions().CrossSourceWindow
	}
	if opts.HistoricalWindow == 0 {
		opts.HistoricalWindow = DefaultOptions().HistoricalWindow
	}
	return &Validator{
		opts:      opts,
		cache:     c,
		cacheTTL:  5 * time.Second,
		histories: make(map[string]*feedHistory),
	}
}

func (v *Validator) historyFor(symbol string) *feedHistory {
	v.mu.RLock()
	h, ok := v.histories[symbol]
	v.mu.RUnlock()
	if ok {
		return h
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if h, ok := v.histories[symbol]; ok {
		return h
	}
	h = &feedHistory{}
	v.histories[symbol] = h
	return h
}

func resultKey(u quote.Update) string {
	return fmt.Sprintf("%s|%s|%d", u.Symbol, u.Source, u.TimestampMS)
}

// Validate runs every tier against u (and, if provided, against the
// batch's cross-source prices) and returns the adjusted result.
// consensusMedian, if non-zero, enables the consensus-alignment tier.
func (v *Validator) Validate(ctx context.Context, u quote.Update, consensusMedian float64) Result {
	key := resultKey(u)
	if v.cache != nil {
		if cached, ok := v.cache.Get(ctx, key); ok {
			if r, ok := cached.(Result); ok {
				if v.metrics != nil {
					v.metrics.CacheHits.WithLabelValues("validation").Inc()
				}
				return r
			}
		}
		if v.metrics != nil {
			v.metrics.CacheMisses.WithLabelValues("validation").Inc()
		}
	}

	r := v.validateUncached(u, consensusMedian)

	if v.cache != nil {
		v.cache.Set(ctx, key, r, v.cacheTTL)
	}
	v.record(u)
	return r
}

// ValidateBatch shares one cross-source context across every member: all
// updates in the batch participate in each other's cross-source set
// before any of them is scored (spec.md §4.4).
func (v *Validator) ValidateBatch(ctx context.Context, updates []quote.Update, consensusMedian map[string]float64) map[string]Result {
	for _, u := range updates {
		v.record(u)
	}

	results := make(map[string]Result, len(updates))
	for _, u := range updates {
		median := consensusMedian[u.Symbol]
		results[resultKey(u)] = v.validateUncached(u, median)
	}
	return results
}

func (v *Validator) record(u quote.Update) {
	h := v.historyFor(u.Symbol)

	h.mu.Lock()
	h.prices = append(h.prices, u.Price)
	if len(h.prices) > v.opts.HistoricalWindow {
		h.prices = h.prices[len(h.prices)-v.opts.HistoricalWindow:]
	}
	h.mu.Unlock()

	h.crossMu.Lock()
	h.cross = append(h.cross, crossEntry{source: u.Source, price: u.Price, timestampMS: u.TimestampMS})
	cutoff := u.TimestampMS - v.opts.CrossSourceWindow.Milliseconds()
	kept := h.cross[:0]
	for _, e := range h.cross {
		if e.timestampMS >= cutoff {
			kept = append(kept, e)
		}
	}
	h.cross = kept
	h.crossMu.Unlock()
}

func (v *Validator) validateUncached(u quote.Update, consensusMedian float64) Result {
	var errs []ValidationError

	// 1. Format
	if u.Symbol == "" || u.Source == "" {
		errs = append(errs, ValidationError{TierFormat, SeverityCritical, "missing symbol or source"})
	}
	if math.IsNaN(u.Confidence) || u.Confidence < 0 || u.Confidence > 1 {
		errs = append(errs, ValidationError{TierFormat, SeverityCritical, "confidence out of [0,1]"})
	}

	// 2. Range
	if u.Price <= 0 || math.IsNaN(u.Price) || math.IsInf(u.Price, 0) {
		errs = append(errs, ValidationError{TierRange, SeverityCritical, "price non-positive or non-finite"})
	} else if u.Price < v.opts.PriceMin || u.Price > v.opts.PriceMax {
		errs = append(errs, ValidationError{TierRange, SeverityHigh, "price outside configured range"})
	}

	// 3. Staleness
	now := time.Now().UnixMilli()
	age := now - u.TimestampMS
	if age > v.opts.MaxAgeMS {
		errs = append(errs, ValidationError{TierStaleness, SeverityCritical, "update older than maxAge"})
	} else if float64(age) > 0.8*float64(v.opts.MaxAgeMS) {
		errs = append(errs, ValidationError{TierStaleness, SeverityLow, "update approaching maxAge"})
	}

	// 4. Statistical outlier
	if h := v.historyFor(u.Symbol); h != nil {
		h.mu.Lock()
		hist := append([]float64{}, h.prices...)
		h.mu.Unlock()
		if e, ok := outlierCheck(u.Price, hist, v.opts.OutlierThreshold); ok {
			errs = append(errs, e)
		}
	}

	// 5. Cross-source
	if h := v.historyFor(u.Symbol); h != nil {
		h.crossMu.Lock()
		cross := append([]crossEntry{}, h.cross...)
		h.crossMu.Unlock()
		if e, ok := crossSourceCheck(u, cross); ok {
			errs = append(errs, e)
		}
	}

	// 6. Consensus alignment
	if consensusMedian > 0 {
		if e, ok := consensusCheck(u.Price, consensusMedian); ok {
			errs = append(errs, e)
		}
	}

	hasCritical := false
	highCount := 0
	confidence := u.Confidence
	for _, e := range errs {
		if e.Severity == SeverityCritical {
			hasCritical = true
		}
		if e.Severity == SeverityHigh {
			highCount++
		}
		confidence *= e.Severity.penaltyFactor()
		if v.metrics != nil {
			v.metrics.ValidationRejects.WithLabelValues(e.Tier.String()).Inc()
		}
	}
	confidence = math.Max(0, math.Min(1, confidence))

	adjusted := u
	adjusted.Confidence = confidence

	return Result{
		Update:   u,
		Adjusted: adjusted,
		Errors:   errs,
		IsValid:  !hasCritical && highCount <= 1,
	}
}

func outlierCheck(price float64, hist []float64, outlierThreshold float64) (ValidationError, bool) {
	if len(hist) < 3 {
		return ValidationError{}, false
	}
	mean, stddev := meanStddev(hist)
	if stddev > 0 {
		z := (price - mean) / stddev
		if math.Abs(z) > 2.5 {
			return ValidationError{TierOutlier, SeverityMedium, "z-score exceeds 2.5"}, true
		}
	}

	recent := hist
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	recentMean, _ := meanStddev(recent)
	if recentMean == 0 {
		return ValidationError{}, false
	}
	dev := math.Abs(price-recentMean) / recentMean
	switch {
	case dev > 2*outlierThreshold:
		return ValidationError{TierOutlier, SeverityHigh, "deviation exceeds 2x outlier threshold"}, true
	case dev > outlierThreshold:
		return ValidationError{TierOutlier, SeverityMedium, "deviation exceeds outlier threshold"}, true
	}
	return ValidationError{}, false
}

func meanStddev(xs []float64) (mean, stddev float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))
	var variance float64
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	variance /= float64(len(xs))
	return mean, math.Sqrt(variance)
}

func crossSourceCheck(u quote.Update, cross []crossEntry) (ValidationError, bool) {
	others := make([]float64, 0, len(cross))
	distinctSources := make(map[string]bool)
	for _, e := range cross {
		if e.source == u.Source {
			continue
		}
		others = append(others, e.price)
		distinctSources[e.source] = true
	}
	if len(distinctSources) < 2 {
		return ValidationError{}, false
	}

	median := medianOf(others)
	if median == 0 {
		return ValidationError{}, false
	}
	dev := math.Abs(u.Price-median) / median
	switch {
	case dev > 0.04:
		return ValidationError{TierCrossSource, SeverityHigh, "deviates >4% from cross-source median"}, true
	case dev > 0.02:
		return ValidationError{TierCrossSource, SeverityMedium, "deviates >2% from cross-source median"}, true
	}
	return ValidationError{}, false
}

func consensusCheck(price, consensusMedian float64) (ValidationError, bool) {
	dev := math.Abs(price-consensusMedian) / consensusMedian
	switch {
	case dev > 0.01:
		return ValidationError{TierConsensus, SeverityHigh, "deviates >1% from consensus median"}, true
	case dev > 0.005:
		return ValidationError{TierConsensus, SeverityMedium, "deviates >0.5% from consensus median"}, true
	}
	return ValidationError{}, false
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
