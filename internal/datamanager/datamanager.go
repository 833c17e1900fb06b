// Package datamanager implements DataManager: the authoritative ingest
// fan-in, freshness gating and feed-level query surface sitting between
// the adapter layer and the consensus aggregator (spec.md §4.3).
package datamanager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/priceoracle/gateway/internal/aggregator"
	"github.com/priceoracle/gateway/internal/config"
	"github.com/priceoracle/gateway/internal/event"
	"github.com/priceoracle/gateway/internal/failover"
	"github.com/priceoracle/gateway/internal/feed"
	"github.com/priceoracle/gateway/internal/log"
	"github.com/priceoracle/gateway/internal/quote"
	"github.com/priceoracle/gateway/internal/validator"
)

// minConfidence is the DataManager's own gate on sources contributing to
// getCurrentPrice, distinct from the validator's per-tier confidence
// penalties (spec.md §4.3: "rejects sources with confidence <
// MIN_CONFIDENCE").
const minConfidence = 0.3

// Source is the subset of ExchangeAdapter DataManager drives directly.
type Source interface {
	ExchangeID() string
	Connect(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	FetchTickerREST(ctx context.Context, symbols []string) ([]quote.Update, error)
	IsConnected() bool
}

type sourceEntry struct {
	source      Source
	connectedAt time.Time
	initialized bool
}

// feedState is the per-feed bounded window of recent updates keyed by
// source, guarded independently so the hot ingestion path never
// contends across feeds (spec.md §4.3 concurrency note).
type feedState struct {
	mu      sync.RWMutex
	latest  map[string]quote.Update // source -> most recent update
	updated map[string]int64        // source -> ArrivalMS
}

// DataManager is the ingest fan-in and query surface.
type DataManager struct {
	agg     *aggregator.Aggregator
	val     *validator.Validator
	bus     *event.Bus
	log     *log.RateLimitedLogger
	catalog *config.Catalog

	sourcesMu sync.RWMutex
	sources   map[string]*sourceEntry // exchange -> entry

	feedsMu sync.RWMutex
	feeds   map[string]*feedState // feed.ID.String() -> state

	handle   event.Handle
	failover *failover.Controller
}

// SetFailoverController wires fc so collect gates each feed's source
// list down to fc.ActiveSources, breaking the DataManager<->
// FailoverController cycle by letting DataManager only ever read
// failover's state (spec.md §9 REDESIGN FLAGS). Optional; nil (the
// default) collects from every statically configured source.
func (dm *DataManager) SetFailoverController(fc *failover.Controller) {
	dm.failover = fc
}

// New constructs a DataManager subscribed to the bus's PriceUpdate
// events. Every arriving update is run through val (spec.md §4.3:
// "fans out ... to Validator") before it is allowed to influence
// GetCurrentPrice/GetCurrentPrices.
func New(agg *aggregator.Aggregator, val *validator.Validator, catalog *config.Catalog, bus *event.Bus, rateLimitedLog *log.RateLimitedLogger) *DataManager {
	dm := &DataManager{
		agg:     agg,
		val:     val,
		bus:     bus,
		log:     rateLimitedLog,
		catalog: catalog,
		sources: make(map[string]*sourceEntry),
		feeds:   make(map[string]*feedState),
	}
	dm.handle = bus.Subscribe(dm.onEvent)
	return dm
}

// Close unsubscribes from the event bus.
func (dm *DataManager) Close() {
	dm.handle.Unsubscribe()
}

// AddDataSource registers source, connects it (retry-with-backoff is
// the adapter runtime's own responsibility, spec.md §4.1) and marks it
// initialized once a readiness probe passes: connected AND (a health
// check passes OR the connection has been open < 5s with recent data)
// — spec.md §4.3.
func (dm *DataManager) AddDataSource(ctx context.Context, source Source) error {
	entry := &sourceEntry{source: source}
	dm.sourcesMu.Lock()
	dm.sources[source.ExchangeID()] = entry
	dm.sourcesMu.Unlock()

	if err := source.Connect(ctx); err != nil {
		return fmt.Errorf("datamanager: add source %s: %w", source.ExchangeID(), err)
	}
	entry.connectedAt = time.Now()

	ready := dm.probeReadiness(ctx, source, entry)
	entry.initialized = ready
	if !ready {
		return fmt.Errorf("datamanager: source %s connected but failed readiness probe", source.ExchangeID())
	}
	return nil
}

func (dm *DataManager) probeReadiness(ctx context.Context, source Source, entry *sourceEntry) bool {
	if !source.IsConnected() {
		return false
	}
	if err := source.HealthCheck(ctx); err == nil {
		return true
	}
	return time.Since(entry.connectedAt) < 5*time.Second && dm.hasRecentData(source.ExchangeID())
}

func (dm *DataManager) hasRecentData(sourceID string) bool {
	dm.feedsMu.RLock()
	defer dm.feedsMu.RUnlock()
	now := time.Now().UnixMilli()
	for _, fs := range dm.feeds {
		fs.mu.RLock()
		ts, ok := fs.updated[sourceID]
		fs.mu.RUnlock()
		if ok && now-ts < 5000 {
			return true
		}
	}
	return false
}

func (dm *DataManager) onEvent(ev event.Event) {
	pu, ok := ev.(event.PriceUpdate)
	if !ok {
		return
	}
	dm.ingest(quote.Update{
		Symbol:      pu.Symbol,
		Source:      pu.Source,
		Price:       pu.Price,
		Volume:      pu.Volume,
		Confidence:  pu.Confidence,
		TimestampMS: pu.TimestampMS,
	})
}

// ingest annotates u with ArrivalMS, gates obviously broken data, and
// fans the rest into the validator before storing the confidence-
// adjusted result in the per-feed window (spec.md §4.3: "authoritative
// ingest fan-in" plus "applies freshness/quality gates"). The
// DataManager itself only gates on non-positive/non-finite price and a
// zero timestamp here, and on sub-minimum confidence in collect
// (spec.md §4.3); the validator's
// multi-tier checks decide whether the update is good enough to
// influence consensus at all.
func (dm *DataManager) ingest(u quote.Update) {
	u.ArrivalMS = time.Now().UnixMilli()

	if u.Price <= 0 || math.IsNaN(u.Price) || math.IsInf(u.Price, 0) || u.TimestampMS == 0 {
		dm.log.Warn(u.Source, u.Symbol, "dropping ingest with broken price or timestamp")
		return
	}

	result := dm.val.Validate(context.Background(), u, 0)
	if !result.IsValid {
		dm.log.Warn(u.Source, u.Symbol, fmt.Sprintf("update rejected by validator: %v", result.Errors))
		return
	}
	u = result.Adjusted

	fs := dm.feedStateFor(u.Symbol)
	fs.mu.Lock()
	fs.latest[u.Source] = u
	fs.updated[u.Source] = u.ArrivalMS
	fs.mu.Unlock()
}

func (dm *DataManager) feedStateFor(symbol string) *feedState {
	dm.feedsMu.RLock()
	fs, ok := dm.feeds[symbol]
	dm.feedsMu.RUnlock()
	if ok {
		return fs
	}

	dm.feedsMu.Lock()
	defer dm.feedsMu.Unlock()
	if fs, ok := dm.feeds[symbol]; ok {
		return fs
	}
	fs = &feedState{latest: make(map[string]quote.Update), updated: make(map[string]int64)}
	dm.feeds[symbol] = fs
	return fs
}

// GetCurrentPrice assembles fresh updates for id from every configured
// source (preferring live cached updates, falling back to REST) and
// hands them to the aggregator. If nothing is collected, it returns an
// error; if the aggregator rejects the collected updates outright
// (ErrInsufficientData/ErrNoValidData), it falls back to an unweighted
// mean over them (cold-start only) — spec.md §4.3.
func (dm *DataManager) GetCurrentPrice(ctx context.Context, id feed.ID) (quote.Aggregated, error) {
	cfg, ok := dm.catalog.Lookup(id)
	if !ok {
		return quote.Aggregated{}, fmt.Errorf("datamanager: unknown feed %s", id)
	}

	updates := dm.collect(ctx, id, cfg)
	if len(updates) == 0 {
		return quote.Aggregated{}, fmt.Errorf("datamanager: no updates available for feed %s", id)
	}

	result, err := dm.agg.Aggregate(ctx, id.String(), updates)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, aggregator.ErrInsufficientData) && !errors.Is(err, aggregator.ErrNoValidData) {
		return quote.Aggregated{}, fmt.Errorf("datamanager: aggregate feed %s: %w", id, err)
	}

	// Cold-start fallback: the aggregator rejected every collected update
	// outright (rather than merely having too few sources), so fall back
	// to an unweighted mean over whatever survives basic validity
	// (spec.md §4.3).
	return coldStartMean(id, updates), nil
}

func coldStartMean(id feed.ID, updates []quote.Update) quote.Aggregated {
	var sum float64
	var n int
	sources := make([]string, 0, len(updates))
	for _, u := range updates {
		if !u.Valid() {
			continue
		}
		sum += u.Price
		n++
		sources = append(sources, u.Source)
	}
	if n == 0 {
		return quote.Aggregated{Symbol: id.Name}
	}
	return quote.Aggregated{
		Symbol:      id.Name,
		Price:       sum / float64(n),
		TimestampMS: time.Now().UnixMilli(),
		Sources:     sources,
		Confidence:  minConfidence,
	}
}

func (dm *DataManager) collect(ctx context.Context, id feed.ID, cfg feed.Config) []quote.Update {
	fs := dm.feedStateFor(id.Name)

	sources := dm.gatedSources(id, cfg)
	out := make([]quote.Update, 0, len(sources))
	for _, src := range sources {
		fs.mu.RLock()
		u, ok := fs.latest[src.Exchange]
		fs.mu.RUnlock()

		if !ok || time.Since(time.UnixMilli(u.ArrivalMS)) > 5*time.Second {
			u, ok = dm.restFallback(ctx, src.Exchange, id.Name)
			if ok {
				result := dm.val.Validate(ctx, u, 0)
				if !result.IsValid {
					dm.log.Warn(src.Exchange, id.Name, fmt.Sprintf("REST fallback rejected by validator: %v", result.Errors))
					ok = false
				} else {
					u = result.Adjusted
				}
			}
		}
		if !ok {
			continue
		}
		if u.Confidence < minConfidence {
			dm.log.Warn(src.Exchange, id.Name, "source confidence below minimum, excluded from aggregation")
			continue
		}
		out = append(out, u)
	}
	return out
}

// gatedSources restricts cfg.Sources to fc.ActiveSources(id) when a
// FailoverController is wired, so a source demoted by failover (or not
// yet promoted) stops contributing to aggregation immediately instead
// of waiting on its own staleness/confidence to be filtered out
// downstream. Falls back to every configured source if no controller is
// wired, or if it reports no active set for id (e.g. AddFeed was never
// called for it).
func (dm *DataManager) gatedSources(id feed.ID, cfg feed.Config) []feed.Source {
	if dm.failover == nil {
		return cfg.Sources
	}
	active := dm.failover.ActiveSources(id)
	if len(active) == 0 {
		return cfg.Sources
	}
	activeSet := make(map[string]bool, len(active))
	for _, ex := range active {
		activeSet[ex] = true
	}
	out := make([]feed.Source, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		if activeSet[src.Exchange] {
			out = append(out, src)
		}
	}
	return out
}

func (dm *DataManager) restFallback(ctx context.Context, exchange, symbol string) (quote.Update, bool) {
	dm.sourcesMu.RLock()
	entry, ok := dm.sources[exchange]
	dm.sourcesMu.RUnlock()
	if !ok {
		return quote.Update{}, false
	}
	updates, err := entry.source.FetchTickerREST(ctx, []string{symbol})
	if err != nil || len(updates) == 0 {
		return quote.Update{}, false
	}
	return updates[0], true
}

// GetCurrentPrices is a best-effort parallel fan-out; partial failures
// are logged and excluded from the result, never fatal (spec.md §4.3).
func (dm *DataManager) GetCurrentPrices(ctx context.Context, ids []feed.ID) map[string]quote.Aggregated {
	results := make(map[string]quote.Aggregated)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(1)
		go func(id feed.ID) {
			defer wg.Done()
			result, err := dm.GetCurrentPrice(ctx, id)
			if err != nil {
				dm.log.Warn("datamanager", id.Name, "getCurrentPrices: "+err.Error())
				return
			}
			mu.Lock()
			results[id.String()] = result
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return results
}

// ConnectionHealth is the summary returned by GetConnectionHealth.
type ConnectionHealth struct {
	TotalSources     int
	ConnectedSources int
	AverageLatencyMS float64
	FailedSources    []string
	HealthScore      float64 // [0,100]
}

// GetConnectionHealth summarizes source connectivity (spec.md §4.3).
func (dm *DataManager) GetConnectionHealth() ConnectionHealth {
	dm.sourcesMu.RLock()
	defer dm.sourcesMu.RUnlock()

	h := ConnectionHealth{TotalSources: len(dm.sources)}
	for id, entry := range dm.sources {
		if entry.source.IsConnected() {
			h.ConnectedSources++
		} else {
			h.FailedSources = append(h.FailedSources, id)
		}
	}
	if h.TotalSources > 0 {
		h.HealthScore = 100 * float64(h.ConnectedSources) / float64(h.TotalSources)
	}
	return h
}

// GetDataFreshness returns now - max(lastUpdate) across id's sources, in
// milliseconds, or +Inf if none have ever reported (spec.md §4.3).
func (dm *DataManager) GetDataFreshness(id feed.ID) int64 {
	fs := dm.feedStateFor(id.Name)
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var maxUpdated int64 = -1
	for _, ts := range fs.updated {
		if ts > maxUpdated {
			maxUpdated = ts
		}
	}
	if maxUpdated < 0 {
		return int64(1<<63 - 1)
	}
	return time.Now().UnixMilli() - maxUpdated
}

// GetLatestVolume returns the most recently observed volume for id,
// taken from whichever source reported most recently, per the
// latest-per-source volume forwarding decision in DESIGN.md.
func (dm *DataManager) GetLatestVolume(id feed.ID) (volume float64, ok bool) {
	fs := dm.feedStateFor(id.Name)
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var latestTS int64 = -1
	for source, ts := range fs.updated {
		if ts > latestTS {
			latestTS = ts
			volume = fs.latest[source].Volume
			ok = true
		}
	}
	return volume, ok
}
