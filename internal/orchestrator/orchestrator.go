// Package orchestrator implements WebSocketOrchestrator: exactly-once
// adapter bring-up, declarative requiredSymbols tracking and demand-
// driven reconnection (spec.md §4.2).
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/priceoracle/gateway/internal/config"
	"github.com/priceoracle/gateway/internal/feed"
	"github.com/priceoracle/gateway/internal/log"
	"github.com/priceoracle/gateway/internal/net/circuit"
)

// Adapter is the subset of ExchangeAdapter the orchestrator drives.
type Adapter interface {
	ExchangeID() string
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, symbols []string) error
	IsConnected() bool
}

// exchangeState is the per-exchange bookkeeping (spec.md §3
// ExchangeState), guarded by its own mutex so one exchange's bookkeeping
// never contends with another's. The mutex guards the symbol maps only;
// it is not held across adapter calls.
type exchangeState struct {
	mu                      sync.Mutex
	adapter                 Adapter
	requiredSymbols         map[string]bool
	subscribedSymbols       map[string]bool
	lastConnectionAttemptMS int64
}

// Orchestrator is the WebSocketOrchestrator.
type Orchestrator struct {
	log      zerolog.Logger
	cooldown time.Duration

	mu        sync.RWMutex
	exchanges map[string]*exchangeState
	initOnce  sync.Once
}

// New creates an Orchestrator. cooldown defaults to 10s per spec.md §4.2.
func New(log zerolog.Logger, cooldown time.Duration) *Orchestrator {
	if cooldown == 0 {
		cooldown = 10 * time.Second
	}
	return &Orchestrator{
		log:       log,
		cooldown:  cooldown,
		exchanges: make(map[string]*exchangeState),
	}
}

// RegisterAdapter wires the adapter instance that will serve an
// exchange's connect/subscribe calls. Must be called before Initialize.
func (o *Orchestrator) RegisterAdapter(exchange string, adapter Adapter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exchanges[exchange] = &exchangeState{
		adapter:           adapter,
		requiredSymbols:   make(map[string]bool),
		subscribedSymbols: make(map[string]bool),
	}
}

// Initialize builds the feed->exchange map from feeds, connects every
// referenced exchange in parallel with per-exchange error isolation,
// then issues one batched subscribe per exchange covering
// requiredSymbols. Idempotent: subsequent calls are a no-op (spec.md
// §4.2).
func (o *Orchestrator) Initialize(ctx context.Context, feeds []feed.Config) {
	o.initOnce.Do(func() {
		for _, cfg := range feeds {
			for _, src := range cfg.Sources {
				o.addRequiredSymbol(src.Exchange, cfg.Feed.Name)
			}
		}

		o.mu.RLock()
		exchanges := make([]string, 0, len(o.exchanges))
		for ex := range o.exchanges {
			exchanges = append(exchanges, ex)
		}
		o.mu.RUnlock()

		var wg sync.WaitGroup
		for _, ex := range exchanges {
			wg.Add(1)
			go func(ex string) {
				defer wg.Done()
				o.bringUp(ctx, ex)
			}(ex)
		}
		wg.Wait()
	})
}

func (o *Orchestrator) addRequiredSymbol(exchange, symbol string) {
	o.mu.RLock()
	st, ok := o.exchanges[exchange]
	o.mu.RUnlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.requiredSymbols[symbol] = true
	st.mu.Unlock()
}

func (o *Orchestrator) bringUp(ctx context.Context, exchange string) {
	st := o.stateFor(exchange)
	if st == nil {
		return
	}

	st.mu.Lock()
	st.lastConnectionAttemptMS = time.Now().UnixMilli()
	adapter := st.adapter
	st.mu.Unlock()

	if err := adapter.Connect(ctx); err != nil {
		o.log.Warn().Err(err).Str("exchange", exchange).Msg("initial connect failed")
		return
	}

	st.mu.Lock()
	required := make([]string, 0, len(st.requiredSymbols))
	for sym := range st.requiredSymbols {
		required = append(required, sym)
	}
	st.mu.Unlock()

	if len(required) == 0 {
		return
	}
	if err := adapter.Subscribe(ctx, required); err != nil {
		o.log.Warn().Err(err).Str("exchange", exchange).Msg("initial subscribe failed")
		return
	}

	st.mu.Lock()
	for _, sym := range required {
		st.subscribedSymbols[sym] = true
	}
	st.mu.Unlock()
}

// SubscribeToFeed is additive: for each (exchange, symbol) in cfg's
// source list, inserts symbol into that exchange's requiredSymbols and
// subscribes if not already subscribed. The exchange's mutex is released
// around adapter.Subscribe, so concurrent calls for the same new symbol
// can each issue a subscribe; subscribedSymbols stays a subset of
// requiredSymbols (spec.md §4.2).
func (o *Orchestrator) SubscribeToFeed(ctx context.Context, cfg feed.Config) {
	for _, src := range cfg.Sources {
		st := o.stateFor(src.Exchange)
		if st == nil {
			continue
		}

		st.mu.Lock()
		st.requiredSymbols[cfg.Feed.Name] = true
		alreadySubscribed := st.subscribedSymbols[cfg.Feed.Name]
		adapter := st.adapter
		st.mu.Unlock()

		if alreadySubscribed {
			continue
		}
		if err := adapter.Subscribe(ctx, []string{cfg.Feed.Name}); err != nil {
			o.log.Warn().Err(err).Str("exchange", src.Exchange).Str("symbol", cfg.Feed.Name).Msg("subscribeToFeed failed")
			continue
		}

		st.mu.Lock()
		st.subscribedSymbols[cfg.Feed.Name] = true
		st.mu.Unlock()
	}
}

// ReconnectExchange reconnects exchange if it is not already connected
// and the cooldown since the last attempt has elapsed, then re-
// subscribes requiredSymbols. Returns false if skipped (spec.md §4.2).
func (o *Orchestrator) ReconnectExchange(ctx context.Context, exchange string) bool {
	st := o.stateFor(exchange)
	if st == nil {
		return false
	}

	st.mu.Lock()
	if st.adapter.IsConnected() {
		st.mu.Unlock()
		return false
	}
	sinceLastAttempt := time.Since(time.UnixMilli(st.lastConnectionAttemptMS))
	if st.lastConnectionAttemptMS != 0 && sinceLastAttempt < o.cooldown {
		st.mu.Unlock()
		return false
	}
	st.lastConnectionAttemptMS = time.Now().UnixMilli()
	adapter := st.adapter
	st.mu.Unlock()

	if err := adapter.Connect(ctx); err != nil {
		o.log.Warn().Err(err).Str("exchange", exchange).Msg("reconnect failed")
		return false
	}

	st.mu.Lock()
	required := make([]string, 0, len(st.requiredSymbols))
	for sym := range st.requiredSymbols {
		required = append(required, sym)
	}
	st.mu.Unlock()

	if len(required) > 0 {
		if err := adapter.Subscribe(ctx, required); err != nil {
			o.log.Warn().Err(err).Str("exchange", exchange).Msg("reconnect re-subscribe failed")
			return true
		}
		st.mu.Lock()
		for _, sym := range required {
			st.subscribedSymbols[sym] = true
		}
		st.mu.Unlock()
	}
	return true
}

// Status is the per-exchange connection snapshot.
type Status struct {
	Connected       bool
	SubscribedCount int
	RequiredCount   int
}

// GetConnectionStatus returns a per-exchange snapshot, always re-reading
// the adapter's authoritative IsConnected (spec.md §4.2).
func (o *Orchestrator) GetConnectionStatus() map[string]Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[string]Status, len(o.exchanges))
	for ex, st := range o.exchanges {
		st.mu.Lock()
		out[ex] = Status{
			Connected:       st.adapter.IsConnected(),
			SubscribedCount: len(st.subscribedSymbols),
			RequiredCount:   len(st.requiredSymbols),
		}
		st.mu.Unlock()
	}
	return out
}

// circuitStatsProvider is implemented by adapters whose transport retries go
// through a net/circuit.Breaker (all of this gateway's adapters do).
type circuitStatsProvider interface {
	CircuitStats() circuit.Stats
}

// CircuitStats reports each registered exchange's connect-retry circuit
// breaker counters, for the per-provider circuit state supplemented
// feature surfaced on /health.
func (o *Orchestrator) CircuitStats() map[string]circuit.Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[string]circuit.Stats, len(o.exchanges))
	for ex, st := range o.exchanges {
		if provider, ok := st.adapter.(circuitStatsProvider); ok {
			out[ex] = provider.CircuitStats()
		}
	}
	return out
}

func (o *Orchestrator) stateFor(exchange string) *exchangeState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.exchanges[exchange]
}

// RunInitializer wires a progress reporter around Initialize, matching
// the teacher's connect-fan-out-with-feedback idiom adapted from its
// terminal spinner into structured logging (internal/log.ConnectProgress).
func RunInitializer(ctx context.Context, o *Orchestrator, catalog *config.Catalog, progress *log.ConnectProgress) {
	feeds := catalog.Feeds()
	o.Initialize(ctx, feeds)

	for ex, status := range o.GetConnectionStatus() {
		if status.Connected {
			progress.ReportConnected(ex)
		} else {
			progress.ReportFailed(ex, errNotConnected{exchange: ex})
		}
	}
	progress.Done()
}

type errNotConnected struct{ exchange string }

func (e errNotConnected) Error() string { return "exchange " + e.exchange + " failed to connect" }
