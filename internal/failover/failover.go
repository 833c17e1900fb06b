// Package failover implements FailoverController: it keeps at least one
// healthy source active per feed within maxFailoverTime by promoting
// backups when primaries fail and demoting them on recovery (spec.md
// §4.6).
package failover

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	cb "github.com/sony/gobreaker"

	"github.com/priceoracle/gateway/internal/event"
	"github.com/priceoracle/gateway/internal/feed"
	"github.com/priceoracle/gateway/internal/metrics"
)

// Subscriber is the subset of ExchangeAdapter the controller drives
// during promotion/demotion.
type Subscriber interface {
	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error
}

// SourceHealth tracks one source's health state for the process lifetime
// (spec.md §3).
type SourceHealth struct {
	SourceID             string
	IsHealthy            bool
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastHealthCheckUTC   time.Time
	AverageLatencyMS     float64
}

// group is the mutable per-feed FailoverGroup state (spec.md §3),
// guarded by its own mutex so no global lock sits on the health-event
// hot path.
type group struct {
	mu            sync.Mutex
	feedID        feed.ID
	primaries     []feed.Source
	backups       []feed.Source
	activeSources map[string]bool
	failedSources map[string]bool
}

// Options tunes the controller; zero-value fields fall back to spec
// defaults.
type Options struct {
	FailureThreshold    int
	RecoveryThreshold   int
	MaxFailoverTime     time.Duration
	HealthCheckInterval time.Duration
}

// DefaultOptions returns the documented defaults (spec.md §6).
func DefaultOptions() Options {
	return Options{
		FailureThreshold:    3,
		RecoveryThreshold:   5,
		MaxFailoverTime:     100 * time.Millisecond,
		HealthCheckInterval: 5 * time.Second,
	}
}

// HealthProbe is how the controller's periodic health monitor samples a
// source's live connection/latency state (spec.md §4.6 "Health
// monitor").
type HealthProbe interface {
	IsConnected(sourceID string) bool
	LatencyMS(sourceID string) float64
}

// Controller is the FailoverController. It owns FailoverGroup and
// SourceHealth state exclusively (spec.md §3 ownership rule) and
// exposes a read-only ActiveSources view so DataManager never mutates
// this state directly (REDESIGN FLAGS §5, breaking the
// DataManager<->FailoverController cycle).
type Controller struct {
	opts Options
	bus  *event.Bus
	log  zerolog.Logger

	subscribersMu sync.RWMutex
	subscribers   map[string]Subscriber // exchange -> adapter

	groupsMu sync.RWMutex
	groups   map[string]*group // feed.ID.String() -> group

	healthMu sync.RWMutex
	health   map[string]*SourceHealth // sourceID -> health

	breakersMu sync.Mutex
	breakers   map[string]*cb.CircuitBreaker // sourceID -> subscribe/unsubscribe breaker

	handle event.Handle

	metrics *metrics.Registry
}

// SetMetrics wires reg so failover/recovery outcomes and per-feed active
// source counts are recorded on the shared Prometheus registry
// (oracle_failover_events_total, oracle_active_sources).
// Optional; nil disables recording.
func (c *Controller) SetMetrics(reg *metrics.Registry) {
	c.metrics = reg
}

// New constructs a Controller subscribed to the bus's ConnectionChange
// events. Call AddFeed for each feed.Config and RegisterSubscriber for
// each exchange before events start flowing.
func New(opts Options, bus *event.Bus, log zerolog.Logger) *Controller {
	d := DefaultOptions()
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = d.FailureThreshold
	}
	if opts.RecoveryThreshold == 0 {
		opts.RecoveryThreshold = d.RecoveryThreshold
	}
	if opts.MaxFailoverTime == 0 {
		opts.MaxFailoverTime = d.MaxFailoverTime
	}
	if opts.HealthCheckInterval == 0 {
		opts.HealthCheckInterval = d.HealthCheckInterval
	}

	c := &Controller{
		opts:        opts,
		bus:         bus,
		log:         log,
		subscribers: make(map[string]Subscriber),
		groups:      make(map[string]*group),
		health:      make(map[string]*SourceHealth),
		breakers:    make(map[string]*cb.CircuitBreaker),
	}
	c.handle = bus.Subscribe(c.onEvent)
	return c
}

// Close unsubscribes from the event bus.
func (c *Controller) Close() {
	c.handle.Unsubscribe()
}

// RegisterSubscriber wires the adapter that handles subscribe/unsubscribe
// calls for a given exchange.
func (c *Controller) RegisterSubscriber(exchange string, s Subscriber) {
	c.subscribersMu.Lock()
	defer c.subscribersMu.Unlock()
	c.subscribers[exchange] = s
}

// AddFeed registers a feed's FailoverGroup, seeding activeSources with
// every primary (spec.md §3 FailoverGroup).
func (c *Controller) AddFeed(cfg feed.Config) {
	g := &group{
		feedID:        cfg.Feed,
		primaries:     cfg.Primaries(),
		backups:       cfg.Backups(),
		activeSources: make(map[string]bool),
		failedSources: make(map[string]bool),
	}
	for _, s := range g.primaries {
		g.activeSources[s.Exchange] = true
		c.ensureHealth(s.Exchange)
	}
	for _, s := range g.backups {
		c.ensureHealth(s.Exchange)
	}

	c.groupsMu.Lock()
	c.groups[cfg.Feed.String()] = g
	c.groupsMu.Unlock()
}

func (c *Controller) ensureHealth(sourceID string) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	if _, ok := c.health[sourceID]; !ok {
		c.health[sourceID] = &SourceHealth{SourceID: sourceID, IsHealthy: true}
	}
}

// ActiveSources returns the current active source set for a feed
// (read-only accessor per REDESIGN FLAGS §5).
func (c *Controller) ActiveSources(feedID feed.ID) []string {
	c.groupsMu.RLock()
	g, ok := c.groups[feedID.String()]
	c.groupsMu.RUnlock()
	if !ok {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.activeSources))
	for s := range g.activeSources {
		out = append(out, s)
	}
	return out
}

// SourceHealthSnapshot returns a copy of the current health record for
// sourceID, or false if unknown.
func (c *Controller) SourceHealthSnapshot(sourceID string) (SourceHealth, bool) {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	h, ok := c.health[sourceID]
	if !ok {
		return SourceHealth{}, false
	}
	return *h, true
}

func (c *Controller) onEvent(ev event.Event) {
	cc, ok := ev.(event.ConnectionChange)
	if !ok {
		return
	}
	c.handleConnectionChange(cc.Source, cc.Connected)
}

func (c *Controller) handleConnectionChange(sourceID string, connected bool) {
	start := time.Now()

	c.healthMu.Lock()
	h, ok := c.health[sourceID]
	if !ok {
		h = &SourceHealth{SourceID: sourceID, IsHealthy: true}
		c.health[sourceID] = h
	}
	h.LastHealthCheckUTC = start

	var triggerFailover, triggerRecovery bool
	if !connected {
		h.ConsecutiveFailures++
		h.ConsecutiveSuccesses = 0
		if h.IsHealthy && h.ConsecutiveFailures >= c.opts.FailureThreshold {
			h.IsHealthy = false
			triggerFailover = true
		}
	} else {
		h.ConsecutiveSuccesses++
		if !h.IsHealthy && h.ConsecutiveSuccesses >= c.opts.RecoveryThreshold {
			h.IsHealthy = true
			triggerRecovery = true
		}
	}
	c.healthMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.MaxFailoverTime)
	defer cancel()

	if triggerFailover {
		c.failover(ctx, sourceID)
	}
	if triggerRecovery {
		c.recover(ctx, sourceID)
	}

	if elapsed := time.Since(start); (triggerFailover || triggerRecovery) && elapsed > c.opts.MaxFailoverTime {
		c.log.Warn().Str("source", sourceID).Dur("elapsed", elapsed).Msg("failover transition exceeded budget")
	}
}

// failover implements spec.md §4.6 "Failover for a failed source S".
func (c *Controller) failover(ctx context.Context, sourceID string) {
	c.groupsMu.RLock()
	groups := make([]*group, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	c.groupsMu.RUnlock()

	for _, g := range groups {
		g.mu.Lock()
		refs := sourceInGroup(g, sourceID)
		if !refs {
			g.mu.Unlock()
			continue
		}
		delete(g.activeSources, sourceID)
		g.failedSources[sourceID] = true

		anyPrimaryHealthy := false
		for _, p := range g.primaries {
			if p.Exchange == sourceID {
				continue
			}
			if c.isHealthy(p.Exchange) {
				anyPrimaryHealthy = true
				g.activeSources[p.Exchange] = true
			}
		}

		var promoted []string
		if !anyPrimaryHealthy {
			for _, b := range g.backups {
				if !c.isHealthy(b.Exchange) {
					continue
				}
				g.activeSources[b.Exchange] = true
				promoted = append(promoted, b.Exchange)
			}
		}
		feedID := g.feedID
		active := activeSlice(g)
		g.mu.Unlock()

		if c.metrics != nil {
			c.metrics.ActiveSourcesPerFeed.WithLabelValues(feedID.String()).Set(float64(len(active)))
		}

		if len(promoted) > 0 {
			symbol := feedID.Name
			for _, ex := range promoted {
				c.callWithBreaker(ctx, ex, func(ctx context.Context) error {
					return c.subscribe(ctx, ex, []string{symbol})
				})
			}
			if c.metrics != nil {
				c.metrics.FailoverEvents.WithLabelValues(feedID.String(), "completed").Inc()
			}
			c.bus.Publish(event.FailoverCompleted{Feed: feedID.String(), ActiveSources: active})
		} else if anyPrimaryHealthy {
			if c.metrics != nil {
				c.metrics.FailoverEvents.WithLabelValues(feedID.String(), "completed").Inc()
			}
			c.bus.Publish(event.FailoverCompleted{Feed: feedID.String(), ActiveSources: active})
		} else {
			if c.metrics != nil {
				c.metrics.FailoverEvents.WithLabelValues(feedID.String(), "failed").Inc()
			}
			c.bus.Publish(event.FailoverFailed{Feed: feedID.String()})
		}
	}
}

// recover implements spec.md §4.6 "Recovery of S".
func (c *Controller) recover(ctx context.Context, sourceID string) {
	c.groupsMu.RLock()
	groups := make([]*group, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	c.groupsMu.RUnlock()

	for _, g := range groups {
		g.mu.Lock()
		if !g.failedSources[sourceID] {
			g.mu.Unlock()
			continue
		}
		delete(g.failedSources, sourceID)

		isPrimary := false
		for _, p := range g.primaries {
			if p.Exchange == sourceID {
				isPrimary = true
			}
		}
		if isPrimary {
			g.activeSources[sourceID] = true
		}

		var deactivated []string
		if isPrimary && allPrimariesHealthy(c, g) {
			for _, b := range g.backups {
				if g.activeSources[b.Exchange] {
					delete(g.activeSources, b.Exchange)
					deactivated = append(deactivated, b.Exchange)
				}
			}
		}
		feedID := g.feedID
		symbol := feedID.Name
		active := activeSlice(g)
		g.mu.Unlock()

		if c.metrics != nil {
			c.metrics.ActiveSourcesPerFeed.WithLabelValues(feedID.String()).Set(float64(len(active)))
		}

		for _, ex := range deactivated {
			c.callWithBreaker(ctx, ex, func(ctx context.Context) error {
				return c.unsubscribe(ctx, ex, []string{symbol})
			})
		}

		c.bus.Publish(event.SourceRecovered{Feed: feedID.String(), Source: sourceID, DeactivatedBackups: deactivated})
	}
}

func allPrimariesHealthy(c *Controller, g *group) bool {
	for _, p := range g.primaries {
		if !c.isHealthy(p.Exchange) {
			return false
		}
	}
	return true
}

func sourceInGroup(g *group, sourceID string) bool {
	for _, p := range g.primaries {
		if p.Exchange == sourceID {
			return true
		}
	}
	for _, b := range g.backups {
		if b.Exchange == sourceID {
			return true
		}
	}
	return false
}

func activeSlice(g *group) []string {
	out := make([]string, 0, len(g.activeSources))
	for s := range g.activeSources {
		out = append(out, s)
	}
	return out
}

func (c *Controller) isHealthy(sourceID string) bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	h, ok := c.health[sourceID]
	return ok && h.IsHealthy
}

// callWithBreaker wraps a subscribe/unsubscribe command through a
// per-source gobreaker, distinct from the adapter-level net/circuit
// breaker that guards transport connects.
func (c *Controller) callWithBreaker(ctx context.Context, sourceID string, fn func(ctx context.Context) error) {
	breaker := c.breakerFor(sourceID)
	_, err := breaker.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err != nil {
		c.log.Warn().Err(err).Str("source", sourceID).Msg("failover subscribe/unsubscribe command failed")
	}
}

// BreakerStates reports the subscribe/unsubscribe gobreaker's current
// state per source that has had a breaker lazily created, for the
// per-provider circuit state supplemented feature surfaced on /health.
func (c *Controller) BreakerStates() map[string]string {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	out := make(map[string]string, len(c.breakers))
	for sourceID, b := range c.breakers {
		out[sourceID] = b.State().String()
	}
	return out
}

func (c *Controller) breakerFor(sourceID string) *cb.CircuitBreaker {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	if b, ok := c.breakers[sourceID]; ok {
		return b
	}
	st := cb.Settings{Name: sourceID}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	b := cb.NewCircuitBreaker(st)
	c.breakers[sourceID] = b
	return b
}

func (c *Controller) subscribe(ctx context.Context, exchange string, symbols []string) error {
	c.subscribersMu.RLock()
	s, ok := c.subscribers[exchange]
	c.subscribersMu.RUnlock()
	if !ok {
		return nil
	}
	return s.Subscribe(ctx, symbols)
}

func (c *Controller) unsubscribe(ctx context.Context, exchange string, symbols []string) error {
	c.subscribersMu.RLock()
	s, ok := c.subscribers[exchange]
	c.subscribersMu.RUnlock()
	if !ok {
		return nil
	}
	return s.Unsubscribe(ctx, symbols)
}

// RunHealthMonitor starts the periodic health monitor (spec.md §4.6
// "Health monitor"): it re-reads each known source's connection and
// latency and updates SourceHealth, tracking latency as an exponential
// moving average. It blocks until ctx is cancelled.
func (c *Controller) RunHealthMonitor(ctx context.Context, probe HealthProbe) {
	ticker := time.NewTicker(c.opts.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sampleHealth(probe)
		}
	}
}

const latencyEMAAlpha = 0.2

// SampleHealth runs one round of the health monitor's sampling pass,
// letting callers drive it from their own scheduler instead of
// RunHealthMonitor's built-in ticker (spec.md §9 REDESIGN FLAGS: one
// consolidated scheduler in place of scattered timers).
func (c *Controller) SampleHealth(probe HealthProbe) {
	c.sampleHealth(probe)
}

func (c *Controller) sampleHealth(probe HealthProbe) {
	c.healthMu.Lock()
	sources := make([]string, 0, len(c.health))
	for s := range c.health {
		sources = append(sources, s)
	}
	c.healthMu.Unlock()

	for _, sourceID := range sources {
		connected := probe.IsConnected(sourceID)
		latency := probe.LatencyMS(sourceID)

		c.healthMu.Lock()
		h, ok := c.health[sourceID]
		if ok {
			h.LastHealthCheckUTC = time.Now()
			if h.AverageLatencyMS == 0 {
				h.AverageLatencyMS = latency
			} else {
				h.AverageLatencyMS = latencyEMAAlpha*latency + (1-latencyEMAAlpha)*h.AverageLatencyMS
			}
		}
		c.healthMu.Unlock()

		if ok && !connected {
			c.handleConnectionChange(sourceID, false)
		}
	}
}
