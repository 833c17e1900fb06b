// Package adapter defines the ExchangeAdapter capability interface and a
// shared runtime that every exchange protocol hook is built on top of —
// composition in place of the teacher's one-bespoke-struct-per-exchange
// pattern (spec.md §9 REDESIGN FLAGS: class-hierarchy adapters).
package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/priceoracle/gateway/internal/event"
	"github.com/priceoracle/gateway/internal/metrics"
	"github.com/priceoracle/gateway/internal/net/circuit"
	"github.com/priceoracle/gateway/internal/quote"
)

// State is the WebSocket connection state machine (spec.md §4.1).
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionError wraps a transport failure from connect/healthCheck/REST.
type ConnectionError struct {
	Exchange string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("adapter %s: connection error: %v", e.Exchange, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Protocol is the set of exchange-specific hooks a runtime dispatches to.
// Each exchange package (binance, coinbase, kraken, okx) implements this
// and is wrapped by Runtime to satisfy ExchangeAdapter. This is the
// "shared adapter runtime + protocol-specific encode/decode hooks" split
// called for in spec.md §9.
type Protocol interface {
	// ExchangeID is a short stable identifier, e.g. "binance".
	ExchangeID() string

	// DialWS opens the transport, starts a reader that delivers decoded
	// ticks via emit until ctx is done or the connection drops, and
	// returns at once with a handle that closes the connection.
	DialWS(ctx context.Context, symbols []string, emit func(Tick)) (io.Closer, error)

	// EncodeSubscribe builds and sends a subscribe/unsubscribe request on
	// an already-open connection.
	EncodeSubscribe(conn io.Closer, symbols []string, subscribe bool) error

	// FetchTickerREST fetches a one-shot REST snapshot, used as fallback
	// and for health checks.
	FetchTickerREST(ctx context.Context, symbols []string) ([]Tick, error)

	// NativeSymbol maps a canonical "BASE/QUOTE" feed name to the
	// exchange-native wire symbol (e.g. "BTC/USD" -> "BTCUSDT").
	NativeSymbol(canonical string) (string, error)

	// PingInterval is the application-level keepalive cadence, or 0 if
	// the protocol needs none.
	PingInterval() time.Duration
}

// Tick is a raw decoded tick handed from a Protocol to the Runtime before
// confidence scoring.
type Tick struct {
	Symbol      string
	Price       float64
	Volume      float64
	TimestampMS int64
	LatencyMS   float64
	SpreadPct   float64
}

// ExchangeAdapter is the capability interface WebSocketOrchestrator and
// DataManager depend on (spec.md §4.1).
type ExchangeAdapter interface {
	ExchangeID() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error
	HealthCheck(ctx context.Context) error
	FetchTickerREST(ctx context.Context, symbols []string) ([]quote.Update, error)
	IsConnected() bool
	State() State
	SubscribedSymbols() []string
}

// Runtime is the shared "adapter runtime" from spec.md §9: retry-with-
// backoff connect, ping/pong keepalive, subscription bookkeeping and
// confidence computation, generalized over a Protocol.
type Runtime struct {
	proto   Protocol
	breaker *circuit.Breaker
	bus     *event.Bus
	log     zerolog.Logger

	connectTimeout time.Duration
	pongTimeout    time.Duration

	mu          sync.RWMutex
	state       State
	conn        io.Closer
	subscribed  map[string]bool
	cancelRead    context.CancelFunc
	lastPongUTC   time.Time
	lastLatencyMS float64

	metrics *metrics.Registry
}

// SetMetrics wires r so Connect/disconnect transitions and tick arrivals
// are recorded on the shared Prometheus registry (oracle_source_up,
// oracle_source_latency_ms). Optional; nil disables recording.
func (r *Runtime) SetMetrics(reg *metrics.Registry) {
	r.metrics = reg
}

// Config configures a Runtime.
type Config struct {
	ConnectTimeout time.Duration // default 5s, per spec.md §5
	PongTimeout    time.Duration // default 10s
	Breaker        circuit.Config
}

// NewRuntime wraps proto with retry, keepalive and bookkeeping, wiring
// events onto bus.
func NewRuntime(proto Protocol, bus *event.Bus, cfg Config, log zerolog.Logger) *Runtime {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.PongTimeout == 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 3
	}
	if cfg.Breaker.SuccessThreshold == 0 {
		cfg.Breaker.SuccessThreshold = 2
	}
	if cfg.Breaker.Timeout == 0 {
		cfg.Breaker.Timeout = 30 * time.Second
	}
	if cfg.Breaker.RequestTimeout == 0 {
		cfg.Breaker.RequestTimeout = cfg.ConnectTimeout
	}
	return &Runtime{
		proto:          proto,
		breaker:        circuit.NewBreaker(cfg.Breaker),
		bus:            bus,
		log:            log.With().Str("exchange", proto.ExchangeID()).Logger(),
		connectTimeout: cfg.ConnectTimeout,
		pongTimeout:    cfg.PongTimeout,
		state:          Disconnected,
		subscribed:     make(map[string]bool),
	}
}

func (r *Runtime) ExchangeID() string { return r.proto.ExchangeID() }

// connectMaxRetries/connectBaseDelay implement spec.md §4.1's retry
// contract: up to 3 retries (4 attempts total) with exponential backoff
// baseDelay·2^attempt between them.
const (
	connectMaxRetries = 3
	connectBaseDelay  = 500 * time.Millisecond
)

// Connect is idempotent (a second call while already Open/Connecting is
// a no-op success) and self-retrying: it dials up to connectMaxRetries+1
// times (connectMaxRetries retries) with exponential backoff, publishing exactly one
// ConnectionChange event for the whole call — true on eventual success,
// false only once every attempt has been exhausted (spec.md §4.1, §8:
// "Connected alternates true,false,true… no repeats").
func (r *Runtime) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.state == Open || r.state == Connecting {
		r.mu.Unlock()
		return nil
	}
	r.state = Connecting
	r.mu.Unlock()

	var lastErr error
	connected := false
retryLoop:
	for attempt := 0; attempt <= connectMaxRetries; attempt++ {
		if attempt > 0 {
			delay := connectBaseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retryLoop
			case <-time.After(delay):
			}
		}
		if err := r.dialOnce(ctx); err != nil {
			lastErr = err
			continue
		}
		connected = true
		break
	}

	if connected {
		r.bus.Publish(event.ConnectionChange{Source: r.ExchangeID(), Connected: true})
		if r.metrics != nil {
			r.metrics.SourceUp.WithLabelValues(r.ExchangeID()).Set(1)
		}
		return nil
	}

	r.mu.Lock()
	r.state = Disconnected
	r.mu.Unlock()
	r.bus.Publish(event.ConnectionChange{Source: r.ExchangeID(), Connected: false})
	if r.metrics != nil {
		r.metrics.SourceUp.WithLabelValues(r.ExchangeID()).Set(0)
	}
	return &ConnectionError{Exchange: r.ExchangeID(), Err: lastErr}
}

// dialOnce makes a single dial attempt through the circuit breaker,
// leaving state at Open on success. It never touches state on failure
// or publishes events — Connect owns both, once, across the whole
// retry loop.
func (r *Runtime) dialOnce(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()

	readCtx, readCancel := context.WithCancel(context.Background())

	err := r.breaker.Call(connectCtx, func(ctx context.Context) error {
		symbols := r.SubscribedSymbols()
		conn, dialErr := r.proto.DialWS(readCtx, symbols, r.onTick)
		if dialErr != nil {
			return dialErr
		}
		r.mu.Lock()
		r.conn = conn
		r.cancelRead = readCancel
		r.state = Open
		r.lastPongUTC = time.Now()
		r.mu.Unlock()
		return nil
	})
	if err != nil {
		readCancel()
		return err
	}

	if iv := r.proto.PingInterval(); iv > 0 {
		go r.pingLoop(readCtx, iv)
	}
	return nil
}

// Disconnect is idempotent and releases the socket before returning
// (spec.md §4.1).
func (r *Runtime) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	if r.state != Open {
		r.mu.Unlock()
		return nil
	}
	r.state = Closing
	conn := r.conn
	cancel := r.cancelRead
	r.conn = nil
	r.cancelRead = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}

	r.mu.Lock()
	r.state = Closed
	r.mu.Unlock()

	return err
}

// Subscribe requests server-side subscription for symbols, filtering
// invalid ones with a warning and failing only if the surviving set is
// empty (spec.md §4.1).
func (r *Runtime) Subscribe(ctx context.Context, symbols []string) error {
	if !r.IsConnected() {
		return fmt.Errorf("adapter %s: subscribe requires an open connection", r.ExchangeID())
	}

	native := make([]string, 0, len(symbols))
	toAdd := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		r.mu.RLock()
		already := r.subscribed[sym]
		r.mu.RUnlock()
		if already {
			continue
		}
		n, err := r.proto.NativeSymbol(sym)
		if err != nil {
			r.log.Warn().Str("symbol", sym).Err(err).Msg("skipping invalid symbol")
			continue
		}
		native = append(native, n)
		toAdd = append(toAdd, sym)
	}
	if len(toAdd) == 0 {
		if len(symbols) == 0 {
			return nil
		}
		return fmt.Errorf("adapter %s: no valid symbols to subscribe", r.ExchangeID())
	}

	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()
	if err := r.proto.EncodeSubscribe(conn, native, true); err != nil {
		return fmt.Errorf("adapter %s: subscribe failed: %w", r.ExchangeID(), err)
	}

	r.mu.Lock()
	for _, sym := range toAdd {
		r.subscribed[sym] = true
	}
	r.mu.Unlock()
	return nil
}

// Unsubscribe is a silent no-op when disconnected or the symbol is not
// currently subscribed (spec.md §4.1).
func (r *Runtime) Unsubscribe(ctx context.Context, symbols []string) error {
	if !r.IsConnected() {
		return nil
	}

	native := make([]string, 0, len(symbols))
	toRemove := make([]string, 0, len(symbols))
	r.mu.RLock()
	for _, sym := range symbols {
		if !r.subscribed[sym] {
			continue
		}
		n, err := r.proto.NativeSymbol(sym)
		if err != nil {
			continue
		}
		native = append(native, n)
		toRemove = append(toRemove, sym)
	}
	conn := r.conn
	r.mu.RUnlock()

	if len(native) == 0 {
		return nil
	}
	if err := r.proto.EncodeSubscribe(conn, native, false); err != nil {
		return fmt.Errorf("adapter %s: unsubscribe failed: %w", r.ExchangeID(), err)
	}

	r.mu.Lock()
	for _, sym := range toRemove {
		delete(r.subscribed, sym)
	}
	r.mu.Unlock()
	return nil
}

// HealthCheck probes liveness within a short bound (spec.md §5: 2s).
func (r *Runtime) HealthCheck(ctx context.Context) error {
	if !r.IsConnected() {
		return &ConnectionError{Exchange: r.ExchangeID(), Err: errors.New("not connected")}
	}
	r.mu.RLock()
	last := r.lastPongUTC
	timeout := r.pongTimeout
	r.mu.RUnlock()
	if timeout > 0 && time.Since(last) > timeout {
		return &ConnectionError{Exchange: r.ExchangeID(), Err: errors.New("pong timeout exceeded")}
	}
	return nil
}

// FetchTickerREST delegates to the protocol's REST fallback and converts
// results to quote.Update, computing confidence the same way a live tick
// would.
func (r *Runtime) FetchTickerREST(ctx context.Context, symbols []string) ([]quote.Update, error) {
	ticks, err := r.proto.FetchTickerREST(ctx, symbols)
	if err != nil {
		return nil, &ConnectionError{Exchange: r.ExchangeID(), Err: err}
	}
	updates := make([]quote.Update, 0, len(ticks))
	for _, t := range ticks {
		updates = append(updates, r.toUpdate(t))
	}
	return updates, nil
}

func (r *Runtime) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state == Open
}

func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// CircuitStats reports the connect-retry circuit breaker's current
// counters, surfaced on /health per the per-provider circuit state
// supplemented feature.
func (r *Runtime) CircuitStats() circuit.Stats {
	return r.breaker.Stats()
}

func (r *Runtime) SubscribedSymbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subscribed))
	for s := range r.subscribed {
		out = append(out, s)
	}
	return out
}

func (r *Runtime) onTick(t Tick) {
	u := r.toUpdate(t)
	if r.metrics != nil {
		r.metrics.SourceLatencyMS.WithLabelValues(r.ExchangeID()).Observe(t.LatencyMS)
	}
	r.bus.Publish(event.PriceUpdate{
		Source:      r.ExchangeID(),
		Symbol:      u.Symbol,
		Price:       u.Price,
		Volume:      u.Volume,
		Confidence:  u.Confidence,
		TimestampMS: u.TimestampMS,
	})
	r.mu.Lock()
	r.lastPongUTC = time.Now()
	r.lastLatencyMS = t.LatencyMS
	r.mu.Unlock()
}

// LatencyMS returns the most recently observed tick latency, for the
// failover health monitor's HealthProbe (spec.md §4.6).
func (r *Runtime) LatencyMS() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastLatencyMS
}

func (r *Runtime) toUpdate(t Tick) quote.Update {
	return quote.Update{
		Symbol:      t.Symbol,
		Source:      r.ExchangeID(),
		Price:       t.Price,
		TimestampMS: t.TimestampMS,
		Volume:      t.Volume,
		Confidence:  confidence(t.LatencyMS, t.Volume, t.SpreadPct),
	}
}

// confidence implements spec.md §4.1's contract: a product of monotone
// factors in the healthy direction, clamped to [0,1]. The exact curve
// shape is not contractual, only the monotonicity and range are.
func confidence(latencyMS, volume, spreadPct float64) float64 {
	const baseline = 0.98

	// f(latency): 1 up to 250ms, then decays smoothly (0.5 at 750ms)
	// toward 0; no floor.
	fLatency := 1.0 / (1.0 + math.Max(0, latencyMS-250)/500.0)

	// g(volume): ramps up to 1.0 by volume=10, floor at 0.5 for zero.
	gVolume := 0.5 + 0.5*math.Min(1.0, volume/10.0)

	// h(spread): penalizes wide spreads as 1/(1+20·spread), decaying
	// toward 0; no floor.
	hSpread := 1.0 / (1.0 + spreadPct*20.0)

	c := baseline * fLatency * gVolume * hSpread
	return math.Max(0, math.Min(1, c))
}

func (r *Runtime) pingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.RLock()
			conn := r.conn
			connected := r.state == Open
			r.mu.RUnlock()
			if !connected || conn == nil {
				return
			}
			if pinger, ok := conn.(interface{ Ping() error }); ok {
				if err := pinger.Ping(); err != nil {
					r.log.Warn().Err(err).Msg("ping failed, marking disconnected")
					r.markDisconnected()
					return
				}
			}
		}
	}
}

// markDisconnected handles the "any loss from Open goes to Disconnected
// and emits onConnectionChange(false) exactly once" rule (spec.md §4.1).
func (r *Runtime) markDisconnected() {
	r.mu.Lock()
	if r.state != Open {
		r.mu.Unlock()
		return
	}
	r.state = Disconnected
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	r.bus.Publish(event.ConnectionChange{Source: r.ExchangeID(), Connected: false})
	if r.metrics != nil {
		r.metrics.SourceUp.WithLabelValues(r.ExchangeID()).Set(0)
	}
}
