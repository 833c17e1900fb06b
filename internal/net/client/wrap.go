// Package client wraps exchanges' REST fallback HTTP clients with rate
// limiting, circuit breaking and a daily call budget, grounded on the
// teacher's internal/net/client/wrap.go middleware stack (same
// rate-limit -> budget -> circuit-breaker chain, generalized from
// market-data providers to this gateway's REST ticker fallback).
package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/priceoracle/gateway/internal/metrics"
	"github.com/priceoracle/gateway/internal/net/budget"
	"github.com/priceoracle/gateway/internal/net/circuit"
	"github.com/priceoracle/gateway/internal/net/ratelimit"
)

// WrapperConfig configures the HTTP client wrapper for one exchange's
// REST fallback endpoint.
type WrapperConfig struct {
	Provider       string
	Host           string
	RateLimiter    *ratelimit.Limiter
	CircuitBreaker *circuit.Breaker
	BudgetTracker  *budget.Tracker
}

// Wrapper wraps an http.RoundTripper with rate limiting, circuit
// breaking and daily budget enforcement for a single REST provider.
type Wrapper struct {
	config    WrapperConfig
	transport http.RoundTripper
	userAgent string
	metrics   *metrics.Registry

	stateMu   sync.Mutex
	lastState circuit.State
}

// NewWrapper creates an HTTP client wrapper with the full middleware
// stack. transport defaults to http.DefaultTransport if nil.
func NewWrapper(cfg WrapperConfig, transport http.RoundTripper) *Wrapper {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Wrapper{
		config:    cfg,
		transport: transport,
		userAgent: "priceoracle-gateway/1.0 (+rest-fallback)",
	}
}

// SetMetrics wires reg so throttling and circuit trips on this
// provider's REST fallback are recorded on the shared Prometheus
// registry (oracle_rate_limit_throttled_total, oracle_circuit_trips_total,
// oracle_circuit_state). Optional; nil disables recording.
func (w *Wrapper) SetMetrics(reg *metrics.Registry) {
	w.metrics = reg
}

// RoundTrip implements http.RoundTripper with the rate-limit -> budget
// -> circuit-breaker middleware chain (spec.md §8 provider resilience).
func (w *Wrapper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", w.userAgent)
	}

	if w.config.RateLimiter != nil {
		waitStart := time.Now()
		if err := w.config.RateLimiter.Wait(req.Context(), w.config.Host); err != nil {
			return nil, &ProviderError{Provider: w.config.Provider, Type: "rate_limit", Err: fmt.Errorf("rate limit wait failed: %w", err)}
		}
		if time.Since(waitStart) > time.Millisecond && w.metrics != nil {
			w.metrics.RateLimitThrottled.WithLabelValues(w.config.Provider).Inc()
		}
	}

	if w.config.BudgetTracker != nil {
		if err := w.config.BudgetTracker.Allow(); err != nil {
			if _, exhausted := err.(*budget.BudgetExhaustedError); exhausted {
				return nil, &ProviderError{Provider: w.config.Provider, Type: "budget", Err: err}
			}
		}
	}

	var response *http.Response
	executeRequest := func(ctx context.Context) error {
		if w.config.BudgetTracker != nil {
			if err := w.config.BudgetTracker.Consume(); err != nil {
				if _, exhausted := err.(*budget.BudgetExhaustedError); exhausted {
					return &ProviderError{Provider: w.config.Provider, Type: "budget", Err: err}
				}
			}
		}
		var err error
		response, err = w.transport.RoundTrip(req.WithContext(ctx))
		if err != nil {
			return &ProviderError{Provider: w.config.Provider, Type: "transport", Err: err}
		}
		if response.StatusCode >= 500 {
			return &ProviderError{Provider: w.config.Provider, Type: "http_error", StatusCode: response.StatusCode, Err: fmt.Errorf("HTTP %d error", response.StatusCode)}
		}
		return nil
	}

	var err error
	if w.config.CircuitBreaker != nil {
		err = w.config.CircuitBreaker.Call(req.Context(), executeRequest)
		w.recordCircuitTransition()
		if err == circuit.ErrCircuitOpen {
			err = &ProviderError{Provider: w.config.Provider, Type: "circuit", Err: err}
		}
	} else {
		err = executeRequest(req.Context())
	}
	if err != nil {
		return nil, err
	}
	return response, nil
}

func (w *Wrapper) recordCircuitTransition() {
	if w.metrics == nil || w.config.CircuitBreaker == nil {
		return
	}
	state := w.config.CircuitBreaker.State()
	w.metrics.CircuitState.WithLabelValues(w.config.Provider).Set(float64(state))

	w.stateMu.Lock()
	tripped := state == circuit.StateOpen && w.lastState != circuit.StateOpen
	w.lastState = state
	w.stateMu.Unlock()

	if tripped {
		w.metrics.CircuitTrips.WithLabelValues(w.config.Provider).Inc()
	}
}

// ProviderError describes a failure from the REST middleware chain.
type ProviderError struct {
	Provider   string
	Type       string // "rate_limit", "budget", "circuit", "transport", "http_error"
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s %s error (HTTP %d): %v", e.Provider, e.Type, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s %s error: %v", e.Provider, e.Type, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is a rate-limit rejection.
func (e *ProviderError) IsRateLimited() bool { return e.Type == "rate_limit" }

// IsBudgetExhausted reports whether err is a daily-budget rejection.
func (e *ProviderError) IsBudgetExhausted() bool { return e.Type == "budget" }

// IsCircuitOpen reports whether err is a circuit-breaker rejection.
func (e *ProviderError) IsCircuitOpen() bool { return e.Type == "circuit" }

// Manager builds and holds one Wrapper-backed *http.Client per REST
// fallback provider (spec.md §3 ExchangeAdapter REST fallback).
type Manager struct {
	mu           sync.Mutex
	clients      map[string]*http.Client
	rateLimitMgr *ratelimit.Manager
	circuitMgr   *circuit.Manager
	budgetMgr    *budget.Manager
	metrics      *metrics.Registry
}

// NewManager creates a client Manager backed by the given per-concern
// managers; any may be nil to disable that middleware stage.
func NewManager(rateLimitMgr *ratelimit.Manager, circuitMgr *circuit.Manager, budgetMgr *budget.Manager) *Manager {
	return &Manager{
		clients:      make(map[string]*http.Client),
		rateLimitMgr: rateLimitMgr,
		circuitMgr:   circuitMgr,
		budgetMgr:    budgetMgr,
	}
}

// SetMetrics wires reg into every client built by AddProvider from now on.
func (m *Manager) SetMetrics(reg *metrics.Registry) {
	m.metrics = reg
}

// AddProvider registers exchange name's REST host and builds its
// wrapped *http.Client, requesting the shared rate limiter, circuit
// breaker and budget tracker for it from the underlying managers.
func (m *Manager) AddProvider(name, host string, timeout time.Duration) {
	var rl *ratelimit.Limiter
	if m.rateLimitMgr != nil {
		rl, _ = m.rateLimitMgr.GetLimiter(name)
	}
	var cb *circuit.Breaker
	if m.circuitMgr != nil {
		cb, _ = m.circuitMgr.GetBreaker(name)
	}
	var bt *budget.Tracker
	if m.budgetMgr != nil {
		bt, _ = m.budgetMgr.GetTracker(name)
	}

	wrapper := NewWrapper(WrapperConfig{Provider: name, Host: host, RateLimiter: rl, CircuitBreaker: cb, BudgetTracker: bt}, http.DefaultTransport)
	wrapper.SetMetrics(m.metrics)

	m.mu.Lock()
	m.clients[name] = &http.Client{Transport: wrapper, Timeout: timeout}
	m.mu.Unlock()
}

// GetClient returns the wrapped HTTP client for provider, if registered.
func (m *Manager) GetClient(provider string) (*http.Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[provider]
	return c, ok
}

// Stats reports rate-limit, circuit and budget state across all
// registered providers, surfaced on /health (spec.md §6).
func (m *Manager) Stats() ProviderStats {
	stats := ProviderStats{}
	if m.rateLimitMgr != nil {
		stats.RateLimit = m.rateLimitMgr.Stats()
	}
	if m.circuitMgr != nil {
		stats.Circuit = m.circuitMgr.Stats()
	}
	if m.budgetMgr != nil {
		stats.Budget = m.budgetMgr.Stats()
	}
	return stats
}

// ProviderStats summarizes REST middleware state for every provider.
type ProviderStats struct {
	RateLimit map[string]map[string]ratelimit.LimiterStats
	Circuit   map[string]circuit.Stats
	Budget    map[string]budget.Stats
}
