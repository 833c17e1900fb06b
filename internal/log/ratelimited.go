package log

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/priceoracle/gateway/internal/net/ratelimit"
)

// RateLimitedLogger caps repeated quality-warning log lines per
// (source, symbol) to at most one token every cooldown, reusing the
// adapter-side per-host token bucket (internal/net/ratelimit) keyed by
// "source:symbol" instead of a host string. This replaces ad-hoc
// "log every Nth occurrence" counters with the same limiter idiom the
// rest of the gateway already uses for REST throttling.
type RateLimitedLogger struct {
	log     zerolog.Logger
	limiter *ratelimit.Limiter
}

// NewRateLimitedLogger creates a logger allowing one warning per
// (source, symbol) every 1/rps seconds (spec.md §4.3 quality-warning
// cooldown; callers typically pass an rps of 1 per 5 minutes).
func NewRateLimitedLogger(log zerolog.Logger, rps float64) *RateLimitedLogger {
	return &RateLimitedLogger{
		log:     log,
		limiter: ratelimit.NewLimiter(rps, 1),
	}
}

// Warn logs msg at most once per cooldown window for the given
// (source, symbol) pair; subsequent calls within the window are dropped
// silently.
func (l *RateLimitedLogger) Warn(source, symbol, msg string) {
	key := fmt.Sprintf("%s:%s", source, symbol)
	if !l.limiter.Allow(key) {
		return
	}
	l.log.Warn().Str("source", source).Str("symbol", symbol).Msg(msg)
}
