// Package log wraps zerolog with the gateway's structured logging
// conventions: a connect-progress reporter for parallel adapter bring-up
// and a rate-limited logger for repeated per-source quality warnings.
package log

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ConnectProgress reports "N/M exchanges connected" once
// WebSocketOrchestrator.initialize() has brought adapters up in parallel,
// adapted from the teacher's ProgressIndicator (same name/total/current/
// startTime bookkeeping) but logging structured events instead of driving
// a terminal spinner — this binary runs headless.
type ConnectProgress struct {
	mu        sync.Mutex
	log       zerolog.Logger
	total     int
	connected int
	failed    int
	startTime time.Time
}

// NewConnectProgress starts tracking a bring-up of `total` exchanges.
func NewConnectProgress(log zerolog.Logger, total int) *ConnectProgress {
	return &ConnectProgress{log: log, total: total, startTime: time.Now()}
}

// ReportConnected records one more exchange reaching Open and logs the
// running tally.
func (p *ConnectProgress) ReportConnected(exchange string) {
	p.mu.Lock()
	p.connected++
	connected, total := p.connected, p.total
	elapsed := time.Since(p.startTime)
	p.mu.Unlock()

	p.log.Info().
		Str("exchange", exchange).
		Int("connected", connected).
		Int("total", total).
		Dur("elapsed", elapsed).
		Msg("exchange connected")
}

// ReportFailed records one more exchange failing to connect.
func (p *ConnectProgress) ReportFailed(exchange string, err error) {
	p.mu.Lock()
	p.failed++
	failed, total := p.failed, p.total
	p.mu.Unlock()

	p.log.Warn().
		Str("exchange", exchange).
		Err(err).
		Int("failed", failed).
		Int("total", total).
		Msg("exchange failed to connect")
}

// Done logs the final tally once bring-up finishes.
func (p *ConnectProgress) Done() {
	p.mu.Lock()
	connected, failed, total := p.connected, p.failed, p.total
	elapsed := time.Since(p.startTime)
	p.mu.Unlock()

	p.log.Info().
		Int("connected", connected).
		Int("failed", failed).
		Int("total", total).
		Dur("elapsed", elapsed).
		Msg("exchange bring-up complete")
}
