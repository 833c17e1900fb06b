// Package okx implements the adapter.Protocol hooks for OKX's public
// tickers WebSocket channel and REST market-tickers fallback, grounded
// on the same per-exchange mock-client shape as the teacher's
// internal/data/ws package, generalized onto a real gorilla/websocket
// transport with OKX's arg/data envelope.
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/priceoracle/gateway/internal/adapter"
)

const (
	wsURL   = "wss://ws.okx.com:8443/ws/v5/public"
	restURL = "https://www.okx.com/api/v5/market/tickers?instType=SPOT"
)

// Protocol implements adapter.Protocol for OKX.
type Protocol struct {
	httpClient *http.Client
}

// New returns an OKX protocol hook.
func New() *Protocol {
	return &Protocol{httpClient: &http.Client{Timeout: 5 * time.Second}}
}

func (p *Protocol) ExchangeID() string { return "okx" }

// SetHTTPClient overrides the REST fallback client, letting callers
// route FetchTickerREST through a rate-limited/circuit-protected
// transport (see internal/net/client).
func (p *Protocol) SetHTTPClient(c *http.Client) { p.httpClient = c }

func (p *Protocol) PingInterval() time.Duration { return 20 * time.Second }

// NativeSymbol maps "BTC/USD" -> "BTC-USDT" (OKX spot quotes in USDT).
func (p *Protocol) NativeSymbol(canonical string) (string, error) {
	parts := strings.SplitN(canonical, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("okx: malformed symbol %q", canonical)
	}
	quote := parts[1]
	if quote == "USD" {
		quote = "USDT"
	}
	return parts[0] + "-" + quote, nil
}

func toCanonical(instID string) string {
	base, quote, ok := strings.Cut(instID, "-")
	if !ok {
		return instID
	}
	if quote == "USDT" {
		quote = "USD"
	}
	return base + "/" + quote
}

type arg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId,omitempty"`
}

type opMsg struct {
	Op   string `json:"op"`
	Args []arg  `json:"args"`
}

type tickerFrame struct {
	Arg  arg `json:"arg"`
	Data []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
		Vol24h string `json:"vol24h"`
		TS     string `json:"ts"`
	} `json:"data"`
}

// DialWS opens the public channel socket, subscribes to the initial
// instrument set, then runs the read loop decoding "tickers" frames.
func (p *Protocol) DialWS(ctx context.Context, symbols []string, emit func(adapter.Tick)) (io.Closer, error) {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 5 * time.Second
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("okx: dial failed: %w", err)
	}
	wsConn := &adapter.WSConn{Conn: conn}

	if len(symbols) > 0 {
		if err := sendSubscribe(conn, symbols, true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("okx: initial subscribe failed: %w", err)
		}
	}

	go func() {
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(raw) == "pong" {
				continue
			}
			var frame tickerFrame
			if json.Unmarshal(raw, &frame) != nil || frame.Arg.Channel != "tickers" {
				continue
			}
			for _, d := range frame.Data {
				price, perr := strconv.ParseFloat(d.Last, 64)
				if perr != nil {
					continue
				}
				volume, _ := strconv.ParseFloat(d.Vol24h, 64)
				tsMS, _ := strconv.ParseInt(d.TS, 10, 64)
				if tsMS == 0 {
					tsMS = time.Now().UnixMilli()
				}
				emit(adapter.Tick{
					Symbol:      toCanonical(d.InstID),
					Price:       price,
					Volume:      volume,
					TimestampMS: tsMS,
					LatencyMS:   float64(time.Now().UnixMilli() - tsMS),
				})
			}
		}
	}()

	return wsConn, nil
}

func sendSubscribe(conn *websocket.Conn, symbols []string, subscribe bool) error {
	args := make([]arg, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, arg{Channel: "tickers", InstID: s})
	}
	op := "subscribe"
	if !subscribe {
		op = "unsubscribe"
	}
	return conn.WriteJSON(opMsg{Op: op, Args: args})
}

// EncodeSubscribe sends a subscribe/unsubscribe op message.
func (p *Protocol) EncodeSubscribe(conn io.Closer, symbols []string, subscribe bool) error {
	wsConn, ok := conn.(*adapter.WSConn)
	if !ok {
		return fmt.Errorf("okx: unexpected connection type %T", conn)
	}
	return sendSubscribe(wsConn.Conn, symbols, subscribe)
}

type restResponse struct {
	Data []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
		Vol24h string `json:"vol24h"`
		TS     string `json:"ts"`
	} `json:"data"`
}

// FetchTickerREST fetches the full SPOT ticker snapshot and filters it
// down to the requested instruments (OKX has no multi-instId filter on
// this endpoint).
func (p *Protocol) FetchTickerREST(ctx context.Context, symbols []string) ([]adapter.Tick, error) {
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		n, err := p.NativeSymbol(s)
		if err != nil {
			continue
		}
		wanted[n] = true
	}
	if len(wanted) == 0 {
		return nil, fmt.Errorf("okx: no valid symbols for REST fetch")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, restURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("okx: REST request failed: %w", err)
	}
	defer resp.Body.Close()

	var rr restResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("okx: decode failed: %w", err)
	}

	now := time.Now().UnixMilli()
	ticks := make([]adapter.Tick, 0, len(wanted))
	for _, d := range rr.Data {
		if !wanted[d.InstID] {
			continue
		}
		price, perr := strconv.ParseFloat(d.Last, 64)
		if perr != nil {
			continue
		}
		volume, _ := strconv.ParseFloat(d.Vol24h, 64)
		tsMS, _ := strconv.ParseInt(d.TS, 10, 64)
		if tsMS == 0 {
			tsMS = now
		}
		ticks = append(ticks, adapter.Tick{
			Symbol:      toCanonical(d.InstID),
			Price:       price,
			Volume:      volume,
			TimestampMS: tsMS,
			LatencyMS:   float64(now - tsMS),
		})
	}
	return ticks, nil
}
