// Package coinbase implements the adapter.Protocol hooks for Coinbase
// Exchange's ticker WebSocket channel and REST product-ticker fallback,
// grounded on the mock client shape in the teacher's
// internal/data/ws/binance.go (same envelope pattern, Coinbase symbol
// rules) generalized onto a real gorilla/websocket transport.
package coinbase

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
	wsURL   = "wss://ws-feed.exchange.coinbase.com"
	restURL = "https://api.exchange.coinbase.com/products"
)

// Protocol implements adapter.Protocol for Coinbase Exchange.
type Protocol struct {
	httpClient *http.Client
}

// New returns a Coinbase protocol hook.
func New() *Protocol {
	return &Protocol{httpClient: &http.Client{Timeout: 5 * time.Second}}
}

func (p *Protocol) ExchangeID() string { return "coinbase" }

// SetHTTPClient overrides the REST fallback client, letting callers
// route FetchTickerREST through a rate-limited/circuit-protected
// transport (see internal/net/client).
func (p *Protocol) SetHTTPClient(c *http.Client) { p.httpClient = c }

func (p *Protocol) PingInterval() time.Duration { return 0 } // relies on transport-level pings

// NativeSymbol maps "BTC/USD" -> "BTC-USD".
func (p *Protocol) NativeSymbol(canonical string) (string, error) {
	base, quote, err := split(canonical)
	if err != nil {
		return "", err
	}
	return base + "-" + quote, nil
}

func split(canonical string) (base, quote string, err error) {
	parts := strings.SplitN(canonical, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("coinbase: malformed symbol %q", canonical)
	}
	return parts[0], parts[1], nil
}

type tickerMsg struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Volume24h string `json:"volume_24h"`
	Time      string `json:"time"`
}

type subscribeMsg struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// DialWS opens the ticker feed socket and subscribes to the initial
// symbol set as part of the same handshake, then runs the read loop.
func (p *Protocol) DialWS(ctx context.Context, symbols []string, emit func(adapter.Tick)) (io.Closer, error) {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 5 * time.Second
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("coinbase: dial failed: %w", err)
	}
	wsConn := &adapter.WSConn{Conn: conn}

	if len(symbols) > 0 {
		sub := subscribeMsg{Type: "subscribe", ProductIDs: symbols, Channels: []string{"ticker"}}
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			return nil, fmt.Errorf("coinbase: initial subscribe failed: %w", err)
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
			var msg tickerMsg
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type != "ticker" {
				continue
			}
			price, perr := strconv.ParseFloat(msg.Price, 64)
			if perr != nil {
				continue
			}
			volume, _ := strconv.ParseFloat(msg.Volume24h, 64)
			ts, terr := time.Parse(time.RFC3339, msg.Time)
			tsMS := time.Now().UnixMilli()
			if terr == nil {
				tsMS = ts.UnixMilli()
			}
			emit(adapter.Tick{
				Symbol:      toCanonical(msg.ProductID),
				Price:       price,
				Volume:      volume,
				TimestampMS: tsMS,
				LatencyMS:   float64(time.Now().UnixMilli() - tsMS),
			})
		}
	}()

	return wsConn, nil
}

// EncodeSubscribe sends a subscribe/unsubscribe control message.
func (p *Protocol) EncodeSubscribe(conn io.Closer, symbols []string, subscribe bool) error {
	wsConn, ok := conn.(*adapter.WSConn)
	if !ok {
		return fmt.Errorf("coinbase: unexpected connection type %T", conn)
	}
	msgType := "subscribe"
	if !subscribe {
		msgType = "unsubscribe"
	}
	msg := subscribeMsg{Type: msgType, ProductIDs: symbols, Channels: []string{"ticker"}}
	return wsConn.Conn.WriteJSON(msg)
}

type restProductTicker struct {
	Price  string `json:"price"`
	Volume string `json:"volume"`
	Time   string `json:"time"`
}

// FetchTickerREST fetches each product's ticker snapshot individually
// (Coinbase's public REST API has no multi-product ticker endpoint).
func (p *Protocol) FetchTickerREST(ctx context.Context, symbols []string) ([]adapter.Tick, error) {
	ticks := make([]adapter.Tick, 0, len(symbols))
	for _, canonical := range symbols {
		native, err := p.NativeSymbol(canonical)
		if err != nil {
			continue
		}
		reqURL := fmt.Sprintf("%s/%s/ticker", restURL, native)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := p.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("coinbase: REST request failed for %s: %w", native, err)
		}
		var rt restProductTicker
		derr := json.NewDecoder(resp.Body).Decode(&rt)
		resp.Body.Close()
		if derr != nil {
			continue
		}
		price, perr := strconv.ParseFloat(rt.Price, 64)
		if perr != nil {
			continue
		}
		volume, _ := strconv.ParseFloat(rt.Volume, 64)
		ts, terr := time.Parse(time.RFC3339, rt.Time)
		tsMS := time.Now().UnixMilli()
		if terr == nil {
			tsMS = ts.UnixMilli()
		}
		ticks = append(ticks, adapter.Tick{
			Symbol:      canonical,
			Price:       price,
			Volume:      volume,
			TimestampMS: tsMS,
			LatencyMS:   float64(time.Now().UnixMilli() - tsMS),
		})
	}
	return ticks, nil
}

// toCanonical converts "BTC-USD" back to "BTC/USD".
func toCanonical(native string) string {
	return strings.Replace(native, "-", "/", 1)
}
